package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlevasseur/digicrawl/internal/config"
	"github.com/mlevasseur/digicrawl/internal/fetch"
	"github.com/mlevasseur/digicrawl/internal/scrape"
)

type fakeScraper struct {
	rec scrape.Record
	err error
}

func (f *fakeScraper) ScrapeOne(context.Context, int) (scrape.Record, error) {
	return f.rec, f.err
}

type fakeProgress struct {
	stats map[scrape.Outcome]int
}

func (f *fakeProgress) Stats(context.Context) (map[scrape.Outcome]int, error) {
	return f.stats, nil
}

func newTestServer(scraper TaskScraper, progress ProgressStats, cfg config.Server) *Server {
	return NewServer(cfg, scraper, nil, progress, nil, nil)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(nil, nil, config.Server{})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestScrapeOneEndpoint(t *testing.T) {
	scraper := &fakeScraper{rec: scrape.Record{NR: 42, GatePassed: false, GateReason: "no subscription rental marker"}}
	srv := newTestServer(scraper, nil, config.Server{})

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/scrape/42", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var rec scrape.Record
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, 42, rec.NR)
	assert.False(t, rec.GatePassed)
}

func TestScrapeOneNotFound(t *testing.T) {
	scraper := &fakeScraper{err: fmt.Errorf("gate page: %w", fetch.ErrNotFound)}
	srv := newTestServer(scraper, nil, config.Server{})

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/scrape/42", nil))

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestScrapeOneBadIdentifier(t *testing.T) {
	srv := newTestServer(&fakeScraper{}, nil, config.Server{})

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/scrape/abc", nil))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestProgressStatsEndpoint(t *testing.T) {
	progress := &fakeProgress{stats: map[scrape.Outcome]int{
		scrape.OutcomeOK:       10,
		scrape.OutcomeFailed:   2,
		scrape.OutcomeNotFound: 1,
	}}
	srv := newTestServer(nil, progress, config.Server{})

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/progress/stats", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var stats map[string]int
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, 10, stats["ok"])
	assert.Equal(t, 2, stats["failed"])
}

func TestAPIKeyMiddleware(t *testing.T) {
	srv := newTestServer(&fakeScraper{}, nil, config.Server{AuthEnabled: true, APIKey: "sekrit"})

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/scrape/1", nil))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/scrape/1", nil)
	req.Header.Set("X-API-Key", "sekrit")
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	// Health stays open without a key.
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}
