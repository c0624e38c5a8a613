package run

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlevasseur/digicrawl/internal/auth"
	"github.com/mlevasseur/digicrawl/internal/extract"
	"github.com/mlevasseur/digicrawl/internal/scrape"
)

type fakeFetcher struct {
	fn func(url string) (scrape.PageResult, error)
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (scrape.PageResult, error) {
	return f.fn(url)
}

type memSink struct {
	mu   sync.Mutex
	recs []scrape.Record
}

func (s *memSink) Write(_ context.Context, rec scrape.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *memSink) Flush(context.Context) error { return nil }

func (s *memSink) records() map[int]scrape.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]scrape.Record, len(s.recs))
	for _, r := range s.recs {
		out[r.NR] = r
	}
	return out
}

type memProgress struct {
	mu   sync.Mutex
	done map[int]scrape.Outcome
}

func newMemProgress() *memProgress {
	return &memProgress{done: map[int]scrape.Outcome{}}
}

func (p *memProgress) Load(context.Context) (map[int]scrape.Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int]scrape.Outcome, len(p.done))
	for k, v := range p.done {
		out[k] = v
	}
	return out, nil
}

func (p *memProgress) Record(_ context.Context, nr int, outcome scrape.Outcome, _ string, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done[nr] = outcome
	return nil
}

const gatedBody = `<html><body><h5>Location de véhicule</h5><span class="ref">BC-1</span></body></html>`
const plainBody = `<html><body><h5>Vente directe</h5></body></html>`

func newTestController(cfg Config, deps Deps) *Controller {
	if deps.Extractor == nil {
		deps.Extractor = extract.New(nil)
	}
	if deps.Endpoints == (scrape.Endpoints{}) {
		deps.Endpoints = scrape.Endpoints{BaseURL: "https://backend.test"}
	}
	return New(cfg, deps, nil, nil)
}

func TestRunGatedRangeScenario(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(url string) (scrape.PageResult, error) {
		body := plainBody
		if strings.Contains(url, "view?nr=102") {
			body = gatedBody
		}
		return scrape.PageResult{
			URL:        url,
			FinalURL:   url,
			StatusCode: 200,
			Body:       []byte(body),
			Bytes:      len(body),
			Class:      scrape.ClassOK,
		}, nil
	}}
	sk := &memSink{}
	progress := newMemProgress()

	ctrl := newTestController(Config{Start: 100, End: 104, Concurrency: 3}, Deps{
		Fetcher:  fetcher,
		Sink:     sk,
		Progress: progress,
	})

	summary, err := ctrl.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "range exhausted", summary.Reason)
	assert.Equal(t, 5, summary.Snapshot.Processed)
	assert.Equal(t, 5, summary.Snapshot.OK)
	assert.Equal(t, 1, summary.Snapshot.GatePassed)
	assert.Equal(t, 4, summary.Snapshot.GateFailed)

	recs := sk.records()
	require.Len(t, recs, 5)
	for nr := 100; nr <= 104; nr++ {
		rec, ok := recs[nr]
		require.True(t, ok, "missing record for %d", nr)
		if nr == 102 {
			assert.True(t, rec.GatePassed)
			assert.Empty(t, rec.GateReason)
			assert.Len(t, rec.Pages, 5)
		} else {
			assert.False(t, rec.GatePassed)
			assert.NotEmpty(t, rec.GateReason)
			assert.Empty(t, rec.Pages)
		}
	}

	done, err := progress.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, done, 5)
	for nr := 100; nr <= 104; nr++ {
		assert.Equal(t, scrape.OutcomeOK, done[nr])
	}
}

func TestRunStopsOnConsecutiveErrors(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(url string) (scrape.PageResult, error) {
		return scrape.PageResult{}, errors.New("connection reset")
	}}
	progress := newMemProgress()

	ctrl := newTestController(Config{
		Start:       1,
		End:         10,
		Concurrency: 1,
		Stop:        StopConfig{MaxConsecutiveErrors: 3},
	}, Deps{
		Fetcher:  fetcher,
		Sink:     &memSink{},
		Progress: progress,
	})

	summary, err := ctrl.Run(context.Background())
	require.NoError(t, err)
	assert.Contains(t, summary.Reason, "max_consecutive_errors=3")
	assert.Equal(t, 3, summary.Snapshot.Processed)
	assert.Equal(t, 3, summary.Snapshot.Failed)

	done, _ := progress.Load(context.Background())
	assert.Len(t, done, 3)
	for _, outcome := range done {
		assert.Equal(t, scrape.OutcomeFailed, outcome)
	}
}

func TestRunAuthFatalFailFast(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(url string) (scrape.PageResult, error) {
		return scrape.PageResult{}, fmt.Errorf("credentials: %w", auth.ErrAuthFatal)
	}}

	ctrl := newTestController(Config{
		Start:       1,
		End:         5,
		Concurrency: 1,
		Stop:        StopConfig{FailFast: true},
	}, Deps{
		Fetcher:  fetcher,
		Sink:     &memSink{},
		Progress: newMemProgress(),
	})

	summary, err := ctrl.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, auth.ErrAuthFatal))
	assert.Contains(t, summary.Reason, "fatal")
	assert.Zero(t, summary.Snapshot.OK)
}

func TestRunResumeSkipsDoneTasks(t *testing.T) {
	var mu sync.Mutex
	fetched := map[string]bool{}
	fetcher := &fakeFetcher{fn: func(url string) (scrape.PageResult, error) {
		mu.Lock()
		fetched[url] = true
		mu.Unlock()
		return scrape.PageResult{
			URL: url, FinalURL: url, StatusCode: 200,
			Body: []byte(plainBody), Bytes: len(plainBody), Class: scrape.ClassOK,
		}, nil
	}}
	progress := newMemProgress()
	require.NoError(t, progress.Record(context.Background(), 1, scrape.OutcomeOK, "earlier", ""))
	require.NoError(t, progress.Record(context.Background(), 2, scrape.OutcomeNotFound, "earlier", ""))

	ctrl := newTestController(Config{Start: 1, End: 4, Resume: true, Concurrency: 2}, Deps{
		Fetcher:  fetcher,
		Sink:     &memSink{},
		Progress: progress,
	})

	summary, err := ctrl.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Snapshot.Processed)

	mu.Lock()
	defer mu.Unlock()
	for url := range fetched {
		assert.NotContains(t, url, "nr=1")
		assert.NotContains(t, url, "nr=2")
	}
}

func TestStopConfigEvaluateOrder(t *testing.T) {
	cfg := StopConfig{MaxErrors: 5, Max403: 2}
	snap := Snapshot{Errors: 5, Err403: 2}
	reason, stop := cfg.Evaluate(snap)
	require.True(t, stop)
	assert.Contains(t, reason, "max_errors")

	cfg = StopConfig{Max403: 2}
	reason, stop = cfg.Evaluate(snap)
	require.True(t, stop)
	assert.Contains(t, reason, "max_403")

	_, stop = StopConfig{}.Evaluate(snap)
	assert.False(t, stop)
}

func TestTruncateKeepsRuneBoundaries(t *testing.T) {
	s := strings.Repeat("erreur véhicule à répétition ", 40)
	for n := 0; n <= 24; n++ {
		got := truncate(s, n)
		assert.LessOrEqual(t, len(got), n)
		assert.True(t, utf8.ValidString(got), "n=%d", n)
	}

	// A cut landing inside a multi-byte rune steps back to the previous
	// boundary instead of storing invalid UTF-8.
	assert.Equal(t, "v", truncate("véhicule", 2))
	assert.Equal(t, "vé", truncate("véhicule", 3))
	assert.Equal(t, "type de vente", truncate("type de vente", 50))
}
