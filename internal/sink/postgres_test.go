package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlevasseur/digicrawl/internal/scrape"
)

func TestEnsureSchema(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_records").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	w := NewPostgresWriterWithDB(mock, nil)
	require.NoError(t, w.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRecordWritesRecordAndPages(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	fetchedAt := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	runID := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	rec := scrape.Record{
		NR:         1042,
		RunID:      runID,
		GatePassed: true,
		FetchedAt:  fetchedAt,
		Pages: map[scrape.PageType]scrape.PageData{
			scrape.PageView: {
				URL:         "https://x/digi/com/cto/view?nr=1042",
				FinalURL:    "https://x/digi/com/cto/view?nr=1042",
				StatusCode:  200,
				ContentHash: "abcd",
				Extracted:   map[string]any{"ref": "BC-1042"},
			},
		},
	}

	mock.ExpectExec("INSERT INTO crawl_records").
		WithArgs(1042, runID, true, nil, fetchedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO crawl_pages").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	w := NewPostgresWriterWithDB(mock, nil)
	require.NoError(t, w.UpsertRecord(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRecordGateReasonStored(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	fetchedAt := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	runID := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	rec := scrape.Record{
		NR:         7,
		RunID:      runID,
		GatePassed: false,
		GateReason: "no subscription rental marker",
		FetchedAt:  fetchedAt,
	}

	mock.ExpectExec("INSERT INTO crawl_records").
		WithArgs(7, runID, false, "no subscription rental marker", fetchedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	w := NewPostgresWriterWithDB(mock, nil)
	require.NoError(t, w.UpsertRecord(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRecordPropagatesError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO crawl_records").
		WillReturnError(errors.New("connection refused"))

	w := NewPostgresWriterWithDB(mock, nil)
	err = w.UpsertRecord(context.Background(), scrape.Record{NR: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert record nr=1")
}

func TestLogErrorRedactsMessage(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO crawl_errors").
		WithArgs("run-1", 42, "fetch_error", "cookie [REDACTED] rejected", "https://x/view?nr=42").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	w := NewPostgresWriterWithDB(mock, nil)
	w.LogError(context.Background(), ErrorEvent{
		RunID:   "run-1",
		NR:      42,
		Type:    "fetch_error",
		Message: "cookie DigifactoryBO=abc123 rejected",
		URL:     "https://x/view?nr=42",
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLogErrorNeverFails(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO crawl_errors").
		WillReturnError(errors.New("connection refused"))

	// LogError swallows write failures; errors about errors must not take
	// the run down.
	w := NewPostgresWriterWithDB(mock, nil)
	w.LogError(context.Background(), ErrorEvent{RunID: "run-1", Type: "fetch_error", Message: "x"})
	assert.NoError(t, mock.ExpectationsWereMet())
}
