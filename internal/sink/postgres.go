// Package sink delivers records to the destination store, batching upserts
// and degrading to a local spool when the destination is unavailable.
package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/mlevasseur/digicrawl/internal/redact"
	"github.com/mlevasseur/digicrawl/internal/scrape"
)

const destinationSchema = `
CREATE TABLE IF NOT EXISTS crawl_records (
    nr          BIGINT PRIMARY KEY,
    run_id      UUID NOT NULL,
    gate_passed BOOLEAN NOT NULL,
    gate_reason TEXT,
    fetched_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS crawl_pages (
    nr           BIGINT NOT NULL,
    page_type    TEXT NOT NULL,
    run_id       UUID NOT NULL,
    url          TEXT NOT NULL,
    final_url    TEXT,
    status_code  INT,
    content_hash TEXT,
    fetch_error  TEXT,
    extracted    JSONB,
    links        JSONB,
    raw_html_gz  TEXT,
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (nr, page_type)
);
CREATE TABLE IF NOT EXISTS crawl_errors (
    id         BIGSERIAL PRIMARY KEY,
    run_id     UUID NOT NULL,
    nr         BIGINT,
    error_type TEXT NOT NULL,
    message    TEXT NOT NULL,
    url        TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// DB is the subset of pgxpool.Pool the writer needs; pgxmock satisfies it in
// tests.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

// ErrorEvent is one error-log row written alongside records.
type ErrorEvent struct {
	RunID   string
	NR      int
	Type    string
	Message string
	URL     string
}

// PostgresWriter upserts records into the destination database. Upserts are
// keyed by nr (record row) and (nr, page_type) (page rows), so repeated
// delivery of the same record is a no-op beyond the first.
type PostgresWriter struct {
	db     DB
	logger *zap.Logger
}

// NewPostgresWriter connects a pool and verifies it with a ping.
func NewPostgresWriter(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresWriter, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create destination pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping destination: %w", err)
	}
	return NewPostgresWriterWithDB(pool, logger), nil
}

// NewPostgresWriterWithDB wraps an existing pool (or a mock in tests).
func NewPostgresWriterWithDB(db DB, logger *zap.Logger) *PostgresWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresWriter{db: db, logger: logger}
}

// EnsureSchema creates the destination tables if they do not exist.
func (w *PostgresWriter) EnsureSchema(ctx context.Context) error {
	if _, err := w.db.Exec(ctx, destinationSchema); err != nil {
		return fmt.Errorf("ensure destination schema: %w", err)
	}
	return nil
}

// UpsertRecord writes one record row plus its page rows.
func (w *PostgresWriter) UpsertRecord(ctx context.Context, rec scrape.Record) error {
	var gateReason any
	if !rec.GatePassed && rec.GateReason != "" {
		gateReason = redact.String(rec.GateReason)
	}
	_, err := w.db.Exec(ctx, `
		INSERT INTO crawl_records (nr, run_id, gate_passed, gate_reason, fetched_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (nr) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			gate_passed = EXCLUDED.gate_passed,
			gate_reason = EXCLUDED.gate_reason,
			fetched_at = EXCLUDED.fetched_at,
			updated_at = NOW()
	`, rec.NR, rec.RunID, rec.GatePassed, gateReason, rec.FetchedAt)
	if err != nil {
		return fmt.Errorf("upsert record nr=%d: %w", rec.NR, err)
	}

	for pt, page := range rec.Pages {
		if err := w.upsertPage(ctx, rec, pt, page); err != nil {
			return err
		}
	}
	return nil
}

func (w *PostgresWriter) upsertPage(ctx context.Context, rec scrape.Record, pt scrape.PageType, page scrape.PageData) error {
	extracted, err := marshalJSONB(redact.Map(page.Extracted))
	if err != nil {
		return fmt.Errorf("marshal extracted nr=%d type=%s: %w", rec.NR, pt, err)
	}
	var links []byte
	if len(page.Links) > 0 {
		links, err = json.Marshal(page.Links)
		if err != nil {
			return fmt.Errorf("marshal links nr=%d type=%s: %w", rec.NR, pt, err)
		}
	}
	var rawHTML any
	if page.RawHTMLGz != "" {
		rawHTML = page.RawHTMLGz
	}
	var fetchErr any
	if page.FetchError != "" {
		fetchErr = redact.String(page.FetchError)
	}

	_, err = w.db.Exec(ctx, `
		INSERT INTO crawl_pages
			(nr, page_type, run_id, url, final_url, status_code, content_hash,
			 fetch_error, extracted, links, raw_html_gz, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (nr, page_type) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			url = EXCLUDED.url,
			final_url = EXCLUDED.final_url,
			status_code = EXCLUDED.status_code,
			content_hash = EXCLUDED.content_hash,
			fetch_error = EXCLUDED.fetch_error,
			extracted = EXCLUDED.extracted,
			links = EXCLUDED.links,
			raw_html_gz = EXCLUDED.raw_html_gz,
			updated_at = NOW()
	`, rec.NR, string(pt), rec.RunID, page.URL, page.FinalURL, page.StatusCode,
		page.ContentHash, fetchErr, extracted, links, rawHTML)
	if err != nil {
		return fmt.Errorf("upsert page nr=%d type=%s: %w", rec.NR, pt, err)
	}
	return nil
}

// LogError records one error event; failures here are logged, never fatal.
func (w *PostgresWriter) LogError(ctx context.Context, ev ErrorEvent) {
	var nr any
	if ev.NR != 0 {
		nr = ev.NR
	}
	_, err := w.db.Exec(ctx, `
		INSERT INTO crawl_errors (run_id, nr, error_type, message, url)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.RunID, nr, ev.Type, redact.String(ev.Message), ev.URL)
	if err != nil {
		w.logger.Warn("error-log write failed", zap.Error(err))
	}
}

// Ping verifies destination connectivity.
func (w *PostgresWriter) Ping(ctx context.Context) error {
	return w.db.Ping(ctx)
}

// Close releases the pool.
func (w *PostgresWriter) Close() {
	w.db.Close()
}

func marshalJSONB(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
