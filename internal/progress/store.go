// Package progress implements the durable, crash-safe record of task
// completion that makes runs resumable.
package progress

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// SQLite database driver (CGO-free)
	_ "modernc.org/sqlite"

	"github.com/mlevasseur/digicrawl/internal/scrape"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS scrape_progress (
    nr         INTEGER PRIMARY KEY,
    status     TEXT NOT NULL CHECK (status IN ('ok', 'failed', 'not_found')),
    run_id     TEXT NOT NULL,
    fetched_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    error      TEXT
);
CREATE INDEX IF NOT EXISTS idx_progress_status ON scrape_progress(status);
`

// Store is a SQLite-backed implementation of scrape.ProgressStore. Each write
// is a single upsert inside SQLite's WAL, so a crash immediately after Record
// never leaves a partial row.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the progress database at path.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open progress db: %w", err)
	}

	// A single connection avoids writer lock conflicts.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 30000",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("execute pragma %s: %w", pragma, err)
		}
	}
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create progress schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns every identifier with a terminal outcome, for resume
// filtering.
func (s *Store) Load(ctx context.Context) (map[int]scrape.Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT nr, status FROM scrape_progress`)
	if err != nil {
		return nil, fmt.Errorf("load progress: %w", err)
	}
	defer rows.Close()

	done := make(map[int]scrape.Outcome)
	for rows.Next() {
		var nr int
		var status string
		if err := rows.Scan(&nr, &status); err != nil {
			return nil, fmt.Errorf("scan progress row: %w", err)
		}
		done[nr] = scrape.Outcome(status)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate progress rows: %w", err)
	}
	return done, nil
}

// Record durably persists the outcome for one identifier. Repeated calls for
// the same nr are allowed; the last write wins.
func (s *Store) Record(ctx context.Context, nr int, outcome scrape.Outcome, runID string, errText string) error {
	if len(errText) > 500 {
		errText = errText[:500]
	}
	var errCol any
	if errText != "" {
		errCol = errText
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scrape_progress (nr, status, run_id, fetched_at, error)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(nr) DO UPDATE SET
			status = excluded.status,
			run_id = excluded.run_id,
			fetched_at = excluded.fetched_at,
			error = excluded.error
	`, nr, string(outcome), runID, time.Now().UTC(), errCol)
	if err != nil {
		return fmt.Errorf("record progress nr=%d: %w", nr, err)
	}
	return nil
}

// Stats returns the count of identifiers per terminal status.
func (s *Store) Stats(ctx context.Context) (map[scrape.Outcome]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM scrape_progress GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("progress stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[scrape.Outcome]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		stats[scrape.Outcome(status)] = n
	}
	return stats, rows.Err()
}
