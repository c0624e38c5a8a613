package scrape

import "context"

// Fetcher retrieves one page with retry, rate limiting, and session handling.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (PageResult, error)
}

// Extractor turns fetched page bodies into structured data. Gate decides
// whether deep extraction proceeds for a task; it must be a pure function of
// the body. Extract is only called on bodies whose task passed the gate.
type Extractor interface {
	Gate(body []byte) (passed bool, reason string)
	Extract(pt PageType, body []byte) (map[string]any, error)
	Links(body []byte, baseURL string, max int) []Link
}

// Sink accepts records for durable delivery to the destination store.
type Sink interface {
	Write(ctx context.Context, rec Record) error
	Flush(ctx context.Context) error
}

// ProgressStore durably maps task identifiers to terminal outcomes so
// interrupted runs can resume.
type ProgressStore interface {
	Load(ctx context.Context) (map[int]Outcome, error)
	Record(ctx context.Context, nr int, outcome Outcome, runID string, errText string) error
}
