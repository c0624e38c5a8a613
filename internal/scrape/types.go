// Package scrape defines the core types and interfaces shared across the
// crawl subsystems.
package scrape

import (
	"time"

	"github.com/google/uuid"
)

// PageType names one of the record pages fetched per task.
type PageType string

// Page types crawled for every task that passes the gate.
const (
	PageView     PageType = "view"
	PagePayment  PageType = "payment"
	PageLogistic PageType = "logistic"
	PageInfos    PageType = "infos"
	PageOrders   PageType = "orders"
)

// PageTypes lists every page type in fetch order. PageView comes first because
// it doubles as the gate page.
var PageTypes = []PageType{PageView, PagePayment, PageLogistic, PageInfos, PageOrders}

// Task names one unit of work: a single record identifier in the target
// backend's numbered space.
type Task struct {
	NR int `json:"nr"`
}

// PageClass is the coarse classification of a fetched page.
type PageClass string

// Page classifications.
const (
	ClassOK    PageClass = "ok"
	ClassLogin PageClass = "login"
	ClassError PageClass = "error"
)

// PageResult is the outcome of fetching one page. Body is transient and is
// never persisted unless raw-page storage is explicitly enabled.
type PageResult struct {
	URL         string
	FinalURL    string
	StatusCode  int
	ContentHash string
	Bytes       int
	Body        []byte
	Class       PageClass
	Duration    time.Duration
}

// PageData is the persisted, per-page slice of a Record.
type PageData struct {
	URL         string         `json:"url"`
	FinalURL    string         `json:"final_url,omitempty"`
	StatusCode  int            `json:"status_code"`
	ContentHash string         `json:"content_hash,omitempty"`
	FetchError  string         `json:"fetch_error,omitempty"`
	Extracted   map[string]any `json:"extracted,omitempty"`
	Links       []Link         `json:"links,omitempty"`
	RawHTMLGz   string         `json:"raw_html_gz_b64,omitempty"`
}

// Link is one harvested hyperlink from a page body.
type Link struct {
	Href string `json:"href"`
	Text string `json:"text,omitempty"`
}

// Record is the unit stored per task. It is created once, after the task's
// pages are fetched and extracted, and handed to the output sink exactly once.
type Record struct {
	NR         int                   `json:"nr"`
	RunID      uuid.UUID             `json:"run_id"`
	GatePassed bool                  `json:"gate_passed"`
	GateReason string                `json:"gate_reason,omitempty"`
	Pages      map[PageType]PageData `json:"pages,omitempty"`
	FetchedAt  time.Time             `json:"fetched_at"`
}

// Outcome is the terminal status recorded for a task.
type Outcome string

// Terminal task outcomes persisted in the progress store.
const (
	OutcomeOK       Outcome = "ok"
	OutcomeFailed   Outcome = "failed"
	OutcomeNotFound Outcome = "not_found"
)
