package run

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mlevasseur/digicrawl/internal/auth"
	"github.com/mlevasseur/digicrawl/internal/fetch"
	"github.com/mlevasseur/digicrawl/internal/metrics"
	"github.com/mlevasseur/digicrawl/internal/redact"
	"github.com/mlevasseur/digicrawl/internal/scrape"
	"github.com/mlevasseur/digicrawl/internal/sink"
)

const maxErrorTextLen = 500

// ErrorLogger records per-task error events alongside the destination data.
type ErrorLogger interface {
	LogError(ctx context.Context, ev sink.ErrorEvent)
}

// Config holds the per-run controller settings.
type Config struct {
	Start       int
	End         int
	Resume      bool
	Concurrency int
	Stop        StopConfig

	SnapshotInterval time.Duration
	MetricsFile      string

	StoreHTML    bool
	MaxHTMLBytes int
	StoreLinks   bool
	MaxLinks     int
}

// Deps are the collaborating subsystems. Errors may be nil when no
// destination error log is available (dry runs).
type Deps struct {
	Fetcher   scrape.Fetcher
	Extractor scrape.Extractor
	Sink      scrape.Sink
	Progress  scrape.ProgressStore
	Endpoints scrape.Endpoints
	Errors    ErrorLogger
}

// Summary is the final report produced for every run, whatever ended it.
type Summary struct {
	RunID    string
	Reason   string
	Snapshot Snapshot
}

// Controller drives one crawl over an identifier range with a bounded worker
// pool. It owns the RunState and is the only writer of stop decisions.
type Controller struct {
	cfg      Config
	deps     Deps
	logger   *zap.Logger
	runID    uuid.UUID
	state    *State
	exporter *Exporter

	mu         sync.Mutex
	stopReason string
	fatal      error
}

// New builds a Controller. The state may be shared with the fetcher's abuse
// callback; pass nil to have the controller allocate its own.
func New(cfg Config, deps Deps, state *State, logger *zap.Logger) *Controller {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if state == nil {
		state = NewState(cfg.End - cfg.Start + 1)
	}
	runID := uuid.New()
	return &Controller{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		runID:    runID,
		state:    state,
		exporter: NewExporter(cfg.MetricsFile, runID.String()),
	}
}

// RunID identifies this process run in records, checkpoints, and metrics.
func (c *Controller) RunID() string { return c.runID.String() }

// State exposes the live counters for the status API.
func (c *Controller) State() *State { return c.state }

// Run processes the configured range until it is exhausted, a stop condition
// fires, or a fatal error forces a drain-and-stop. A Summary is produced in
// every case.
func (c *Controller) Run(ctx context.Context) (Summary, error) {
	done := map[int]scrape.Outcome{}
	if c.cfg.Resume {
		loaded, err := c.deps.Progress.Load(ctx)
		if err != nil {
			return Summary{}, fmt.Errorf("load progress: %w", err)
		}
		done = loaded
	}

	var tasks []int
	for nr := c.cfg.Start; nr <= c.cfg.End; nr++ {
		if _, skip := done[nr]; skip {
			continue
		}
		tasks = append(tasks, nr)
	}
	c.logger.Info("run starting",
		zap.String("run_id", c.runID.String()),
		zap.Int("start", c.cfg.Start),
		zap.Int("end", c.cfg.End),
		zap.Int("tasks", len(tasks)),
		zap.Int("resumed", c.cfg.End-c.cfg.Start+1-len(tasks)))

	snapDone := make(chan struct{})
	var snapWG sync.WaitGroup
	if c.cfg.SnapshotInterval > 0 {
		snapWG.Add(1)
		go func() {
			defer snapWG.Done()
			c.snapshotLoop(snapDone)
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for _, nr := range tasks {
		if c.stopped() || gctx.Err() != nil {
			break
		}
		nr := nr
		g.Go(func() error {
			if c.stopped() {
				return nil
			}
			if err := c.processTask(gctx, nr); err != nil {
				return err
			}
			if reason, stop := c.cfg.Stop.Evaluate(c.state.Snapshot()); stop {
				c.setStop(reason)
			}
			return nil
		})
	}
	runErr := g.Wait()

	close(snapDone)
	snapWG.Wait()

	// Drain the batch buffer before reporting; the checkpoint is already
	// written per task.
	if err := c.deps.Sink.Flush(context.Background()); err != nil {
		c.logger.Error("final flush failed", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}

	snap := c.state.Snapshot()
	if err := c.exporter.Export(snap); err != nil {
		c.logger.Warn("final metrics export failed", zap.Error(err))
	}
	if err := c.exporter.Close(); err != nil {
		c.logger.Warn("metrics file close failed", zap.Error(err))
	}

	summary := Summary{RunID: c.runID.String(), Reason: c.terminationReason(runErr), Snapshot: snap}
	c.logSummary(summary)
	return summary, runErr
}

// ScrapeOne runs the fetch-gate-extract pipeline for a single identifier and
// returns the assembled record without touching the sink, the checkpoint, or
// the run counters. Used by the on-demand API endpoint.
func (c *Controller) ScrapeOne(ctx context.Context, nr int) (scrape.Record, error) {
	res, err := c.deps.Fetcher.Fetch(ctx, c.deps.Endpoints.GateURL(nr))
	if err != nil {
		return scrape.Record{}, err
	}
	passed, reason := c.deps.Extractor.Gate(res.Body)
	rec := scrape.Record{
		NR:         nr,
		RunID:      c.runID,
		GatePassed: passed,
		FetchedAt:  time.Now().UTC(),
	}
	if passed {
		rec.Pages = c.fetchPages(ctx, nr, res)
	} else {
		rec.GateReason = redact.String(reason)
	}
	return rec, nil
}

// processTask runs the per-task pipeline. It returns a non-nil error only for
// run-fatal conditions; ordinary task failures are recorded and absorbed.
func (c *Controller) processTask(ctx context.Context, nr int) error {
	start := time.Now()
	gateURL := c.deps.Endpoints.GateURL(nr)

	res, err := c.deps.Fetcher.Fetch(ctx, gateURL)
	if err != nil {
		return c.taskError(ctx, nr, gateURL, err, time.Since(start))
	}

	passed, reason := c.deps.Extractor.Gate(res.Body)
	rec := scrape.Record{
		NR:         nr,
		RunID:      c.runID,
		GatePassed: passed,
		FetchedAt:  time.Now().UTC(),
	}
	if passed {
		rec.Pages = c.fetchPages(ctx, nr, res)
	} else {
		rec.GateReason = redact.String(reason)
	}

	if err := c.deps.Sink.Write(ctx, rec); err != nil {
		if errors.Is(err, sink.ErrSpoolUnwritable) {
			c.setFatal(err)
			return err
		}
		return c.taskError(ctx, nr, gateURL, err, time.Since(start))
	}

	// Done is only recorded after the record is durably handed off.
	if err := c.deps.Progress.Record(ctx, nr, scrape.OutcomeOK, c.runID.String(), ""); err != nil {
		c.logger.Warn("checkpoint write failed", zap.Int("nr", nr), zap.Error(err))
	}

	dur := time.Since(start)
	c.state.RecordOK(passed, dur)
	metrics.IncTask(string(scrape.OutcomeOK))
	metrics.ObserveTaskDuration(dur)
	return nil
}

func (c *Controller) taskError(ctx context.Context, nr int, url string, err error, dur time.Duration) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// The run is draining; leave the task unrecorded so a resume
		// picks it up.
		return nil
	}
	if errors.Is(err, fetch.ErrNotFound) {
		if perr := c.deps.Progress.Record(ctx, nr, scrape.OutcomeNotFound, c.runID.String(), ""); perr != nil {
			c.logger.Warn("checkpoint write failed", zap.Int("nr", nr), zap.Error(perr))
		}
		c.state.RecordNotFound(dur)
		metrics.IncTask(string(scrape.OutcomeNotFound))
		metrics.ObserveTaskDuration(dur)
		return nil
	}

	msg := truncate(redact.String(err.Error()), maxErrorTextLen)
	etype := classifyError(err)
	c.logger.Warn("task failed",
		zap.Int("nr", nr), zap.String("type", etype), zap.String("error", msg))
	if c.deps.Errors != nil {
		c.deps.Errors.LogError(ctx, sink.ErrorEvent{
			RunID:   c.runID.String(),
			NR:      nr,
			Type:    etype,
			Message: msg,
			URL:     url,
		})
	}
	if perr := c.deps.Progress.Record(ctx, nr, scrape.OutcomeFailed, c.runID.String(), msg); perr != nil {
		c.logger.Warn("checkpoint write failed", zap.Int("nr", nr), zap.Error(perr))
	}
	c.state.RecordFailed(dur)
	metrics.IncTask(string(scrape.OutcomeFailed))
	metrics.ObserveTaskDuration(dur)

	if errors.Is(err, auth.ErrAuthFatal) && c.cfg.Stop.FailFast {
		c.setFatal(err)
		return err
	}
	return nil
}

// fetchPages retrieves the four non-gate pages concurrently and assembles the
// per-page data, reusing the already-fetched gate page body for the view
// entry. Page-level fetch errors are captured in the page data and never fail
// the task.
func (c *Controller) fetchPages(ctx context.Context, nr int, gateRes scrape.PageResult) map[scrape.PageType]scrape.PageData {
	pages := make(map[scrape.PageType]scrape.PageData, len(scrape.PageTypes))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, pt := range scrape.PageTypes {
		if pt == scrape.PageView {
			continue
		}
		pt := pt
		g.Go(func() error {
			url := c.deps.Endpoints.PageURL(pt, nr)
			var pd scrape.PageData
			res, err := c.deps.Fetcher.Fetch(gctx, url)
			if err != nil {
				pd = scrape.PageData{URL: url, FetchError: truncate(redact.String(err.Error()), maxErrorTextLen)}
			} else {
				pd = c.pageData(pt, res)
			}
			mu.Lock()
			pages[pt] = pd
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	pages[scrape.PageView] = c.pageData(scrape.PageView, gateRes)
	return pages
}

func (c *Controller) pageData(pt scrape.PageType, res scrape.PageResult) scrape.PageData {
	pd := scrape.PageData{
		URL:         res.URL,
		FinalURL:    res.FinalURL,
		StatusCode:  res.StatusCode,
		ContentHash: res.ContentHash,
	}
	extracted, err := c.deps.Extractor.Extract(pt, res.Body)
	if err != nil {
		pd.FetchError = truncate(redact.String(err.Error()), maxErrorTextLen)
	} else if len(extracted) > 0 {
		pd.Extracted = redact.Map(extracted)
	}
	if c.cfg.StoreLinks {
		pd.Links = c.deps.Extractor.Links(res.Body, c.deps.Endpoints.BaseURL, c.cfg.MaxLinks)
	}
	if c.cfg.StoreHTML && (c.cfg.MaxHTMLBytes <= 0 || res.Bytes <= c.cfg.MaxHTMLBytes) {
		if gz, gzErr := gzipB64(res.Body); gzErr == nil {
			pd.RawHTMLGz = gz
		}
	}
	return pd
}

func (c *Controller) snapshotLoop(done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			snap := c.state.Snapshot()
			if err := c.exporter.Export(snap); err != nil {
				c.logger.Warn("metrics export failed", zap.Error(err))
			}
			c.logger.Info("progress",
				zap.Int("processed", snap.Processed),
				zap.Int("total", snap.Total),
				zap.Int("ok", snap.OK),
				zap.Int("gate_passed", snap.GatePassed),
				zap.Int("failed", snap.Failed),
				zap.Float64("rps", snap.RPS()),
				zap.Float64("eta_seconds", snap.ETA()))
		}
	}
}

func (c *Controller) logSummary(s Summary) {
	c.logger.Info("run finished",
		zap.String("run_id", s.RunID),
		zap.String("reason", s.Reason),
		zap.Duration("elapsed", s.Snapshot.Elapsed),
		zap.Int("processed", s.Snapshot.Processed),
		zap.Int("ok", s.Snapshot.OK),
		zap.Int("gate_passed", s.Snapshot.GatePassed),
		zap.Int("gate_failed", s.Snapshot.GateFailed),
		zap.Int("failed", s.Snapshot.Failed),
		zap.Int("not_found", s.Snapshot.NotFound),
		zap.Int("errors_403", s.Snapshot.Err403),
		zap.Int("errors_429", s.Snapshot.Err429),
		zap.Float64("rps", s.Snapshot.RPS()))
}

func (c *Controller) setStop(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopReason == "" {
		c.stopReason = reason
		c.logger.Warn("stop condition met", zap.String("reason", reason))
	}
}

func (c *Controller) setFatal(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatal == nil {
		c.fatal = err
		c.logger.Error("fatal run error, draining", zap.Error(err))
	}
}

func (c *Controller) stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopReason != "" || c.fatal != nil
}

func (c *Controller) terminationReason(runErr error) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.fatal != nil:
		return "fatal: " + redact.String(c.fatal.Error())
	case c.stopReason != "":
		return c.stopReason
	case runErr != nil:
		return "error: " + redact.String(runErr.Error())
	default:
		return "range exhausted"
	}
}

func classifyError(err error) string {
	switch {
	case errors.Is(err, auth.ErrAuthFatal), errors.Is(err, fetch.ErrSessionExpired):
		return "auth_error"
	default:
		return "fetch_error"
	}
}

func gzipB64(body []byte) (string, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(body); err != nil {
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// truncate shortens s to at most n bytes without splitting a UTF-8 rune;
// French error text from extracted pages is multi-byte.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
