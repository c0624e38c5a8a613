package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mlevasseur/digicrawl/internal/metrics"
	"github.com/mlevasseur/digicrawl/internal/scrape"
	"github.com/mlevasseur/digicrawl/internal/spool"
)

// ErrSpoolUnwritable is fatal for the run: the destination rejected a batch
// and the local spool could not preserve it either.
var ErrSpoolUnwritable = errors.New("sink: spool unwritable, data would be lost")

// Writer is the destination upsert path. PostgresWriter is the production
// implementation; tests use fakes.
type Writer interface {
	UpsertRecord(ctx context.Context, rec scrape.Record) error
	Ping(ctx context.Context) error
}

// NopWriter accepts everything and writes nothing; used for dry runs.
type NopWriter struct{}

// UpsertRecord discards the record.
func (NopWriter) UpsertRecord(context.Context, scrape.Record) error { return nil }

// Ping always succeeds.
func (NopWriter) Ping(context.Context) error { return nil }

// Config controls batching and the drain cadence.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	DrainInterval time.Duration
}

// Sink buffers records into batches and upserts them. A failed batch is
// appended whole to the spool and redelivered later by the drain loop, in
// arrival order, giving at-least-once delivery on top of idempotent upserts.
type Sink struct {
	writer Writer
	spool  *spool.Spool
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	buf   []scrape.Record
	fatal error

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Sink and starts its background flush and drain loops.
func New(writer Writer, sp *spool.Spool, cfg Config, logger *zap.Logger) *Sink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sink{
		writer: writer,
		spool:  sp,
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	s.wg.Add(2)
	go s.flushLoop()
	go s.drainLoop()
	return s
}

// Write accepts one record. The record is durably handed off by the time
// Write returns without error in combination with a later Flush; a
// ErrSpoolUnwritable return means data could not be preserved anywhere.
func (s *Sink) Write(ctx context.Context, rec scrape.Record) error {
	s.mu.Lock()
	if s.fatal != nil {
		err := s.fatal
		s.mu.Unlock()
		return err
	}
	s.buf = append(s.buf, rec)
	full := len(s.buf) >= s.cfg.BatchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush delivers everything buffered. On destination failure the batch goes
// to the spool instead; only a spool failure is escalated.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.buf
	s.buf = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	err := s.deliver(ctx, batch)
	if err != nil && errors.Is(err, ErrSpoolUnwritable) {
		s.mu.Lock()
		s.fatal = err
		s.mu.Unlock()
	}
	return err
}

func (s *Sink) deliver(ctx context.Context, batch []scrape.Record) error {
	for i, rec := range batch {
		if err := s.writer.UpsertRecord(ctx, rec); err != nil {
			metrics.IncSinkUpsert("failed")
			s.logger.Warn("destination write failed, spooling batch",
				zap.Int("records", len(batch)),
				zap.Int("delivered_before_failure", i),
				zap.Error(err))
			// Spool the whole batch; upsert idempotency makes the
			// already-delivered prefix harmless on replay.
			if spoolErr := s.spool.Append(batch); spoolErr != nil {
				return fmt.Errorf("%w: %s", ErrSpoolUnwritable, spoolErr)
			}
			metrics.AddSpooledRecords(len(batch))
			metrics.SetSpoolSegments(s.spool.Depth())
			return nil
		}
		metrics.IncSinkUpsert("ok")
	}
	return nil
}

// Drain attempts to deliver every pending spool segment, oldest first. It
// stops at the first failure, leaving the remaining segments for a later
// attempt, and reports how many segments were delivered.
func (s *Sink) Drain(ctx context.Context) (int, error) {
	segments, err := s.spool.Segments()
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, name := range segments {
		records, err := s.spool.Read(name)
		if err != nil {
			return delivered, err
		}
		for _, rec := range records {
			if err := s.writer.UpsertRecord(ctx, rec); err != nil {
				metrics.IncSinkUpsert("failed")
				return delivered, fmt.Errorf("drain segment %s: %w", name, err)
			}
			metrics.IncSinkUpsert("ok")
		}
		if err := s.spool.Remove(name); err != nil {
			return delivered, err
		}
		delivered++
		s.logger.Info("spool segment drained",
			zap.String("segment", name), zap.Int("records", len(records)))
	}
	metrics.SetSpoolSegments(s.spool.Depth())
	return delivered, nil
}

// Err reports a fatal condition recorded by a background flush. Callers
// checking it between writes observe spool failures that happened off the
// write path.
func (s *Sink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// Close stops the background loops and performs a final flush.
func (s *Sink) Close(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	return s.Flush(ctx)
}

func (s *Sink) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Flush(context.Background()); err != nil {
				s.logger.Error("periodic flush failed", zap.Error(err))
			}
		}
	}
}

func (s *Sink) drainLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.spool.Depth() == 0 {
				continue
			}
			if _, err := s.Drain(context.Background()); err != nil {
				s.logger.Warn("spool drain attempt failed", zap.Error(err))
			}
		}
	}
}
