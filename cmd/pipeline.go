package cmd

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/mlevasseur/digicrawl/internal/auth"
	"github.com/mlevasseur/digicrawl/internal/config"
	"github.com/mlevasseur/digicrawl/internal/extract"
	"github.com/mlevasseur/digicrawl/internal/fetch"
	"github.com/mlevasseur/digicrawl/internal/progress"
	"github.com/mlevasseur/digicrawl/internal/ratelimit"
	"github.com/mlevasseur/digicrawl/internal/run"
	"github.com/mlevasseur/digicrawl/internal/sink"
	"github.com/mlevasseur/digicrawl/internal/spool"
)

// pipeline bundles the wired subsystems shared by the crawl and serve
// commands.
type pipeline struct {
	cfg       config.Config
	logger    *zap.Logger
	sessions  *auth.Manager
	fetcher   *fetch.Client
	extractor *extract.Extractor
	writer    sink.Writer
	pg        *sink.PostgresWriter
	spool     *spool.Spool
	sink      *sink.Sink
	progress  *progress.Store
}

// newPipeline wires the full stack. state may be nil when no run counters are
// needed (serve, drain); the fetcher then skips abuse accounting.
func newPipeline(ctx context.Context, cfg config.Config, state *run.State, logger *zap.Logger) (*pipeline, error) {
	httpClient := &http.Client{Timeout: cfg.Crawl.Timeout}

	sessions := auth.NewManager(auth.Config{
		LoginURL:       cfg.Backend.LoginURL,
		CookieName:     cfg.Backend.CookieName,
		Username:       cfg.Auth.Username,
		Password:       cfg.Auth.Password,
		SessionCookie:  cfg.Auth.SessionCookie,
		Mode:           auth.Mode(cfg.Auth.Mode),
		ReloginBackoff: cfg.Auth.ReloginBackoff,
		Timeout:        cfg.Crawl.Timeout,
	}, httpClient, extract.IsLoginPage, logger)

	limiter := ratelimit.New(ratelimit.Config{
		RPS:   cfg.Crawl.RatePerDomain,
		Burst: cfg.Crawl.Burst,
	})

	policy := fetch.DefaultRetryPolicy()
	if cfg.Crawl.MaxRetries > 0 {
		policy.MaxAttempts = cfg.Crawl.MaxRetries
	}
	var onAbuse func(int)
	if state != nil {
		onAbuse = state.RecordAbuse
	}
	fetcher := fetch.New(fetch.Config{
		UserAgent: cfg.Backend.UserAgent,
		Timeout:   cfg.Crawl.Timeout,
		Policy:    policy,
	}, httpClient, limiter, sessions, onAbuse, logger)

	store, err := progress.New(cfg.Store.ProgressPath)
	if err != nil {
		return nil, fmt.Errorf("open progress store: %w", err)
	}

	sp, err := spool.New(cfg.Store.SpoolDir, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open spool: %w", err)
	}

	var (
		writer sink.Writer
		pg     *sink.PostgresWriter
	)
	if cfg.Store.DryRun {
		writer = sink.NopWriter{}
		logger.Info("dry run: destination writes disabled")
	} else {
		pg, err = sink.NewPostgresWriter(ctx, cfg.Store.DSN, logger)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("connect destination: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			store.Close()
			return nil, err
		}
		writer = pg
	}

	sk := sink.New(writer, sp, sink.Config{
		BatchSize:     cfg.Store.BatchSize,
		FlushInterval: cfg.Store.FlushInterval,
		DrainInterval: cfg.Store.DrainInterval,
	}, logger)

	return &pipeline{
		cfg:       cfg,
		logger:    logger,
		sessions:  sessions,
		fetcher:   fetcher,
		extractor: extract.New(logger),
		writer:    writer,
		pg:        pg,
		spool:     sp,
		sink:      sk,
		progress:  store,
	}, nil
}

func (p *pipeline) close(ctx context.Context) {
	if err := p.sink.Close(ctx); err != nil {
		p.logger.Warn("sink close failed", zap.Error(err))
	}
	if p.pg != nil {
		p.pg.Close()
	}
	if err := p.progress.Close(); err != nil {
		p.logger.Warn("progress store close failed", zap.Error(err))
	}
}

// errorLogger returns the destination error log when one is connected.
func (p *pipeline) errorLogger() run.ErrorLogger {
	if p.pg == nil {
		return nil
	}
	return p.pg
}
