package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mlevasseur/digicrawl/internal/api"
	"github.com/mlevasseur/digicrawl/internal/config"
	"github.com/mlevasseur/digicrawl/internal/logging"
	"github.com/mlevasseur/digicrawl/internal/metrics"
	"github.com/mlevasseur/digicrawl/internal/run"
	"github.com/mlevasseur/digicrawl/internal/scrape"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Starts the HTTP server exposing health and readiness probes, Prometheus
metrics, checkpoint statistics, and on-demand single-record scrapes.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(parent context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	metrics.Init()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := newPipeline(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	defer p.close(closeCtx)

	// The controller here only serves on-demand scrapes; no range run is
	// started.
	ctrl := run.New(run.Config{
		StoreHTML:    cfg.Store.StoreHTML,
		MaxHTMLBytes: cfg.Store.MaxHTMLBytes,
		StoreLinks:   cfg.Store.StoreLinks,
		MaxLinks:     cfg.Store.MaxLinks,
	}, run.Deps{
		Fetcher:   p.fetcher,
		Extractor: p.extractor,
		Sink:      p.sink,
		Progress:  p.progress,
		Endpoints: scrape.Endpoints{BaseURL: cfg.Backend.BaseURL},
	}, nil, logger)

	var pinger api.Pinger
	if p.pg != nil {
		pinger = p.pg
	}
	srv := api.NewServer(cfg.Server, ctrl, nil, p.progress, pinger, logger)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", httpSrv.Addr))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		logger.Info("http server stopped")
	}
	return nil
}
