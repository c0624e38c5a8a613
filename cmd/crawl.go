package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mlevasseur/digicrawl/internal/config"
	"github.com/mlevasseur/digicrawl/internal/logging"
	"github.com/mlevasseur/digicrawl/internal/metrics"
	"github.com/mlevasseur/digicrawl/internal/run"
	"github.com/mlevasseur/digicrawl/internal/scrape"
)

func newCrawlCmd() *cobra.Command {
	var (
		start  int
		end    int
		resume bool
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl a range of record identifiers",
		Long: `Processes every identifier in [start, end]: fetches the gate page, runs
the gate check, extracts the remaining pages for gated records, and delivers
results to the destination. With --resume, identifiers already in the
progress checkpoint are skipped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if end < start {
				return fmt.Errorf("--end (%d) must be >= --start (%d)", end, start)
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if dryRun {
				cfg.Store.DryRun = true
			}
			if resume {
				cfg.Crawl.Resume = true
			}
			return runCrawl(cmd.Context(), cfg, start, end)
		},
	}

	cmd.Flags().IntVar(&start, "start", 0, "first record identifier (inclusive)")
	cmd.Flags().IntVar(&end, "end", 0, "last record identifier (inclusive)")
	cmd.Flags().BoolVar(&resume, "resume", false, "skip identifiers already in the checkpoint")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "skip destination writes")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func runCrawl(parent context.Context, cfg config.Config, start, end int) error {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	metrics.Init()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	state := run.NewState(end - start + 1)
	p, err := newPipeline(ctx, cfg, state, logger)
	if err != nil {
		return err
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	defer p.close(closeCtx)

	ctrl := run.New(run.Config{
		Start:            start,
		End:              end,
		Resume:           cfg.Crawl.Resume,
		Concurrency:      cfg.Crawl.Concurrency,
		SnapshotInterval: cfg.Metrics.SnapshotInterval,
		MetricsFile:      cfg.Metrics.File,
		StoreHTML:        cfg.Store.StoreHTML,
		MaxHTMLBytes:     cfg.Store.MaxHTMLBytes,
		StoreLinks:       cfg.Store.StoreLinks,
		MaxLinks:         cfg.Store.MaxLinks,
		Stop: run.StopConfig{
			LimitGated:           cfg.Stop.LimitGated,
			StopAfter:            time.Duration(cfg.Stop.StopAfterMinutes) * time.Minute,
			MaxErrors:            cfg.Stop.MaxErrors,
			MaxConsecutiveErrors: cfg.Stop.MaxConsecutiveErrors,
			Max403:               cfg.Stop.Max403,
			Max429:               cfg.Stop.Max429,
			FailFast:             cfg.Stop.FailFast,
		},
	}, run.Deps{
		Fetcher:   p.fetcher,
		Extractor: p.extractor,
		Sink:      p.sink,
		Progress:  p.progress,
		Endpoints: scrape.Endpoints{BaseURL: cfg.Backend.BaseURL},
		Errors:    p.errorLogger(),
	}, state, logger)

	summary, err := ctrl.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run %s: %w", summary.RunID, err)
	}
	logger.Info("crawl command finished", zap.String("run_id", summary.RunID))
	return nil
}
