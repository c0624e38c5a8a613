package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mlevasseur/digicrawl/internal/config"
	"github.com/mlevasseur/digicrawl/internal/logging"
	"github.com/mlevasseur/digicrawl/internal/sink"
	"github.com/mlevasseur/digicrawl/internal/spool"
)

func newDrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Deliver spooled records to the destination",
		Long: `Replays every pending spool segment against the destination database in
arrival order. Segments are removed only after full delivery; a failure leaves
the remainder in place for the next attempt.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if cfg.Store.DryRun {
				return fmt.Errorf("drain requires a destination, not a dry run")
			}

			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			sp, err := spool.New(cfg.Store.SpoolDir, logger)
			if err != nil {
				return fmt.Errorf("open spool: %w", err)
			}
			if sp.Depth() == 0 {
				logger.Info("spool is empty, nothing to drain")
				return nil
			}

			ctx := cmd.Context()
			pg, err := sink.NewPostgresWriter(ctx, cfg.Store.DSN, logger)
			if err != nil {
				return fmt.Errorf("connect destination: %w", err)
			}
			defer pg.Close()
			if err := pg.EnsureSchema(ctx); err != nil {
				return err
			}

			sk := sink.New(pg, sp, sink.Config{BatchSize: cfg.Store.BatchSize}, logger)
			defer func() { _ = sk.Close(ctx) }()

			delivered, err := sk.Drain(ctx)
			if err != nil {
				return fmt.Errorf("drain stopped after %d segments: %w", delivered, err)
			}
			logger.Info("spool drained", zap.Int("segments", delivered))
			return nil
		},
	}
}
