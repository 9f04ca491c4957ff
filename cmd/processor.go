package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seopages/spiderworker/internal/config"
	"github.com/seopages/spiderworker/internal/database"
	"github.com/seopages/spiderworker/internal/generator"
	"github.com/seopages/spiderworker/internal/logger"
	"github.com/seopages/spiderworker/internal/redisx"
)

func processorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "processor",
		Short: "Run the content generator pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			log := logger.Must(cfg.Logger)
			defer func() { _ = log.Sync() }()

			client, err := redisx.NewClient(cfg.Redis)
			if err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			defer client.Close()

			db, err := database.NewConnection(cfg.Database)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()

			articles := database.NewArticleRepository(db)
			settings := database.NewSettingsRepository(db)

			pool := generator.NewPool(client, articles, settings, generator.Config{
				Concurrency:     cfg.Processor.Concurrency,
				BatchSize:       cfg.Processor.BatchSize,
				MinParagraphLen: cfg.Processor.MinParagraphLength,
				RetryMax:        cfg.Processor.RetryMax,
			}, log)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info("processor started", logger.Int("concurrency", cfg.Processor.Concurrency))

			if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			log.Info("processor shut down")
			return nil
		},
	}
}
