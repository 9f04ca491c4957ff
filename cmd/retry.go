package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/seopages/spiderworker/internal/config"
	"github.com/seopages/spiderworker/internal/database"
	"github.com/seopages/spiderworker/internal/logger"
	"github.com/seopages/spiderworker/internal/redisx"
	"github.com/seopages/spiderworker/internal/runner"
)

func retryCommand() *cobra.Command {
	var failedID int64

	cmd := &cobra.Command{
		Use:   "retry <project-id>",
		Short: "Re-enqueue failed requests onto the production queue",
		Long: `Re-pushes persisted failed requests for a project and marks the rows
retried. With --id only that single row is re-enqueued.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid project id %q", args[0])
			}

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

			retrier := runner.NewRetrier(client, database.NewFailedRequestRepository(db), log)

			ctx := cmd.Context()
			if failedID > 0 {
				if err := retrier.RetryOne(ctx, failedID); err != nil {
					return err
				}
				log.Info("failed request re-enqueued",
					logger.Int64("project_id", projectID),
					logger.Int64("id", failedID))
				return nil
			}

			retried, err := retrier.RetryAll(ctx, projectID)
			if err != nil {
				return err
			}
			log.Info("failed requests re-enqueued",
				logger.Int64("project_id", projectID),
				logger.Int("count", retried))
			return nil
		},
	}

	cmd.Flags().Int64Var(&failedID, "id", 0, "retry only this failed-request row")
	return cmd
}
