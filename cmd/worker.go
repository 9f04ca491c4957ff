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
	"github.com/seopages/spiderworker/internal/listener"
	"github.com/seopages/spiderworker/internal/logger"
	"github.com/seopages/spiderworker/internal/redisx"
	"github.com/seopages/spiderworker/internal/runner"
	"github.com/seopages/spiderworker/internal/scheduler"
	"github.com/seopages/spiderworker/internal/spiders"
)

// RestartExitCode tells the process supervisor to relaunch the worker.
const RestartExitCode = 3

// ErrRestart propagates the restart request to main for the exit code.
var ErrRestart = errors.New("restart")

func workerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the crawl command listener and scheduler",
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

			projects := database.NewProjectRepository(db)
			articles := database.NewArticleRepository(db)
			failed := database.NewFailedRequestRepository(db)

			run := runner.New(client, spiders.Default(), failed, log)
			lst := listener.New(client, run, projects, articles, log)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if cfg.Scheduler.Enabled {
				sched := scheduler.New(client, projects, log)
				if err := sched.Start(ctx); err != nil {
					return fmt.Errorf("scheduler: %w", err)
				}
				defer sched.Stop()
			}

			log.Info("worker started",
				logger.String("redis", cfg.Redis.Address),
				logger.Bool("scheduler", cfg.Scheduler.Enabled))

			err = lst.Listen(ctx)
			switch {
			case errors.Is(err, listener.ErrRestartRequested):
				log.Info("restarting at supervisor's discretion")
				return ErrRestart
			case errors.Is(err, context.Canceled):
				log.Info("worker shut down")
				return nil
			default:
				return err
			}
		},
	}
}
