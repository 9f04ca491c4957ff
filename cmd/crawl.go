package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seopages/spiderworker/internal/config"
	"github.com/seopages/spiderworker/internal/database"
	"github.com/seopages/spiderworker/internal/domain"
	"github.com/seopages/spiderworker/internal/listener"
	"github.com/seopages/spiderworker/internal/logger"
	"github.com/seopages/spiderworker/internal/redisx"
	"github.com/seopages/spiderworker/internal/runner"
	"github.com/seopages/spiderworker/internal/spiders"
)

func crawlCommand() *cobra.Command {
	var (
		test     bool
		maxItems int64
	)

	cmd := &cobra.Command{
		Use:   "crawl <project-id>",
		Short: "Run one project in the foreground",
		Long: `Runs a single project to completion and prints its progress. With
--test the run uses the test queue namespace and items are logged instead
of persisted.`,
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

			projects := database.NewProjectRepository(db)
			articles := database.NewArticleRepository(db)
			failed := database.NewFailedRequestRepository(db)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			project, err := projects.GetByID(ctx, projectID)
			if err != nil {
				return err
			}

			run := runner.New(client, spiders.Default(), failed, log)

			var sink runner.ItemSink
			if test {
				sink = func(_ context.Context, item *domain.Item) {
					log.Info("item", logger.String("type", item.Type), logger.String("title", item.Title))
				}
			} else {
				router := listener.NewRouter(client, articles, project, log)
				sink = router.Route
			}

			log.Info("crawl starting",
				logger.Int64("project_id", project.ID),
				logger.String("name", project.Name),
				logger.Bool("test", test))

			result, runErr := run.Run(ctx, project, runner.Options{Test: test, MaxItems: maxItems}, sink)

			log.Info("crawl finished",
				logger.String("state", string(result.State)),
				logger.Int64("items", result.Items),
				logger.Int64("failed", result.Failed))
			if errors.Is(runErr, context.Canceled) {
				return nil
			}
			return runErr
		},
	}

	cmd.Flags().BoolVar(&test, "test", false, "use the test queue namespace and log items instead of persisting")
	cmd.Flags().Int64Var(&maxItems, "max-items", 0, "stop after this many items (0 = unbounded)")
	return cmd
}
