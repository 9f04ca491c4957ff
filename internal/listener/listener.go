// Package listener subscribes to the crawl command channels and drives
// project runs: it starts and cancels tasks, maintains per-project stop
// flags, and streams run output to the realtime channels.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seopages/spiderworker/internal/domain"
	"github.com/seopages/spiderworker/internal/keys"
	"github.com/seopages/spiderworker/internal/logger"
	"github.com/seopages/spiderworker/internal/queue"
	"github.com/seopages/spiderworker/internal/runner"
)

const (
	// stopFlagTTL bounds how long an unconsumed stop flag lingers.
	stopFlagTTL = time.Hour

	// reconnectDelay is the initial pub/sub reconnect backoff.
	reconnectDelay = 5 * time.Second

	// maxReconnectDelay caps the reconnect backoff.
	maxReconnectDelay = 60 * time.Second

	// finalWriteTimeout bounds terminal bookkeeping after cancellation.
	finalWriteTimeout = 10 * time.Second
)

// ErrRestartRequested is returned by Listen when a restart command arrives.
// The process should exit with a code its supervisor treats as relaunch.
var ErrRestartRequested = errors.New("restart requested")

// Command is the JSON message accepted on the command channels.
type Command struct {
	Action    string `json:"action"`
	ProjectID int64  `json:"project_id"`
	MaxItems  int64  `json:"max_items,omitempty"`
}

// ProjectStore is the project-row surface the listener needs.
type ProjectStore interface {
	GetByID(ctx context.Context, id int64) (*domain.Project, error)
	UpdateStatus(ctx context.Context, id int64, status string) error
	FinishRun(ctx context.Context, id int64, summary domain.RunSummary) error
}

// ArticleStore is the content-table surface the item router needs.
type ArticleStore interface {
	InsertArticle(ctx context.Context, article *domain.Article) (int64, error)
	CountArticlesBySource(ctx context.Context, sourceID int64) (int64, error)
	InsertKeywords(ctx context.Context, groupID int64, keywords []string) (int64, error)
	InsertImage(ctx context.Context, groupID int64, url string) (bool, error)
}

// Listener consumes crawl commands and supervises one task per project.
type Listener struct {
	client   *redis.Client
	run      *runner.Runner
	projects ProjectStore
	articles ArticleStore
	log      logger.Logger

	mu    sync.Mutex
	tasks map[int64]*task
	wg    sync.WaitGroup
}

// task tracks one running crawl. Pointer identity decides slot ownership
// when a newer task replaces an older one.
type task struct {
	cancel context.CancelFunc
}

// New creates a Listener.
func New(
	client *redis.Client,
	run *runner.Runner,
	projects ProjectStore,
	articles ArticleStore,
	log logger.Logger,
) *Listener {
	return &Listener{
		client:   client,
		run:      run,
		projects: projects,
		articles: articles,
		log:      log,
	}
}

// Listen subscribes to the command channels and blocks until ctx is
// cancelled or a restart command arrives. Dropped connections are retried
// with exponential backoff. All in-flight tasks are cancelled and awaited
// before Listen returns.
func (l *Listener) Listen(ctx context.Context) error {
	l.mu.Lock()
	l.tasks = make(map[int64]*task)
	l.mu.Unlock()

	defer l.drain()

	delay := reconnectDelay
	for {
		pubsub := l.client.Subscribe(ctx, keys.SpiderCommands, keys.WorkerCommand)

		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					_ = pubsub.Close()
					return ctx.Err()
				}
				l.log.Warn("command subscription lost", logger.Error(err))
				break
			}

			delay = reconnectDelay
			if restart := l.handle(ctx, msg.Payload); restart {
				_ = pubsub.Close()
				return ErrRestartRequested
			}
		}

		_ = pubsub.Close()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// drain cancels every task and waits for them to finish their terminal
// bookkeeping.
func (l *Listener) drain() {
	l.mu.Lock()
	for _, t := range l.tasks {
		t.cancel()
	}
	l.mu.Unlock()
	l.wg.Wait()
}

// handle dispatches one raw command payload. Returns true on restart.
func (l *Listener) handle(ctx context.Context, payload string) bool {
	if strings.TrimSpace(payload) == "restart" {
		l.log.Info("restart command received")
		return true
	}

	var cmd Command
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		l.log.Warn("malformed command", logger.String("payload", payload), logger.Error(err))
		return false
	}

	l.log.Info("command received",
		logger.String("action", cmd.Action),
		logger.Int64("project_id", cmd.ProjectID))

	switch cmd.Action {
	case "run":
		l.startTask(ctx, cmd, false)
	case "test":
		l.startTask(ctx, cmd, true)
	case "stop":
		l.stopProject(ctx, cmd.ProjectID)
	case "test_stop":
		l.stopTest(ctx, cmd.ProjectID)
	case "pause":
		if err := l.prodQueue(cmd.ProjectID).Pause(ctx); err != nil {
			l.log.Error("pause failed", logger.Int64("project_id", cmd.ProjectID), logger.Error(err))
		}
	case "resume":
		if err := l.prodQueue(cmd.ProjectID).Resume(ctx); err != nil {
			l.log.Error("resume failed", logger.Int64("project_id", cmd.ProjectID), logger.Error(err))
		}
	default:
		l.log.Warn("unknown command action", logger.String("action", cmd.Action))
	}
	return false
}

func (l *Listener) prodQueue(projectID int64) *queue.RequestQueue {
	return queue.New(l.client, keys.QueuePrefix, projectID, l.log)
}

func (l *Listener) testQueue(projectID int64) *queue.RequestQueue {
	return queue.New(l.client, keys.TestQueuePrefix, projectID, l.log)
}

// startTask replaces any running task for the project with a fresh one.
func (l *Listener) startTask(ctx context.Context, cmd Command, test bool) {
	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{cancel: cancel}

	l.mu.Lock()
	if prev, ok := l.tasks[cmd.ProjectID]; ok {
		prev.cancel()
	}
	l.tasks[cmd.ProjectID] = t
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			l.mu.Lock()
			// Only the task that still owns the slot removes it.
			if l.tasks[cmd.ProjectID] == t {
				delete(l.tasks, cmd.ProjectID)
			}
			l.mu.Unlock()
			cancel()
		}()

		if test {
			l.runTest(taskCtx, cmd)
		} else {
			l.runProject(taskCtx, cmd)
		}
	}()
}

// stopProject sets the cooperative stop flag and stops the production queue
// without clearing it, so a later run can resume from pending.
func (l *Listener) stopProject(ctx context.Context, projectID int64) {
	flag := keys.ProjectStopFlag(projectID)
	if err := l.client.Set(ctx, flag, "1", stopFlagTTL).Err(); err != nil {
		l.log.Error("stop flag set failed", logger.Int64("project_id", projectID), logger.Error(err))
	}
	if err := l.prodQueue(projectID).Stop(ctx, false); err != nil {
		l.log.Error("queue stop failed", logger.Int64("project_id", projectID), logger.Error(err))
	}
}

// stopTest clears the test queue, cancels the task, and publishes a terminal
// end message on the test log channel.
func (l *Listener) stopTest(ctx context.Context, projectID int64) {
	if err := l.testQueue(projectID).Stop(ctx, true); err != nil {
		l.log.Error("test queue stop failed", logger.Int64("project_id", projectID), logger.Error(err))
	}

	l.mu.Lock()
	if t, ok := l.tasks[projectID]; ok {
		t.cancel()
	}
	l.mu.Unlock()

	l.publish(ctx, keys.TestLogs(projectID), map[string]any{
		"type":       "end",
		"project_id": projectID,
		"status":     "stopped",
		"timestamp":  time.Now().Unix(),
	})
}

// runProject executes one production run end to end: snapshot, crawl, delta,
// terminal bookkeeping. Every terminal path updates the project row.
func (l *Listener) runProject(ctx context.Context, cmd Command) {
	logChannel := keys.ProjectLogs(cmd.ProjectID)
	start := time.Now()

	// A fresh run consumes any stale stop flag.
	if err := l.client.Del(ctx, keys.ProjectStopFlag(cmd.ProjectID)).Err(); err != nil {
		l.log.Warn("stop flag clear failed", logger.Error(err))
	}

	project, err := l.projects.GetByID(ctx, cmd.ProjectID)
	if err != nil {
		l.log.Error("project load failed", logger.Int64("project_id", cmd.ProjectID), logger.Error(err))
		l.publishLog(ctx, logChannel, "error", "project load failed: "+err.Error())
		return
	}

	// The delta against this snapshot survives cancellation, unlike an
	// in-memory item count.
	preCount, err := l.articles.CountArticlesBySource(ctx, project.ID)
	if err != nil {
		l.log.Warn("pre-run count failed", logger.Error(err))
	}

	if err := l.projects.UpdateStatus(ctx, project.ID, domain.ProjectStatusRunning); err != nil {
		l.log.Error("status update failed", logger.Error(err))
	}
	l.publishLog(ctx, logChannel, "info", "crawl started: "+project.Name)

	router := NewRouter(l.client, l.articles, project, l.log)
	_, runErr := l.run.Run(ctx, project, runner.Options{MaxItems: cmd.MaxItems}, router.Route)

	// Terminal writes run on a fresh context: the task context is often
	// already cancelled here.
	finalCtx, cancel := context.WithTimeout(context.Background(), finalWriteTimeout)
	defer cancel()

	postCount, countErr := l.articles.CountArticlesBySource(finalCtx, project.ID)
	delta := postCount - preCount
	if countErr != nil || delta < 0 {
		delta = 0
	}

	status := domain.ProjectStatusIdle
	lastErr := ""
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		status = domain.ProjectStatusError
		lastErr = runErr.Error()
	}

	summary := domain.RunSummary{
		Status:   status,
		Duration: time.Since(start),
		Items:    delta,
		LastErr:  lastErr,
	}
	if err := l.projects.FinishRun(finalCtx, project.ID, summary); err != nil {
		l.log.Error("run bookkeeping failed", logger.Int64("project_id", project.ID), logger.Error(err))
	}

	l.publish(finalCtx, logChannel, map[string]any{
		"type":        "end",
		"project_id":  project.ID,
		"status":      status,
		"items_count": delta,
		"timestamp":   time.Now().Unix(),
	})
	l.publish(finalCtx, keys.ProjectStats(project.ID), map[string]any{
		"type":        "stats",
		"project_id":  project.ID,
		"state":       "idle",
		"items_count": delta,
		"timestamp":   time.Now().Unix(),
	})
	l.log.Info("crawl finished",
		logger.Int64("project_id", project.ID),
		logger.String("status", status),
		logger.Int64("items", delta),
		logger.Duration("duration", summary.Duration))
}

// runTest executes a run against the test namespace. Items go to the test
// log channel instead of the database; nothing touches the project row.
func (l *Listener) runTest(ctx context.Context, cmd Command) {
	logChannel := keys.TestLogs(cmd.ProjectID)

	project, err := l.projects.GetByID(ctx, cmd.ProjectID)
	if err != nil {
		l.log.Error("project load failed", logger.Int64("project_id", cmd.ProjectID), logger.Error(err))
		l.publishLog(ctx, logChannel, "error", "project load failed: "+err.Error())
		return
	}

	l.publishLog(ctx, logChannel, "info", "test crawl started: "+project.Name)

	sink := func(sinkCtx context.Context, item *domain.Item) {
		l.publish(sinkCtx, logChannel, map[string]any{
			"type":       "item",
			"project_id": project.ID,
			"data":       item,
			"timestamp":  time.Now().Unix(),
		})
	}

	result, runErr := l.run.Run(ctx, project, runner.Options{Test: true, MaxItems: cmd.MaxItems}, sink)

	finalCtx, cancel := context.WithTimeout(context.Background(), finalWriteTimeout)
	defer cancel()

	status := "completed"
	switch {
	case runErr != nil && !errors.Is(runErr, context.Canceled):
		status = "error"
	case result.State != queue.StateCompleted:
		status = "stopped"
	}

	l.publish(finalCtx, logChannel, map[string]any{
		"type":        "end",
		"project_id":  project.ID,
		"status":      status,
		"items_count": result.Items,
		"timestamp":   time.Now().Unix(),
	})
}

// publishLog sends one {type:"log"} record to a realtime channel.
func (l *Listener) publishLog(ctx context.Context, channel, level, message string) {
	l.publish(ctx, channel, map[string]any{
		"type":      "log",
		"level":     level,
		"message":   message,
		"timestamp": time.Now().Unix(),
	})
}

// publish marshals and publishes one message, logging failures.
func (l *Listener) publish(ctx context.Context, channel string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		l.log.Error("publish marshal failed", logger.Error(err))
		return
	}
	if err := l.client.Publish(ctx, channel, data).Err(); err != nil {
		l.log.Warn("publish failed", logger.String("channel", channel), logger.Error(err))
	}
}
