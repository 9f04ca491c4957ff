// Package runner turns a project row into a running crawl: it resolves the
// registered spider, applies per-spider settings, builds the queue and
// consumer, and streams items to the caller.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seopages/spiderworker/internal/consumer"
	"github.com/seopages/spiderworker/internal/domain"
	"github.com/seopages/spiderworker/internal/fetch"
	"github.com/seopages/spiderworker/internal/keys"
	"github.com/seopages/spiderworker/internal/logger"
	"github.com/seopages/spiderworker/internal/queue"
	"github.com/seopages/spiderworker/internal/spider"
)

// ParseCallback is the callback every spider must expose.
const ParseCallback = "parse"

// ErrSpiderInvalid is returned when a resolved spider lacks the required
// surface.
var ErrSpiderInvalid = errors.New("spider invalid")

// FailedStore persists requests that exhausted their retries.
type FailedStore interface {
	Save(ctx context.Context, fr *domain.FailedRequest) error
}

// ItemSink receives every item a run produces, in emission order.
type ItemSink func(ctx context.Context, item *domain.Item)

// Options selects the run mode.
type Options struct {
	// Test routes the run through the test queue namespace.
	Test bool
	// MaxItems caps emitted items; 0 means unbounded.
	MaxItems int64
}

// Result summarizes one finished run.
type Result struct {
	State  queue.State
	Items  int64
	Failed int64
}

// Runner builds and executes crawls for project rows.
type Runner struct {
	client   *redis.Client
	registry *spider.Registry
	failed   FailedStore
	log      logger.Logger
}

// New creates a Runner. failed may be nil for test runs, where exhausted
// requests are reported but not persisted.
func New(client *redis.Client, registry *spider.Registry, failed FailedStore, log logger.Logger) *Runner {
	return &Runner{
		client:   client,
		registry: registry,
		failed:   failed,
		log:      log,
	}
}

// Run executes one crawl for the project and forwards every item to sink.
// Exhausted requests go to the failed store instead. Run blocks until the
// crawl reaches a terminal queue state or ctx is cancelled.
func (r *Runner) Run(ctx context.Context, project *domain.Project, opts Options, sink ItemSink) (Result, error) {
	sp, err := r.registry.Resolve(project)
	if err != nil {
		return Result{State: queue.StateStopped}, err
	}
	if err := validateSpider(sp); err != nil {
		return Result{State: queue.StateStopped}, err
	}

	concurrency := effectiveConcurrency(project, sp)

	prefix := keys.QueuePrefix
	var stop consumer.StopSignal
	if opts.Test {
		prefix = keys.TestQueuePrefix
	} else {
		stop = r.stopFlagSignal(project.ID)
	}

	q := queue.New(r.client, prefix, project.ID, r.log)

	fetcher, err := fetch.New(fetchConfig(project), r.log)
	if err != nil {
		return Result{State: queue.StateStopped}, fmt.Errorf("build fetcher: %w", err)
	}

	cons := consumer.New(q, fetcher, sp, consumer.Config{
		Concurrency: concurrency,
		MaxItems:    opts.MaxItems,
	}, stop, r.log)

	result := Result{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range cons.Out() {
			switch {
			case e.Item != nil:
				result.Items++
				if sink != nil {
					sink(ctx, e.Item)
				}
			case e.Failed != nil:
				result.Failed++
				if !opts.Test {
					r.persistFailure(project, e.Failed)
				}
			}
		}
	}()

	state, runErr := cons.Run(ctx)
	<-done

	result.State = state
	return result, runErr
}

// validateSpider rejects spiders missing the mandatory surface before any
// queue state is touched.
func validateSpider(sp spider.Spider) error {
	cbs := sp.Callbacks()
	if len(cbs) == 0 {
		return fmt.Errorf("%w: %s has no callbacks", ErrSpiderInvalid, sp.Name())
	}
	if _, ok := cbs[ParseCallback]; !ok {
		return fmt.Errorf("%w: %s lacks the %q callback", ErrSpiderInvalid, sp.Name(), ParseCallback)
	}
	return nil
}

// effectiveConcurrency is the project's concurrency, overridden by the
// spider's CONCURRENT_REQUESTS custom setting when present.
func effectiveConcurrency(project *domain.Project, sp spider.Spider) int {
	concurrency := project.Concurrency
	if cs, ok := sp.(spider.CustomSettings); ok {
		if v, present := cs.CustomSettings()["CONCURRENT_REQUESTS"]; present {
			switch n := v.(type) {
			case int:
				concurrency = n
			case int64:
				concurrency = int(n)
			case float64:
				concurrency = int(n)
			}
		}
	}
	return concurrency
}

// fetchConfig derives the download settings from the project config map.
func fetchConfig(project *domain.Project) fetch.Config {
	cfg := fetch.Config{}
	if v, ok := project.Config["timeout"].(float64); ok && v > 0 {
		cfg.Timeout = time.Duration(v * float64(time.Second))
	}
	if v, ok := project.Config["max_retries"].(float64); ok && v > 0 {
		cfg.MaxRetries = int(v)
	}
	if v, ok := project.Config["proxy"].(string); ok {
		cfg.Proxy = v
	}
	return cfg
}

// stopFlagSignal polls the short-TTL per-project stop key the listener sets.
func (r *Runner) stopFlagSignal(projectID int64) consumer.StopSignal {
	key := keys.ProjectStopFlag(projectID)
	return func(ctx context.Context) bool {
		n, err := r.client.Exists(ctx, key).Result()
		if err != nil {
			return false
		}
		return n > 0
	}
}

// persistFailure writes one exhausted request to the failed store. Runs on
// the output-drain goroutine; uses a fresh context so late failures survive
// run cancellation.
func (r *Runner) persistFailure(project *domain.Project, sentinel *consumer.FailedSentinel) {
	if r.failed == nil {
		return
	}

	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := sentinel.Request
	fr := &domain.FailedRequest{
		ProjectID:    project.ID,
		URL:          req.URL,
		Method:       req.Method,
		Callback:     req.Callback,
		Meta:         domain.JSONBMap(req.Meta),
		ErrorMessage: sentinel.Error,
		RetryCount:   req.RetryCount,
		FailedAt:     time.Now(),
		Status:       domain.FailedStatusPending,
	}
	if err := r.failed.Save(saveCtx, fr); err != nil {
		r.log.Error("failed-request save failed",
			logger.String("url", req.URL),
			logger.Error(err))
	}
}
