// Package consumer runs the worker pool that drains a project's request
// queue: it seeds start requests lazily, downloads pages, dispatches
// callbacks, and streams the yielded items upward.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seopages/spiderworker/internal/domain"
	"github.com/seopages/spiderworker/internal/logger"
	"github.com/seopages/spiderworker/internal/queue"
	"github.com/seopages/spiderworker/internal/spider"
)

const (
	// defaultPollInterval is the worker sleep when the queue is empty or
	// paused.
	defaultPollInterval = 100 * time.Millisecond

	// monitorInterval paces the termination monitor's emptiness checks.
	monitorInterval = 100 * time.Millisecond

	// drainChecks is how many consecutive empty observations the monitor
	// needs before declaring the run complete.
	drainChecks = 3

	// seedLowWater multiplies concurrency to get the pending depth below
	// which one more start request is pulled.
	seedLowWater = 2

	// outBuffer sizes the emitted-item channel.
	outBuffer = 64
)

// ErrFetchFailed marks a download that returned no response.
var ErrFetchFailed = errors.New("fetch failed")

// FailedSentinel reports a request that exhausted its retries.
type FailedSentinel struct {
	Request *spider.Request
	Error   string
}

// Emitted is one element of the consumer's output stream: an item or a
// failed-request sentinel. Exactly one field is non-nil.
type Emitted struct {
	Item   *domain.Item
	Failed *FailedSentinel
}

// Config configures a Consumer.
type Config struct {
	// Concurrency is the worker count.
	Concurrency int
	// MaxItems caps emitted items and callback-produced requests; 0 means
	// unbounded.
	MaxItems int64
	// PollInterval overrides the empty/paused poll sleep (0 = default).
	PollInterval time.Duration
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
}

// StopSignal reports whether an out-of-band stop has been requested for the
// project (the listener's short-TTL stop flag).
type StopSignal func(ctx context.Context) bool

// Fetcher downloads one request.
type Fetcher interface {
	Fetch(ctx context.Context, req *spider.Request) (*spider.Response, error)
	LastError() string
}

// Consumer drains one project's queue with a pool of workers plus a
// termination monitor.
type Consumer struct {
	queue   *queue.RequestQueue
	fetcher Fetcher
	sp      spider.Spider
	cfg     Config
	log     logger.Logger
	stop    StopSignal

	out chan Emitted

	seedMu   sync.Mutex
	seedIter spider.RequestIterator
	seedDone atomic.Bool

	capTripped atomic.Bool
}

// New creates a Consumer. stop may be nil when no out-of-band stop flag
// applies (test runs still gate through queue state).
func New(
	q *queue.RequestQueue,
	fetcher Fetcher,
	sp spider.Spider,
	cfg Config,
	stop StopSignal,
	log logger.Logger,
) *Consumer {
	cfg.SetDefaults()
	return &Consumer{
		queue:   q,
		fetcher: fetcher,
		sp:      sp,
		cfg:     cfg,
		log:     log,
		stop:    stop,
		out:     make(chan Emitted, outBuffer),
	}
}

// Out returns the output stream. It is closed when Run returns.
func (c *Consumer) Out() <-chan Emitted {
	return c.out
}

// Run executes the consume loop until the queue drains, the item cap trips,
// a stop arrives, or ctx is cancelled. The returned state is the queue's
// terminal state. In-flight requests are pushed back on cancellation.
func (c *Consumer) Run(ctx context.Context) (queue.State, error) {
	defer close(c.out)

	if recovered, err := c.queue.RecoverTimeouts(ctx); err != nil {
		c.log.Warn("timeout recovery failed", logger.Error(err))
	} else if recovered > 0 {
		c.log.Info("recovered in-flight requests", logger.Int("count", recovered))
	}

	if err := c.queue.SetState(ctx, queue.StateRunning); err != nil {
		return queue.StateStopped, fmt.Errorf("set running: %w", err)
	}

	c.seedMu.Lock()
	c.seedIter = c.sp.StartRequests(ctx)
	c.seedMu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i := range c.cfg.Concurrency {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.worker(runCtx, id)
		}(i)
	}

	drained := c.monitor(runCtx)
	cancel()
	wg.Wait()

	// State updates after cancellation use a fresh context.
	finalCtx, finalCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer finalCancel()

	c.closeSpider(finalCtx)

	finalState := queue.StateStopped
	if drained {
		finalState = queue.StateCompleted
	}
	if err := c.queue.SetState(finalCtx, finalState); err != nil {
		c.log.Error("final state write failed", logger.Error(err))
	}
	return finalState, ctx.Err()
}

// closeSpider runs the optional Close hook.
func (c *Consumer) closeSpider(ctx context.Context) {
	if closer, ok := c.sp.(spider.Closer); ok {
		if err := closer.Close(ctx); err != nil {
			c.log.Warn("spider close failed", logger.Error(err))
		}
	}
}

// monitor seeds start requests and watches for termination. Returns true
// when the run drained cleanly (pending and processing empty and the start
// iterator exhausted, observed drainChecks times in a row).
func (c *Consumer) monitor(ctx context.Context) bool {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	emptyStreak := 0
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}

		if c.capTripped.Load() {
			return false
		}

		state, err := c.queue.GetState(ctx)
		if err == nil && state == queue.StateStopped {
			return false
		}

		c.seed(ctx)

		pending, pendErr := c.queue.PendingSize(ctx)
		processing, procErr := c.queue.ProcessingSize(ctx)
		if pendErr != nil || procErr != nil {
			emptyStreak = 0
			continue
		}

		if pending == 0 && processing == 0 && c.seedDone.Load() {
			emptyStreak++
			if emptyStreak >= drainChecks {
				return true
			}
		} else {
			emptyStreak = 0
		}
	}
}

// seed pulls one start request when the ready queue runs low. Seeding stops
// once the iterator is exhausted or queued_count has reached the item cap,
// which bounds pagination.
func (c *Consumer) seed(ctx context.Context) {
	if c.seedDone.Load() {
		return
	}

	pending, err := c.queue.PendingSize(ctx)
	if err != nil || pending >= int64(seedLowWater*c.cfg.Concurrency) {
		return
	}

	if c.cfg.MaxItems > 0 {
		queued, countErr := c.queue.GetQueuedCount(ctx)
		if countErr == nil && queued >= c.cfg.MaxItems {
			c.seedDone.Store(true)
			return
		}
	}

	c.seedMu.Lock()
	defer c.seedMu.Unlock()
	if c.seedDone.Load() {
		return
	}

	req, ok := c.seedIter()
	if !ok {
		c.seedDone.Store(true)
		return
	}

	req.DontFilter = true
	if _, pushErr := c.queue.Push(ctx, req); pushErr != nil {
		c.log.Error("seed push failed", logger.String("url", req.URL), logger.Error(pushErr))
	}
}

// worker is a single worker goroutine loop.
func (c *Consumer) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if c.stopRequested(ctx) {
			return
		}

		state, err := c.queue.GetState(ctx)
		if err == nil {
			if state == queue.StateStopped {
				return
			}
			if state == queue.StatePaused {
				if c.sleepOrCancel(ctx) {
					return
				}
				continue
			}
		}

		req := c.queue.Pop(ctx)
		if req == nil {
			if c.sleepOrCancel(ctx) {
				return
			}
			continue
		}

		// Re-check the stop signal after the pop so the request is not lost.
		if c.stopRequested(ctx) || ctx.Err() != nil {
			c.repush(req)
			return
		}

		if exit := c.process(ctx, req); exit {
			return
		}
	}
}

// stopRequested checks the out-of-band stop flag.
func (c *Consumer) stopRequested(ctx context.Context) bool {
	return c.stop != nil && c.stop(ctx)
}

// sleepOrCancel sleeps the poll interval; true means the context ended.
func (c *Consumer) sleepOrCancel(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-time.After(c.cfg.PollInterval):
		return false
	}
}

// repush restores an in-flight request after cancellation, using a fresh
// context because the run context is already done.
func (c *Consumer) repush(req *spider.Request) {
	pushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.queue.Return(pushCtx, req); err != nil {
		c.log.Error("re-push failed", logger.String("url", req.URL), logger.Error(err))
	}
}

// process handles one popped request end to end. Returns true when the
// worker should exit (cap tripped or cancellation mid-flight).
func (c *Consumer) process(ctx context.Context, req *spider.Request) bool {
	if mw, ok := c.sp.(spider.DownloadMidware); ok {
		rewritten := mw.DownloadMidware(req)
		if rewritten == nil {
			if err := c.queue.Skip(ctx, req); err != nil {
				c.log.Warn("skip bookkeeping failed", logger.Error(err))
			}
			return false
		}
		req = rewritten
	}

	if delay := req.BackoffDelay(); delay > 0 {
		select {
		case <-ctx.Done():
			c.repush(req)
			return true
		case <-time.After(delay):
		}
	}

	resp, fetchErr := c.fetcher.Fetch(ctx, req)
	if fetchErr != nil && ctx.Err() != nil {
		c.repush(req)
		return true
	}

	if resp != nil {
		if v, ok := c.sp.(spider.Validator); ok && !v.Validate(req, resp) {
			resp = nil
			fetchErr = fmt.Errorf("%w: validation rejected", ErrFetchFailed)
		}
	}

	if resp == nil {
		c.handleFetchFailure(ctx, req, fetchErr)
		return false
	}

	return c.dispatch(ctx, req, resp)
}

// handleFetchFailure retries a failed request or finalizes it once retries
// are exhausted.
func (c *Consumer) handleFetchFailure(ctx context.Context, req *spider.Request, fetchErr error) {
	retried, err := c.queue.Retry(ctx, req)
	if err != nil {
		c.log.Error("retry failed", logger.String("url", req.URL), logger.Error(err))
		return
	}
	if retried {
		return
	}

	if err := c.queue.Complete(ctx, req, false); err != nil {
		c.log.Error("complete(false) failed", logger.Error(err))
	}

	errMsg := c.fetcher.LastError()
	if errMsg == "" && fetchErr != nil {
		errMsg = fetchErr.Error()
	}

	if hook, ok := c.sp.(spider.FailedRequestHook); ok {
		hook.FailedRequest(req, fetchErr)
	}

	c.emit(ctx, Emitted{Failed: &FailedSentinel{Request: req, Error: errMsg}})
}

// dispatch resolves and invokes the request's callback, then routes every
// yielded element. Returns true when the worker should exit.
func (c *Consumer) dispatch(ctx context.Context, req *spider.Request, resp *spider.Response) bool {
	cb, ok := c.sp.Callbacks()[req.Callback]
	if !ok {
		c.log.Error("unknown callback", logger.String("callback", req.Callback))
		if err := c.queue.Complete(ctx, req, false); err != nil {
			c.log.Error("complete(false) failed", logger.Error(err))
		}
		return false
	}

	yields, cbErr := cb(ctx, req, resp)
	if cbErr != nil {
		if ctx.Err() != nil {
			c.repush(req)
			return true
		}
		if hook, hookOK := c.sp.(spider.ExceptionRequestHook); hookOK {
			hook.ExceptionRequest(req, cbErr)
		}
		// Callback exceptions follow fetch-failure retry semantics.
		c.handleFetchFailure(ctx, req, fmt.Errorf("callback %s: %w", req.Callback, cbErr))
		return false
	}

	for _, y := range yields {
		switch {
		case y.Request != nil:
			c.routeRequest(ctx, y.Request)
		case y.Item != nil:
			if tripped := c.routeItem(ctx, req, y.Item); tripped {
				return true
			}
		}
	}

	if err := c.queue.Complete(ctx, req, true); err != nil {
		c.log.Error("complete(true) failed", logger.Error(err))
	}
	return false
}

// routeRequest pushes a callback-produced request unless the pagination
// bound has been reached.
func (c *Consumer) routeRequest(ctx context.Context, req *spider.Request) {
	queued, err := c.queue.IncrQueuedCount(ctx)
	if err != nil {
		c.log.Error("queued count incr failed", logger.Error(err))
		return
	}
	if c.cfg.MaxItems > 0 && queued > c.cfg.MaxItems {
		return // item cap reached, stop paginating
	}
	if _, pushErr := c.queue.Push(ctx, req); pushErr != nil {
		c.log.Error("push failed", logger.String("url", req.URL), logger.Error(pushErr))
	}
}

// routeItem forwards a yielded item, enforcing the item cap. The worker
// whose increment crosses the cap stops the queue; later increments forward
// nothing. Returns true when the worker should exit.
func (c *Consumer) routeItem(ctx context.Context, req *spider.Request, item *domain.Item) bool {
	count, err := c.queue.IncrItemCount(ctx)
	if err != nil {
		c.log.Error("item count incr failed", logger.Error(err))
		return false
	}

	if c.cfg.MaxItems > 0 && count > c.cfg.MaxItems {
		c.capTripped.Store(true)
		if stopErr := c.queue.Stop(ctx, false); stopErr != nil {
			c.log.Error("cap stop failed", logger.Error(stopErr))
		}
		if completeErr := c.queue.Complete(ctx, req, true); completeErr != nil {
			c.log.Error("complete(true) failed", logger.Error(completeErr))
		}
		return true
	}

	c.emit(ctx, Emitted{Item: item})
	return false
}

// emit forwards one element to the output stream, dropping it only on
// cancellation.
func (c *Consumer) emit(ctx context.Context, e Emitted) {
	select {
	case c.out <- e:
	case <-ctx.Done():
	}
}
