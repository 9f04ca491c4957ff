// Package queue implements the shared per-project request queue over Redis:
// a priority ready queue, an in-flight map for timeout recovery, dedup and
// resume sets, run counters, and the consumer-gating state value.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seopages/spiderworker/internal/logger"
	"github.com/seopages/spiderworker/internal/spider"
)

// State is the queue lifecycle value gating the consumer.
type State string

// Queue states.
const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateStopped   State = "stopped"
	StateCompleted State = "completed"
)

// DetailCallback is the callback name whose outcomes count toward the
// project-level total/completed/failed/retried stats. List-page callbacks
// are intentionally excluded so the stats describe useful output.
const DetailCallback = "parse_detail"

// ProcessingTimeout is how long a request may sit in the in-flight map
// before recovery treats its worker as crashed.
const ProcessingTimeout = 300 * time.Second

// Stats counter field names in the stats hash.
const (
	statTotal     = "total"
	statCompleted = "completed"
	statFailed    = "failed"
	statRetried   = "retried"
)

// Stats is a snapshot of the run counters.
type Stats struct {
	Total     int64 `json:"total"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
}

// processingEntry is the value stored in the in-flight hash.
type processingEntry struct {
	Request   string `json:"request"`
	StartTime int64  `json:"start_time"`
}

// RequestQueue is the Redis-backed request queue for one project namespace.
// All methods are safe for concurrent use across processes; the ordered
// set's pop-min is the single-shot pop primitive.
type RequestQueue struct {
	client *redis.Client
	ns     string
	log    logger.Logger
}

// New creates a queue over the namespace "{prefix}:{projectID}".
func New(client *redis.Client, prefix string, projectID int64, log logger.Logger) *RequestQueue {
	return &RequestQueue{
		client: client,
		ns:     fmt.Sprintf("%s:%d", prefix, projectID),
		log:    log,
	}
}

func (q *RequestQueue) key(suffix string) string {
	return q.ns + ":" + suffix
}

func (q *RequestQueue) pendingKey() string    { return q.key("pending") }
func (q *RequestQueue) processingKey() string { return q.key("processing") }
func (q *RequestQueue) seenKey() string       { return q.key("seen") }
func (q *RequestQueue) completedKey() string  { return q.key("completed") }
func (q *RequestQueue) statsKey() string      { return q.key("stats") }
func (q *RequestQueue) stateKey() string      { return q.key("state") }
func (q *RequestQueue) itemCountKey() string  { return q.key("item_count") }
func (q *RequestQueue) queuedKey() string     { return q.key("queued_count") }

// Namespace returns the queue's key namespace.
func (q *RequestQueue) Namespace() string {
	return q.ns
}

// Push adds a request to the ready queue. Requests whose fingerprint is
// already in the seen set are dropped unless dont_filter is set. Returns
// true if the request was accepted.
func (q *RequestQueue) Push(ctx context.Context, req *spider.Request) (bool, error) {
	fp := req.Fingerprint()

	if !req.DontFilter {
		added, err := q.client.SAdd(ctx, q.seenKey(), fp).Result()
		if err != nil {
			return false, fmt.Errorf("seen add: %w", err)
		}
		if added == 0 {
			return false, nil
		}
	} else {
		if err := q.client.SAdd(ctx, q.seenKey(), fp).Err(); err != nil {
			return false, fmt.Errorf("seen add: %w", err)
		}
	}

	blob, err := req.Serialize()
	if err != nil {
		return false, err
	}

	if err := q.client.ZAdd(ctx, q.pendingKey(), redis.Z{
		Score:  req.Score(time.Now()),
		Member: blob,
	}).Err(); err != nil {
		return false, fmt.Errorf("pending add: %w", err)
	}

	if req.Callback == DetailCallback {
		if err := q.client.HIncrBy(ctx, q.statsKey(), statTotal, 1).Err(); err != nil {
			q.log.Warn("stats total incr failed", logger.Error(err))
		}
	}
	return true, nil
}

// PushMany applies Push in order and returns the number accepted.
func (q *RequestQueue) PushMany(ctx context.Context, reqs []*spider.Request) int {
	accepted := 0
	for _, req := range reqs {
		ok, err := q.Push(ctx, req)
		if err != nil {
			q.log.Error("push failed", logger.String("url", req.URL), logger.Error(err))
			continue
		}
		if ok {
			accepted++
		}
	}
	return accepted
}

// Pop atomically removes the minimum-score request and records it in the
// in-flight map. Returns nil when the queue is empty or the state is paused
// or stopped. Storage errors are logged and surfaced as nil.
func (q *RequestQueue) Pop(ctx context.Context) *spider.Request {
	state, err := q.GetState(ctx)
	if err != nil {
		q.log.Error("state read failed", logger.Error(err))
		return nil
	}
	if state == StatePaused || state == StateStopped {
		return nil
	}

	entries, err := q.client.ZPopMin(ctx, q.pendingKey(), 1).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			q.log.Error("pending pop failed", logger.Error(err))
		}
		return nil
	}
	if len(entries) == 0 {
		return nil
	}

	blob, ok := entries[0].Member.(string)
	if !ok {
		return nil
	}

	req, err := spider.Deserialize(blob)
	if err != nil {
		q.log.Error("malformed pending entry dropped", logger.Error(err))
		return nil
	}

	entry, _ := json.Marshal(processingEntry{
		Request:   blob,
		StartTime: time.Now().Unix(),
	})
	if err := q.client.HSet(ctx, q.processingKey(), req.Fingerprint(), string(entry)).Err(); err != nil {
		q.log.Error("processing record failed", logger.Error(err))
	}
	return req
}

// Return pushes an in-flight request back to the ready queue without
// touching seen or stats. Used when a popped request is observed under a
// stop signal or a cancellation, so no work is lost.
func (q *RequestQueue) Return(ctx context.Context, req *spider.Request) error {
	blob, err := req.Serialize()
	if err != nil {
		return err
	}
	if err := q.client.ZAdd(ctx, q.pendingKey(), redis.Z{
		Score:  req.Score(time.Now()),
		Member: blob,
	}).Err(); err != nil {
		return fmt.Errorf("pending re-add: %w", err)
	}
	return q.client.HDel(ctx, q.processingKey(), req.Fingerprint()).Err()
}

// Complete removes a request from the in-flight map and updates counters.
// Detail-callback outcomes move the completed/failed stats.
func (q *RequestQueue) Complete(ctx context.Context, req *spider.Request, success bool) error {
	fp := req.Fingerprint()
	if err := q.client.HDel(ctx, q.processingKey(), fp).Err(); err != nil {
		return fmt.Errorf("processing remove: %w", err)
	}

	if success {
		if err := q.client.SAdd(ctx, q.completedKey(), fp).Err(); err != nil {
			return fmt.Errorf("completed add: %w", err)
		}
		if req.Callback == DetailCallback {
			return q.client.HIncrBy(ctx, q.statsKey(), statCompleted, 1).Err()
		}
		return nil
	}

	if req.Callback == DetailCallback {
		return q.client.HIncrBy(ctx, q.statsKey(), statFailed, 1).Err()
	}
	return nil
}

// Skip removes a request from the in-flight map and marks it completed
// without touching stats. Used when download middleware drops a request.
func (q *RequestQueue) Skip(ctx context.Context, req *spider.Request) error {
	fp := req.Fingerprint()
	if err := q.client.HDel(ctx, q.processingKey(), fp).Err(); err != nil {
		return fmt.Errorf("processing remove: %w", err)
	}
	return q.client.SAdd(ctx, q.completedKey(), fp).Err()
}

// Retry re-enqueues a request with its retry counter advanced. Returns
// false when retries are exhausted; the caller then completes it as failed.
func (q *RequestQueue) Retry(ctx context.Context, req *spider.Request) (bool, error) {
	if err := q.client.HDel(ctx, q.processingKey(), req.Fingerprint()).Err(); err != nil {
		return false, fmt.Errorf("processing remove: %w", err)
	}

	if req.RetryCount >= req.MaxRetries {
		return false, nil
	}

	clone := req.RetryClone()
	blob, err := clone.Serialize()
	if err != nil {
		return false, err
	}
	if err := q.client.ZAdd(ctx, q.pendingKey(), redis.Z{
		Score:  clone.Score(time.Now()),
		Member: blob,
	}).Err(); err != nil {
		return false, fmt.Errorf("pending re-add: %w", err)
	}

	if req.Callback == DetailCallback {
		if err := q.client.HIncrBy(ctx, q.statsKey(), statRetried, 1).Err(); err != nil {
			q.log.Warn("stats retried incr failed", logger.Error(err))
		}
	}
	return true, nil
}

// RecoverTimeouts re-enqueues in-flight requests whose worker appears to
// have crashed (entry older than ProcessingTimeout). Entries past their
// retry cap are counted as failed. Runs once at consumer start; returns the
// number of requests restored to pending.
func (q *RequestQueue) RecoverTimeouts(ctx context.Context) (int, error) {
	entries, err := q.client.HGetAll(ctx, q.processingKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("processing scan: %w", err)
	}

	now := time.Now().Unix()
	recovered := 0
	for fp, raw := range entries {
		var entry processingEntry
		if unmarshalErr := json.Unmarshal([]byte(raw), &entry); unmarshalErr != nil {
			q.client.HDel(ctx, q.processingKey(), fp)
			continue
		}
		if now-entry.StartTime <= int64(ProcessingTimeout/time.Second) {
			continue
		}

		req, reqErr := spider.Deserialize(entry.Request)
		if reqErr != nil {
			q.client.HDel(ctx, q.processingKey(), fp)
			continue
		}

		// The stale entry goes regardless of the retry outcome, so a bad
		// re-enqueue cannot pin it in the in-flight map forever.
		retried, retryErr := q.Retry(ctx, req)
		if retryErr != nil {
			q.log.Error("timeout recovery retry failed", logger.Error(retryErr))
			q.client.HDel(ctx, q.processingKey(), fp)
			continue
		}
		if retried {
			recovered++
		} else {
			if completeErr := q.Complete(ctx, req, false); completeErr != nil {
				q.log.Error("timeout recovery complete failed", logger.Error(completeErr))
			}
		}
	}
	return recovered, nil
}

// GetState reads the queue state; an unset key reads as idle.
func (q *RequestQueue) GetState(ctx context.Context) (State, error) {
	val, err := q.client.Get(ctx, q.stateKey()).Result()
	if errors.Is(err, redis.Nil) {
		return StateIdle, nil
	}
	if err != nil {
		return StateIdle, fmt.Errorf("state read: %w", err)
	}
	return State(val), nil
}

// SetState writes the queue state.
func (q *RequestQueue) SetState(ctx context.Context, state State) error {
	return q.client.Set(ctx, q.stateKey(), string(state), 0).Err()
}

// Pause gates consumers off without discarding work.
func (q *RequestQueue) Pause(ctx context.Context) error {
	return q.SetState(ctx, StatePaused)
}

// Resume lifts a pause.
func (q *RequestQueue) Resume(ctx context.Context) error {
	return q.SetState(ctx, StateRunning)
}

// Stop transitions the queue to stopped; with clear set, all namespace keys
// are removed as well.
func (q *RequestQueue) Stop(ctx context.Context, clear bool) error {
	if err := q.SetState(ctx, StateStopped); err != nil {
		return err
	}
	if clear {
		return q.Clear(ctx)
	}
	return nil
}

// Clear removes every key in the queue namespace except the state value.
func (q *RequestQueue) Clear(ctx context.Context) error {
	keysToClear := []string{
		q.pendingKey(), q.processingKey(), q.seenKey(), q.completedKey(),
		q.statsKey(), q.itemCountKey(), q.queuedKey(),
	}
	if err := q.client.Del(ctx, keysToClear...).Err(); err != nil {
		return fmt.Errorf("clear namespace: %w", err)
	}
	return nil
}

// PendingSize returns the ready-queue length.
func (q *RequestQueue) PendingSize(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.pendingKey()).Result()
}

// ProcessingSize returns the in-flight map size.
func (q *RequestQueue) ProcessingSize(ctx context.Context) (int64, error) {
	return q.client.HLen(ctx, q.processingKey()).Result()
}

// GetStats reads the run counter snapshot.
func (q *RequestQueue) GetStats(ctx context.Context) (Stats, error) {
	vals, err := q.client.HGetAll(ctx, q.statsKey()).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("stats read: %w", err)
	}
	return Stats{
		Total:     parseCounter(vals[statTotal]),
		Completed: parseCounter(vals[statCompleted]),
		Failed:    parseCounter(vals[statFailed]),
		Retried:   parseCounter(vals[statRetried]),
	}, nil
}

func parseCounter(s string) int64 {
	var n int64
	fmt.Sscanf(s, "%d", &n)
	return n
}

// GetItemCount reads the emitted-item counter.
func (q *RequestQueue) GetItemCount(ctx context.Context) (int64, error) {
	n, err := q.client.Get(ctx, q.itemCountKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// IncrItemCount atomically advances the emitted-item counter and returns
// the new value. The first caller whose result crosses the max-items cap
// stops the run.
func (q *RequestQueue) IncrItemCount(ctx context.Context) (int64, error) {
	return q.client.Incr(ctx, q.itemCountKey()).Result()
}

// GetQueuedCount reads the callback-produced request counter.
func (q *RequestQueue) GetQueuedCount(ctx context.Context) (int64, error) {
	n, err := q.client.Get(ctx, q.queuedKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// IncrQueuedCount atomically advances the callback-produced request counter.
func (q *RequestQueue) IncrQueuedCount(ctx context.Context) (int64, error) {
	return q.client.Incr(ctx, q.queuedKey()).Result()
}
