package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seopages/spiderworker/internal/logger"
	"github.com/seopages/spiderworker/internal/spider"
)

func newTestQueue(t *testing.T) (*RequestQueue, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "test_spider", 42, logger.NewNop()), mr, client
}

func TestQueueNamespace(t *testing.T) {
	q, _, _ := newTestQueue(t)
	assert.Equal(t, "test_spider:42", q.Namespace())
}

func TestPushDeduplicates(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	ok, err := q.Push(ctx, spider.NewRequest("https://example.com/a"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Push(ctx, spider.NewRequest("https://example.com/a"))
	require.NoError(t, err)
	assert.False(t, ok, "duplicate fingerprint is dropped")

	size, err := q.PendingSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestPushDontFilterBypassesDedup(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	first := spider.NewRequest("https://example.com/a")
	_, err := q.Push(ctx, first)
	require.NoError(t, err)

	again := spider.NewRequest("https://example.com/a")
	again.DontFilter = true
	ok, err := q.Push(ctx, again)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPushCountsDetailRequests(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	list := spider.NewRequest("https://example.com/list")
	_, err := q.Push(ctx, list)
	require.NoError(t, err)

	detail := spider.NewRequest("https://example.com/detail")
	detail.Callback = DetailCallback
	_, err = q.Push(ctx, detail)
	require.NoError(t, err)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total, "only detail requests count toward total")
}

func TestPopPriorityOrdering(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	low := spider.NewRequest("https://example.com/low")
	high := spider.NewRequest("https://example.com/high")
	high.Priority = 10

	_, err := q.Push(ctx, low)
	require.NoError(t, err)
	_, err = q.Push(ctx, high)
	require.NoError(t, err)

	got := q.Pop(ctx)
	require.NotNil(t, got)
	assert.Equal(t, "https://example.com/high", got.URL)
}

func TestPopRecordsInFlight(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Push(ctx, spider.NewRequest("https://example.com/a"))
	require.NoError(t, err)

	req := q.Pop(ctx)
	require.NotNil(t, req)

	inflight, err := q.ProcessingSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inflight)

	pending, err := q.PendingSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestPopGatedByState(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Push(ctx, spider.NewRequest("https://example.com/a"))
	require.NoError(t, err)

	require.NoError(t, q.Pause(ctx))
	assert.Nil(t, q.Pop(ctx), "paused queue pops nothing")

	require.NoError(t, q.Resume(ctx))
	assert.NotNil(t, q.Pop(ctx))

	_, err = q.Push(ctx, spider.NewRequest("https://example.com/b"))
	require.NoError(t, err)
	require.NoError(t, q.Stop(ctx, false))
	assert.Nil(t, q.Pop(ctx), "stopped queue pops nothing")
}

func TestPopEmpty(t *testing.T) {
	q, _, _ := newTestQueue(t)
	assert.Nil(t, q.Pop(context.Background()))
}

func TestCompleteSuccess(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	req := spider.NewRequest("https://example.com/detail")
	req.Callback = DetailCallback
	_, err := q.Push(ctx, req)
	require.NoError(t, err)

	popped := q.Pop(ctx)
	require.NotNil(t, popped)
	require.NoError(t, q.Complete(ctx, popped, true))

	inflight, err := q.ProcessingSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, inflight)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Zero(t, stats.Failed)
}

func TestCompleteFailure(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	req := spider.NewRequest("https://example.com/detail")
	req.Callback = DetailCallback
	_, err := q.Push(ctx, req)
	require.NoError(t, err)

	popped := q.Pop(ctx)
	require.NotNil(t, popped)
	require.NoError(t, q.Complete(ctx, popped, false))

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestRetryAdvancesAndExhausts(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	req := spider.NewRequest("https://example.com/detail")
	req.Callback = DetailCallback
	req.MaxRetries = 2
	_, err := q.Push(ctx, req)
	require.NoError(t, err)

	current := q.Pop(ctx)
	require.NotNil(t, current)

	for attempt := 1; attempt <= 2; attempt++ {
		retried, retryErr := q.Retry(ctx, current)
		require.NoError(t, retryErr)
		require.True(t, retried, "attempt %d", attempt)

		current = q.Pop(ctx)
		require.NotNil(t, current)
		assert.Equal(t, attempt, current.RetryCount)
	}

	retried, err := q.Retry(ctx, current)
	require.NoError(t, err)
	assert.False(t, retried, "retries exhausted")

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Retried)
}

func TestReturnRestoresPending(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Push(ctx, spider.NewRequest("https://example.com/a"))
	require.NoError(t, err)

	req := q.Pop(ctx)
	require.NotNil(t, req)
	require.NoError(t, q.Return(ctx, req))

	pending, err := q.PendingSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	inflight, err := q.ProcessingSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, inflight)

	again := q.Pop(ctx)
	require.NotNil(t, again)
	assert.Equal(t, "https://example.com/a", again.URL)
}

func TestRecoverTimeouts(t *testing.T) {
	q, _, client := newTestQueue(t)
	ctx := context.Background()

	stale := spider.NewRequest("https://example.com/stale")
	staleBlob, err := stale.Serialize()
	require.NoError(t, err)
	staleEntry, _ := json.Marshal(processingEntry{
		Request:   staleBlob,
		StartTime: time.Now().Add(-2 * ProcessingTimeout).Unix(),
	})
	require.NoError(t, client.HSet(ctx, q.processingKey(), stale.Fingerprint(), string(staleEntry)).Err())

	fresh := spider.NewRequest("https://example.com/fresh")
	freshBlob, err := fresh.Serialize()
	require.NoError(t, err)
	freshEntry, _ := json.Marshal(processingEntry{
		Request:   freshBlob,
		StartTime: time.Now().Unix(),
	})
	require.NoError(t, client.HSet(ctx, q.processingKey(), fresh.Fingerprint(), string(freshEntry)).Err())

	recovered, err := q.RecoverTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	pending, err := q.PendingSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	inflight, err := q.ProcessingSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inflight, "fresh entry stays in flight")
}

func TestRecoverTimeoutsExhausted(t *testing.T) {
	q, _, client := newTestQueue(t)
	ctx := context.Background()

	req := spider.NewRequest("https://example.com/dead")
	req.Callback = DetailCallback
	req.MaxRetries = 1
	req.RetryCount = 1
	blob, err := req.Serialize()
	require.NoError(t, err)
	entry, _ := json.Marshal(processingEntry{
		Request:   blob,
		StartTime: time.Now().Add(-2 * ProcessingTimeout).Unix(),
	})
	require.NoError(t, client.HSet(ctx, q.processingKey(), req.Fingerprint(), string(entry)).Err())

	recovered, err := q.RecoverTimeouts(ctx)
	require.NoError(t, err)
	assert.Zero(t, recovered)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestRecoverTimeoutsDropsEntryOnRetryError(t *testing.T) {
	q, _, client := newTestQueue(t)
	ctx := context.Background()

	req := spider.NewRequest("https://example.com/stuck")
	blob, err := req.Serialize()
	require.NoError(t, err)
	entry, _ := json.Marshal(processingEntry{
		Request:   blob,
		StartTime: time.Now().Add(-2 * ProcessingTimeout).Unix(),
	})
	require.NoError(t, client.HSet(ctx, q.processingKey(), req.Fingerprint(), string(entry)).Err())

	// A string under the pending key makes the re-enqueue ZADD fail.
	require.NoError(t, client.Set(ctx, q.pendingKey(), "wrong-type", 0).Err())

	recovered, err := q.RecoverTimeouts(ctx)
	require.NoError(t, err)
	assert.Zero(t, recovered)

	inflight, err := q.ProcessingSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, inflight, "stale entries leave the in-flight map even when re-enqueue fails")
}

func TestStateDefaultsIdle(t *testing.T) {
	q, _, _ := newTestQueue(t)

	state, err := q.GetState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, state)
}

func TestStopClearRemovesNamespace(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	detail := spider.NewRequest("https://example.com/detail")
	detail.Callback = DetailCallback
	_, err := q.Push(ctx, detail)
	require.NoError(t, err)
	_, err = q.IncrItemCount(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Stop(ctx, true))

	state, err := q.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, state, "state survives a clear")

	pending, err := q.PendingSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	items, err := q.GetItemCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, items)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestItemAndQueuedCounters(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	n, err := q.GetItemCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.IncrItemCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = q.IncrItemCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	queued, err := q.IncrQueuedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), queued)

	queued, err = q.GetQueuedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), queued)
}
