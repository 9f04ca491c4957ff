package consumer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seopages/spiderworker/internal/domain"
	"github.com/seopages/spiderworker/internal/logger"
	"github.com/seopages/spiderworker/internal/queue"
	"github.com/seopages/spiderworker/internal/spider"
)

// fakeFetcher serves canned bodies by URL; missing URLs fail every attempt.
type fakeFetcher struct {
	mu      sync.Mutex
	bodies  map[string]string
	lastErr string
}

func (f *fakeFetcher) Fetch(ctx context.Context, req *spider.Request) (*spider.Response, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.bodies[req.URL]
	if !ok {
		f.lastErr = "HTTP 500"
		return nil, fmt.Errorf("http 500")
	}
	return &spider.Response{URL: req.URL, Body: []byte(body), Status: 200, Request: req}, nil
}

func (f *fakeFetcher) LastError() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

// listSpider yields one detail request per configured URL from the list page,
// and one item per detail page.
type listSpider struct {
	details []string
}

func (s *listSpider) Name() string { return "list_spider" }

func (s *listSpider) StartRequests(context.Context) spider.RequestIterator {
	start := spider.NewRequest("https://example.com/list")
	return spider.SliceIterator([]*spider.Request{start})
}

func (s *listSpider) Callbacks() map[string]spider.Callback {
	return map[string]spider.Callback{
		"parse": func(ctx context.Context, req *spider.Request, resp *spider.Response) ([]spider.Yield, error) {
			var yields []spider.Yield
			for _, u := range s.details {
				follow := resp.Follow(u, queue.DetailCallback)
				follow.MaxRetries = 1
				yields = append(yields, spider.YieldRequest(follow))
			}
			return yields, nil
		},
		queue.DetailCallback: func(ctx context.Context, req *spider.Request, resp *spider.Response) ([]spider.Yield, error) {
			item := &domain.Item{
				Type:      domain.CrawlTypeArticle,
				Title:     resp.Text(),
				SourceURL: resp.URL,
			}
			return []spider.Yield{spider.YieldItem(item)}, nil
		},
	}
}

func newConsumerQueue(t *testing.T) *queue.RequestQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.New(client, "test_spider", 1, logger.NewNop())
}

func TestRunDrainsCleanly(t *testing.T) {
	q := newConsumerQueue(t)

	fetcher := &fakeFetcher{bodies: map[string]string{
		"https://example.com/list":      "list",
		"https://example.com/article/1": "one",
		"https://example.com/article/2": "two",
	}}
	sp := &listSpider{details: []string{"/article/1", "/article/2"}}

	c := New(q, fetcher, sp, Config{Concurrency: 2, PollInterval: 10 * time.Millisecond}, nil, logger.NewNop())

	var items []*domain.Item
	collected := make(chan struct{})
	go func() {
		for e := range c.Out() {
			if e.Item != nil {
				items = append(items, e.Item)
			}
		}
		close(collected)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	state, err := c.Run(ctx)
	require.NoError(t, err)
	<-collected

	assert.Equal(t, queue.StateCompleted, state)
	require.Len(t, items, 2)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(2), stats.Completed)
}

func TestRunEmitsFailedSentinel(t *testing.T) {
	q := newConsumerQueue(t)

	// The detail page is missing, so every fetch of it fails.
	fetcher := &fakeFetcher{bodies: map[string]string{
		"https://example.com/list": "list",
	}}
	sp := &listSpider{details: []string{"/article/404"}}

	c := New(q, fetcher, sp, Config{Concurrency: 2, PollInterval: 10 * time.Millisecond}, nil, logger.NewNop())

	var failed []*FailedSentinel
	collected := make(chan struct{})
	go func() {
		for e := range c.Out() {
			if e.Failed != nil {
				failed = append(failed, e.Failed)
			}
		}
		close(collected)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	state, err := c.Run(ctx)
	require.NoError(t, err)
	<-collected

	assert.Equal(t, queue.StateCompleted, state)
	require.Len(t, failed, 1)
	assert.Equal(t, "https://example.com/article/404", failed[0].Request.URL)
	assert.Equal(t, "HTTP 500", failed[0].Error)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Retried)
}

func TestMaxItemsBoundsPagination(t *testing.T) {
	q := newConsumerQueue(t)

	bodies := map[string]string{"https://example.com/list": "list"}
	var details []string
	for i := 1; i <= 10; i++ {
		u := fmt.Sprintf("/article/%d", i)
		details = append(details, u)
		bodies[fmt.Sprintf("https://example.com/article/%d", i)] = fmt.Sprintf("body %d", i)
	}

	c := New(q, &fakeFetcher{bodies: bodies}, &listSpider{details: details},
		Config{Concurrency: 1, MaxItems: 3, PollInterval: 10 * time.Millisecond}, nil, logger.NewNop())

	var items []*domain.Item
	collected := make(chan struct{})
	go func() {
		for e := range c.Out() {
			if e.Item != nil {
				items = append(items, e.Item)
			}
		}
		close(collected)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	state, err := c.Run(ctx)
	require.NoError(t, err)
	<-collected

	// Callback-produced requests beyond the cap are never enqueued, so the
	// run drains instead of tripping the stop.
	assert.Equal(t, queue.StateCompleted, state)
	assert.Len(t, items, 3)
}

// fanoutSpider yields two items per detail page.
type fanoutSpider struct {
	listSpider
}

func (s *fanoutSpider) Callbacks() map[string]spider.Callback {
	cbs := s.listSpider.Callbacks()
	cbs[queue.DetailCallback] = func(ctx context.Context, req *spider.Request, resp *spider.Response) ([]spider.Yield, error) {
		return []spider.Yield{
			spider.YieldItem(&domain.Item{Type: domain.CrawlTypeArticle, Title: resp.Text() + " a"}),
			spider.YieldItem(&domain.Item{Type: domain.CrawlTypeArticle, Title: resp.Text() + " b"}),
		}, nil
	}
	return cbs
}

func TestMaxItemsTripsStop(t *testing.T) {
	q := newConsumerQueue(t)

	bodies := map[string]string{
		"https://example.com/list":      "list",
		"https://example.com/article/1": "one",
		"https://example.com/article/2": "two",
		"https://example.com/article/3": "three",
	}
	sp := &fanoutSpider{listSpider{details: []string{"/article/1", "/article/2", "/article/3"}}}

	c := New(q, &fakeFetcher{bodies: bodies}, sp,
		Config{Concurrency: 1, MaxItems: 3, PollInterval: 10 * time.Millisecond}, nil, logger.NewNop())

	var items []*domain.Item
	collected := make(chan struct{})
	go func() {
		for e := range c.Out() {
			if e.Item != nil {
				items = append(items, e.Item)
			}
		}
		close(collected)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	state, err := c.Run(ctx)
	require.NoError(t, err)
	<-collected

	assert.Equal(t, queue.StateStopped, state)
	assert.Len(t, items, 3, "the increment crossing the cap forwards nothing")
}

func TestRunStopSignal(t *testing.T) {
	q := newConsumerQueue(t)

	fetcher := &fakeFetcher{bodies: map[string]string{
		"https://example.com/list": "list",
	}}
	sp := &listSpider{details: []string{"/article/1"}}

	stop := func(context.Context) bool { return true }
	c := New(q, fetcher, sp, Config{Concurrency: 2, PollInterval: 10 * time.Millisecond}, stop, logger.NewNop())

	go func() {
		for range c.Out() {
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Workers exit immediately on the stop flag; the monitor then cancels on
	// the deadline since nothing drains.
	state, err := c.Run(ctx)
	assert.Equal(t, queue.StateStopped, state)
	assert.Error(t, err)
}

func TestRunCancellationRepushesInFlight(t *testing.T) {
	q := newConsumerQueue(t)
	ctx := context.Background()

	// Pre-seed a request the fetcher will block on until cancellation.
	req := spider.NewRequest("https://example.com/slow")
	_, err := q.Push(ctx, req)
	require.NoError(t, err)

	sp := &emptySpider{}
	blocker := &blockingFetcher{started: make(chan struct{})}
	c := New(q, blocker, sp, Config{Concurrency: 1, PollInterval: 10 * time.Millisecond}, nil, logger.NewNop())

	go func() {
		for range c.Out() {
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		<-blocker.started
		cancel()
	}()

	state, runErr := c.Run(runCtx)
	assert.Equal(t, queue.StateStopped, state)
	assert.ErrorIs(t, runErr, context.Canceled)

	pending, err := q.PendingSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending, "in-flight request restored on cancel")
}

// emptySpider has no start requests of its own.
type emptySpider struct{}

func (s *emptySpider) Name() string { return "empty_spider" }

func (s *emptySpider) StartRequests(context.Context) spider.RequestIterator {
	return spider.SliceIterator(nil)
}

func (s *emptySpider) Callbacks() map[string]spider.Callback {
	return map[string]spider.Callback{
		"parse": func(context.Context, *spider.Request, *spider.Response) ([]spider.Yield, error) {
			return nil, nil
		},
	}
}

// blockingFetcher blocks its first fetch until the context ends.
type blockingFetcher struct {
	once    sync.Once
	started chan struct{}
}

func (f *blockingFetcher) Fetch(ctx context.Context, req *spider.Request) (*spider.Response, error) {
	f.once.Do(func() { close(f.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *blockingFetcher) LastError() string { return "" }
