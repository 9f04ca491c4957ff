package runner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seopages/spiderworker/internal/domain"
	"github.com/seopages/spiderworker/internal/keys"
	"github.com/seopages/spiderworker/internal/logger"
	"github.com/seopages/spiderworker/internal/queue"
	"github.com/seopages/spiderworker/internal/spider"
)

// memFailedStore records exhausted requests in memory.
type memFailedStore struct {
	mu    sync.Mutex
	saved []*domain.FailedRequest
}

func (s *memFailedStore) Save(_ context.Context, fr *domain.FailedRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, fr)
	return nil
}

func (s *memFailedStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

// pageSpider crawls one list page and follows its links as detail pages.
type pageSpider struct {
	startURL string
	settings map[string]any
}

func (s *pageSpider) Name() string { return "page_spider" }

func (s *pageSpider) StartRequests(context.Context) spider.RequestIterator {
	return spider.SliceIterator([]*spider.Request{spider.NewRequest(s.startURL)})
}

func (s *pageSpider) Callbacks() map[string]spider.Callback {
	return map[string]spider.Callback{
		ParseCallback: func(ctx context.Context, req *spider.Request, resp *spider.Response) ([]spider.Yield, error) {
			var yields []spider.Yield
			for _, node := range resp.CSS("a").Nodes {
				for _, attr := range node.Attr {
					if attr.Key == "href" {
						follow := resp.Follow(attr.Val, queue.DetailCallback)
						follow.MaxRetries = 1
						yields = append(yields, spider.YieldRequest(follow))
					}
				}
			}
			return yields, nil
		},
		queue.DetailCallback: func(ctx context.Context, req *spider.Request, resp *spider.Response) ([]spider.Yield, error) {
			return []spider.Yield{spider.YieldItem(&domain.Item{
				Type:      domain.CrawlTypeArticle,
				Title:     resp.CSS("h1").Text(),
				SourceURL: resp.URL,
			})}, nil
		},
	}
}

func (s *pageSpider) CustomSettings() map[string]any {
	return s.settings
}

func newRunnerFixture(t *testing.T) (*Runner, *spider.Registry, *memFailedStore, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	registry := spider.NewRegistry()
	failed := &memFailedStore{}
	return New(client, registry, failed, logger.NewNop()), registry, failed, client
}

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/list", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body>
			<a href="/article/1">one</a>
			<a href="/article/2">two</a>
			<a href="/missing">broken</a>
		</body></html>`))
	})
	mux.HandleFunc("/article/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><h1>标题` + r.URL.Path + `</h1></html>`))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRunUnknownSpider(t *testing.T) {
	run, _, _, _ := newRunnerFixture(t)

	project := &domain.Project{ID: 1, EntryFile: "nope.py"}
	result, err := run.Run(context.Background(), project, Options{}, nil)
	assert.ErrorIs(t, err, spider.ErrSpiderNotFound)
	assert.Equal(t, queue.StateStopped, result.State)
}

func TestRunRejectsSpiderWithoutParse(t *testing.T) {
	run, registry, _, _ := newRunnerFixture(t)
	registry.Register("broken_spider", func(*domain.Project) (spider.Spider, error) {
		return &noParseSpider{}, nil
	})

	project := &domain.Project{ID: 1, EntryFile: "broken_spider.py"}
	_, err := run.Run(context.Background(), project, Options{}, nil)
	assert.ErrorIs(t, err, ErrSpiderInvalid)
}

func TestRunTestModeEmitsWithoutPersisting(t *testing.T) {
	run, registry, failed, _ := newRunnerFixture(t)
	srv := testServer(t)

	registry.Register("page_spider", func(*domain.Project) (spider.Spider, error) {
		return &pageSpider{startURL: srv.URL + "/list"}, nil
	})

	project := &domain.Project{ID: 3, EntryFile: "page_spider.py", Concurrency: 2}

	var items []*domain.Item
	var mu sync.Mutex
	sink := func(_ context.Context, item *domain.Item) {
		mu.Lock()
		items = append(items, item)
		mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := run.Run(ctx, project, Options{Test: true}, sink)
	require.NoError(t, err)

	assert.Equal(t, queue.StateCompleted, result.State)
	assert.Equal(t, int64(2), result.Items)
	assert.Equal(t, int64(1), result.Failed)
	assert.Len(t, items, 2)
	assert.Zero(t, failed.count(), "test runs report failures without persisting")
}

func TestRunPersistsFailures(t *testing.T) {
	run, registry, failed, _ := newRunnerFixture(t)
	srv := testServer(t)

	registry.Register("page_spider", func(*domain.Project) (spider.Spider, error) {
		return &pageSpider{startURL: srv.URL + "/list"}, nil
	})

	project := &domain.Project{ID: 4, EntryFile: "page_spider.py", Concurrency: 2}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := run.Run(ctx, project, Options{}, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.Failed)
	require.Equal(t, 1, failed.count())
	fr := failed.saved[0]
	assert.Equal(t, int64(4), fr.ProjectID)
	assert.Equal(t, srv.URL+"/missing", fr.URL)
	assert.Contains(t, fr.ErrorMessage, "404")
	assert.Equal(t, domain.FailedStatusPending, fr.Status)
}

func TestRunHonorsStopFlag(t *testing.T) {
	run, registry, _, client := newRunnerFixture(t)
	srv := testServer(t)

	registry.Register("page_spider", func(*domain.Project) (spider.Spider, error) {
		return &pageSpider{startURL: srv.URL + "/list"}, nil
	})

	project := &domain.Project{ID: 5, EntryFile: "page_spider.py", Concurrency: 1}
	require.NoError(t, client.Set(context.Background(), keys.ProjectStopFlag(5), "1", time.Hour).Err())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	result, err := run.Run(ctx, project, Options{}, nil)
	assert.Error(t, err, "nothing drains under a stop flag, so the deadline cancels the run")
	assert.Equal(t, queue.StateStopped, result.State)
	assert.Zero(t, result.Items)
}

func TestEffectiveConcurrency(t *testing.T) {
	project := &domain.Project{Concurrency: 4}

	assert.Equal(t, 4, effectiveConcurrency(project, &pageSpider{}))
	assert.Equal(t, 8, effectiveConcurrency(project, &pageSpider{
		settings: map[string]any{"CONCURRENT_REQUESTS": float64(8)},
	}))
	assert.Equal(t, 2, effectiveConcurrency(project, &pageSpider{
		settings: map[string]any{"CONCURRENT_REQUESTS": 2},
	}))
}

func TestFetchConfig(t *testing.T) {
	project := &domain.Project{Config: domain.JSONBMap{
		"timeout":     float64(15),
		"max_retries": float64(5),
		"proxy":       "http://proxy.example.com:8080",
	}}

	cfg := fetchConfig(project)
	assert.Equal(t, 15*time.Second, cfg.Timeout)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, "http://proxy.example.com:8080", cfg.Proxy)

	empty := fetchConfig(&domain.Project{})
	assert.Zero(t, empty.Timeout)
}

// noParseSpider lacks the mandatory parse callback.
type noParseSpider struct{}

func (s *noParseSpider) Name() string { return "broken_spider" }

func (s *noParseSpider) StartRequests(context.Context) spider.RequestIterator {
	return spider.SliceIterator(nil)
}

func (s *noParseSpider) Callbacks() map[string]spider.Callback {
	return map[string]spider.Callback{
		"other": func(context.Context, *spider.Request, *spider.Response) ([]spider.Yield, error) {
			return nil, nil
		},
	}
}
