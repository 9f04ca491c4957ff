package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seopages/spiderworker/internal/database"
	"github.com/seopages/spiderworker/internal/domain"
	"github.com/seopages/spiderworker/internal/keys"
	"github.com/seopages/spiderworker/internal/logger"
)

// fakeStore serves article rows and records batch inserts.
type fakeStore struct {
	mu       sync.Mutex
	articles map[int64]*domain.Article
	titles   map[int64][]string
	contents map[int64][]string

	getErr error
}

func newFakeStore(articles ...*domain.Article) *fakeStore {
	s := &fakeStore{
		articles: make(map[int64]*domain.Article),
		titles:   make(map[int64][]string),
		contents: make(map[int64][]string),
	}
	for _, a := range articles {
		s.articles[a.ID] = a
	}
	return s
}

func (s *fakeStore) GetArticleByID(_ context.Context, id int64) (*domain.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.articles[id], nil
}

func (s *fakeStore) InsertTitles(_ context.Context, groupID int64, titles []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles[groupID] = append(s.titles[groupID], titles...)
	return int64(len(titles)), nil
}

func (s *fakeStore) InsertContents(_ context.Context, groupID int64, contents []string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(contents))
	for _, content := range contents {
		s.contents[groupID] = append(s.contents[groupID], content)
		ids = append(ids, int64(len(s.contents[groupID])))
	}
	return ids, nil
}

// fakeSettings serves overrides from a map.
type fakeSettings struct {
	mu     sync.Mutex
	ints   map[string]int64
	values map[string]string
}

func newFakeSettings() *fakeSettings {
	return &fakeSettings{ints: make(map[string]int64), values: make(map[string]string)}
}

func (s *fakeSettings) GetInt(_ context.Context, key string, fallback int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.ints[key]; ok {
		return v, nil
	}
	return fallback, nil
}

func (s *fakeSettings) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *fakeSettings) SetInt(_ context.Context, key string, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ints[key] = value
	return nil
}

func newPoolFixture(t *testing.T, store *fakeStore, cfg Config) (*Pool, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewPool(client, store, newFakeSettings(), cfg, logger.NewNop()), client, mr
}

func TestProcessArticleBuffersUntilBatchSize(t *testing.T) {
	store := newFakeStore()
	for i := int64(1); i <= 3; i++ {
		store.articles[i] = &domain.Article{
			ID:      i,
			GroupID: 5,
			Title:   fmt.Sprintf("标题编号%d", i),
			Content: fmt.Sprintf("这是第%d篇文章的足够长的正文段落", i),
		}
	}

	pool, _, _ := newPoolFixture(t, store, Config{BatchSize: 3, MinParagraphLen: 5})
	ctx := context.Background()
	buf := newBuffers()

	require.NoError(t, pool.processArticle(ctx, 1, buf))
	require.NoError(t, pool.processArticle(ctx, 2, buf))
	assert.Empty(t, store.titles, "below batch size nothing is written")

	require.NoError(t, pool.processArticle(ctx, 3, buf))
	assert.Len(t, store.titles[5], 3, "batch flushes at the configured size")
	assert.Empty(t, buf.titles, "flushed buffers reset")
}

func TestProcessArticleAnnotatesContent(t *testing.T) {
	store := newFakeStore(&domain.Article{
		ID:      1,
		GroupID: 2,
		Title:   "你好世界的一个标题",
		Content: "你好世界这是一个足够长的段落",
	})

	pool, _, _ := newPoolFixture(t, store, Config{BatchSize: 1, MinParagraphLen: 5})
	buf := newBuffers()

	require.NoError(t, pool.processArticle(context.Background(), 1, buf))

	require.Len(t, store.contents[2], 1)
	assert.True(t, strings.HasPrefix(store.contents[2][0], "你(ni)好(hao)"),
		"content is pinyin-annotated: %q", store.contents[2][0])
}

func TestProcessArticleSkipsDuplicateTitles(t *testing.T) {
	store := newFakeStore(
		&domain.Article{ID: 1, GroupID: 2, Title: "同一个标题在这里"},
		&domain.Article{ID: 2, GroupID: 2, Title: "同一个 标题在这里"},
	)

	pool, _, _ := newPoolFixture(t, store, Config{BatchSize: 1, MinParagraphLen: 5})
	buf := newBuffers()

	require.NoError(t, pool.processArticle(context.Background(), 1, buf))
	require.NoError(t, pool.processArticle(context.Background(), 2, buf))

	assert.Len(t, store.titles[2], 1, "whitespace variants share a fingerprint")
}

func TestProcessArticleMissingRowIsNoop(t *testing.T) {
	pool, _, _ := newPoolFixture(t, newFakeStore(), Config{})
	buf := newBuffers()

	assert.NoError(t, pool.processArticle(context.Background(), 99, buf))
	assert.Empty(t, buf.titles)
}

func TestFlushAllDrainsPartialBuffers(t *testing.T) {
	store := newFakeStore(&domain.Article{ID: 1, GroupID: 4, Title: "只有一条的批次标题"})

	pool, _, _ := newPoolFixture(t, store, Config{BatchSize: 50, MinParagraphLen: 5})
	buf := newBuffers()

	require.NoError(t, pool.processArticle(context.Background(), 1, buf))
	require.Empty(t, store.titles)

	pool.flushAll(buf)
	assert.Len(t, store.titles[4], 1)
}

func TestHandleFailureRetriesThenDeadLetters(t *testing.T) {
	pool, client, _ := newPoolFixture(t, newFakeStore(), Config{RetryMax: 2})
	ctx := context.Background()
	cause := errors.New("boom")

	pool.handleFailure(ctx, 7, cause)

	retry, err := client.LRange(ctx, keys.PendingArticlesRetry, 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"7"}, retry)

	count, err := client.Get(ctx, keys.RetryCounter(7)).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Second failure exhausts retry_max.
	pool.handleFailure(ctx, 7, cause)

	dead, err := client.LRange(ctx, keys.PendingArticlesDead, 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"7"}, dead)

	retryLen, err := client.LLen(ctx, keys.PendingArticlesRetry).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), retryLen, "no second retry is scheduled")

	exists, err := client.Exists(ctx, keys.RetryCounter(7)).Result()
	require.NoError(t, err)
	assert.Zero(t, exists, "counter cleared on dead-letter")
}

func TestAcknowledgeClearsCounterAndBumpsDaily(t *testing.T) {
	pool, client, _ := newPoolFixture(t, newFakeStore(), Config{})
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, keys.RetryCounter(3), "1", 0).Err())

	pool.acknowledge(ctx, 3)

	exists, err := client.Exists(ctx, keys.RetryCounter(3)).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestReloadConfigAppliesOverrides(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	settings := newFakeSettings()
	settings.ints[database.SettingProcessorConcurrency] = 8
	settings.ints[database.SettingBatchSize] = 50

	pool := NewPool(client, newFakeStore(), settings, Config{Concurrency: 4, BatchSize: 20}, logger.NewNop())

	changed := pool.reloadConfig(context.Background())
	assert.True(t, changed, "concurrency override restarts workers")

	cfg := pool.config()
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 10, cfg.MinParagraphLen, "untouched knobs keep the baseline")

	changed = pool.reloadConfig(context.Background())
	assert.False(t, changed, "unchanged concurrency needs no restart")
}

func TestNormalizeTitle(t *testing.T) {
	assert.Equal(t, normalizeTitle("Hello  World"), normalizeTitle("hello world"))
	assert.Equal(t, "", normalizeTitle("   "))
}

func TestIsTitleDuplicateEmpty(t *testing.T) {
	pool, _, _ := newPoolFixture(t, newFakeStore(), Config{})
	assert.True(t, pool.isTitleDuplicate("   "), "blank titles never reach the buffer")
}
