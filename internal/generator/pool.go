// Package generator implements the content pipeline: a pool of workers that
// pop crawled article ids, clean and annotate the text, and write titles and
// contents in batches, with retry and dead-letter queues and a realtime
// stats publisher.
package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/redis/go-redis/v9"

	"github.com/seopages/spiderworker/internal/coordination"
	"github.com/seopages/spiderworker/internal/database"
	"github.com/seopages/spiderworker/internal/domain"
	"github.com/seopages/spiderworker/internal/keys"
	"github.com/seopages/spiderworker/internal/logger"
)

const (
	// popTimeout bounds each blocking pop so workers notice cancellation.
	popTimeout = 5 * time.Second

	// statsInterval paces the realtime stats publisher.
	statsInterval = 5 * time.Second

	// retryCounterTTL expires per-article retry counters.
	retryCounterTTL = 24 * time.Hour

	// dailyCounterTTL keeps the daily processed counter across midnight.
	dailyCounterTTL = 48 * time.Hour

	// commandReconnectDelay spaces command-subscription retries.
	commandReconnectDelay = 5 * time.Second

	// bloomCapacity and bloomFalsePositive size the title dedup filter.
	bloomCapacity      = 1_000_000
	bloomFalsePositive = 0.01
)

// Config holds the generator knobs. Values come from the config file with
// system_settings overrides applied on start and reload_config.
type Config struct {
	Concurrency     int
	BatchSize       int
	MinParagraphLen int
	RetryMax        int
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.MinParagraphLen <= 0 {
		c.MinParagraphLen = 10
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
}

// ArticleStore is the SQL surface the pipeline needs.
type ArticleStore interface {
	GetArticleByID(ctx context.Context, id int64) (*domain.Article, error)
	InsertTitles(ctx context.Context, groupID int64, titles []string) (int64, error)
	InsertContents(ctx context.Context, groupID int64, contents []string) ([]int64, error)
}

// Settings reads and writes the system_settings rows the pipeline consults
// and maintains.
type Settings interface {
	GetInt(ctx context.Context, key string, fallback int64) (int64, error)
	Set(ctx context.Context, key, value string) error
	SetInt(ctx context.Context, key string, value int64) error
}

// command is the JSON message accepted on the processor command channel.
type command struct {
	Action string `json:"action"`
}

// Pool supervises the worker goroutines, the command subscription, and the
// stats publisher. At most one Pool runs fleet-wide, enforced by a Redis
// lease.
type Pool struct {
	client   *redis.Client
	store    ArticleStore
	settings Settings
	base     Config
	log      logger.Logger

	titleDedupMu sync.Mutex
	titleDedup   *bloom.BloomFilter

	processed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	totalMs   atomic.Int64

	mu      sync.Mutex
	cfg     Config
	running bool
	cancelW context.CancelFunc
	wg      sync.WaitGroup
	lastErr string
}

// NewPool creates a Pool. base is the config-file baseline; system_settings
// overrides are applied when the pool starts.
func NewPool(client *redis.Client, store ArticleStore, settings Settings, base Config, log logger.Logger) *Pool {
	base.SetDefaults()
	return &Pool{
		client:     client,
		store:      store,
		settings:   settings,
		base:       base,
		cfg:        base,
		log:        log,
		titleDedup: bloom.NewWithEstimates(bloomCapacity, bloomFalsePositive),
	}
}

// Run acquires the pool lease, starts the workers, and blocks serving
// commands and stats until ctx is cancelled or the lease is lost.
func (p *Pool) Run(ctx context.Context) error {
	lease := coordination.NewLease(p.client, keys.ProcessorLease, coordination.DefaultLeaseTTL, p.log)
	if err := lease.Acquire(ctx); err != nil {
		return fmt.Errorf("processor lease: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		// A lost lease means another pool took over; stop everything.
		if err := lease.Keepalive(runCtx, coordination.DefaultRenewInterval); err != nil {
			cancel()
		}
	}()
	defer func() {
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		if err := lease.Release(releaseCtx); err != nil && !errors.Is(err, coordination.ErrLeaseLost) {
			p.log.Warn("lease release failed", logger.Error(err))
		}
	}()

	p.reloadConfig(runCtx)
	p.startWorkers(runCtx)
	defer p.stopWorkers()

	go p.statsLoop(runCtx)

	p.commandLoop(runCtx)
	return runCtx.Err()
}

// startWorkers launches the worker pool if it is not already running.
func (p *Pool) startWorkers(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}

	workerCtx, cancel := context.WithCancel(ctx)
	p.cancelW = cancel
	p.running = true

	for i := range p.cfg.Concurrency {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.worker(workerCtx, id)
		}(i)
	}
	p.log.Info("generator workers started", logger.Int("concurrency", p.cfg.Concurrency))
}

// stopWorkers cancels the pool and waits for buffers to flush.
func (p *Pool) stopWorkers() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancelW
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.log.Info("generator workers stopped")
}

// reloadConfig re-reads the knobs from system_settings over the config-file
// baseline. Returns true when concurrency changed.
func (p *Pool) reloadConfig(ctx context.Context) bool {
	next := p.base

	if v, err := p.settings.GetInt(ctx, database.SettingProcessorConcurrency, int64(next.Concurrency)); err == nil && v > 0 {
		next.Concurrency = int(v)
	}
	if v, err := p.settings.GetInt(ctx, database.SettingBatchSize, int64(next.BatchSize)); err == nil && v > 0 {
		next.BatchSize = int(v)
	}
	if v, err := p.settings.GetInt(ctx, database.SettingMinParagraphLen, int64(next.MinParagraphLen)); err == nil && v > 0 {
		next.MinParagraphLen = int(v)
	}
	if v, err := p.settings.GetInt(ctx, database.SettingRetryMax, int64(next.RetryMax)); err == nil && v > 0 {
		next.RetryMax = int(v)
	}

	p.mu.Lock()
	changed := next.Concurrency != p.cfg.Concurrency
	p.cfg = next
	p.mu.Unlock()
	return changed
}

// config returns a copy of the current knobs.
func (p *Pool) config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// commandLoop serves start/stop/reload_config until ctx is cancelled.
func (p *Pool) commandLoop(ctx context.Context) {
	for {
		pubsub := p.client.Subscribe(ctx, keys.ProcessorCommands, keys.PoolReload)

		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					_ = pubsub.Close()
					return
				}
				p.log.Warn("processor command subscription lost", logger.Error(err))
				break
			}
			if msg.Channel == keys.PoolReload {
				// Advisory resize messages reuse the reload path.
				p.handleCommand(ctx, `{"action":"reload_config"}`)
				continue
			}
			p.handleCommand(ctx, msg.Payload)
		}

		_ = pubsub.Close()
		select {
		case <-ctx.Done():
			return
		case <-time.After(commandReconnectDelay):
		}
	}
}

// handleCommand applies one lifecycle command.
func (p *Pool) handleCommand(ctx context.Context, payload string) {
	var cmd command
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		cmd.Action = strings.TrimSpace(payload)
	}

	switch cmd.Action {
	case "start":
		p.startWorkers(ctx)
	case "stop":
		p.stopWorkers()
	case "reload_config":
		if p.reloadConfig(ctx) {
			p.log.Info("concurrency changed, restarting workers")
			p.stopWorkers()
			p.startWorkers(ctx)
		}
	default:
		p.log.Warn("unknown processor command", logger.String("action", cmd.Action))
	}
}

// isTitleDuplicate records the normalized title in the Bloom filter and
// reports whether it was already present.
func (p *Pool) isTitleDuplicate(title string) bool {
	normalized := normalizeTitle(title)
	if normalized == "" {
		return true
	}
	p.titleDedupMu.Lock()
	defer p.titleDedupMu.Unlock()
	return p.titleDedup.TestAndAddString(normalized)
}

// normalizeTitle collapses whitespace and case so near-identical titles
// share a fingerprint.
func normalizeTitle(title string) string {
	return strings.ToLower(strings.Join(strings.Fields(title), ""))
}

// setLastError records the most recent worker failure for the stats
// snapshot.
func (p *Pool) setLastError(msg string) {
	p.mu.Lock()
	p.lastErr = msg
	p.mu.Unlock()
}
