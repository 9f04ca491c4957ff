package generator

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/seopages/spiderworker/internal/database"
	"github.com/seopages/spiderworker/internal/keys"
	"github.com/seopages/spiderworker/internal/logger"
)

// snapshot is the realtime status record published to the admin surface.
type snapshot struct {
	Running        bool    `json:"running"`
	Workers        int     `json:"workers"`
	QueuePending   int64   `json:"queue_pending"`
	QueueRetry     int64   `json:"queue_retry"`
	QueueDead      int64   `json:"queue_dead"`
	ProcessedTotal int64   `json:"processed_total"`
	ProcessedToday int64   `json:"processed_today"`
	Speed          float64 `json:"speed"`
	LastError      string  `json:"last_error,omitempty"`
	Timestamp      int64   `json:"timestamp"`
}

// statsLoop publishes a snapshot every statsInterval and mirrors the
// headline numbers into system_settings for the non-realtime surface.
func (p *Pool) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	lastProcessed := p.processed.Load()
	lastAt := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		processed := p.processed.Load()
		now := time.Now()
		speed := float64(processed-lastProcessed) / now.Sub(lastAt).Seconds()
		lastProcessed = processed
		lastAt = now

		p.publishSnapshot(ctx, processed, speed)
	}
}

// publishSnapshot assembles and emits one stats record.
func (p *Pool) publishSnapshot(ctx context.Context, processed int64, speed float64) {
	pending, _ := p.client.LLen(ctx, keys.PendingArticles).Result()
	retry, _ := p.client.LLen(ctx, keys.PendingArticlesRetry).Result()
	dead, _ := p.client.LLen(ctx, keys.PendingArticlesDead).Result()

	today := int64(0)
	if raw, err := p.client.Get(ctx, keys.ProcessedDaily(time.Now().Format("20060102"))).Result(); err == nil {
		today, _ = strconv.ParseInt(raw, 10, 64)
	}

	p.mu.Lock()
	running := p.running
	workers := p.cfg.Concurrency
	lastErr := p.lastErr
	p.mu.Unlock()

	snap := snapshot{
		Running:        running,
		Workers:        workers,
		QueuePending:   pending,
		QueueRetry:     retry,
		QueueDead:      dead,
		ProcessedTotal: processed,
		ProcessedToday: today,
		Speed:          speed,
		LastError:      lastErr,
		Timestamp:      time.Now().Unix(),
	}

	data, err := json.Marshal(snap)
	if err != nil {
		p.log.Error("snapshot marshal failed", logger.Error(err))
		return
	}
	if err := p.client.Publish(ctx, keys.ProcessorStatusRealtime, data).Err(); err != nil {
		p.log.Warn("snapshot publish failed", logger.Error(err))
	}

	status := "stopped"
	if running {
		status = "running"
	}
	if err := p.settings.Set(ctx, database.SettingProcessorStatus, status); err != nil {
		p.log.Warn("status setting write failed", logger.Error(err))
	}
	if err := p.settings.SetInt(ctx, database.SettingProcessorProcessed, processed); err != nil {
		p.log.Warn("processed setting write failed", logger.Error(err))
	}
	if err := p.settings.SetInt(ctx, database.SettingProcessorFailed, p.failed.Load()); err != nil {
		p.log.Warn("failed setting write failed", logger.Error(err))
	}
	if err := p.settings.Set(ctx, database.SettingProcessorSpeed, strconv.FormatFloat(speed, 'f', 2, 64)); err != nil {
		p.log.Warn("speed setting write failed", logger.Error(err))
	}
}

// publishLog streams one log record to the processor log channel.
func (p *Pool) publishLog(ctx context.Context, level, message string) {
	data, err := json.Marshal(map[string]any{
		"type":      "log",
		"level":     level,
		"message":   message,
		"timestamp": time.Now().Unix(),
	})
	if err != nil {
		return
	}
	if err := p.client.Publish(ctx, keys.ProcessorLogs, data).Err(); err != nil {
		p.log.Warn("processor log publish failed", logger.Error(err))
	}
}
