package generator

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seopages/spiderworker/internal/content"
	"github.com/seopages/spiderworker/internal/keys"
	"github.com/seopages/spiderworker/internal/logger"
)

// buffers accumulate rows per output group until the batch flush.
type buffers struct {
	titles   map[int64][]string
	contents map[int64][]string
}

func newBuffers() *buffers {
	return &buffers{
		titles:   make(map[int64][]string),
		contents: make(map[int64][]string),
	}
}

// worker is one pipeline goroutine: pop, process, batch, retry.
func (p *Pool) worker(ctx context.Context, id int) {
	buf := newBuffers()
	defer p.flushAll(buf)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := p.client.BLPop(ctx, popTimeout, keys.PendingArticles, keys.PendingArticlesRetry).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("article pop failed", logger.Int("worker", id), logger.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		articleID, parseErr := strconv.ParseInt(res[1], 10, 64)
		if parseErr != nil {
			p.log.Warn("malformed article id", logger.String("value", res[1]))
			continue
		}

		start := time.Now()
		processErr := p.processArticle(ctx, articleID, buf)
		p.totalMs.Add(time.Since(start).Milliseconds())

		if processErr != nil {
			p.failed.Add(1)
			p.setLastError(processErr.Error())
			p.handleFailure(ctx, articleID, processErr)
			continue
		}

		p.processed.Add(1)
		p.acknowledge(ctx, articleID)
	}
}

// processArticle loads one article and buffers its derived rows. A missing
// row is an acknowledged no-op.
func (p *Pool) processArticle(ctx context.Context, articleID int64, buf *buffers) error {
	article, err := p.store.GetArticleByID(ctx, articleID)
	if err != nil {
		return err
	}
	if article == nil {
		return nil
	}

	cfg := p.config()

	if article.Title != "" && !p.isTitleDuplicate(article.Title) {
		buf.titles[article.GroupID] = append(buf.titles[article.GroupID], article.Title)
	}

	if article.Content != "" {
		paragraphs := content.CleanParagraphs(article.Content, cfg.MinParagraphLen)
		annotated := content.AnnotateParagraphs(paragraphs)
		buf.contents[article.GroupID] = append(buf.contents[article.GroupID], annotated...)
	}

	return p.flushFull(ctx, buf, cfg.BatchSize)
}

// flushFull flushes every per-group buffer that has reached the batch size.
func (p *Pool) flushFull(ctx context.Context, buf *buffers, batchSize int) error {
	for groupID, titles := range buf.titles {
		if len(titles) < batchSize {
			continue
		}
		if _, err := p.store.InsertTitles(ctx, groupID, titles); err != nil {
			return err
		}
		delete(buf.titles, groupID)
	}
	for groupID, contents := range buf.contents {
		if len(contents) < batchSize {
			continue
		}
		if _, err := p.store.InsertContents(ctx, groupID, contents); err != nil {
			return err
		}
		delete(buf.contents, groupID)
	}
	return nil
}

// flushAll drains the buffers at worker exit, on a fresh context because the
// worker context is already cancelled.
func (p *Pool) flushAll(buf *buffers) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for groupID, titles := range buf.titles {
		if len(titles) == 0 {
			continue
		}
		if _, err := p.store.InsertTitles(ctx, groupID, titles); err != nil {
			p.log.Error("final title flush failed", logger.Int64("group_id", groupID), logger.Error(err))
		}
	}
	for groupID, contents := range buf.contents {
		if len(contents) == 0 {
			continue
		}
		if _, err := p.store.InsertContents(ctx, groupID, contents); err != nil {
			p.log.Error("final content flush failed", logger.Int64("group_id", groupID), logger.Error(err))
		}
	}
}

// acknowledge clears the retry counter and bumps the daily counter after a
// successful article.
func (p *Pool) acknowledge(ctx context.Context, articleID int64) {
	if err := p.client.Del(ctx, keys.RetryCounter(articleID)).Err(); err != nil {
		p.log.Warn("retry counter clear failed", logger.Error(err))
	}

	daily := keys.ProcessedDaily(time.Now().Format("20060102"))
	pipe := p.client.Pipeline()
	pipe.Incr(ctx, daily)
	pipe.Expire(ctx, daily, dailyCounterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		p.log.Warn("daily counter bump failed", logger.Error(err))
	}
}

// handleFailure routes a failed article to the retry list, or to the dead
// list once retry_max is exhausted.
func (p *Pool) handleFailure(ctx context.Context, articleID int64, cause error) {
	cfg := p.config()
	counterKey := keys.RetryCounter(articleID)

	count, err := p.client.Incr(ctx, counterKey).Result()
	if err != nil {
		p.log.Error("retry counter incr failed", logger.Int64("article_id", articleID), logger.Error(err))
		return
	}
	if err := p.client.Expire(ctx, counterKey, retryCounterTTL).Err(); err != nil {
		p.log.Warn("retry counter expire failed", logger.Error(err))
	}

	if count < int64(cfg.RetryMax) {
		p.retried.Add(1)
		if err := p.client.RPush(ctx, keys.PendingArticlesRetry, articleID).Err(); err != nil {
			p.log.Error("retry push failed", logger.Int64("article_id", articleID), logger.Error(err))
		}
		p.log.Warn("article retry scheduled",
			logger.Int64("article_id", articleID),
			logger.Int64("attempt", count),
			logger.Error(cause))
		return
	}

	if err := p.client.RPush(ctx, keys.PendingArticlesDead, articleID).Err(); err != nil {
		p.log.Error("dead-letter push failed", logger.Int64("article_id", articleID), logger.Error(err))
	}
	if err := p.client.Del(ctx, counterKey).Err(); err != nil {
		p.log.Warn("retry counter clear failed", logger.Error(err))
	}
	p.log.Error("article dead-lettered",
		logger.Int64("article_id", articleID),
		logger.Error(cause))
	p.publishLog(ctx, "error",
		"article "+strconv.FormatInt(articleID, 10)+" dead-lettered: "+cause.Error())
}
