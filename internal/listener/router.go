package listener

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seopages/spiderworker/internal/domain"
	"github.com/seopages/spiderworker/internal/keys"
	"github.com/seopages/spiderworker/internal/logger"
)

// Router persists the items of one production run and feeds the downstream
// pipeline. One router exists per run; its item counter backs the realtime
// stats messages.
type Router struct {
	client  *redis.Client
	store   ArticleStore
	project *domain.Project
	log     logger.Logger
}

func NewRouter(client *redis.Client, store ArticleStore, project *domain.Project, log logger.Logger) *Router {
	return &Router{
		client:  client,
		store:   store,
		project: project,
		log:     log,
	}
}

// Route handles one yielded item. Items whose type does not match the
// project's crawl_type are discarded with a warning.
func (r *Router) Route(ctx context.Context, item *domain.Item) {
	if item.Type != r.project.CrawlType {
		r.log.Warn("item type mismatch",
			logger.Int64("project_id", r.project.ID),
			logger.String("got", item.Type),
			logger.String("want", r.project.CrawlType))
		return
	}

	var forwarded int64
	switch item.Type {
	case domain.CrawlTypeKeywords:
		forwarded = r.routeKeywords(ctx, item)
	case domain.CrawlTypeImages:
		forwarded = r.routeImages(ctx, item)
	case domain.CrawlTypeArticle:
		forwarded = r.routeArticle(ctx, item)
	default:
		r.log.Warn("unroutable item type", logger.String("type", item.Type))
	}

	if forwarded > 0 {
		r.bumpStats(ctx, forwarded)
	}
}

func (r *Router) routeKeywords(ctx context.Context, item *domain.Item) int64 {
	if len(item.Keywords) == 0 {
		return 0
	}
	inserted, err := r.store.InsertKeywords(ctx, r.project.OutputGroupID, item.Keywords)
	if err != nil {
		r.log.Error("keyword insert failed", logger.Int64("project_id", r.project.ID), logger.Error(err))
		return 0
	}
	return inserted
}

// routeImages pre-filters URLs against the per-group dedup set so repeat
// crawls skip the database entirely for known images.
func (r *Router) routeImages(ctx context.Context, item *domain.Item) int64 {
	dedupKey := keys.ImageDedup(r.project.OutputGroupID)

	var forwarded int64
	for _, url := range item.Images {
		if url == "" {
			continue
		}

		known, err := r.client.SIsMember(ctx, dedupKey, url).Result()
		if err == nil && known {
			continue
		}

		inserted, insErr := r.store.InsertImage(ctx, r.project.OutputGroupID, url)
		if insErr != nil {
			r.log.Error("image insert failed", logger.String("url", url), logger.Error(insErr))
			continue
		}
		if err := r.client.SAdd(ctx, dedupKey, url).Err(); err != nil {
			r.log.Warn("image dedup add failed", logger.Error(err))
		}
		if inserted {
			forwarded++
		}
	}
	return forwarded
}

// routeArticle inserts one raw article and hands its id to the generator
// pipeline. Duplicate rows are logged, not fatal.
func (r *Router) routeArticle(ctx context.Context, item *domain.Item) int64 {
	article := &domain.Article{
		SourceID: r.project.ID,
		GroupID:  r.project.OutputGroupID,
		Title:    item.Title,
		Content:  item.Content,
	}
	if item.SourceURL != "" {
		article.SourceURL = sql.NullString{String: item.SourceURL, Valid: true}
	}

	id, err := r.store.InsertArticle(ctx, article)
	if err != nil {
		r.log.Warn("article insert failed",
			logger.Int64("project_id", r.project.ID),
			logger.String("title", item.Title),
			logger.Error(err))
		return 0
	}

	if err := r.client.LPush(ctx, keys.PendingArticles, id).Err(); err != nil {
		r.log.Error("pending push failed", logger.Int64("article_id", id), logger.Error(err))
	}
	return 1
}

// bumpStats increments the project item counter and publishes a realtime
// stats message.
func (r *Router) bumpStats(ctx context.Context, n int64) {
	total, err := r.client.HIncrBy(ctx, keys.SpiderStats(r.project.ID), "items", n).Result()
	if err != nil {
		r.log.Warn("stats incr failed", logger.Error(err))
	}

	msg, err := json.Marshal(map[string]any{
		"type":        "stats",
		"project_id":  r.project.ID,
		"items_count": total,
		"timestamp":   time.Now().Unix(),
	})
	if err != nil {
		return
	}
	if err := r.client.Publish(ctx, keys.ProjectStats(r.project.ID), msg).Err(); err != nil {
		r.log.Warn("stats publish failed", logger.Error(err))
	}
}
