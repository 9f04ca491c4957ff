package runner

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/seopages/spiderworker/internal/domain"
	"github.com/seopages/spiderworker/internal/keys"
	"github.com/seopages/spiderworker/internal/logger"
	"github.com/seopages/spiderworker/internal/queue"
	"github.com/seopages/spiderworker/internal/spider"
)

// RetryStore loads and flags persisted failed-request rows.
type RetryStore interface {
	GetByID(ctx context.Context, id int64) (*domain.FailedRequest, error)
	ListPending(ctx context.Context, projectID int64) ([]*domain.FailedRequest, error)
	MarkRetried(ctx context.Context, id int64) error
}

// Retrier re-enqueues persisted failed requests onto their project's
// production queue. Re-pushed requests bypass the dedup filter and start
// with a zeroed retry counter.
type Retrier struct {
	client *redis.Client
	store  RetryStore
	log    logger.Logger
}

// NewRetrier creates a Retrier over the production queue namespace.
func NewRetrier(client *redis.Client, store RetryStore, log logger.Logger) *Retrier {
	return &Retrier{client: client, store: store, log: log}
}

// RetryOne re-pushes a single row and marks it retried.
func (r *Retrier) RetryOne(ctx context.Context, id int64) error {
	fr, err := r.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	q := queue.New(r.client, keys.QueuePrefix, fr.ProjectID, r.log)
	return r.repush(ctx, q, fr)
}

// RetryAll re-pushes every pending row of a project and returns how many
// were enqueued. Rows that fail to enqueue keep their pending status.
func (r *Retrier) RetryAll(ctx context.Context, projectID int64) (int, error) {
	rows, err := r.store.ListPending(ctx, projectID)
	if err != nil {
		return 0, err
	}

	q := queue.New(r.client, keys.QueuePrefix, projectID, r.log)
	retried := 0
	for _, fr := range rows {
		if err := r.repush(ctx, q, fr); err != nil {
			r.log.Error("failed-request retry failed",
				logger.Int64("id", fr.ID),
				logger.Error(err))
			continue
		}
		retried++
	}
	return retried, nil
}

func (r *Retrier) repush(ctx context.Context, q *queue.RequestQueue, fr *domain.FailedRequest) error {
	if _, err := q.Push(ctx, restoredRequest(fr)); err != nil {
		return fmt.Errorf("re-push failed request %d: %w", fr.ID, err)
	}
	return r.store.MarkRetried(ctx, fr.ID)
}

// restoredRequest rebuilds the queue request from its persisted row. The
// retry counter starts at zero and dedup is bypassed so an already-seen
// fingerprint still enqueues.
func restoredRequest(fr *domain.FailedRequest) *spider.Request {
	req := spider.NewRequest(fr.URL)
	if fr.Method != "" {
		req.Method = fr.Method
	}
	if fr.Callback != "" {
		req.Callback = fr.Callback
	}
	if len(fr.Meta) > 0 {
		req.Meta = map[string]any(fr.Meta)
	}
	req.DontFilter = true
	return req
}
