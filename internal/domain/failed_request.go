package domain

import "time"

// Failed request statuses.
const (
	FailedStatusPending = "pending"
	FailedStatusRetried = "retried"
	FailedStatusIgnored = "ignored"
)

// FailedRequest represents a row in spider_failed_requests: a request that
// exhausted its retries during a run.
type FailedRequest struct {
	ID           int64     `db:"id" json:"id"`
	ProjectID    int64     `db:"project_id" json:"project_id"`
	URL          string    `db:"url" json:"url"`
	Method       string    `db:"method" json:"method"`
	Callback     string    `db:"callback" json:"callback"`
	Meta         JSONBMap  `db:"meta" json:"meta"`
	ErrorMessage string    `db:"error_message" json:"error_message"`
	RetryCount   int       `db:"retry_count" json:"retry_count"`
	FailedAt     time.Time `db:"failed_at" json:"failed_at"`
	Status       string    `db:"status" json:"status"`
}

// FailedRequestStats aggregates per-status counts for a project.
type FailedRequestStats struct {
	Pending int64 `db:"pending" json:"pending"`
	Retried int64 `db:"retried" json:"retried"`
	Ignored int64 `db:"ignored" json:"ignored"`
	Total   int64 `db:"total" json:"total"`
}
