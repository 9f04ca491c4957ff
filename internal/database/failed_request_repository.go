package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/seopages/spiderworker/internal/domain"
)

// Column caps keep oversized URLs and tracebacks out of the table.
const (
	maxFailedURLLen   = 2048
	maxFailedErrorLen = 1000
)

// ErrFailedRequestNotFound is returned when a failed-request id does not exist.
var ErrFailedRequestNotFound = errors.New("failed request not found")

// FailedRequestRepository handles spider_failed_requests rows.
type FailedRequestRepository struct {
	db *sqlx.DB
}

// NewFailedRequestRepository creates a new failed-request repository.
func NewFailedRequestRepository(db *sqlx.DB) *FailedRequestRepository {
	return &FailedRequestRepository{db: db}
}

// Save records one exhausted request. URL and error message are truncated to
// their column caps.
func (r *FailedRequestRepository) Save(ctx context.Context, fr *domain.FailedRequest) error {
	if fr.Status == "" {
		fr.Status = domain.FailedStatusPending
	}
	if fr.FailedAt.IsZero() {
		fr.FailedAt = time.Now()
	}
	fr.URL = truncate(fr.URL, maxFailedURLLen)
	fr.ErrorMessage = truncate(fr.ErrorMessage, maxFailedErrorLen)

	query := `
		INSERT INTO spider_failed_requests
			(project_id, url, method, callback, meta, error_message, retry_count, failed_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	err := r.db.QueryRowContext(
		ctx,
		query,
		fr.ProjectID,
		fr.URL,
		fr.Method,
		fr.Callback,
		fr.Meta,
		fr.ErrorMessage,
		fr.RetryCount,
		fr.FailedAt,
		fr.Status,
	).Scan(&fr.ID)
	if err != nil {
		return fmt.Errorf("failed to save failed request: %w", err)
	}
	return nil
}

// List returns one page of a project's failed requests, newest first, along
// with the total count for that filter.
func (r *FailedRequestRepository) List(
	ctx context.Context,
	projectID int64,
	status string,
	limit, offset int,
) ([]*domain.FailedRequest, int64, error) {
	if limit <= 0 {
		limit = 50
	}

	where := `WHERE project_id = $1`
	args := []interface{}{projectID}
	if status != "" {
		where += ` AND status = $2`
		args = append(args, status)
	}

	var total int64
	countQuery := `SELECT COUNT(*) FROM spider_failed_requests ` + where
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count failed requests: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, project_id, url, method, callback, meta, error_message,
		       retry_count, failed_at, status
		FROM spider_failed_requests
		%s
		ORDER BY failed_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	var rows []*domain.FailedRequest
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list failed requests: %w", err)
	}
	return rows, total, nil
}

// GetByID retrieves one failed request.
func (r *FailedRequestRepository) GetByID(ctx context.Context, id int64) (*domain.FailedRequest, error) {
	var fr domain.FailedRequest
	query := `
		SELECT id, project_id, url, method, callback, meta, error_message,
		       retry_count, failed_at, status
		FROM spider_failed_requests
		WHERE id = $1
	`
	err := r.db.GetContext(ctx, &fr, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrFailedRequestNotFound, id)
		}
		return nil, fmt.Errorf("failed to get failed request: %w", err)
	}
	return &fr, nil
}

// MarkRetried flags one row as re-enqueued.
func (r *FailedRequestRepository) MarkRetried(ctx context.Context, id int64) error {
	return r.setStatus(ctx, id, domain.FailedStatusRetried)
}

// MarkIgnored flags one row as permanently skipped.
func (r *FailedRequestRepository) MarkIgnored(ctx context.Context, id int64) error {
	return r.setStatus(ctx, id, domain.FailedStatusIgnored)
}

func (r *FailedRequestRepository) setStatus(ctx context.Context, id int64, status string) error {
	query := `UPDATE spider_failed_requests SET status = $1 WHERE id = $2`
	result, err := r.db.ExecContext(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("failed to update failed request status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrFailedRequestNotFound, id)
	}
	return nil
}

// ListPending returns every pending failure of a project, for retry-all.
func (r *FailedRequestRepository) ListPending(ctx context.Context, projectID int64) ([]*domain.FailedRequest, error) {
	var rows []*domain.FailedRequest
	query := `
		SELECT id, project_id, url, method, callback, meta, error_message,
		       retry_count, failed_at, status
		FROM spider_failed_requests
		WHERE project_id = $1 AND status = $2
		ORDER BY id
	`
	if err := r.db.SelectContext(ctx, &rows, query, projectID, domain.FailedStatusPending); err != nil {
		return nil, fmt.Errorf("failed to list pending failed requests: %w", err)
	}
	return rows, nil
}

// Delete removes one row.
func (r *FailedRequestRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM spider_failed_requests WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete failed request: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrFailedRequestNotFound, id)
	}
	return nil
}

// DeleteByProject removes a project's rows, optionally only those in the
// given status. Returns how many were removed.
func (r *FailedRequestRepository) DeleteByProject(ctx context.Context, projectID int64, status string) (int64, error) {
	query := `DELETE FROM spider_failed_requests WHERE project_id = $1`
	args := []interface{}{projectID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete failed requests: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

// GetStats aggregates per-status counts for a project.
func (r *FailedRequestRepository) GetStats(ctx context.Context, projectID int64) (*domain.FailedRequestStats, error) {
	var stats domain.FailedRequestStats
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'retried') AS retried,
			COUNT(*) FILTER (WHERE status = 'ignored') AS ignored,
			COUNT(*) AS total
		FROM spider_failed_requests
		WHERE project_id = $1
	`
	if err := r.db.GetContext(ctx, &stats, query, projectID); err != nil {
		return nil, fmt.Errorf("failed to get failed request stats: %w", err)
	}
	return &stats, nil
}

// truncate caps s at max runes without splitting a multibyte character.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
