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

// ErrProjectNotFound is returned when a project id does not exist.
var ErrProjectNotFound = errors.New("project not found")

// ProjectRepository handles spider_projects and spider_project_files rows.
type ProjectRepository struct {
	db *sqlx.DB
}

// NewProjectRepository creates a new project repository.
func NewProjectRepository(db *sqlx.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

const projectColumns = `
	id, name, entry_file, config, concurrency, crawl_type, output_group_id,
	enabled, status, schedule, last_run_at, last_run_duration, last_run_items,
	last_error, total_runs, total_items, created_at, updated_at
`

// GetByID retrieves a project by its id.
func (r *ProjectRepository) GetByID(ctx context.Context, id int64) (*domain.Project, error) {
	var project domain.Project
	query := `SELECT ` + projectColumns + ` FROM spider_projects WHERE id = $1`

	err := r.db.GetContext(ctx, &project, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrProjectNotFound, id)
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return &project, nil
}

// ListScheduled returns enabled projects carrying a non-empty schedule.
func (r *ProjectRepository) ListScheduled(ctx context.Context) ([]*domain.Project, error) {
	var projects []*domain.Project
	query := `
		SELECT ` + projectColumns + `
		FROM spider_projects
		WHERE enabled = TRUE AND schedule IS NOT NULL AND schedule <> ''
		ORDER BY id
	`
	if err := r.db.SelectContext(ctx, &projects, query); err != nil {
		return nil, fmt.Errorf("failed to list scheduled projects: %w", err)
	}
	return projects, nil
}

// UpdateStatus sets only the status column.
func (r *ProjectRepository) UpdateStatus(ctx context.Context, id int64, status string) error {
	query := `UPDATE spider_projects SET status = $1, updated_at = NOW() WHERE id = $2`
	result, err := r.db.ExecContext(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("failed to update project status: %w", err)
	}
	return requireRow(result, id)
}

// SetLastError records a scheduler- or run-level failure on the project row.
func (r *ProjectRepository) SetLastError(ctx context.Context, id int64, lastErr string) error {
	query := `
		UPDATE spider_projects
		SET status = $1, last_error = $2, updated_at = NOW()
		WHERE id = $3
	`
	result, err := r.db.ExecContext(ctx, query, domain.ProjectStatusError, lastErr, id)
	if err != nil {
		return fmt.Errorf("failed to set project error: %w", err)
	}
	return requireRow(result, id)
}

// FinishRun applies the terminal bookkeeping of one run: status, last-run
// columns, and the cumulative totals.
func (r *ProjectRepository) FinishRun(
	ctx context.Context,
	id int64,
	summary domain.RunSummary,
) error {
	query := `
		UPDATE spider_projects
		SET status = $1,
		    last_run_at = $2,
		    last_run_duration = $3,
		    last_run_items = $4,
		    last_error = NULLIF($5, ''),
		    total_runs = total_runs + 1,
		    total_items = total_items + $4,
		    updated_at = NOW()
		WHERE id = $6
	`
	result, err := r.db.ExecContext(
		ctx,
		query,
		summary.Status,
		time.Now(),
		summary.Duration.Milliseconds(),
		summary.Items,
		summary.LastErr,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return requireRow(result, id)
}

// UpdateSchedule replaces the schedule JSON and enabled flag.
func (r *ProjectRepository) UpdateSchedule(ctx context.Context, id int64, schedule string, enabled bool) error {
	query := `
		UPDATE spider_projects
		SET schedule = $1, enabled = $2, updated_at = NOW()
		WHERE id = $3
	`
	result, err := r.db.ExecContext(ctx, query, schedule, enabled, id)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	return requireRow(result, id)
}

// ListFiles returns the stored code files of a project.
func (r *ProjectRepository) ListFiles(ctx context.Context, projectID int64) ([]*domain.ProjectFile, error) {
	var files []*domain.ProjectFile
	query := `
		SELECT project_id, path, content, type
		FROM spider_project_files
		WHERE project_id = $1
		ORDER BY path
	`
	if err := r.db.SelectContext(ctx, &files, query, projectID); err != nil {
		return nil, fmt.Errorf("failed to list project files: %w", err)
	}
	return files, nil
}

// SaveFile upserts one project code file.
func (r *ProjectRepository) SaveFile(ctx context.Context, file *domain.ProjectFile) error {
	if file.Path == "" {
		return errors.New("project file path is required")
	}
	query := `
		INSERT INTO spider_project_files (project_id, path, content, type)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project_id, path)
		DO UPDATE SET content = EXCLUDED.content, type = EXCLUDED.type
	`
	if _, err := r.db.ExecContext(ctx, query, file.ProjectID, file.Path, file.Content, file.Type); err != nil {
		return fmt.Errorf("failed to save project file: %w", err)
	}
	return nil
}

// requireRow converts a zero-rows-affected update into ErrProjectNotFound.
func requireRow(result sql.Result, id int64) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrProjectNotFound, id)
	}
	return nil
}
