// Package domain provides domain models used across the application.
package domain

import (
	"database/sql"
	"time"
)

// Crawl types a project may declare. Items yielded by a spider must match.
const (
	CrawlTypeArticle  = "article"
	CrawlTypeKeywords = "keywords"
	CrawlTypeImages   = "images"
)

// Project statuses persisted on spider_projects.status.
const (
	ProjectStatusIdle    = "idle"
	ProjectStatusRunning = "running"
	ProjectStatusError   = "error"
)

// Project represents a row in spider_projects.
type Project struct {
	ID              int64          `db:"id" json:"id"`
	Name            string         `db:"name" json:"name"`
	EntryFile       string         `db:"entry_file" json:"entry_file"`
	Config          JSONBMap       `db:"config" json:"config"`
	Concurrency     int            `db:"concurrency" json:"concurrency"`
	CrawlType       string         `db:"crawl_type" json:"crawl_type"`
	OutputGroupID   int64          `db:"output_group_id" json:"output_group_id"`
	Enabled         bool           `db:"enabled" json:"enabled"`
	Status          string         `db:"status" json:"status"`
	Schedule        sql.NullString `db:"schedule" json:"schedule"`
	LastRunAt       sql.NullTime   `db:"last_run_at" json:"last_run_at"`
	LastRunDuration sql.NullInt64  `db:"last_run_duration" json:"last_run_duration"`
	LastRunItems    int64          `db:"last_run_items" json:"last_run_items"`
	LastError       sql.NullString `db:"last_error" json:"last_error"`
	TotalRuns       int64          `db:"total_runs" json:"total_runs"`
	TotalItems      int64          `db:"total_items" json:"total_items"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
}

// ProjectFile represents a row in spider_project_files.
type ProjectFile struct {
	ProjectID int64  `db:"project_id" json:"project_id"`
	Path      string `db:"path" json:"path"`
	Content   string `db:"content" json:"content"`
	Type      string `db:"type" json:"type"`
}

// RunSummary carries the terminal bookkeeping of a project run.
type RunSummary struct {
	Status   string
	Duration time.Duration
	Items    int64
	LastErr  string
}
