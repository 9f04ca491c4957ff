package domain

import "database/sql"

// Article represents a row in original_articles, written by the item router
// and consumed by the content generator pipeline.
type Article struct {
	ID        int64          `db:"id" json:"id"`
	SourceID  int64          `db:"source_id" json:"source_id"`
	GroupID   int64          `db:"group_id" json:"group_id"`
	SourceURL sql.NullString `db:"source_url" json:"source_url"`
	Title     string         `db:"title" json:"title"`
	Content   string         `db:"content" json:"content"`
}

// Title represents a row in titles, produced by the generator pipeline.
type Title struct {
	ID      int64  `db:"id" json:"id"`
	GroupID int64  `db:"group_id" json:"group_id"`
	BatchID int64  `db:"batch_id" json:"batch_id"`
	Title   string `db:"title" json:"title"`
}

// Content represents a row in contents, produced by the generator pipeline.
type Content struct {
	ID      int64  `db:"id" json:"id"`
	GroupID int64  `db:"group_id" json:"group_id"`
	BatchID int64  `db:"batch_id" json:"batch_id"`
	Content string `db:"content" json:"content"`
}

// Keyword represents a row in keywords, unique per (group_id, keyword).
type Keyword struct {
	ID      int64  `db:"id" json:"id"`
	GroupID int64  `db:"group_id" json:"group_id"`
	Keyword string `db:"keyword" json:"keyword"`
}

// Image represents a row in images, unique per (group_id, url).
type Image struct {
	ID      int64  `db:"id" json:"id"`
	GroupID int64  `db:"group_id" json:"group_id"`
	URL     string `db:"url" json:"url"`
}
