package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/seopages/spiderworker/internal/domain"
)

// ArticleRepository handles the content tables written by the item router and
// the generator pipeline: original_articles, titles, contents, keywords and
// images.
type ArticleRepository struct {
	db *sqlx.DB
}

// NewArticleRepository creates a new article repository.
func NewArticleRepository(db *sqlx.DB) *ArticleRepository {
	return &ArticleRepository{db: db}
}

// InsertArticle stores one raw crawled article and returns its id.
func (r *ArticleRepository) InsertArticle(ctx context.Context, article *domain.Article) (int64, error) {
	query := `
		INSERT INTO original_articles (source_id, group_id, source_url, title, content)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	var id int64
	err := r.db.QueryRowContext(
		ctx,
		query,
		article.SourceID,
		article.GroupID,
		article.SourceURL,
		article.Title,
		article.Content,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert article: %w", err)
	}
	article.ID = id
	return id, nil
}

// GetArticleByID fetches one raw article row. Returns nil, nil when the row
// is gone, which the generator treats as an acknowledged no-op.
func (r *ArticleRepository) GetArticleByID(ctx context.Context, id int64) (*domain.Article, error) {
	var article domain.Article
	query := `
		SELECT id, source_id, group_id, source_url, title, content
		FROM original_articles
		WHERE id = $1
	`
	err := r.db.GetContext(ctx, &article, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get article: %w", err)
	}
	return &article, nil
}

// CountArticlesBySource returns how many original articles a project has
// produced. Used to snapshot row counts around a run.
func (r *ArticleRepository) CountArticlesBySource(ctx context.Context, sourceID int64) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM original_articles WHERE source_id = $1`
	if err := r.db.GetContext(ctx, &count, query, sourceID); err != nil {
		return 0, fmt.Errorf("failed to count articles: %w", err)
	}
	return count, nil
}

// InsertTitles stores generated titles under the group's next batch id,
// skipping titles the group already has. The batch id is computed and the
// rows inserted in a single statement so concurrent writers for the same
// group cannot reuse a batch.
func (r *ArticleRepository) InsertTitles(ctx context.Context, groupID int64, titles []string) (int64, error) {
	if len(titles) == 0 {
		return 0, nil
	}

	placeholders := make([]string, 0, len(titles))
	args := make([]interface{}, 0, len(titles)+1)
	args = append(args, groupID)
	for i, title := range titles {
		placeholders = append(placeholders, fmt.Sprintf("($%d)", i+2))
		args = append(args, title)
	}

	query := fmt.Sprintf(`
		INSERT INTO titles (group_id, batch_id, title)
		SELECT $1,
		       (SELECT COALESCE(MAX(batch_id), 0) + 1 FROM titles WHERE group_id = $1),
		       v.title
		FROM (VALUES %s) AS v(title)
		ON CONFLICT (group_id, title) DO NOTHING
	`, strings.Join(placeholders, ", "))

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert titles: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return inserted, nil
}

// InsertContents stores generated article bodies under the group's next
// batch id and returns the generated row ids. The batch id is read once and
// the rows insert one at a time inside a transaction, so every id is
// captured and the batch stays whole under concurrent writers.
func (r *ArticleRepository) InsertContents(ctx context.Context, groupID int64, contents []string) ([]int64, error) {
	if len(contents) == 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin contents insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var batchID int64
	batchQuery := `SELECT COALESCE(MAX(batch_id), 0) + 1 FROM contents WHERE group_id = $1`
	if err := tx.GetContext(ctx, &batchID, batchQuery, groupID); err != nil {
		return nil, fmt.Errorf("failed to compute content batch id: %w", err)
	}

	insert := `INSERT INTO contents (group_id, batch_id, content) VALUES ($1, $2, $3) RETURNING id`
	ids := make([]int64, 0, len(contents))
	for _, content := range contents {
		var id int64
		if err := tx.QueryRowContext(ctx, insert, groupID, batchID, content).Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to insert content: %w", err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit contents insert: %w", err)
	}
	return ids, nil
}

// InsertKeywords bulk-inserts keywords, skipping duplicates within the
// group. Returns how many were actually new.
func (r *ArticleRepository) InsertKeywords(ctx context.Context, groupID int64, keywords []string) (int64, error) {
	if len(keywords) == 0 {
		return 0, nil
	}

	placeholders := make([]string, 0, len(keywords))
	args := make([]interface{}, 0, len(keywords)+1)
	args = append(args, groupID)
	for i, keyword := range keywords {
		placeholders = append(placeholders, fmt.Sprintf("($1, $%d)", i+2))
		args = append(args, keyword)
	}

	query := fmt.Sprintf(`
		INSERT INTO keywords (group_id, keyword)
		VALUES %s
		ON CONFLICT (group_id, keyword) DO NOTHING
	`, strings.Join(placeholders, ", "))

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert keywords: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return inserted, nil
}

// InsertImage stores one image URL, skipping duplicates within the group.
// Returns true when the row was new.
func (r *ArticleRepository) InsertImage(ctx context.Context, groupID int64, url string) (bool, error) {
	query := `
		INSERT INTO images (group_id, url)
		VALUES ($1, $2)
		ON CONFLICT (group_id, url) DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, query, groupID, url)
	if err != nil {
		return false, fmt.Errorf("failed to insert image: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return inserted > 0, nil
}
