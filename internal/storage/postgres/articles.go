package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/alcalor-scraper/internal/harvest"
)

const upsertArticleSQL = `
INSERT INTO articles (
	source, article_id, url, title, subtitle, section, author, location,
	publication_date, body, body_html, keywords, content_hash,
	first_scraped_at, last_updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
ON CONFLICT (source, article_id) DO UPDATE SET
	url = EXCLUDED.url,
	title = EXCLUDED.title,
	subtitle = EXCLUDED.subtitle,
	section = EXCLUDED.section,
	author = EXCLUDED.author,
	location = EXCLUDED.location,
	publication_date = EXCLUDED.publication_date,
	body = EXCLUDED.body,
	body_html = EXCLUDED.body_html,
	keywords = EXCLUDED.keywords,
	content_hash = EXCLUDED.content_hash,
	last_updated_at = EXCLUDED.last_updated_at
WHERE articles.content_hash IS DISTINCT FROM EXCLUDED.content_hash
RETURNING id, (xmax = 0) AS inserted`

const (
	deleteImagesSQL = `DELETE FROM article_images WHERE article_id = $1`
	insertImageSQL  = `INSERT INTO article_images (article_id, url, caption, position) VALUES ($1, $2, $3, $4)`
	countSQL        = `SELECT COUNT(*) FROM articles WHERE source = $1`
	dateRangeSQL    = `SELECT MIN(publication_date), MAX(publication_date) FROM articles WHERE source = $1`
)

// UpsertArticle writes the article and its images in one transaction. A row
// whose stored fingerprint already matches is left untouched.
func (s *Store) UpsertArticle(ctx context.Context, a *harvest.Article, fingerprint string, now time.Time) (harvest.PersistStatus, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return harvest.PersistFailed, classify("begin upsert", err)
	}

	keywords := a.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	var (
		id       string
		inserted bool
	)
	err = tx.QueryRow(ctx, upsertArticleSQL,
		a.Source,
		a.ExternalID,
		a.URL,
		a.Title,
		a.Subtitle,
		a.Section,
		a.Author,
		a.LocationText,
		a.PublicationDate,
		a.BodyText,
		a.BodyHTML,
		keywords,
		fingerprint,
		now,
	).Scan(&id, &inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		_ = tx.Rollback(ctx)
		return harvest.PersistUnchanged, nil
	}
	if err != nil {
		_ = tx.Rollback(ctx)
		return harvest.PersistFailed, classify("upsert article "+a.ExternalID, err)
	}

	if !inserted {
		if _, err := tx.Exec(ctx, deleteImagesSQL, id); err != nil {
			_ = tx.Rollback(ctx)
			return harvest.PersistFailed, classify("delete images "+a.ExternalID, err)
		}
	}
	for i, img := range a.Images {
		if _, err := tx.Exec(ctx, insertImageSQL, id, img.URL, img.Caption, i); err != nil {
			_ = tx.Rollback(ctx)
			return harvest.PersistFailed, classify("insert image "+a.ExternalID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return harvest.PersistFailed, classify("commit upsert "+a.ExternalID, err)
	}

	if inserted {
		return harvest.PersistCreated, nil
	}
	return harvest.PersistUpdated, nil
}

// CountArticles returns the number of stored articles for source.
func (s *Store) CountArticles(ctx context.Context, source string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, countSQL, source).Scan(&n); err != nil {
		return 0, classify("count articles", err)
	}
	return n, nil
}

// DateRange returns the earliest and latest stored publication dates.
func (s *Store) DateRange(ctx context.Context, source string) (harvest.DateRange, error) {
	var out harvest.DateRange
	if err := s.pool.QueryRow(ctx, dateRangeSQL, source).Scan(&out.Earliest, &out.Latest); err != nil {
		return harvest.DateRange{}, classify("article date range", err)
	}
	return out, nil
}
