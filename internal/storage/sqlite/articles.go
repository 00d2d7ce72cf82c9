package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/alcalor-scraper/internal/harvest"
)

// UpsertArticle inserts, updates or skips the article inside one immediate
// transaction, replacing images on update.
func (s *Store) UpsertArticle(ctx context.Context, a *harvest.Article, fingerprint string, now time.Time) (harvest.PersistStatus, error) {
	keywords := a.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	kw, err := json.Marshal(keywords)
	if err != nil {
		return harvest.PersistFailed, fmt.Errorf("encode keywords: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return harvest.PersistFailed, classify("begin upsert", err)
	}

	var (
		id   int64
		hash string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, content_hash FROM articles WHERE source = ? AND article_id = ?`,
		a.Source, a.ExternalID,
	).Scan(&id, &hash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx, `
INSERT INTO articles (source, article_id, url, title, subtitle, section, author, location,
	publication_date, body, body_html, keywords, content_hash, first_scraped_at, last_updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.Source, a.ExternalID, a.URL, a.Title, a.Subtitle, a.Section, a.Author, a.LocationText,
			formatDate(a.PublicationDate), a.BodyText, a.BodyHTML, string(kw), fingerprint,
			formatTS(now), formatTS(now),
		)
		if err != nil {
			_ = tx.Rollback()
			return harvest.PersistFailed, classify("insert article "+a.ExternalID, err)
		}
		if id, err = res.LastInsertId(); err != nil {
			_ = tx.Rollback()
			return harvest.PersistFailed, fmt.Errorf("insert article %s: %w", a.ExternalID, err)
		}
		if err := insertImages(ctx, tx, id, a.Images); err != nil {
			_ = tx.Rollback()
			return harvest.PersistFailed, err
		}
		if err := tx.Commit(); err != nil {
			return harvest.PersistFailed, classify("commit insert "+a.ExternalID, err)
		}
		return harvest.PersistCreated, nil

	case err != nil:
		_ = tx.Rollback()
		return harvest.PersistFailed, classify("lookup article "+a.ExternalID, err)

	case hash == fingerprint:
		_ = tx.Rollback()
		return harvest.PersistUnchanged, nil
	}

	_, err = tx.ExecContext(ctx, `
UPDATE articles SET url = ?, title = ?, subtitle = ?, section = ?, author = ?, location = ?,
	publication_date = ?, body = ?, body_html = ?, keywords = ?, content_hash = ?, last_updated_at = ?
WHERE id = ?`,
		a.URL, a.Title, a.Subtitle, a.Section, a.Author, a.LocationText,
		formatDate(a.PublicationDate), a.BodyText, a.BodyHTML, string(kw), fingerprint, formatTS(now),
		id,
	)
	if err != nil {
		_ = tx.Rollback()
		return harvest.PersistFailed, classify("update article "+a.ExternalID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM article_images WHERE article_id = ?`, id); err != nil {
		_ = tx.Rollback()
		return harvest.PersistFailed, classify("delete images "+a.ExternalID, err)
	}
	if err := insertImages(ctx, tx, id, a.Images); err != nil {
		_ = tx.Rollback()
		return harvest.PersistFailed, err
	}
	if err := tx.Commit(); err != nil {
		return harvest.PersistFailed, classify("commit update "+a.ExternalID, err)
	}
	return harvest.PersistUpdated, nil
}

func insertImages(ctx context.Context, tx *sql.Tx, articleID int64, images []harvest.Image) error {
	for i, img := range images {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO article_images (article_id, url, caption, position) VALUES (?, ?, ?, ?)`,
			articleID, img.URL, img.Caption, i,
		)
		if err != nil {
			return classify("insert image", err)
		}
	}
	return nil
}

// LoadArticle reads a stored article with its images.
func (s *Store) LoadArticle(ctx context.Context, source, externalID string) (harvest.Article, error) {
	var (
		a          harvest.Article
		id         int64
		pub        sql.NullString
		kw         string
		first, upd string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, source, article_id, url, title, subtitle, section, author, location,
	publication_date, body, body_html, keywords, first_scraped_at, last_updated_at
FROM articles WHERE source = ? AND article_id = ?`, source, externalID).Scan(
		&id, &a.Source, &a.ExternalID, &a.URL, &a.Title, &a.Subtitle, &a.Section, &a.Author, &a.LocationText,
		&pub, &a.BodyText, &a.BodyHTML, &kw, &first, &upd,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return harvest.Article{}, harvest.ErrNotFound
	}
	if err != nil {
		return harvest.Article{}, classify("load article", err)
	}
	if a.PublicationDate, err = parseDate(pub); err != nil {
		return harvest.Article{}, err
	}
	if err := json.Unmarshal([]byte(kw), &a.Keywords); err != nil {
		return harvest.Article{}, fmt.Errorf("decode keywords: %w", err)
	}
	if a.FirstScrapedAt, err = parseTS(first); err != nil {
		return harvest.Article{}, err
	}
	if a.LastUpdatedAt, err = parseTS(upd); err != nil {
		return harvest.Article{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT url, caption, position FROM article_images WHERE article_id = ? ORDER BY position`, id)
	if err != nil {
		return harvest.Article{}, classify("load images", err)
	}
	defer func() { _ = rows.Close() }()
	a.Images = []harvest.Image{}
	for rows.Next() {
		var img harvest.Image
		if err := rows.Scan(&img.URL, &img.Caption, &img.Position); err != nil {
			return harvest.Article{}, fmt.Errorf("scan image: %w", err)
		}
		a.Images = append(a.Images, img)
	}
	return a, rows.Err()
}

// CountArticles returns the number of stored articles for source.
func (s *Store) CountArticles(ctx context.Context, source string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM articles WHERE source = ?`, source).Scan(&n); err != nil {
		return 0, classify("count articles", err)
	}
	return n, nil
}

// DateRange returns the earliest and latest stored publication dates.
func (s *Store) DateRange(ctx context.Context, source string) (harvest.DateRange, error) {
	var lo, hi sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(publication_date), MAX(publication_date) FROM articles WHERE source = ?`, source,
	).Scan(&lo, &hi)
	if err != nil {
		return harvest.DateRange{}, classify("article date range", err)
	}
	var out harvest.DateRange
	if out.Earliest, err = parseDate(lo); err != nil {
		return harvest.DateRange{}, err
	}
	if out.Latest, err = parseDate(hi); err != nil {
		return harvest.DateRange{}, err
	}
	return out, nil
}
