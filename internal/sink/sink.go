// Package sink writes the per-day JSON documents that mirror the relational
// store: one articles document and one metadata document per source and day.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/JakeFAU/alcalor-scraper/internal/harvest"
)

const contentType = "application/json"

// Metadata summarizes the run that produced a day document.
type Metadata struct {
	RunID           string             `json:"run_id"`
	Source          string             `json:"source"`
	Date            string             `json:"date"`
	ScrapedAt       time.Time          `json:"scraped_at"`
	TotalArticles   int                `json:"total_articles"`
	Counts          harvest.RunCounts  `json:"counts"`
	DurationSeconds float64            `json:"duration_seconds"`
	ProxyUsed       bool               `json:"proxy_used"`
	Errors          []harvest.RunError `json:"errors"`
	ErrorsDropped   int                `json:"errors_dropped,omitempty"`
}

// DayDocument is the articles file for one day.
type DayDocument struct {
	Source        string            `json:"source"`
	Date          string            `json:"date"`
	TotalArticles int               `json:"total_articles"`
	Articles      []harvest.Article `json:"articles"`
	Metadata      Metadata          `json:"metadata"`
}

// ArticlesPath returns <prefix>/<source>/articles/articles_YYYYMMDD.json.
func ArticlesPath(prefix, source string, day time.Time) string {
	return path.Join(prefix, source, "articles", "articles_"+day.Format("20060102")+".json")
}

// MetadataPath returns <prefix>/<source>/metadata/metadata_YYYYMMDD.json.
func MetadataPath(prefix, source string, day time.Time) string {
	return path.Join(prefix, source, "metadata", "metadata_"+day.Format("20060102")+".json")
}

// Writer serializes day documents into a BlobStore.
type Writer struct {
	blobs  harvest.BlobStore
	prefix string
}

// NewWriter creates a Writer. prefix may be empty.
func NewWriter(blobs harvest.BlobStore, prefix string) (*Writer, error) {
	if blobs == nil {
		return nil, errors.New("sink: blob store is required")
	}
	return &Writer{blobs: blobs, prefix: prefix}, nil
}

// WriteDay replaces the articles and metadata documents for source and day and
// returns the articles document URI.
func (w *Writer) WriteDay(ctx context.Context, source string, day time.Time, articles []harvest.Article, meta Metadata) (string, error) {
	day = harvest.Day(day)
	date := day.Format(harvest.DateLayout)
	if articles == nil {
		articles = []harvest.Article{}
	}
	if meta.Errors == nil {
		meta.Errors = []harvest.RunError{}
	}
	meta.Source = source
	meta.Date = date
	meta.TotalArticles = len(articles)

	doc := DayDocument{
		Source:        source,
		Date:          date,
		TotalArticles: len(articles),
		Articles:      articles,
		Metadata:      meta,
	}
	uri, err := w.put(ctx, ArticlesPath(w.prefix, source, day), doc)
	if err != nil {
		return "", err
	}
	if _, err := w.put(ctx, MetadataPath(w.prefix, source, day), meta); err != nil {
		return uri, err
	}
	return uri, nil
}

func (w *Writer) put(ctx context.Context, p string, v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("encode %s: %w", p, err)
	}
	uri, err := w.blobs.PutObject(ctx, p, contentType, &buf)
	if err != nil {
		return "", fmt.Errorf("write %s: %w", p, err)
	}
	return uri, nil
}
