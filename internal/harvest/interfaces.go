package harvest

import (
	"context"
	"io"
	"time"
)

// Transport performs a single HTTP GET attempt. Non-2xx statuses are returned
// in RawResponse, not as errors.
type Transport interface {
	Get(ctx context.Context, target string) (RawResponse, error)
}

// PageFetcher returns the body of a page after throttling and retries.
type PageFetcher interface {
	Fetch(ctx context.Context, target string) ([]byte, error)
}

// Extractor turns fetched pages of one source into work items and records.
// Implementations must be free of side effects.
type Extractor interface {
	Source() string
	ListingURL(day time.Time) string
	ParseListing(page []byte, day time.Time) ([]WorkItem, error)
	Extract(page []byte, item WorkItem) (*Article, error)
}

// ArticleRepository is the authoritative article store.
type ArticleRepository interface {
	// UpsertArticle inserts, updates, or leaves the article untouched depending
	// on identity and fingerprint. Images are replaced in the same transaction.
	UpsertArticle(ctx context.Context, article *Article, fingerprint string, now time.Time) (PersistStatus, error)
	CountArticles(ctx context.Context, source string) (int64, error)
	DateRange(ctx context.Context, source string) (DateRange, error)
}

// RunRepository persists scrape runs.
type RunRepository interface {
	CreateRun(ctx context.Context, run ScrapeRun) error
	// FinishRun applies the single running -> terminal transition.
	FinishRun(ctx context.Context, run ScrapeRun) error
	ListRuns(ctx context.Context, source string, limit int) ([]ScrapeRun, error)
}

// ProgressRepository persists the backfill cursor.
type ProgressRepository interface {
	// GetProgress returns ErrNotFound when no row exists for the source.
	GetProgress(ctx context.Context, source string) (BackfillProgress, error)
	SaveProgress(ctx context.Context, progress BackfillProgress) error
}

// Store bundles every repository behind one connection.
type Store interface {
	ArticleRepository
	RunRepository
	ProgressRepository
	Ping(ctx context.Context) error
	Close()
}

// BlobStore writes sink documents and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes run summaries to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content fingerprints.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
