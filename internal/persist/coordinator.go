// Package persist decides whether an extracted article is created, updated,
// left unchanged or rejected, and stages accepted articles into the day
// journal that backs the file sink.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/alcalor-scraper/internal/harvest"
	"github.com/JakeFAU/alcalor-scraper/internal/sink"
)

// Coordinator owns every write of article records.
type Coordinator struct {
	articles harvest.ArticleRepository
	sink     *sink.Writer
	hasher   harvest.Hasher
	clock    harvest.Clock
	logger   *zap.Logger
}

// New creates a Coordinator. A nil sink disables the file journal.
func New(articles harvest.ArticleRepository, sinkWriter *sink.Writer, hasher harvest.Hasher, clock harvest.Clock, logger *zap.Logger) (*Coordinator, error) {
	if articles == nil {
		return nil, errors.New("persist: article repository is required")
	}
	if hasher == nil || clock == nil {
		return nil, errors.New("persist: hasher and clock are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		articles: articles,
		sink:     sinkWriter,
		hasher:   hasher,
		clock:    clock,
		logger:   logger.With(zap.String("component", "persist")),
	}, nil
}

// SinkEnabled reports whether day documents are written.
func (c *Coordinator) SinkEnabled() bool {
	return c.sink != nil
}

// Journal stages the accepted articles of one source and day. It is safe for
// concurrent use by scheduler workers.
type Journal struct {
	Source string
	Day    time.Time

	mu      sync.Mutex
	records map[string]staged
}

// staged pairs a record with the listing position of its work item.
type staged struct {
	index   int
	article harvest.Article
}

// OpenJournal starts an empty journal for source and day.
func (c *Coordinator) OpenJournal(source string, day time.Time) *Journal {
	return &Journal{
		Source:  source,
		Day:     harvest.Day(day),
		records: make(map[string]staged),
	}
}

func (j *Journal) stage(index int, a harvest.Article) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if prev, ok := j.records[a.ExternalID]; ok && prev.index < index {
		index = prev.index
	}
	j.records[a.ExternalID] = staged{index: index, article: a}
}

// Len returns the number of staged articles.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.records)
}

// Articles returns staged articles in listing order, whatever order the
// workers finished in. A record listed twice keeps its first position.
func (j *Journal) Articles() []harvest.Article {
	j.mu.Lock()
	entries := make([]staged, 0, len(j.records))
	for _, e := range j.records {
		entries = append(entries, e)
	}
	j.mu.Unlock()

	sort.Slice(entries, func(a, b int) bool {
		if entries[a].index != entries[b].index {
			return entries[a].index < entries[b].index
		}
		return entries[a].article.ExternalID < entries[b].article.ExternalID
	})
	out := make([]harvest.Article, len(entries))
	for i, e := range entries {
		out[i] = e.article
	}
	return out
}

// Validate returns the rejection reason for a record, or "" when it passes.
func Validate(a *harvest.Article) string {
	switch {
	case a == nil:
		return "nil record"
	case strings.TrimSpace(a.Source) == "":
		return "missing source"
	case strings.TrimSpace(a.ExternalID) == "":
		return "missing external id"
	case strings.TrimSpace(a.URL) == "":
		return "missing url"
	default:
		return ""
	}
}

// Persist applies the data-quality gate, stages the record in j (when j is
// non-nil) and upserts it. Storage unavailability is reported as PersistFailed
// with an error matching harvest.ErrStorageUnavailable.
func (c *Coordinator) Persist(ctx context.Context, j *Journal, item harvest.WorkItem, article *harvest.Article) harvest.PersistResult {
	if reason := Validate(article); reason != "" {
		c.logger.Debug("record rejected", zap.String("key", item.Key), zap.String("reason", reason))
		return harvest.PersistResult{Status: harvest.PersistRejected, Reason: reason}
	}

	fingerprint, err := Fingerprint(c.hasher, article)
	if err != nil {
		return harvest.PersistResult{Status: harvest.PersistFailed, Err: fmt.Errorf("fingerprint %s: %w", item.Key, err)}
	}
	if j != nil {
		j.stage(item.Index, *article)
	}

	status, err := c.articles.UpsertArticle(ctx, article, fingerprint, c.clock.Now())
	if err != nil {
		c.logger.Warn("upsert failed",
			zap.String("key", item.Key),
			zap.Bool("storage_unavailable", errors.Is(err, harvest.ErrStorageUnavailable)),
			zap.Error(err),
		)
		return harvest.PersistResult{Status: harvest.PersistFailed, Err: err}
	}
	return harvest.PersistResult{Status: status}
}

// Commit writes the day documents for j. It is a no-op when the sink is
// disabled.
func (c *Coordinator) Commit(ctx context.Context, j *Journal, meta sink.Metadata) (string, error) {
	if c.sink == nil || j == nil {
		return "", nil
	}
	uri, err := c.sink.WriteDay(ctx, j.Source, j.Day, j.Articles(), meta)
	if err != nil {
		return "", fmt.Errorf("commit journal %s %s: %w", j.Source, j.Day.Format(harvest.DateLayout), err)
	}
	c.logger.Info("journal committed", zap.String("uri", uri), zap.Int("articles", j.Len()))
	return uri, nil
}

// fingerprintFields lists everything that may change between scrapes of the
// same article.
type fingerprintFields struct {
	Title           string          `json:"title"`
	Subtitle        string          `json:"subtitle"`
	Section         string          `json:"section"`
	Author          string          `json:"author"`
	LocationText    string          `json:"location"`
	PublicationDate string          `json:"date"`
	BodyText        string          `json:"body"`
	BodyHTML        string          `json:"body_html"`
	URL             string          `json:"url"`
	Keywords        []string        `json:"keywords"`
	Images          []harvest.Image `json:"images"`
}

// Fingerprint hashes the mutable fields of a.
func Fingerprint(h harvest.Hasher, a *harvest.Article) (string, error) {
	f := fingerprintFields{
		Title:        a.Title,
		Subtitle:     a.Subtitle,
		Section:      a.Section,
		Author:       a.Author,
		LocationText: a.LocationText,
		BodyText:     a.BodyText,
		BodyHTML:     a.BodyHTML,
		URL:          a.URL,
		Keywords:     a.Keywords,
		Images:       a.Images,
	}
	if a.PublicationDate != nil {
		f.PublicationDate = a.PublicationDate.UTC().Format(time.RFC3339)
	}
	if f.Keywords == nil {
		f.Keywords = []string{}
	}
	if f.Images == nil {
		f.Images = []harvest.Image{}
	}
	payload, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("encode fingerprint: %w", err)
	}
	return h.Hash(payload)
}
