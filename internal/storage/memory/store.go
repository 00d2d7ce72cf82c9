package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/alcalor-scraper/internal/harvest"
)

// FaultFunc lets tests fail a store operation. op is one of "upsert",
// "create_run", "finish_run", "save_progress", "get_progress",
// "count_articles", "date_range" or "ping"; key is the article id, run id, or
// source.
type FaultFunc func(op, key string) error

type articleKey struct {
	source string
	id     string
}

type storedArticle struct {
	article     harvest.Article
	fingerprint string
}

// Store is an in-process harvest.Store used with --no-db and in tests.
type Store struct {
	mu       sync.RWMutex
	articles map[articleKey]storedArticle
	runs     map[string]harvest.ScrapeRun
	runOrder []string
	progress map[string]harvest.BackfillProgress
	fault    FaultFunc
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		articles: make(map[articleKey]storedArticle),
		runs:     make(map[string]harvest.ScrapeRun),
		progress: make(map[string]harvest.BackfillProgress),
	}
}

// SetFault installs (or clears, with nil) a fault hook.
func (s *Store) SetFault(fn FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

// check consults the fault hook. Callers hold s.mu.
func (s *Store) check(op, key string) error {
	if s.fault == nil {
		return nil
	}
	return s.fault(op, key)
}

// UpsertArticle mirrors the relational upsert: insert on new identity, update
// when the fingerprint changed, no-op otherwise.
func (s *Store) UpsertArticle(_ context.Context, article *harvest.Article, fingerprint string, now time.Time) (harvest.PersistStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("upsert", article.ExternalID); err != nil {
		return harvest.PersistFailed, err
	}

	key := articleKey{source: article.Source, id: article.ExternalID}
	existing, ok := s.articles[key]
	if ok && existing.fingerprint == fingerprint {
		return harvest.PersistUnchanged, nil
	}

	stored := cloneArticle(*article)
	status := harvest.PersistCreated
	if ok {
		status = harvest.PersistUpdated
		stored.FirstScrapedAt = existing.article.FirstScrapedAt
	} else {
		stored.FirstScrapedAt = now
	}
	stored.LastUpdatedAt = now
	s.articles[key] = storedArticle{article: stored, fingerprint: fingerprint}
	return status, nil
}

// Article returns a copy of the stored article.
func (s *Store) Article(source, externalID string) (harvest.Article, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.articles[articleKey{source: source, id: externalID}]
	if !ok {
		return harvest.Article{}, false
	}
	return cloneArticle(a.article), true
}

// CountArticles returns the number of stored articles for source.
func (s *Store) CountArticles(_ context.Context, source string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("count_articles", source); err != nil {
		return 0, err
	}
	var n int64
	for k := range s.articles {
		if k.source == source {
			n++
		}
	}
	return n, nil
}

// DateRange returns the earliest and latest publication dates for source.
func (s *Store) DateRange(_ context.Context, source string) (harvest.DateRange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("date_range", source); err != nil {
		return harvest.DateRange{}, err
	}
	var out harvest.DateRange
	for k, a := range s.articles {
		d := a.article.PublicationDate
		if k.source != source || d == nil {
			continue
		}
		if out.Earliest == nil || d.Before(*out.Earliest) {
			out.Earliest = pointerTime(*d)
		}
		if out.Latest == nil || d.After(*out.Latest) {
			out.Latest = pointerTime(*d)
		}
	}
	return out, nil
}

// CreateRun stores a new run.
func (s *Store) CreateRun(_ context.Context, run harvest.ScrapeRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("create_run", run.ID); err != nil {
		return err
	}
	if _, exists := s.runs[run.ID]; exists {
		return errors.New("run already exists")
	}
	s.runs[run.ID] = cloneRun(run)
	s.runOrder = append(s.runOrder, run.ID)
	return nil
}

// FinishRun applies the terminal transition to a running run.
func (s *Store) FinishRun(_ context.Context, run harvest.ScrapeRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("finish_run", run.ID); err != nil {
		return err
	}
	existing, ok := s.runs[run.ID]
	if !ok {
		return harvest.ErrNotFound
	}
	if existing.Status != harvest.RunRunning {
		return errors.New("run already finalized")
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// ListRuns returns the newest runs first.
func (s *Store) ListRuns(_ context.Context, source string, limit int) ([]harvest.ScrapeRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]harvest.ScrapeRun, 0)
	for i := len(s.runOrder) - 1; i >= 0; i-- {
		run := s.runs[s.runOrder[i]]
		if source != "" && run.Source != source {
			continue
		}
		out = append(out, cloneRun(run))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// GetProgress returns the backfill cursor for source.
func (s *Store) GetProgress(_ context.Context, source string) (harvest.BackfillProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("get_progress", source); err != nil {
		return harvest.BackfillProgress{}, err
	}
	p, ok := s.progress[source]
	if !ok {
		return harvest.BackfillProgress{}, harvest.ErrNotFound
	}
	return p, nil
}

// SaveProgress upserts the backfill cursor keyed by source.
func (s *Store) SaveProgress(_ context.Context, progress harvest.BackfillProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("save_progress", progress.Source); err != nil {
		return err
	}
	if existing, ok := s.progress[progress.Source]; ok && progress.StartedAt.IsZero() {
		progress.StartedAt = existing.StartedAt
	}
	s.progress[progress.Source] = progress
	return nil
}

// Ping succeeds unless a fault is set for "ping".
func (s *Store) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check("ping", "")
}

// Close is a no-op.
func (s *Store) Close() {}

// Runs returns every run in creation order.
func (s *Store) Runs() []harvest.ScrapeRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]harvest.ScrapeRun, 0, len(s.runOrder))
	for _, id := range s.runOrder {
		out = append(out, cloneRun(s.runs[id]))
	}
	return out
}

// ArticleIDs lists stored external ids for source in sorted order.
func (s *Store) ArticleIDs(source string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for k := range s.articles {
		if k.source == source {
			ids = append(ids, k.id)
		}
	}
	sort.Strings(ids)
	return ids
}

func cloneArticle(a harvest.Article) harvest.Article {
	a.Keywords = append([]string(nil), a.Keywords...)
	a.Images = append([]harvest.Image(nil), a.Images...)
	if a.PublicationDate != nil {
		a.PublicationDate = pointerTime(*a.PublicationDate)
	}
	return a
}

func cloneRun(r harvest.ScrapeRun) harvest.ScrapeRun {
	r.Errors = append([]harvest.RunError(nil), r.Errors...)
	return r
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
