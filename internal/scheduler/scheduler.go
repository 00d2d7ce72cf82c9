// Package scheduler fans work items out to a bounded pool of fetch lanes.
//
// Admission is gated by a weighted semaphore sized to the concurrency
// ceiling. Each admitted item borrows one lane (a PageFetcher with its own
// throttle), runs fetch, extract and persist, and returns the lane. Outcomes
// are streamed as they complete; Run collects them in input order.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/alcalor-scraper/internal/harvest"
	"github.com/JakeFAU/alcalor-scraper/internal/metrics"
)

// Concurrency bounds.
const (
	MinConcurrency     = 1
	MaxConcurrency     = 20
	DefaultConcurrency = 10
)

// ClampConcurrency forces n into [MinConcurrency, MaxConcurrency]. The second
// return value reports whether n was changed.
func ClampConcurrency(n int) (int, bool) {
	switch {
	case n < MinConcurrency:
		return MinConcurrency, true
	case n > MaxConcurrency:
		return MaxConcurrency, true
	default:
		return n, false
	}
}

// Config controls the pool.
type Config struct {
	Concurrency int
}

// FetcherFactory builds the fetcher owned by one lane.
type FetcherFactory func(lane int) harvest.PageFetcher

// PersistFunc hands an extracted record to the persistence layer. It is called
// with a context detached from run cancellation.
type PersistFunc func(ctx context.Context, item harvest.WorkItem, article *harvest.Article) harvest.PersistResult

// Scheduler runs work items under a hard concurrency ceiling.
type Scheduler struct {
	concurrency int
	gate        *semaphore.Weighted
	lanes       chan harvest.PageFetcher
	extractor   harvest.Extractor
	logger      *zap.Logger
}

// New creates a Scheduler with one fetcher per lane.
func New(cfg Config, factory FetcherFactory, extractor harvest.Extractor, logger *zap.Logger) (*Scheduler, error) {
	if factory == nil {
		return nil, errors.New("scheduler: fetcher factory is required")
	}
	if extractor == nil {
		return nil, errors.New("scheduler: extractor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	n, clamped := ClampConcurrency(cfg.Concurrency)
	if clamped {
		logger.Warn("concurrency clamped", zap.Int("requested", cfg.Concurrency), zap.Int("effective", n))
	}
	lanes := make(chan harvest.PageFetcher, n)
	for i := 0; i < n; i++ {
		f := factory(i)
		if f == nil {
			return nil, fmt.Errorf("scheduler: fetcher factory returned nil for lane %d", i)
		}
		lanes <- f
	}
	return &Scheduler{
		concurrency: n,
		gate:        semaphore.NewWeighted(int64(n)),
		lanes:       lanes,
		extractor:   extractor,
		logger:      logger.With(zap.String("component", "scheduler")),
	}, nil
}

// Concurrency returns the effective ceiling.
func (s *Scheduler) Concurrency() int {
	return s.concurrency
}

// Batch is one in-progress Stream call.
type Batch struct {
	outcomes  chan harvest.Outcome
	cancelled bool
}

// Outcomes yields one outcome per admitted item and is closed once every
// admitted item finished.
func (b *Batch) Outcomes() <-chan harvest.Outcome {
	return b.outcomes
}

// Cancelled reports whether admission stopped early. It is only meaningful
// after Outcomes has been drained.
func (b *Batch) Cancelled() bool {
	return b.cancelled
}

// Result is the collected output of Run.
type Result struct {
	Outcomes  []harvest.Outcome
	Cancelled bool
}

// Stream starts processing items and returns immediately.
func (s *Scheduler) Stream(ctx context.Context, items []harvest.WorkItem, persist PersistFunc) *Batch {
	b := &Batch{outcomes: make(chan harvest.Outcome, len(items))}
	go s.dispatch(ctx, items, persist, b)
	return b
}

// Run processes items and blocks until every admitted item completed.
// Outcomes are sorted by WorkItem.Index.
func (s *Scheduler) Run(ctx context.Context, items []harvest.WorkItem, persist PersistFunc) Result {
	b := s.Stream(ctx, items, persist)
	out := make([]harvest.Outcome, 0, len(items))
	for o := range b.Outcomes() {
		out = append(out, o)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Item.Index < out[j].Item.Index })
	return Result{Outcomes: out, Cancelled: b.Cancelled()}
}

func (s *Scheduler) dispatch(ctx context.Context, items []harvest.WorkItem, persist PersistFunc, b *Batch) {
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		close(b.outcomes)
	}()

	for i, item := range items {
		if err := s.gate.Acquire(ctx, 1); err != nil {
			s.markCancelled(b, len(items)-i)
			return
		}
		// Acquire can win the race against an already canceled context.
		if ctx.Err() != nil {
			s.gate.Release(1)
			s.markCancelled(b, len(items)-i)
			return
		}
		wg.Add(1)
		go func(item harvest.WorkItem) {
			defer wg.Done()
			defer s.gate.Release(1)
			lane := <-s.lanes
			defer func() { s.lanes <- lane }()
			b.outcomes <- s.process(ctx, lane, item, persist)
		}(item)
	}
}

func (s *Scheduler) markCancelled(b *Batch, skipped int) {
	b.cancelled = true
	s.logger.Info("admission stopped", zap.Int("skipped", skipped))
}

func (s *Scheduler) process(ctx context.Context, lane harvest.PageFetcher, item harvest.WorkItem, persist PersistFunc) (out harvest.Outcome) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	out.Item = item
	defer func() {
		if r := recover(); r != nil {
			out.Article = nil
			out.Err = fmt.Errorf("panic processing %s: %v", item.URL, r)
			s.logger.Error("item panicked", zap.String("key", item.Key), zap.Any("panic", r))
		}
		metrics.ObserveItem(item.Source, outcomeLabel(out))
	}()

	body, err := lane.Fetch(ctx, item.URL)
	if err != nil {
		out.Err = err
		return out
	}
	article, err := s.extractor.Extract(body, item)
	if err != nil {
		out.Err = err
		return out
	}
	out.Article = article
	if persist == nil {
		return out
	}

	res := persist(context.WithoutCancel(ctx), item, article)
	out.Persist = res
	switch res.Status {
	case harvest.PersistRejected:
		out.Err = fmt.Errorf("%w: %s", harvest.ErrRejected, res.Reason)
	case harvest.PersistFailed:
		out.Err = res.Err
		if out.Err == nil {
			out.Err = errors.New("persist failed")
		}
	}
	return out
}

func outcomeLabel(o harvest.Outcome) string {
	if o.Err != nil {
		return "failed"
	}
	if o.Persist.Status != "" {
		return string(o.Persist.Status)
	}
	return "extracted"
}
