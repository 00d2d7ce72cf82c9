// Package runner drives one scrape day end to end: listing, scheduler,
// persistence, journal commit and run telemetry. Range, rescrape and backfill
// drivers are built on RunDay.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/alcalor-scraper/internal/harvest"
	"github.com/JakeFAU/alcalor-scraper/internal/persist"
	"github.com/JakeFAU/alcalor-scraper/internal/scheduler"
	"github.com/JakeFAU/alcalor-scraper/internal/sink"
	"github.com/JakeFAU/alcalor-scraper/internal/telemetry"
)

// DefaultRescrapeDays is how many days before today a --today run revisits.
const DefaultRescrapeDays = 3

// Deps are the collaborators of a Runner.
type Deps struct {
	Extractor harvest.Extractor
	// Listing fetches the daily listing page. It is usually a dedicated lane
	// of the fetch policy.
	Listing   harvest.PageFetcher
	Scheduler *scheduler.Scheduler
	Persist   *persist.Coordinator
	Telemetry *telemetry.Recorder
	Clock     harvest.Clock
}

// Config tunes the drivers.
type Config struct {
	RescrapeDays int
	ProxyUsed    bool
}

// Runner executes scrape days.
type Runner struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New validates deps and returns a Runner.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Runner, error) {
	switch {
	case deps.Extractor == nil:
		return nil, errors.New("runner: extractor is required")
	case deps.Listing == nil:
		return nil, errors.New("runner: listing fetcher is required")
	case deps.Scheduler == nil:
		return nil, errors.New("runner: scheduler is required")
	case deps.Persist == nil:
		return nil, errors.New("runner: persistence coordinator is required")
	case deps.Telemetry == nil:
		return nil, errors.New("runner: telemetry recorder is required")
	case deps.Clock == nil:
		return nil, errors.New("runner: clock is required")
	}
	if cfg.RescrapeDays < 0 {
		return nil, &harvest.ConfigurationError{Field: "run.rescrape_days", Reason: "must not be negative"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "runner"), zap.String("source", deps.Extractor.Source())),
	}, nil
}

// Source returns the source identifier the runner scrapes.
func (r *Runner) Source() string {
	return r.deps.Extractor.Source()
}

// Today returns the current calendar day.
func (r *Runner) Today() time.Time {
	return harvest.Day(r.deps.Clock.Now())
}

// DayReport summarizes one RunDay call.
type DayReport struct {
	Day time.Time
	Run harvest.ScrapeRun
	// Cancelled is set when run cancellation stopped admission early.
	Cancelled bool
	// ListingUnavailable is set when the listing page failed transiently and
	// the day should be retried later.
	ListingUnavailable bool
	JournalURI         string
}

// Complete reports whether the day may be considered done by a cursor.
func (d DayReport) Complete() bool {
	return !d.Cancelled && !d.ListingUnavailable
}

// RunDay scrapes one calendar day. The returned error is non-nil only for
// failures that must stop the caller: storage unavailability or a run that
// could not be opened or finalized.
func (r *Runner) RunDay(ctx context.Context, day time.Time, runType harvest.RunType) (DayReport, error) {
	day = harvest.Day(day)
	report := DayReport{Day: day}
	logger := r.logger.With(zap.String("day", day.Format(harvest.DateLayout)), zap.String("run_type", string(runType)))

	run, err := r.deps.Telemetry.Start(ctx, telemetry.RunSpec{
		Source:     r.Source(),
		Type:       runType,
		TargetDate: &day,
		ProxyUsed:  r.cfg.ProxyUsed,
	})
	if err != nil {
		return report, err
	}

	items, err := r.listing(ctx, day)
	if err != nil {
		if ctx.Err() != nil {
			report.Cancelled = true
			report.Run, err = run.Finish(ctx, ctx.Err())
			return report, err
		}
		report.ListingUnavailable = harvest.Retryable(err)
		logger.Warn("listing unavailable", zap.Bool("retryable", report.ListingUnavailable), zap.Error(err))
		report.Run, err = run.Finish(ctx, err)
		return report, err
	}
	logger.Info("listing parsed", zap.Int("articles", len(items)))
	run.SetTotal(len(items))

	journal := r.deps.Persist.OpenJournal(r.Source(), day)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	batch := r.deps.Scheduler.Stream(runCtx, items, func(pctx context.Context, item harvest.WorkItem, a *harvest.Article) harvest.PersistResult {
		return r.deps.Persist.Persist(pctx, journal, item, a)
	})
	var fatal error
	for o := range batch.Outcomes() {
		run.Observe(o)
		if fatal == nil && errors.Is(o.Err, harvest.ErrStorageUnavailable) {
			fatal = o.Err
			logger.Error("storage unavailable, stopping admission", zap.String("key", o.Item.Key), zap.Error(o.Err))
			cancel()
		}
	}
	// A signal that lands after the last admission leaves a fully processed
	// day, so only a stopped admission gate counts as cancelled.
	report.Cancelled = fatal == nil && batch.Cancelled()

	report.JournalURI = r.commit(ctx, run, journal)

	cause := fatal
	if cause == nil && report.Cancelled {
		cause = ctx.Err()
	}
	report.Run, err = run.Finish(ctx, cause)
	if fatal != nil {
		return report, fmt.Errorf("scrape %s: %w", day.Format(harvest.DateLayout), fatal)
	}
	return report, err
}

// commit flushes the day journal. A flush failure only becomes a warning on
// the run.
func (r *Runner) commit(ctx context.Context, run *telemetry.Run, journal *persist.Journal) string {
	if !r.deps.Persist.SinkEnabled() {
		return ""
	}
	snap := run.Snapshot()
	now := r.deps.Clock.Now()
	meta := sink.Metadata{
		RunID:           snap.ID,
		Source:          journal.Source,
		Date:            journal.Day.Format(harvest.DateLayout),
		ScrapedAt:       now,
		TotalArticles:   journal.Len(),
		Counts:          snap.Counts,
		DurationSeconds: now.Sub(snap.StartedAt).Seconds(),
		ProxyUsed:       snap.ProxyUsed,
		Errors:          snap.Errors,
		ErrorsDropped:   snap.ErrorsDropped,
	}
	uri, err := r.deps.Persist.Commit(context.WithoutCancel(ctx), journal, meta)
	if err != nil {
		r.logger.Warn("journal commit failed", zap.Error(err))
		run.Warn("journal", err.Error())
		return ""
	}
	return uri
}

func (r *Runner) listing(ctx context.Context, day time.Time) ([]harvest.WorkItem, error) {
	page, err := r.deps.Listing.Fetch(ctx, r.deps.Extractor.ListingURL(day))
	if err != nil {
		return nil, err
	}
	items, err := r.deps.Extractor.ParseListing(page, day)
	if err != nil {
		return nil, fmt.Errorf("parse listing: %w", err)
	}
	for i := range items {
		items[i].Index = i
		if items[i].Source == "" {
			items[i].Source = r.Source()
		}
		items[i].Day = day
	}
	return items, nil
}

// ListingCount fetches the listing for day and returns how many articles it
// links to. It records no run.
func (r *Runner) ListingCount(ctx context.Context, day time.Time) (int, error) {
	items, err := r.listing(ctx, harvest.Day(day))
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// RunRange scrapes start..end inclusive, oldest first. It stops at the first
// fatal error or on cancellation.
func (r *Runner) RunRange(ctx context.Context, start, end time.Time, runType harvest.RunType) ([]DayReport, error) {
	start, end = harvest.Day(start), harvest.Day(end)
	if end.Before(start) {
		return nil, &harvest.ConfigurationError{Field: "end-date", Reason: "must not be before start-date"}
	}
	var reports []DayReport
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		if ctx.Err() != nil {
			break
		}
		report, err := r.RunDay(ctx, day, runType)
		reports = append(reports, report)
		if err != nil {
			return reports, err
		}
		if report.Cancelled {
			break
		}
	}
	return reports, nil
}

// RunToday scrapes today and the preceding RescrapeDays days so late edits
// are picked up.
func (r *Runner) RunToday(ctx context.Context) ([]DayReport, error) {
	today := r.Today()
	return r.RunRange(ctx, today.AddDate(0, 0, -r.cfg.RescrapeDays), today, harvest.RunDaily)
}
