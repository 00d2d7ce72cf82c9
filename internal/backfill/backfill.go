// Package backfill walks a source's history one day at a time, forward from
// the epoch to yesterday, keeping a durable cursor so an interrupted backfill
// resumes where it stopped.
//
// States follow the backfill_progress row: no row is NotStarted, then
// in_progress until the cursor reaches the range end (completed) or a storage
// failure stops the walk (failed). A resume moves failed and completed rows
// back to in_progress; resuming a completed row whose end has not moved is a
// no-op.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/alcalor-scraper/internal/harvest"
	"github.com/JakeFAU/alcalor-scraper/internal/metrics"
	"github.com/JakeFAU/alcalor-scraper/internal/runner"
)

// DefaultEpoch is the first day the source is assumed to publish.
var DefaultEpoch = time.Date(2003, 1, 1, 0, 0, 0, 0, time.UTC)

// DefaultProgressEvery is how many days pass between progress log lines.
const DefaultProgressEvery = 10

// ErrListingUnavailable stops a backfill when a day's listing failed in a way
// that may clear later (transient fetch error or challenge page); the cursor
// is left on the previous day.
var ErrListingUnavailable = errors.New("listing unavailable")

// DayRunner scrapes single days. *runner.Runner implements it.
type DayRunner interface {
	Source() string
	Today() time.Time
	RunDay(ctx context.Context, day time.Time, runType harvest.RunType) (runner.DayReport, error)
	ListingCount(ctx context.Context, day time.Time) (int, error)
}

// Config tunes the machine.
type Config struct {
	Epoch         time.Time
	ProgressEvery int
}

// Options select how one invocation starts.
type Options struct {
	Resume   bool
	Discover bool
	// End overrides the last day of the range (default yesterday).
	End *time.Time
}

// Report summarizes one invocation.
type Report struct {
	Source    string
	Start     time.Time
	End       time.Time
	Days      int
	Progress  harvest.BackfillProgress
	Cancelled bool
	NoOp      bool
}

// Machine drives the backfill for the runner's source.
type Machine struct {
	days     DayRunner
	progress harvest.ProgressRepository
	clock    harvest.Clock
	cfg      Config
	logger   *zap.Logger
}

// New creates a Machine.
func New(days DayRunner, progress harvest.ProgressRepository, clock harvest.Clock, cfg Config, logger *zap.Logger) (*Machine, error) {
	if days == nil || progress == nil || clock == nil {
		return nil, errors.New("backfill: day runner, progress repository and clock are required")
	}
	if cfg.Epoch.IsZero() {
		cfg.Epoch = DefaultEpoch
	}
	cfg.Epoch = harvest.Day(cfg.Epoch)
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultProgressEvery
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		days:     days,
		progress: progress,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "backfill"), zap.String("source", days.Source())),
	}, nil
}

// Run starts or resumes the backfill and walks days until the range end,
// cancellation, or a fatal error.
func (m *Machine) Run(ctx context.Context, opts Options) (Report, error) {
	source := m.days.Source()
	end := m.days.Today().AddDate(0, 0, -1)
	if opts.End != nil {
		end = harvest.Day(*opts.End)
	}
	report := Report{Source: source, End: end}

	p, fresh, err := m.load(ctx, opts.Resume)
	if err != nil {
		return report, err
	}
	if !fresh && p.Status == harvest.BackfillCompleted && !p.LastCompletedDate.Before(end) {
		m.logger.Info("backfill already completed", zap.String("last_completed", p.LastCompletedDate.Format(harvest.DateLayout)))
		report.Progress, report.NoOp = p, true
		report.Start = p.LastCompletedDate.AddDate(0, 0, 1)
		return report, nil
	}

	if fresh {
		epoch := m.cfg.Epoch
		if opts.Discover {
			if epoch, err = m.DiscoverEarliest(ctx, epoch, end); err != nil {
				return report, err
			}
		}
		if epoch.After(end) {
			return report, &harvest.ConfigurationError{Field: "backfill.start_date", Reason: "is after the backfill end date"}
		}
		now := m.clock.Now()
		p = harvest.BackfillProgress{
			Source:            source,
			LastCompletedDate: epoch.AddDate(0, 0, -1),
			StartedAt:         now,
		}
	}
	p.Status = harvest.BackfillInProgress
	if !p.LastCompletedDate.Before(end) {
		p.Status = harvest.BackfillCompleted
	}
	if err := m.save(ctx, &p); err != nil {
		return report, err
	}
	report.Start = p.LastCompletedDate.AddDate(0, 0, 1)
	report.Progress = p

	total := int(end.Sub(p.LastCompletedDate).Hours()/24 + 0.5)
	m.logger.Info("backfill started",
		zap.Bool("resumed", !fresh),
		zap.String("from", report.Start.Format(harvest.DateLayout)),
		zap.String("to", end.Format(harvest.DateLayout)),
		zap.Int("days", total),
	)

	began := m.clock.Now()
	for day := report.Start; !day.After(end); day = day.AddDate(0, 0, 1) {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}
		dayReport, err := m.days.RunDay(ctx, day, harvest.RunBackfill)
		if err != nil {
			m.fail(ctx, &p, day, err)
			report.Progress = p
			return report, fmt.Errorf("backfill %s at %s: %w", source, day.Format(harvest.DateLayout), err)
		}
		if dayReport.Cancelled {
			report.Cancelled = true
			break
		}
		if dayReport.ListingUnavailable {
			m.fail(ctx, &p, day, ErrListingUnavailable)
			report.Progress = p
			return report, fmt.Errorf("backfill %s at %s: %w", source, day.Format(harvest.DateLayout), ErrListingUnavailable)
		}

		prev := p.LastCompletedDate
		p.LastCompletedDate = day
		if day.Equal(end) {
			p.Status = harvest.BackfillCompleted
		}
		if err := m.save(ctx, &p); err != nil {
			p.LastCompletedDate = prev
			m.fail(ctx, &p, day, err)
			report.Progress = p
			return report, err
		}
		metrics.SetBackfillCursor(source, day)
		report.Days++
		if report.Days%m.cfg.ProgressEvery == 0 {
			m.logProgress(report.Days, total, began, day)
		}
	}
	report.Progress = p

	if report.Cancelled {
		m.logger.Info("backfill interrupted",
			zap.String("last_completed", p.LastCompletedDate.Format(harvest.DateLayout)),
			zap.Int("days", report.Days),
		)
		return report, nil
	}
	m.logger.Info("backfill completed", zap.Int("days", report.Days), zap.Duration("elapsed", m.clock.Now().Sub(began)))
	return report, nil
}

// load returns the stored row when resuming, or reports that a fresh start
// is needed.
func (m *Machine) load(ctx context.Context, resume bool) (harvest.BackfillProgress, bool, error) {
	if !resume {
		return harvest.BackfillProgress{}, true, nil
	}
	p, err := m.progress.GetProgress(ctx, m.days.Source())
	if errors.Is(err, harvest.ErrNotFound) {
		m.logger.Info("no backfill progress found, starting fresh")
		return harvest.BackfillProgress{}, true, nil
	}
	if err != nil {
		return harvest.BackfillProgress{}, false, fmt.Errorf("load backfill progress: %w", err)
	}
	p.LastCompletedDate = harvest.Day(p.LastCompletedDate)
	return p, false, nil
}

func (m *Machine) save(ctx context.Context, p *harvest.BackfillProgress) error {
	p.UpdatedAt = m.clock.Now()
	if err := m.progress.SaveProgress(context.WithoutCancel(ctx), *p); err != nil {
		return fmt.Errorf("save backfill progress: %w", err)
	}
	return nil
}

// fail marks the row failed without moving the cursor. The save is best
// effort since storage is usually what failed.
func (m *Machine) fail(ctx context.Context, p *harvest.BackfillProgress, day time.Time, cause error) {
	m.logger.Error("backfill failed",
		zap.String("day", day.Format(harvest.DateLayout)),
		zap.String("last_completed", p.LastCompletedDate.Format(harvest.DateLayout)),
		zap.Error(cause),
	)
	p.Status = harvest.BackfillFailed
	if err := m.save(ctx, p); err != nil {
		m.logger.Warn("could not record failed backfill status", zap.Error(err))
	}
}

func (m *Machine) logProgress(done, total int, began time.Time, day time.Time) {
	elapsed := m.clock.Now().Sub(began)
	var eta time.Duration
	if done > 0 {
		eta = time.Duration(float64(elapsed) / float64(done) * float64(total-done))
	}
	pct := 0.0
	if total > 0 {
		pct = float64(done) / float64(total) * 100
	}
	m.logger.Info("backfill progress",
		zap.String("day", day.Format(harvest.DateLayout)),
		zap.Int("done", done),
		zap.Int("total", total),
		zap.Float64("percent", pct),
		zap.Duration("elapsed", elapsed),
		zap.Duration("eta", eta.Round(time.Second)),
	)
}

// DiscoverEarliest binary-searches [lo, hi] for the first day whose listing
// links at least one article. Listings are assumed empty before that day and
// non-empty after it.
func (m *Machine) DiscoverEarliest(ctx context.Context, lo, hi time.Time) (time.Time, error) {
	lo, hi = harvest.Day(lo), harvest.Day(hi)
	upper := hi
	found := time.Time{}
	for !lo.After(hi) {
		if err := ctx.Err(); err != nil {
			return time.Time{}, err
		}
		span := int(hi.Sub(lo).Hours() / 24)
		mid := lo.AddDate(0, 0, span/2)
		n, err := m.days.ListingCount(ctx, mid)
		if err != nil && harvest.Retryable(err) {
			return time.Time{}, fmt.Errorf("discover earliest date: %w", err)
		}
		m.logger.Debug("probed listing", zap.String("day", mid.Format(harvest.DateLayout)), zap.Int("articles", n))
		if n > 0 {
			found = mid
			hi = mid.AddDate(0, 0, -1)
		} else {
			lo = mid.AddDate(0, 0, 1)
		}
	}
	if found.IsZero() {
		return time.Time{}, fmt.Errorf("discover earliest date: no articles up to %s", upper.Format(harvest.DateLayout))
	}
	m.logger.Info("earliest date discovered", zap.String("day", found.Format(harvest.DateLayout)))
	return found, nil
}
