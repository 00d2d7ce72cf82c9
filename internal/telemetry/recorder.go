// Package telemetry records one ScrapeRun per scheduler invocation: it opens
// the run, folds outcomes into counts and a bounded error log, and finalizes
// the run with a derived status.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/alcalor-scraper/internal/harvest"
	"github.com/JakeFAU/alcalor-scraper/internal/metrics"
)

// DefaultMaxErrors bounds the error log of a run.
const DefaultMaxErrors = 200

// KindWarning marks non-fatal notes such as a failed journal flush.
const KindWarning = "warning"

// Config tunes the recorder.
type Config struct {
	MaxErrors int
	// Topic receives the final run summary when a publisher is configured.
	Topic string
}

// Recorder opens and finalizes runs.
type Recorder struct {
	runs      harvest.RunRepository
	ids       harvest.IDGenerator
	clock     harvest.Clock
	publisher harvest.Publisher
	cfg       Config
	logger    *zap.Logger
}

// NewRecorder wires a Recorder. publisher may be nil.
func NewRecorder(runs harvest.RunRepository, ids harvest.IDGenerator, clock harvest.Clock, publisher harvest.Publisher, cfg Config, logger *zap.Logger) (*Recorder, error) {
	if runs == nil || ids == nil || clock == nil {
		return nil, errors.New("telemetry: run repository, id generator and clock are required")
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = DefaultMaxErrors
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		runs:      runs,
		ids:       ids,
		clock:     clock,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "telemetry")),
	}, nil
}

// RunSpec describes the run being opened.
type RunSpec struct {
	Source     string
	Type       harvest.RunType
	TargetDate *time.Time
	StartDate  *time.Time
	EndDate    *time.Time
	ProxyUsed  bool
}

// Start persists a new run in status running.
func (r *Recorder) Start(ctx context.Context, spec RunSpec) (*Run, error) {
	id, err := r.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("allocate run id: %w", err)
	}
	row := harvest.ScrapeRun{
		ID:         id,
		Source:     spec.Source,
		Type:       spec.Type,
		TargetDate: dayPtr(spec.TargetDate),
		StartDate:  dayPtr(spec.StartDate),
		EndDate:    dayPtr(spec.EndDate),
		StartedAt:  r.clock.Now(),
		Status:     harvest.RunRunning,
		ProxyUsed:  spec.ProxyUsed,
		Errors:     []harvest.RunError{},
	}
	if err := r.runs.CreateRun(ctx, row); err != nil {
		return nil, fmt.Errorf("open run: %w", err)
	}
	logger := r.logger.With(zap.String("run_id", id), zap.String("source", spec.Source), zap.String("run_type", string(spec.Type)))
	logger.Info("run started")
	return &Run{rec: r, row: row, logger: logger}, nil
}

func dayPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := harvest.Day(*t)
	return &d
}

// Run is the live accumulator of one ScrapeRun. It is safe for concurrent use.
type Run struct {
	rec    *Recorder
	logger *zap.Logger

	mu       sync.Mutex
	row      harvest.ScrapeRun
	finished bool
}

// ID returns the run identifier.
func (r *Run) ID() string {
	return r.row.ID
}

// SetTotal records how many work items the run enumerated.
func (r *Run) SetTotal(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.row.Counts.Total = n
}

// Observe folds one scheduler outcome into the counts.
func (r *Run) Observe(o harvest.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o.Err != nil {
		r.row.Counts.Failed++
		r.appendError(o.Item.Key, harvest.ErrorKind(o.Err), o.Err.Error())
	} else {
		r.row.Counts.Successful++
		switch o.Persist.Status {
		case harvest.PersistCreated:
			r.row.Counts.New++
		case harvest.PersistUpdated:
			r.row.Counts.Updated++
		}
	}
	if done := r.row.Counts.Successful + r.row.Counts.Failed; done > r.row.Counts.Total {
		r.row.Counts.Total = done
	}
}

// RecordFailure adds an error entry without touching the counts.
func (r *Run) RecordFailure(key, kind, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendError(key, kind, message)
}

// Warn adds a warning entry.
func (r *Run) Warn(key, message string) {
	r.RecordFailure(key, KindWarning, message)
}

// appendError keeps the newest MaxErrors entries. Callers hold mu.
func (r *Run) appendError(key, kind, message string) {
	r.row.Errors = append(r.row.Errors, harvest.RunError{
		Key:     key,
		Kind:    kind,
		Message: message,
		At:      r.rec.clock.Now(),
	})
	if over := len(r.row.Errors) - r.rec.cfg.MaxErrors; over > 0 {
		r.row.Errors = append(r.row.Errors[:0:0], r.row.Errors[over:]...)
		r.row.ErrorsDropped += over
	}
}

// Snapshot returns a copy of the current run row.
func (r *Run) Snapshot() harvest.ScrapeRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Run) snapshotLocked() harvest.ScrapeRun {
	out := r.row
	out.Errors = append([]harvest.RunError(nil), r.row.Errors...)
	return out
}

// Status derives the terminal status. fatal marks a run ended by a storage
// failure; interrupted marks a run whose admission stopped early.
func Status(c harvest.RunCounts, fatal, interrupted bool) harvest.RunStatus {
	switch {
	case fatal:
		return harvest.RunFailed
	case c.Total > 0 && c.Successful == 0 && (c.Failed > 0 || !interrupted):
		return harvest.RunFailed
	case c.Failed == 0 && !interrupted:
		return harvest.RunCompleted
	default:
		return harvest.RunPartial
	}
}

// Finish applies the running -> terminal transition. cause is the error that
// ended the run early, if any: context cancellation yields an interrupted run
// and anything else is fatal. Finish runs to completion even when ctx is
// already canceled.
func (r *Run) Finish(ctx context.Context, cause error) (harvest.ScrapeRun, error) {
	ctx = context.WithoutCancel(ctx)

	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return harvest.ScrapeRun{}, fmt.Errorf("run %s already finished", r.row.ID)
	}
	r.finished = true

	canceled := errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded)
	fatal := cause != nil && !canceled
	if fatal {
		r.appendError("", harvest.ErrorKind(cause), cause.Error())
	}
	c := r.row.Counts
	interrupted := canceled || c.Successful+c.Failed < c.Total

	now := r.rec.clock.Now()
	r.row.CompletedAt = &now
	r.row.DurationSeconds = now.Sub(r.row.StartedAt).Seconds()
	r.row.Status = Status(c, fatal, interrupted)
	row := r.snapshotLocked()
	r.mu.Unlock()

	metrics.ObserveRun(string(row.Type), string(row.Status))
	r.logger.Info("run finished",
		zap.String("status", string(row.Status)),
		zap.Int("total", c.Total),
		zap.Int("successful", c.Successful),
		zap.Int("failed", c.Failed),
		zap.Int("new", c.New),
		zap.Int("updated", c.Updated),
		zap.Int("errors_dropped", row.ErrorsDropped),
		zap.Bool("interrupted", interrupted),
		zap.Float64("duration_seconds", row.DurationSeconds),
	)

	if err := r.rec.runs.FinishRun(ctx, row); err != nil {
		return row, fmt.Errorf("finalize run %s: %w", row.ID, err)
	}
	r.publish(ctx, row)
	return row, nil
}

func (r *Run) publish(ctx context.Context, row harvest.ScrapeRun) {
	if r.rec.publisher == nil || r.rec.cfg.Topic == "" {
		return
	}
	id, err := r.rec.publisher.Publish(ctx, r.rec.cfg.Topic, row)
	if err != nil {
		r.logger.Warn("publish run summary failed", zap.Error(err))
		return
	}
	r.logger.Debug("run summary published", zap.String("message_id", id))
}
