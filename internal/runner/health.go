package runner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/alcalor-scraper/internal/harvest"
	"github.com/JakeFAU/alcalor-scraper/internal/telemetry"
)

// HealthReport is the outcome of a health check.
type HealthReport struct {
	Source   string            `json:"source"`
	Articles int64             `json:"articles"`
	Dates    harvest.DateRange `json:"dates"`
	Run      harvest.ScrapeRun `json:"run"`
}

// HealthChecker pings the store and summarizes what it holds.
type HealthChecker struct {
	store     harvest.Store
	telemetry *telemetry.Recorder
	logger    *zap.Logger
}

// NewHealthChecker wires a HealthChecker.
func NewHealthChecker(store harvest.Store, rec *telemetry.Recorder, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthChecker{store: store, telemetry: rec, logger: logger.With(zap.String("component", "health"))}
}

// Check pings storage and records a healthcheck run. Any storage error is
// returned.
func (h *HealthChecker) Check(ctx context.Context, source string) (HealthReport, error) {
	report := HealthReport{Source: source}
	if err := h.store.Ping(ctx); err != nil {
		return report, fmt.Errorf("health check: %w", err)
	}
	run, err := h.telemetry.Start(ctx, telemetry.RunSpec{Source: source, Type: harvest.RunHealthcheck})
	if err != nil {
		return report, err
	}

	var cause error
	if report.Articles, err = h.store.CountArticles(ctx, source); err != nil {
		cause = err
	} else if report.Dates, err = h.store.DateRange(ctx, source); err != nil {
		cause = err
	}
	report.Run, err = run.Finish(ctx, cause)
	if cause != nil {
		return report, fmt.Errorf("health check: %w", cause)
	}
	if err != nil {
		return report, err
	}

	fields := []zap.Field{zap.Int64("articles", report.Articles)}
	if report.Dates.Earliest != nil {
		fields = append(fields, zap.String("earliest", report.Dates.Earliest.Format(harvest.DateLayout)))
	}
	if report.Dates.Latest != nil {
		fields = append(fields, zap.String("latest", report.Dates.Latest.Format(harvest.DateLayout)))
	}
	h.logger.Info("storage healthy", fields...)
	return report, nil
}
