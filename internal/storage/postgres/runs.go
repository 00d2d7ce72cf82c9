package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/alcalor-scraper/internal/harvest"
)

const (
	createRunSQL = `
INSERT INTO scrape_runs (id, source, run_type, target_date, start_date, end_date, started_at, status, proxy_used)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	finishRunSQL = `
UPDATE scrape_runs SET
	completed_at = $2,
	total_articles = $3,
	successful_articles = $4,
	failed_articles = $5,
	new_articles = $6,
	updated_articles = $7,
	errors = $8,
	errors_dropped = $9,
	status = $10,
	duration_seconds = $11
WHERE id = $1 AND status = 'running'`

	listRunsSQL = `
SELECT id, source, run_type, target_date, start_date, end_date, started_at, completed_at,
	total_articles, successful_articles, failed_articles, new_articles, updated_articles,
	errors, errors_dropped, status, proxy_used, COALESCE(duration_seconds, 0)
FROM scrape_runs
WHERE ($1 = '' OR source = $1)
ORDER BY started_at DESC
LIMIT $2`
)

// CreateRun inserts a run in status running.
func (s *Store) CreateRun(ctx context.Context, run harvest.ScrapeRun) error {
	_, err := s.pool.Exec(ctx, createRunSQL,
		run.ID,
		run.Source,
		string(run.Type),
		run.TargetDate,
		run.StartDate,
		run.EndDate,
		run.StartedAt,
		string(run.Status),
		run.ProxyUsed,
	)
	if err != nil {
		return classify("create run", err)
	}
	return nil
}

// FinishRun applies the running -> terminal transition. Finalizing a run that
// is unknown or already terminal returns harvest.ErrNotFound.
func (s *Store) FinishRun(ctx context.Context, run harvest.ScrapeRun) error {
	errs := run.Errors
	if errs == nil {
		errs = []harvest.RunError{}
	}
	payload, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("marshal run errors: %w", err)
	}
	tag, err := s.pool.Exec(ctx, finishRunSQL,
		run.ID,
		run.CompletedAt,
		run.Counts.Total,
		run.Counts.Successful,
		run.Counts.Failed,
		run.Counts.New,
		run.Counts.Updated,
		payload,
		run.ErrorsDropped,
		string(run.Status),
		run.DurationSeconds,
	)
	if err != nil {
		return classify("finish run", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish run %s: %w", run.ID, harvest.ErrNotFound)
	}
	return nil
}

// ListRuns returns the newest runs first, optionally filtered by source.
func (s *Store) ListRuns(ctx context.Context, source string, limit int) ([]harvest.ScrapeRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, listRunsSQL, source, limit)
	if err != nil {
		return nil, classify("list runs", err)
	}
	defer rows.Close()

	runs := make([]harvest.ScrapeRun, 0)
	for rows.Next() {
		var (
			run     harvest.ScrapeRun
			runType string
			status  string
			errs    []byte
		)
		err := rows.Scan(
			&run.ID,
			&run.Source,
			&runType,
			&run.TargetDate,
			&run.StartDate,
			&run.EndDate,
			&run.StartedAt,
			&run.CompletedAt,
			&run.Counts.Total,
			&run.Counts.Successful,
			&run.Counts.Failed,
			&run.Counts.New,
			&run.Counts.Updated,
			&errs,
			&run.ErrorsDropped,
			&status,
			&run.ProxyUsed,
			&run.DurationSeconds,
		)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		run.Type = harvest.RunType(runType)
		run.Status = harvest.RunStatus(status)
		if len(errs) > 0 {
			if err := json.Unmarshal(errs, &run.Errors); err != nil {
				return nil, fmt.Errorf("decode run errors: %w", err)
			}
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list runs", err)
	}
	return runs, nil
}
