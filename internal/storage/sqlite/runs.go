package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/alcalor-scraper/internal/harvest"
)

// CreateRun inserts a run in status running.
func (s *Store) CreateRun(ctx context.Context, run harvest.ScrapeRun) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO scrape_runs (id, source, run_type, target_date, start_date, end_date, started_at, status, proxy_used)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Source, string(run.Type),
		formatDate(run.TargetDate), formatDate(run.StartDate), formatDate(run.EndDate),
		formatTS(run.StartedAt), string(run.Status), run.ProxyUsed,
	)
	if err != nil {
		return classify("create run", err)
	}
	return nil
}

// FinishRun applies the running -> terminal transition.
func (s *Store) FinishRun(ctx context.Context, run harvest.ScrapeRun) error {
	errs := run.Errors
	if errs == nil {
		errs = []harvest.RunError{}
	}
	payload, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("marshal run errors: %w", err)
	}
	var completed any
	if run.CompletedAt != nil {
		completed = formatTS(*run.CompletedAt)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE scrape_runs SET completed_at = ?, total_articles = ?, successful_articles = ?, failed_articles = ?,
	new_articles = ?, updated_articles = ?, errors = ?, errors_dropped = ?, status = ?, duration_seconds = ?
WHERE id = ? AND status = 'running'`,
		completed, run.Counts.Total, run.Counts.Successful, run.Counts.Failed,
		run.Counts.New, run.Counts.Updated, string(payload), run.ErrorsDropped, string(run.Status), run.DurationSeconds,
		run.ID,
	)
	if err != nil {
		return classify("finish run", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish run %s: %w", run.ID, harvest.ErrNotFound)
	}
	return nil
}

// ListRuns returns the newest runs first, optionally filtered by source.
func (s *Store) ListRuns(ctx context.Context, source string, limit int) ([]harvest.ScrapeRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, source, run_type, target_date, start_date, end_date, started_at, completed_at,
	total_articles, successful_articles, failed_articles, new_articles, updated_articles,
	errors, errors_dropped, status, proxy_used, COALESCE(duration_seconds, 0)
FROM scrape_runs
WHERE (? = '' OR source = ?)
ORDER BY started_at DESC
LIMIT ?`, source, source, limit)
	if err != nil {
		return nil, classify("list runs", err)
	}
	defer func() { _ = rows.Close() }()

	runs := make([]harvest.ScrapeRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list runs", err)
	}
	return runs, nil
}

func scanRun(rows *sql.Rows) (harvest.ScrapeRun, error) {
	var (
		run                 harvest.ScrapeRun
		runType, status     string
		target, start, end  sql.NullString
		startedAt, errsJSON string
		completedAt         sql.NullString
	)
	err := rows.Scan(
		&run.ID, &run.Source, &runType, &target, &start, &end, &startedAt, &completedAt,
		&run.Counts.Total, &run.Counts.Successful, &run.Counts.Failed, &run.Counts.New, &run.Counts.Updated,
		&errsJSON, &run.ErrorsDropped, &status, &run.ProxyUsed, &run.DurationSeconds,
	)
	if err != nil {
		return harvest.ScrapeRun{}, fmt.Errorf("scan run row: %w", err)
	}
	run.Type = harvest.RunType(runType)
	run.Status = harvest.RunStatus(status)
	if run.TargetDate, err = parseDate(target); err != nil {
		return harvest.ScrapeRun{}, err
	}
	if run.StartDate, err = parseDate(start); err != nil {
		return harvest.ScrapeRun{}, err
	}
	if run.EndDate, err = parseDate(end); err != nil {
		return harvest.ScrapeRun{}, err
	}
	if run.StartedAt, err = parseTS(startedAt); err != nil {
		return harvest.ScrapeRun{}, err
	}
	if completedAt.Valid {
		ts, err := parseTS(completedAt.String)
		if err != nil {
			return harvest.ScrapeRun{}, err
		}
		run.CompletedAt = &ts
	}
	if err := json.Unmarshal([]byte(errsJSON), &run.Errors); err != nil {
		return harvest.ScrapeRun{}, fmt.Errorf("decode run errors: %w", err)
	}
	return run, nil
}

// GetProgress returns the cursor row for source or harvest.ErrNotFound.
func (s *Store) GetProgress(ctx context.Context, source string) (harvest.BackfillProgress, error) {
	var (
		p                  harvest.BackfillProgress
		last, status       string
		started, updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT source, last_completed_date, status, started_at, updated_at FROM backfill_progress WHERE source = ?`,
		source,
	).Scan(&p.Source, &last, &status, &started, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return harvest.BackfillProgress{}, harvest.ErrNotFound
	}
	if err != nil {
		return harvest.BackfillProgress{}, classify("get backfill progress", err)
	}
	if p.LastCompletedDate, err = harvest.ParseDay(last); err != nil {
		return harvest.BackfillProgress{}, fmt.Errorf("parse cursor: %w", err)
	}
	if p.StartedAt, err = parseTS(started); err != nil {
		return harvest.BackfillProgress{}, err
	}
	if p.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return harvest.BackfillProgress{}, err
	}
	p.Status = harvest.BackfillStatus(status)
	return p, nil
}

// SaveProgress upserts the cursor row keyed by source.
func (s *Store) SaveProgress(ctx context.Context, p harvest.BackfillProgress) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO backfill_progress (source, last_completed_date, status, started_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (source) DO UPDATE SET
	last_completed_date = excluded.last_completed_date,
	status = excluded.status,
	started_at = excluded.started_at,
	updated_at = excluded.updated_at`,
		p.Source, p.LastCompletedDate.UTC().Format(dateLayout), string(p.Status),
		formatTS(p.StartedAt), formatTS(p.UpdatedAt),
	)
	if err != nil {
		return classify("save backfill progress", err)
	}
	return nil
}
