package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/alcalor-scraper/internal/harvest"
)

const (
	getProgressSQL = `
SELECT source, last_completed_date, status, started_at, updated_at
FROM backfill_progress
WHERE source = $1`

	// The unique constraint on source serializes concurrent writers.
	saveProgressSQL = `
INSERT INTO backfill_progress (source, last_completed_date, status, started_at, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (source) DO UPDATE SET
	last_completed_date = EXCLUDED.last_completed_date,
	status = EXCLUDED.status,
	started_at = EXCLUDED.started_at,
	updated_at = EXCLUDED.updated_at`
)

// GetProgress returns the cursor row for source or harvest.ErrNotFound.
func (s *Store) GetProgress(ctx context.Context, source string) (harvest.BackfillProgress, error) {
	var (
		p      harvest.BackfillProgress
		status string
	)
	err := s.pool.QueryRow(ctx, getProgressSQL, source).Scan(
		&p.Source,
		&p.LastCompletedDate,
		&status,
		&p.StartedAt,
		&p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.BackfillProgress{}, harvest.ErrNotFound
	}
	if err != nil {
		return harvest.BackfillProgress{}, classify("get backfill progress", err)
	}
	p.Status = harvest.BackfillStatus(status)
	p.LastCompletedDate = harvest.Day(p.LastCompletedDate)
	return p, nil
}

// SaveProgress upserts the cursor row for progress.Source.
func (s *Store) SaveProgress(ctx context.Context, p harvest.BackfillProgress) error {
	_, err := s.pool.Exec(ctx, saveProgressSQL,
		p.Source,
		p.LastCompletedDate,
		string(p.Status),
		p.StartedAt,
		p.UpdatedAt,
	)
	if err != nil {
		return classify("save backfill progress", err)
	}
	return nil
}
