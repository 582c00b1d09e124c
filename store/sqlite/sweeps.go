package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-ledger/credit"
)

var _ credit.SweepRunStore = (*Store)(nil)

// =============================================================================
// SWEEP RUNS
// =============================================================================

// SaveSweepRun inserts or updates a sweep run.
func (s *Store) SaveSweepRun(ctx context.Context, r credit.SweepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO sweep_runs (id, triggered_by, status, started_at, completed_at,
			accounts, expired_entries, expired_amount, failures, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			accounts = excluded.accounts,
			expired_entries = excluded.expired_entries,
			expired_amount = excluded.expired_amount,
			failures = excluded.failures,
			error = excluded.error
	`
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Trigger, r.Status, formatTime(r.StartedAt), formatTimePtr(r.CompletedAt),
		r.Accounts, r.ExpiredEntries, r.ExpiredAmount.String(), r.Failures, nullString(r.Error),
	)
	if err != nil {
		return fmt.Errorf("failed to save sweep run: %w", err)
	}
	return nil
}

// SweepRuns returns the most recent runs first. limit <= 0 means all.
func (s *Store) SweepRuns(ctx context.Context, limit int) ([]credit.SweepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, triggered_by, status, started_at, completed_at,
			accounts, expired_entries, expired_amount, failures, error
		FROM sweep_runs
		ORDER BY started_at DESC, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sweep runs: %w", err)
	}
	defer rows.Close()

	var runs []credit.SweepRun
	for rows.Next() {
		var (
			r                  credit.SweepRun
			started, amount    string
			completed, errText sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Trigger, &r.Status, &started, &completed,
			&r.Accounts, &r.ExpiredEntries, &amount, &r.Failures, &errText); err != nil {
			return nil, err
		}
		r.Error = errText.String
		if r.ExpiredAmount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("bad amount %q: %w", amount, err)
		}
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if r.CompletedAt, err = parseTimePtr(completed); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
