package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-ledger/credit"
	"github.com/warp/loyalty-ledger/fulfillment"
)

var _ fulfillment.Store = (*Store)(nil)

// =============================================================================
// FULFILLMENT STORE (fulfillment.Store interface)
// =============================================================================

const fulfillmentColumns = `id, order_id, account_id, line_no, ref_id, name, billing,
	paid_amount, unpaid_amount, status, start_date, end_date, session_count,
	completed_sessions, hold_started_at, created_at, updated_at`

func (s *Store) CreateFulfillment(ctx context.Context, r fulfillment.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fulfillments (`+fulfillmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OrderID, string(r.AccountID), r.LineNo, r.RefID, nullString(r.Name), string(r.Billing),
		r.PaidAmount.String(), r.UnpaidAmount.String(), string(r.Status),
		formatTime(r.StartDate), formatTimePtr(r.EndDate), r.SessionCount,
		r.CompletedSessions, formatTimePtr(r.HoldStartedAt),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("fulfillment %s: %w", r.ID, credit.ErrDuplicateEntry)
		}
		return fmt.Errorf("failed to insert fulfillment: %w", err)
	}
	return nil
}

// UpdateFulfillment writes the mutable fields: split, status, dates, sessions.
func (s *Store) UpdateFulfillment(ctx context.Context, r fulfillment.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE fulfillments SET paid_amount = ?, unpaid_amount = ?, status = ?,
			end_date = ?, completed_sessions = ?, hold_started_at = ?, updated_at = ?
		WHERE id = ?`,
		r.PaidAmount.String(), r.UnpaidAmount.String(), string(r.Status),
		formatTimePtr(r.EndDate), r.CompletedSessions, formatTimePtr(r.HoldStartedAt),
		formatTime(r.UpdatedAt), r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update fulfillment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return credit.NotFound("fulfillment", r.ID)
	}
	return nil
}

func (s *Store) Fulfillment(ctx context.Context, id string) (fulfillment.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+fulfillmentColumns+` FROM fulfillments WHERE id = ?`, id)
	r, err := scanFulfillment(row)
	if err == sql.ErrNoRows {
		return fulfillment.Record{}, credit.NotFound("fulfillment", id)
	}
	return r, err
}

func (s *Store) FulfillmentsByOrder(ctx context.Context, orderID string) ([]fulfillment.Record, error) {
	return s.queryFulfillments(ctx, `WHERE order_id = ? ORDER BY line_no`, orderID)
}

func (s *Store) FulfillmentsByAccount(ctx context.Context, accountID credit.AccountID) ([]fulfillment.Record, error) {
	return s.queryFulfillments(ctx, `WHERE account_id = ? ORDER BY created_at, line_no`, string(accountID))
}

func (s *Store) FulfillmentsByStatus(ctx context.Context, status fulfillment.Status) ([]fulfillment.Record, error) {
	return s.queryFulfillments(ctx, `WHERE status = ? ORDER BY created_at, line_no`, string(status))
}

func (s *Store) queryFulfillments(ctx context.Context, where string, args ...any) ([]fulfillment.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+fulfillmentColumns+` FROM fulfillments `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query fulfillments: %w", err)
	}
	defer rows.Close()

	var records []fulfillment.Record
	for rows.Next() {
		r, err := scanFulfillment(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func scanFulfillment(row scanner) (fulfillment.Record, error) {
	var (
		r                         fulfillment.Record
		accountID, billing, state string
		paid, unpaid              string
		start, created, updated   string
		name, end, held           sql.NullString
	)
	if err := row.Scan(&r.ID, &r.OrderID, &accountID, &r.LineNo, &r.RefID, &name, &billing,
		&paid, &unpaid, &state, &start, &end, &r.SessionCount,
		&r.CompletedSessions, &held, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return r, err
		}
		return r, fmt.Errorf("failed to scan fulfillment: %w", err)
	}

	r.AccountID = credit.AccountID(accountID)
	r.Name = name.String
	r.Billing = fulfillment.BillingModel(billing)
	r.Status = fulfillment.Status(state)
	if err := parseDecimals([]*decimal.Decimal{&r.PaidAmount, &r.UnpaidAmount}, []string{paid, unpaid}); err != nil {
		return r, err
	}
	var err error
	if r.StartDate, err = parseTime(start); err != nil {
		return r, err
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return r, err
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return r, err
	}
	if r.EndDate, err = parseTimePtr(end); err != nil {
		return r, err
	}
	if r.HoldStartedAt, err = parseTimePtr(held); err != nil {
		return r, err
	}
	return r, nil
}
