package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-ledger/checkout"
	"github.com/warp/loyalty-ledger/credit"
	"github.com/warp/loyalty-ledger/settlement"
)

var _ checkout.Store = (*Store)(nil)

// =============================================================================
// ORDER STORE (checkout.Store interface)
// =============================================================================

const orderColumns = `id, account_id, account_name, total_amount, paid_amount, unpaid_amount,
	credit_used, credit_earned, status, created_at, updated_at`

// CreateOrder inserts an order with its lines in one transaction.
func (s *Store) CreateOrder(ctx context.Context, o checkout.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	_, err = sqlTx.ExecContext(ctx,
		`INSERT INTO orders (`+orderColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, string(o.AccountID), nullString(o.AccountName),
		o.TotalAmount.String(), o.PaidAmount.String(), o.UnpaidAmount.String(),
		o.CreditUsed.String(), o.CreditEarned.String(), string(o.Status),
		formatTime(o.CreatedAt), formatTime(o.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("order %s: %w", o.ID, credit.ErrDuplicateEntry)
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}
	if err := saveLines(ctx, sqlTx, o); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// UpdateOrder rewrites the mutable order fields and line splits.
func (s *Store) UpdateOrder(ctx context.Context, o checkout.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	res, err := sqlTx.ExecContext(ctx, `
		UPDATE orders SET paid_amount = ?, unpaid_amount = ?, credit_used = ?,
			credit_earned = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		o.PaidAmount.String(), o.UnpaidAmount.String(), o.CreditUsed.String(),
		o.CreditEarned.String(), string(o.Status), formatTime(o.UpdatedAt), o.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return credit.NotFound("order", o.ID)
	}
	if err := saveLines(ctx, sqlTx, o); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func saveLines(ctx context.Context, db execer, o checkout.Order) error {
	for i, l := range o.Lines {
		_, err := db.ExecContext(ctx, `
			INSERT INTO order_lines (order_id, line_no, ref_id, name, unit_price, paid, unpaid)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(order_id, line_no) DO UPDATE SET
				paid = excluded.paid,
				unpaid = excluded.unpaid`,
			o.ID, i, l.RefID, nullString(l.Name), l.UnitPrice.String(), l.Paid.String(), l.Unpaid.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to save order line %d: %w", i, err)
		}
	}
	return nil
}

// Order returns an order with its lines.
func (s *Store) Order(ctx context.Context, id string) (checkout.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return checkout.Order{}, credit.NotFound("order", id)
	}
	if err != nil {
		return checkout.Order{}, err
	}
	if o.Lines, err = s.loadLines(ctx, id); err != nil {
		return checkout.Order{}, err
	}
	return o, nil
}

// OrdersByAccount returns an account's orders, newest first.
func (s *Store) OrdersByAccount(ctx context.Context, accountID credit.AccountID) ([]checkout.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE account_id = ? ORDER BY created_at DESC, id`,
		string(accountID))
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	var orders []checkout.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Lines are loaded after the cursor is closed: the store holds one connection.
	for i := range orders {
		if orders[i].Lines, err = s.loadLines(ctx, orders[i].ID); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (s *Store) loadLines(ctx context.Context, orderID string) ([]checkout.OrderLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ref_id, name, unit_price, paid, unpaid
		FROM order_lines WHERE order_id = ? ORDER BY line_no`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order lines: %w", err)
	}
	defer rows.Close()

	var lines []checkout.OrderLine
	for rows.Next() {
		var (
			l                   checkout.OrderLine
			name                sql.NullString
			price, paid, unpaid string
		)
		if err := rows.Scan(&l.RefID, &name, &price, &paid, &unpaid); err != nil {
			return nil, err
		}
		l.Name = name.String
		if err := parseDecimals(
			[]*decimal.Decimal{&l.UnitPrice, &l.Paid, &l.Unpaid},
			[]string{price, paid, unpaid},
		); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func scanOrder(row scanner) (checkout.Order, error) {
	var (
		o                                   checkout.Order
		accountID, status, created, updated string
		name                                sql.NullString
		total, paid, unpaid, used, earned   string
	)
	if err := row.Scan(&o.ID, &accountID, &name, &total, &paid, &unpaid,
		&used, &earned, &status, &created, &updated); err != nil {
		return o, err
	}
	o.AccountID = credit.AccountID(accountID)
	o.AccountName = name.String
	o.Status = checkout.OrderStatus(status)
	if err := parseDecimals(
		[]*decimal.Decimal{&o.TotalAmount, &o.PaidAmount, &o.UnpaidAmount, &o.CreditUsed, &o.CreditEarned},
		[]string{total, paid, unpaid, used, earned},
	); err != nil {
		return o, err
	}
	var err error
	if o.CreatedAt, err = parseTime(created); err != nil {
		return o, err
	}
	if o.UpdatedAt, err = parseTime(updated); err != nil {
		return o, err
	}
	return o, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (s *Store) CreatePayment(ctx context.Context, p checkout.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (id, order_id, tender_type, amount, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.OrderID, string(p.TenderType), p.Amount.String(), string(p.Status), formatTime(p.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("payment %s: %w", p.ID, credit.ErrDuplicateEntry)
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (s *Store) PaymentsByOrder(ctx context.Context, orderID string) ([]checkout.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, tender_type, amount, status, created_at
		FROM payments WHERE order_id = ? ORDER BY rowid`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []checkout.PaymentRecord
	for rows.Next() {
		var (
			p                      checkout.PaymentRecord
			tender, amount, status string
			created                string
		)
		if err := rows.Scan(&p.ID, &p.OrderID, &tender, &amount, &status, &created); err != nil {
			return nil, err
		}
		p.TenderType = settlement.TenderType(tender)
		p.Status = checkout.PaymentStatus(status)
		if p.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("bad amount %q: %w", amount, err)
		}
		if p.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}
