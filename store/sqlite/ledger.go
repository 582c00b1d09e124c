package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-ledger/credit"
)

var (
	_ credit.Store         = (*Store)(nil)
	_ credit.SnapshotStore = (*Store)(nil)
)

// =============================================================================
// LEDGER STORE (credit.Store interface)
// =============================================================================

const entryColumns = `id, account_id, amount, kind, earned_date, expiry_date,
	original_entry_id, related_order_id, source, is_expired, created_at`

// Append adds an entry to the ledger.
func (s *Store) Append(ctx context.Context, e credit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendEntry(ctx, s.db, e)
}

func (s *Store) appendEntry(ctx context.Context, db execer, e credit.Entry) error {
	query := `INSERT INTO ledger_entries (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.ExecContext(ctx, query,
		string(e.ID),
		string(e.AccountID),
		e.Amount.String(),
		string(e.Kind),
		formatTime(e.EarnedDate),
		formatTimePtr(e.ExpiryDate),
		nullString(string(e.OriginalEntryID)),
		nullString(e.RelatedOrderID),
		nullString(e.Source),
		e.IsExpired,
		formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return credit.ErrDuplicateEntry
		}
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return nil
}

// AppendBatch adds multiple entries atomically.
func (s *Store) AppendBatch(ctx context.Context, es []credit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, e := range es {
		if err := s.appendEntry(ctx, sqlTx, e); err != nil {
			return err
		}
	}

	return sqlTx.Commit()
}

// Entries returns all entries for an account.
func (s *Store) Entries(ctx context.Context, accountID credit.AccountID) ([]credit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + entryColumns + ` FROM ledger_entries
		WHERE account_id = ?
		ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, string(accountID))
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []credit.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Entry returns a single entry.
func (s *Store) Entry(ctx context.Context, id credit.EntryID) (credit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE id = ?`, string(id))
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return credit.Entry{}, credit.NotFound("ledger entry", string(id))
	}
	return e, err
}

// MarkExpired flips is_expired. The only UPDATE on the ledger.
func (s *Store) MarkExpired(ctx context.Context, id credit.EntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE ledger_entries SET is_expired = 1 WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("failed to mark entry expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return credit.NotFound("ledger entry", string(id))
	}
	return nil
}

// LapsedAccounts lists accounts holding an unexpired grant past its expiry.
func (s *Store) LapsedAccounts(ctx context.Context, asOf time.Time) ([]credit.AccountID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT DISTINCT account_id FROM ledger_entries
		WHERE is_expired = 0
		  AND expiry_date IS NOT NULL
		  AND expiry_date <= ?
		  AND (kind = 'earn' OR (kind = 'adjust' AND amount NOT LIKE '-%'))
		ORDER BY account_id
	`
	rows, err := s.db.QueryContext(ctx, query, formatTime(asOf))
	if err != nil {
		return nil, fmt.Errorf("failed to query lapsed accounts: %w", err)
	}
	defer rows.Close()

	var accounts []credit.AccountID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		accounts = append(accounts, credit.AccountID(id))
	}
	return accounts, rows.Err()
}

// Link records cross-references for an entry. Repeated refs are ignored.
func (s *Store) Link(ctx context.Context, id credit.EntryID, refs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	now := formatTime(time.Now())
	for _, ref := range refs {
		if _, err := sqlTx.ExecContext(ctx,
			`INSERT OR IGNORE INTO entry_links (entry_id, ref, created_at) VALUES (?, ?, ?)`,
			string(id), ref, now); err != nil {
			return fmt.Errorf("failed to link entry: %w", err)
		}
	}
	return sqlTx.Commit()
}

func (s *Store) Links(ctx context.Context, id credit.EntryID) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT ref FROM entry_links WHERE entry_id = ? ORDER BY rowid`, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func scanEntry(row scanner) (credit.Entry, error) {
	var (
		e                           credit.Entry
		id, accountID, amount, kind string
		earnedDate, createdAt       string
		expiryDate                  sql.NullString
		originalID, orderID, source sql.NullString
		isExpired                   bool
	)
	if err := row.Scan(&id, &accountID, &amount, &kind, &earnedDate, &expiryDate,
		&originalID, &orderID, &source, &isExpired, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return e, err
		}
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	var err error
	e.ID = credit.EntryID(id)
	e.AccountID = credit.AccountID(accountID)
	e.Kind = credit.EntryKind(kind)
	e.OriginalEntryID = credit.EntryID(originalID.String)
	e.RelatedOrderID = orderID.String
	e.Source = source.String
	e.IsExpired = isExpired
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return e, fmt.Errorf("bad amount %q: %w", amount, err)
	}
	if e.EarnedDate, err = parseTime(earnedDate); err != nil {
		return e, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return e, err
	}
	if e.ExpiryDate, err = parseTimePtr(expiryDate); err != nil {
		return e, err
	}
	return e, nil
}

// =============================================================================
// SNAPSHOT STORE (credit.SnapshotStore interface)
// =============================================================================

// SaveSnapshot upserts an account's balance snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, snap credit.BalanceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO balance_snapshots (account_id, total_balance, earned, used, expired,
			adjusted, expiring_7d, expiring_30d, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			total_balance = excluded.total_balance,
			earned = excluded.earned,
			used = excluded.used,
			expired = excluded.expired,
			adjusted = excluded.adjusted,
			expiring_7d = excluded.expiring_7d,
			expiring_30d = excluded.expiring_30d,
			last_updated = excluded.last_updated
	`
	_, err := s.db.ExecContext(ctx, query,
		string(snap.AccountID),
		snap.TotalBalance.String(),
		snap.Earned.String(),
		snap.Used.String(),
		snap.Expired.String(),
		snap.Adjusted.String(),
		snap.ExpiringIn7Days.String(),
		snap.ExpiringIn30Days.String(),
		formatTime(snap.LastUpdated),
	)
	return err
}

// Snapshot returns the cached snapshot or nil if none exists.
func (s *Store) Snapshot(ctx context.Context, accountID credit.AccountID) (*credit.BalanceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		snap                                            credit.BalanceSnapshot
		total, earned, used, expired, adjusted, e7, e30 string
		lastUpdated                                     string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT total_balance, earned, used, expired, adjusted, expiring_7d, expiring_30d, last_updated
		FROM balance_snapshots WHERE account_id = ?`, string(accountID),
	).Scan(&total, &earned, &used, &expired, &adjusted, &e7, &e30, &lastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	snap.AccountID = accountID
	if err := parseDecimals(
		[]*decimal.Decimal{&snap.TotalBalance, &snap.Earned, &snap.Used, &snap.Expired,
			&snap.Adjusted, &snap.ExpiringIn7Days, &snap.ExpiringIn30Days},
		[]string{total, earned, used, expired, adjusted, e7, e30},
	); err != nil {
		return nil, err
	}
	if snap.LastUpdated, err = parseTime(lastUpdated); err != nil {
		return nil, err
	}
	return &snap, nil
}
