/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the loyalty ledger using SQLite.
  In production, the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

INTERFACES IMPLEMENTED:
  credit.Store:          Ledger entries and entry links
  credit.SnapshotStore:  Balance snapshots
  credit.SweepRunStore:  Expiry sweep audit records
  checkout.Store:        Orders, order lines, payments
  fulfillment.Store:     Fulfillment records

APPEND-ONLY ENFORCEMENT:
  - No DELETE statements on ledger_entries
  - The only UPDATE on ledger_entries is MarkExpired (is_expired 0 -> 1)
  - Corrections are new adjust entries

ATOMICITY:
  Each method is one unit of work. Batches (AppendBatch, an order with its
  lines) run in one SQL transaction. Nothing spans collections.

KEY TABLES:
  ledger_entries:    Immutable credit entries
  entry_links:       Cross-references from an entry to other records
  balance_snapshots: Cached balance per account (upsert only)
  orders:            One row per purchase
  order_lines:       Line items with their payment split
  payments:          One row per nonzero money tender
  fulfillments:      One row per tracked line item
  sweep_runs:        Expiry sweep runs

TIME STORAGE:
  Fixed-width UTC text (see timeLayout), so lexical comparison in SQL
  matches chronological order.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, which also
  keeps ":memory:" databases coherent. In production with PostgreSQL,
  database-level concurrency control handles this instead.

USAGE:
  store, err := sqlite.New("./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := credit.NewLedger(store, clock)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - credit/store.go: Ledger interface definitions
  - credit/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Ledger entries (append-only, is_expired is the only mutable column)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		kind TEXT NOT NULL,
		earned_date TEXT NOT NULL,
		expiry_date TEXT,
		original_entry_id TEXT,
		related_order_id TEXT,
		source TEXT,
		is_expired INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_account
		ON ledger_entries(account_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_original
		ON ledger_entries(original_entry_id) WHERE original_entry_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_ledger_order
		ON ledger_entries(related_order_id) WHERE related_order_id IS NOT NULL;

	-- Sweeper hot path: unexpired grants with an expiry date
	CREATE INDEX IF NOT EXISTS idx_ledger_lapse
		ON ledger_entries(expiry_date) WHERE is_expired = 0 AND expiry_date IS NOT NULL;

	CREATE TABLE IF NOT EXISTS entry_links (
		entry_id TEXT NOT NULL REFERENCES ledger_entries(id),
		ref TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (entry_id, ref)
	);

	-- Balance snapshots (cache, rebuildable from ledger_entries)
	CREATE TABLE IF NOT EXISTS balance_snapshots (
		account_id TEXT PRIMARY KEY,
		total_balance TEXT NOT NULL,
		earned TEXT NOT NULL,
		used TEXT NOT NULL,
		expired TEXT NOT NULL,
		adjusted TEXT NOT NULL,
		expiring_7d TEXT NOT NULL,
		expiring_30d TEXT NOT NULL,
		last_updated TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		account_name TEXT,
		total_amount TEXT NOT NULL,
		paid_amount TEXT NOT NULL,
		unpaid_amount TEXT NOT NULL,
		credit_used TEXT NOT NULL,
		credit_earned TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_account ON orders(account_id);

	CREATE TABLE IF NOT EXISTS order_lines (
		order_id TEXT NOT NULL REFERENCES orders(id),
		line_no INTEGER NOT NULL,
		ref_id TEXT NOT NULL,
		name TEXT,
		unit_price TEXT NOT NULL,
		paid TEXT NOT NULL,
		unpaid TEXT NOT NULL,
		PRIMARY KEY (order_id, line_no)
	);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL REFERENCES orders(id),
		tender_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_order ON payments(order_id);

	CREATE TABLE IF NOT EXISTS fulfillments (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		line_no INTEGER NOT NULL,
		ref_id TEXT NOT NULL,
		name TEXT,
		billing TEXT NOT NULL,
		paid_amount TEXT NOT NULL,
		unpaid_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT,
		session_count INTEGER NOT NULL DEFAULT 0,
		completed_sessions INTEGER NOT NULL DEFAULT 0,
		hold_started_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_fulfillments_order ON fulfillments(order_id);
	CREATE INDEX IF NOT EXISTS idx_fulfillments_account ON fulfillments(account_id);
	CREATE INDEX IF NOT EXISTS idx_fulfillments_status ON fulfillments(status);

	-- Expiry sweep runs (audit trail)
	CREATE TABLE IF NOT EXISTS sweep_runs (
		id TEXT PRIMARY KEY,
		triggered_by TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		accounts INTEGER NOT NULL DEFAULT 0,
		expired_entries INTEGER NOT NULL DEFAULT 0,
		expired_amount TEXT NOT NULL,
		failures INTEGER NOT NULL DEFAULT 0,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sweep_runs_started ON sweep_runs(started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is fixed width so TEXT comparison orders chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type scanner interface {
	Scan(dest ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseDecimals(dst []*decimal.Decimal, src []string) error {
	for i, s := range src {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("bad amount %q: %w", s, err)
		}
		*dst[i] = d
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
