/*
store.go - Persistence interfaces for ledger entries and balance snapshots

PURPOSE:
  Defines the boundary between the credit engine and the database. The
  storage layer only guarantees atomicity within one collection, so every
  interface here is scoped to a single collection.

KEY INTERFACES:
  Store:         Ledger entries (append-mostly) and entry links
  SnapshotStore: Balance snapshots (upsert-only cache)

APPEND-MOSTLY CONTRACT:
  - Append()/AppendBatch(): the only ways to add entries
  - MarkExpired(): the only mutation, flips IsExpired to true (idempotent)
  - No Delete, no amount/kind/date updates

LINKS:
  Cross-references from an entry to other records (e.g. the fulfillments a
  surplus credit paid for) live beside the entry, not in it, so entries
  stay immutable.

IMPLEMENTATIONS:
  - credit/store/memory.go: In-memory for tests
  - store/sqlite/sqlite.go: SQLite
  - store/redis/snapshots.go: Redis snapshot cache
*/
package credit

import (
	"context"
	"time"
)

// Store handles persistence of ledger entries.
type Store interface {
	// Append persists one entry. Returns ErrDuplicateEntry if the id exists.
	Append(ctx context.Context, e Entry) error

	// AppendBatch persists entries atomically. Either all succeed or none do.
	AppendBatch(ctx context.Context, es []Entry) error

	// Entries returns every entry for an account. Callers must not rely on order.
	Entries(ctx context.Context, accountID AccountID) ([]Entry, error)

	// Entry returns a single entry or an ErrRecordNotFound error.
	Entry(ctx context.Context, id EntryID) (Entry, error)

	// MarkExpired sets IsExpired on an entry. Idempotent.
	MarkExpired(ctx context.Context, id EntryID) error

	// LapsedAccounts returns accounts holding at least one grant whose expiry
	// date is at or before asOf and which is not yet marked expired.
	LapsedAccounts(ctx context.Context, asOf time.Time) ([]AccountID, error)

	// Link records cross-references from an entry to other records.
	Link(ctx context.Context, id EntryID, refs []string) error

	// Links returns the cross-references recorded for an entry.
	Links(ctx context.Context, id EntryID) ([]string, error)
}

// SnapshotStore persists the derived balance cache. One row per account.
type SnapshotStore interface {
	// SaveSnapshot inserts or replaces the account's snapshot.
	SaveSnapshot(ctx context.Context, s BalanceSnapshot) error

	// Snapshot returns the cached snapshot, or (nil, nil) if none exists.
	Snapshot(ctx context.Context, accountID AccountID) (*BalanceSnapshot, error)
}
