/*
ledger.go - Append-only credit ledger

PURPOSE:
  The Ledger is the source of truth for an account's credit. Every grant,
  redemption, expiry and manual correction is an entry. Balance is always
  folded from entries; no stored total can drift out of sync.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: entries are never deleted and their values never change.
  2. MONOTONIC EXPIRY FLAG: IsExpired may flip false -> true, never back.
  3. BOUNDED CONSUMPTION: the use/expire/negative-adjust entries pointing at
     a grant never sum (in magnitude) past the grant's amount.

SHAPE RULES (checked on append):
  earn:   amount > 0, no OriginalEntryID
  use:    amount < 0, OriginalEntryID names a grant
  expire: amount < 0, OriginalEntryID names a grant
  adjust: amount > 0 acts as a grant; amount < 0 must name a grant

EXAMPLE FLOW:
  1. Order surplus:      earn   +150 (E1)
  2. Redeem 100:         use    -100 -> E1
  3. E1 lapses, sweep:   expire  -50 -> E1, E1.IsExpired = true
  E1 available: 150 - 100 - 50 = 0

SEE ALSO:
  - store.go: Persistence interface
  - balance.go: Availability fold
*/
package credit

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER - Append-only entry log
// =============================================================================

type Ledger struct {
	Store Store
	Clock Clock
}

func NewLedger(store Store, clock Clock) *Ledger {
	return &Ledger{Store: store, Clock: orDefaultClock(clock)}
}

// Append validates and adds a single entry.
func (l *Ledger) Append(ctx context.Context, e Entry) error {
	return l.AppendBatch(ctx, []Entry{e})
}

// AppendBatch validates and adds entries atomically. Consumption entries are
// checked against the remaining amount of the grant they reference.
func (l *Ledger) AppendBatch(ctx context.Context, es []Entry) error {
	if len(es) == 0 {
		return nil
	}
	now := l.Clock.Now()
	for i := range es {
		if es[i].CreatedAt.IsZero() {
			es[i].CreatedAt = now
		}
		if es[i].ID == "" {
			es[i].ID = NewEntryID()
		}
		if err := validateShape(es[i]); err != nil {
			return err
		}
	}
	if err := l.checkConsumption(ctx, es); err != nil {
		return err
	}
	if len(es) == 1 {
		return l.Store.Append(ctx, es[0])
	}
	return l.Store.AppendBatch(ctx, es)
}

// EntriesFor returns every entry for an account, unordered.
func (l *Ledger) EntriesFor(ctx context.Context, accountID AccountID) ([]Entry, error) {
	return l.Store.Entries(ctx, accountID)
}

// Entry returns a single entry by id.
func (l *Ledger) Entry(ctx context.Context, id EntryID) (Entry, error) {
	return l.Store.Entry(ctx, id)
}

// MarkExpired flips IsExpired on a grant. Safe to call more than once.
func (l *Ledger) MarkExpired(ctx context.Context, id EntryID) error {
	return l.Store.MarkExpired(ctx, id)
}

// Link records audit cross-references for an entry.
func (l *Ledger) Link(ctx context.Context, id EntryID, refs []string) error {
	if len(refs) == 0 {
		return nil
	}
	if _, err := l.Store.Entry(ctx, id); err != nil {
		return err
	}
	return l.Store.Link(ctx, id, refs)
}

func (l *Ledger) Links(ctx context.Context, id EntryID) ([]string, error) {
	return l.Store.Links(ctx, id)
}

// =============================================================================
// VALIDATION
// =============================================================================

func validateShape(e Entry) error {
	if e.AccountID == "" {
		return fmt.Errorf("%w: missing account", ErrInvalidEntry)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEntry, e.Kind)
	}
	if e.Amount.IsZero() {
		return fmt.Errorf("%w: zero amount", ErrInvalidEntry)
	}
	switch e.Kind {
	case KindEarn:
		if e.Amount.IsNegative() || e.OriginalEntryID != "" {
			return fmt.Errorf("%w: earn entries are positive and reference nothing", ErrInvalidEntry)
		}
	case KindUse, KindExpire:
		if e.Amount.IsPositive() || e.OriginalEntryID == "" {
			return fmt.Errorf("%w: %s entries are negative and reference a grant", ErrInvalidEntry, e.Kind)
		}
	case KindAdjust:
		if e.Amount.IsNegative() && e.OriginalEntryID == "" {
			return fmt.Errorf("%w: negative adjustments reference a grant", ErrInvalidEntry)
		}
		if e.Amount.IsPositive() && e.OriginalEntryID != "" {
			return fmt.Errorf("%w: positive adjustments reference nothing", ErrInvalidEntry)
		}
	}
	return nil
}

// checkConsumption enforces BOUNDED CONSUMPTION for the batch.
func (l *Ledger) checkConsumption(ctx context.Context, es []Entry) error {
	draws := make(map[AccountID]map[EntryID]decimal.Decimal)
	for _, e := range es {
		if !e.IsConsumption() {
			continue
		}
		if draws[e.AccountID] == nil {
			draws[e.AccountID] = make(map[EntryID]decimal.Decimal)
		}
		draws[e.AccountID][e.OriginalEntryID] = draws[e.AccountID][e.OriginalEntryID].Add(e.Amount.Neg())
	}
	for accountID, byGrant := range draws {
		existing, err := l.Store.Entries(ctx, accountID)
		if err != nil {
			return err
		}
		byID := make(map[EntryID]Entry, len(existing))
		for _, e := range existing {
			byID[e.ID] = e
		}
		consumed := ConsumedByGrant(existing)
		for grantID, draw := range byGrant {
			grant, ok := byID[grantID]
			if !ok || !grant.IsGrant() {
				return fmt.Errorf("%w: %s does not reference a grant of account %s", ErrInvalidEntry, grantID, accountID)
			}
			remaining := grant.Amount.Sub(consumed[grantID])
			if draw.GreaterThan(remaining) {
				return fmt.Errorf("%w: draw %s exceeds remaining %s on %s", ErrInvalidEntry, draw, remaining, grantID)
			}
		}
	}
	return nil
}

// =============================================================================
// HISTORY
// =============================================================================

// History returns an account's entries ordered by CreatedAt, then ID.
func (l *Ledger) History(ctx context.Context, accountID AccountID) ([]Entry, error) {
	entries, err := l.Store.Entries(ctx, accountID)
	if err != nil {
		return nil, err
	}
	sortEntries(entries, func(e Entry) time.Time { return e.CreatedAt })
	return entries, nil
}
