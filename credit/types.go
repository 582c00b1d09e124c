/*
Package credit provides the loyalty-credit ledger engine.

PURPOSE:
  This package contains the domain-agnostic core for account credit: an
  append-only ledger of earn/use/expire/adjust entries, the derived balance
  cache, FIFO redemption, and the expiry sweep. Purchases, settlement and
  fulfillment live in their own packages and write to the ledger through
  the types defined here.

KEY CONCEPTS IN THIS FILE (types.go):
  - Entry: An immutable ledger row (earn, use, expire, adjust)
  - EntryKind: Why the entry exists
  - AccountID / EntryID: Type-safe identifiers
  - Amounts: decimal.Decimal, never float64

DESIGN PRINCIPLES:
  1. Immutability: Entries are never modified. The only mutable bit is
     IsExpired, which flips false -> true exactly once.
  2. Back-references: Consumption is a new negative entry pointing at the
     grant it consumes (OriginalEntryID), never a change to the grant.
  3. Derived balance: Nothing stores "the balance". It is folded from entries.
  4. Precision: decimal.Decimal for every amount.

USAGE:
  entry := credit.Entry{
      ID:         credit.NewEntryID(),
      AccountID:  "acct-1",
      Amount:     decimal.NewFromInt(100_000),
      Kind:       credit.KindEarn,
      EarnedDate: clock.Now(),
  }

SEE ALSO:
  - ledger.go: Append-only ledger over a Store
  - balance.go: Availability fold and balance cache
  - redemption.go: FIFO redemption
  - expiry.go: Expiry sweep
*/
package credit

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type EntryID string

// NewEntryID returns a fresh random entry identifier.
func NewEntryID() EntryID { return EntryID(uuid.NewString()) }

// =============================================================================
// ENTRY - Immutable ledger row
// =============================================================================

type EntryKind string

const (
	KindEarn   EntryKind = "earn"   // Credit granted (order surplus, bonus)
	KindUse    EntryKind = "use"    // Credit redeemed against a specific grant
	KindExpire EntryKind = "expire" // Unused remainder of a lapsed grant
	KindAdjust EntryKind = "adjust" // Manual correction (grant if positive, consumption if negative)
)

// Valid reports whether k is one of the known kinds.
func (k EntryKind) Valid() bool {
	switch k {
	case KindEarn, KindUse, KindExpire, KindAdjust:
		return true
	}
	return false
}

// Well-known sources.
const (
	SourceOrderSurplus = "order surplus"
	SourceBonus        = "bonus"
	SourceRedemption   = "redemption"
	SourceExpirySweep  = "expiry sweep"
	SourceManual       = "manual"
)

type Entry struct {
	ID              EntryID
	AccountID       AccountID
	Amount          decimal.Decimal // signed: grants > 0, consumption < 0
	Kind            EntryKind
	EarnedDate      time.Time
	ExpiryDate      *time.Time
	OriginalEntryID EntryID // set on use/expire and negative adjust entries
	RelatedOrderID  string
	Source          string
	IsExpired       bool
	CreatedAt       time.Time
}

// IsGrant reports whether the entry adds redeemable credit.
// Earn entries and positive adjustments are grants.
func (e Entry) IsGrant() bool {
	if !e.Amount.IsPositive() {
		return false
	}
	return e.Kind == KindEarn || e.Kind == KindAdjust
}

// IsConsumption reports whether the entry draws down a specific grant.
func (e Entry) IsConsumption() bool {
	return e.Amount.IsNegative() && e.OriginalEntryID != ""
}

// Lapsed reports whether the grant's expiry date has been reached at now.
func (e Entry) Lapsed(now time.Time) bool {
	return e.ExpiryDate != nil && !e.ExpiryDate.After(now)
}

// =============================================================================
// BALANCE SNAPSHOT - Rebuildable cache row, never the source of truth
// =============================================================================

type BalanceSnapshot struct {
	AccountID        AccountID
	TotalBalance     decimal.Decimal
	Earned           decimal.Decimal
	Used             decimal.Decimal
	Expired          decimal.Decimal
	Adjusted         decimal.Decimal // net negative adjustments against grants
	ExpiringIn7Days  decimal.Decimal
	ExpiringIn30Days decimal.Decimal
	LastUpdated      time.Time
}

// Fresh reports whether the snapshot is younger than maxAge at now.
func (s BalanceSnapshot) Fresh(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.LastUpdated) < maxAge
}
