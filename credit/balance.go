/*
balance.go - Availability fold and balance cache

PURPOSE:
  Answers "how much credit can this account spend right now?" by folding
  the account's entries. The result is cached as a BalanceSnapshot so
  reads stay cheap, but the snapshot is only ever a derived copy.

AVAILABILITY:
  For a grant G:
    consumed(G)  = sum of |amount| over consumption entries with OriginalEntryID == G.ID
    available(G) = G.Amount - consumed(G)

  G is AVAILABLE at time now iff
    available(G) > 0 AND (G.ExpiryDate unset OR G.ExpiryDate > now) AND !G.IsExpired

  TotalBalance = sum of available(G) over available grants.

  Consumption entries are attributed to their grant rather than summed on
  their own, so a lapsed grant drops out of the balance together with the
  entries that consumed it.

CACHE POLICY:
  Recompute: every ledger write that touches the account.
  Read:      returns the stored snapshot if younger than MaxAge, otherwise
             recomputes first. Staleness is bounded by MaxAge.

SEE ALSO:
  - redemption.go: Uses AvailableGrants for FIFO selection
  - expiry.go: Recomputes after marking grants expired
*/
package credit

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/loyalty-ledger/metrics"
)

// DefaultSnapshotMaxAge is the freshness window for cached balances.
const DefaultSnapshotMaxAge = time.Hour

// =============================================================================
// FOLD
// =============================================================================

// Availability pairs a grant with its unconsumed remainder.
type Availability struct {
	Entry     Entry
	Available decimal.Decimal
}

// ConsumedByGrant sums consumption per referenced grant.
func ConsumedByGrant(entries []Entry) map[EntryID]decimal.Decimal {
	consumed := make(map[EntryID]decimal.Decimal)
	for _, e := range entries {
		if e.IsConsumption() {
			consumed[e.OriginalEntryID] = consumed[e.OriginalEntryID].Add(e.Amount.Abs())
		}
	}
	return consumed
}

// AvailableAmount returns grant.Amount minus everything consumed from it.
func AvailableAmount(grant Entry, consumed map[EntryID]decimal.Decimal) decimal.Decimal {
	return grant.Amount.Sub(consumed[grant.ID])
}

// IsAvailable applies the availability rule to a grant.
func IsAvailable(grant Entry, available decimal.Decimal, now time.Time) bool {
	return grant.IsGrant() &&
		available.IsPositive() &&
		!grant.IsExpired &&
		!grant.Lapsed(now)
}

// AvailableGrants returns available grants in FIFO order: EarnedDate
// ascending, ties broken by CreatedAt, then ID.
func AvailableGrants(entries []Entry, now time.Time) []Availability {
	consumed := ConsumedByGrant(entries)
	var out []Availability
	for _, e := range entries {
		avail := AvailableAmount(e, consumed)
		if IsAvailable(e, avail, now) {
			out = append(out, Availability{Entry: e, Available: avail})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return fifoLess(out[i].Entry, out[j].Entry)
	})
	return out
}

// TotalAvailable sums AvailableGrants.
func TotalAvailable(entries []Entry, now time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, a := range AvailableGrants(entries, now) {
		total = total.Add(a.Available)
	}
	return total
}

// Summarize computes a snapshot for an account from its entries.
func Summarize(accountID AccountID, entries []Entry, now time.Time) BalanceSnapshot {
	snap := BalanceSnapshot{
		AccountID:        accountID,
		TotalBalance:     decimal.Zero,
		Earned:           decimal.Zero,
		Used:             decimal.Zero,
		Expired:          decimal.Zero,
		Adjusted:         decimal.Zero,
		ExpiringIn7Days:  decimal.Zero,
		ExpiringIn30Days: decimal.Zero,
		LastUpdated:      now,
	}

	for _, e := range entries {
		switch {
		case e.IsGrant():
			snap.Earned = snap.Earned.Add(e.Amount)
		case e.Kind == KindUse:
			snap.Used = snap.Used.Add(e.Amount.Abs())
		case e.Kind == KindExpire:
			snap.Expired = snap.Expired.Add(e.Amount.Abs())
		case e.Kind == KindAdjust:
			snap.Adjusted = snap.Adjusted.Add(e.Amount.Abs())
		}
	}

	in7 := now.AddDate(0, 0, 7)
	in30 := now.AddDate(0, 0, 30)
	for _, a := range AvailableGrants(entries, now) {
		snap.TotalBalance = snap.TotalBalance.Add(a.Available)
		if a.Entry.ExpiryDate == nil {
			continue
		}
		if !a.Entry.ExpiryDate.After(in7) {
			snap.ExpiringIn7Days = snap.ExpiringIn7Days.Add(a.Available)
		}
		if !a.Entry.ExpiryDate.After(in30) {
			snap.ExpiringIn30Days = snap.ExpiringIn30Days.Add(a.Available)
		}
	}
	return snap
}

func fifoLess(a, b Entry) bool {
	if !a.EarnedDate.Equal(b.EarnedDate) {
		return a.EarnedDate.Before(b.EarnedDate)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func sortEntries(entries []Entry, key func(Entry) time.Time) {
	sort.SliceStable(entries, func(i, j int) bool {
		ki, kj := key(entries[i]), key(entries[j])
		if !ki.Equal(kj) {
			return ki.Before(kj)
		}
		return entries[i].ID < entries[j].ID
	})
}

// =============================================================================
// BALANCE CACHE
// =============================================================================

// BalanceCache maintains the per-account BalanceSnapshot.
type BalanceCache struct {
	Ledger    *Ledger
	Snapshots SnapshotStore
	Clock     Clock
	MaxAge    time.Duration
	Logger    *zap.Logger
}

func NewBalanceCache(ledger *Ledger, snapshots SnapshotStore, clock Clock, maxAge time.Duration, logger *zap.Logger) *BalanceCache {
	if maxAge <= 0 {
		maxAge = DefaultSnapshotMaxAge
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BalanceCache{
		Ledger:    ledger,
		Snapshots: snapshots,
		Clock:     orDefaultClock(clock),
		MaxAge:    maxAge,
		Logger:    logger,
	}
}

// Recompute folds all entries for the account and upserts the snapshot.
func (c *BalanceCache) Recompute(ctx context.Context, accountID AccountID) (BalanceSnapshot, error) {
	entries, err := c.Ledger.EntriesFor(ctx, accountID)
	if err != nil {
		return BalanceSnapshot{}, err
	}
	snap := Summarize(accountID, entries, c.Clock.Now())
	if err := c.Snapshots.SaveSnapshot(ctx, snap); err != nil {
		return BalanceSnapshot{}, err
	}
	metrics.BalanceRecomputes.Inc()
	return snap, nil
}

// Read returns the cached snapshot if fresh, recomputing it otherwise.
func (c *BalanceCache) Read(ctx context.Context, accountID AccountID) (BalanceSnapshot, error) {
	snap, err := c.Snapshots.Snapshot(ctx, accountID)
	if err != nil {
		// The cache is rebuildable; a broken read falls through to a recompute.
		c.Logger.Warn("balance snapshot read failed",
			zap.String("account_id", string(accountID)), zap.Error(err))
	}
	if snap != nil && snap.Fresh(c.Clock.Now(), c.MaxAge) {
		metrics.BalanceCacheHits.Inc()
		return *snap, nil
	}
	return c.Recompute(ctx, accountID)
}

// Refresh recomputes after a write. Failures are logged, not returned: the
// ledger write already happened and Read rebuilds the snapshot later.
func (c *BalanceCache) Refresh(ctx context.Context, accountID AccountID) *BalanceSnapshot {
	snap, err := c.Recompute(ctx, accountID)
	if err != nil {
		c.Logger.Warn("balance recompute after write failed",
			zap.String("account_id", string(accountID)), zap.Error(err))
		return nil
	}
	return &snap
}
