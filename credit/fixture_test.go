package credit_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-ledger/credit"
	"github.com/warp/loyalty-ledger/credit/store"
)

// =============================================================================
// TEST FIXTURE - Ledger wired to the in-memory store and a manual clock
// =============================================================================

var jan1 = time.Date(2025, time.January, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	ctx      context.Context
	store    *store.Memory
	clock    *credit.ManualClock
	ledger   *credit.Ledger
	cache    *credit.BalanceCache
	redeemer *credit.Redeemer
	sweeper  *credit.Sweeper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	clock := credit.NewManualClock(jan1)
	ledger := credit.NewLedger(mem, clock)
	cache := credit.NewBalanceCache(ledger, mem, clock, time.Hour, nil)
	return &fixture{
		ctx:      context.Background(),
		store:    mem,
		clock:    clock,
		ledger:   ledger,
		cache:    cache,
		redeemer: credit.NewRedeemer(ledger, cache, clock, nil),
		sweeper:  credit.NewSweeper(ledger, cache, clock, credit.NewAccountLocks(), 2, nil),
	}
}

func amt(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

// grant appends an earn entry and returns it.
func (f *fixture) grant(t *testing.T, account credit.AccountID, amount int64, earned time.Time, expiryDays int) credit.Entry {
	t.Helper()
	e := credit.Entry{
		ID:         credit.NewEntryID(),
		AccountID:  account,
		Amount:     amt(amount),
		Kind:       credit.KindEarn,
		EarnedDate: earned,
		ExpiryDate: credit.DaysFrom(earned, expiryDays),
		Source:     credit.SourceOrderSurplus,
	}
	require.NoError(t, f.ledger.Append(f.ctx, e))
	return e
}

func (f *fixture) entries(t *testing.T, account credit.AccountID) []credit.Entry {
	t.Helper()
	es, err := f.ledger.EntriesFor(f.ctx, account)
	require.NoError(t, err)
	return es
}

func (f *fixture) balance(t *testing.T, account credit.AccountID) decimal.Decimal {
	t.Helper()
	return credit.TotalAvailable(f.entries(t, account), f.clock.Now())
}

func byKind(es []credit.Entry, kind credit.EntryKind) []credit.Entry {
	var out []credit.Entry
	for _, e := range es {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
