package settlement_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-ledger/credit"
	"github.com/warp/loyalty-ledger/credit/store"
	"github.com/warp/loyalty-ledger/settlement"
)

func amt(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

// =============================================================================
// ALLOCATION
// =============================================================================

func TestAllocate_GreedyInCallerOrder(t *testing.T) {
	// GIVEN: Items 600,000 then 400,000
	// WHEN: 700,000 is tendered
	// THEN: item 1 fully paid, item 2 paid 100,000 with 300,000 outstanding

	items := []settlement.LineItem{
		{RefID: "pkg-a", Price: amt(600_000)},
		{RefID: "pkg-b", Price: amt(400_000)},
	}
	a, err := settlement.Allocate(items, settlement.Tenders{Cash: amt(500_000), Card: amt(200_000)})
	require.NoError(t, err)

	assert.True(t, a.Total.Equal(amt(1_000_000)))
	assert.True(t, a.Unpaid.Equal(amt(300_000)))
	assert.True(t, a.Surplus.IsZero())
	require.Len(t, a.Items, 2)
	assert.True(t, a.Items[0].Paid.Equal(amt(600_000)))
	assert.True(t, a.Items[0].Unpaid.IsZero())
	assert.True(t, a.Items[1].Paid.Equal(amt(100_000)))
	assert.True(t, a.Items[1].Unpaid.Equal(amt(300_000)))
}

func TestAllocate_OrderDependent(t *testing.T) {
	items := []settlement.LineItem{
		{RefID: "pkg-b", Price: amt(400_000)},
		{RefID: "pkg-a", Price: amt(600_000)},
	}
	a, err := settlement.Allocate(items, settlement.Tenders{Cash: amt(700_000)})
	require.NoError(t, err)
	assert.True(t, a.Items[0].Paid.Equal(amt(400_000)))
	assert.True(t, a.Items[1].Paid.Equal(amt(300_000)))
}

func TestAllocate_Surplus(t *testing.T) {
	items := []settlement.LineItem{{RefID: "pkg-a", Price: amt(900_000)}}
	a, err := settlement.Allocate(items, settlement.Tenders{Cash: amt(2_000_000)})
	require.NoError(t, err)
	assert.True(t, a.Surplus.Equal(amt(1_100_000)))
	assert.True(t, a.Unpaid.IsZero())
	assert.True(t, a.Items[0].Paid.Equal(amt(900_000)))
}

func TestAllocate_CreditCountsAsTender(t *testing.T) {
	items := []settlement.LineItem{{RefID: "pkg-a", Price: amt(500)}}
	a, err := settlement.Allocate(items, settlement.Tenders{Cash: amt(300), Credit: amt(200)})
	require.NoError(t, err)
	assert.True(t, a.Unpaid.IsZero())
	assert.True(t, a.Paid().Equal(amt(500)))
}

func TestAllocate_RejectsNegativeTender(t *testing.T) {
	_, err := settlement.Allocate(nil, settlement.Tenders{Cash: amt(-1)})
	assert.ErrorIs(t, err, credit.ErrInvalidAmount)
}

func TestTenders_PaymentsSkipZero(t *testing.T) {
	p := settlement.Tenders{Cash: amt(10), Transfer: amt(5), Credit: amt(100)}.Payments()
	require.Len(t, p, 2)
	assert.Equal(t, settlement.TenderCash, p[0].Type)
	assert.Equal(t, settlement.TenderTransfer, p[1].Type)
}

func TestApplyPayment(t *testing.T) {
	added, left := settlement.ApplyPayment([]decimal.Decimal{amt(0), amt(300), amt(200)}, amt(400))
	assert.True(t, added[0].IsZero())
	assert.True(t, added[1].Equal(amt(300)))
	assert.True(t, added[2].Equal(amt(100)))
	assert.True(t, left.IsZero())

	_, left = settlement.ApplyPayment([]decimal.Decimal{amt(50)}, amt(80))
	assert.True(t, left.Equal(amt(30)))
}

// =============================================================================
// BONUS
// =============================================================================

func TestBonusPolicy_FloorPerThreshold(t *testing.T) {
	p := settlement.DefaultBonusPolicy()
	cases := []struct {
		surplus, bonus int64
	}{
		{999_999, 0},
		{1_000_000, 100_000},
		{1_100_000, 100_000},
		{2_999_999, 200_000},
		{3_000_000, 300_000},
	}
	for _, tc := range cases {
		got := p.Bonus(amt(tc.surplus))
		assert.True(t, got.Equal(amt(tc.bonus)), "surplus %d: got %s", tc.surplus, got)
	}
}

func TestBonusPolicy_FloorsHighPrecisionSurplus(t *testing.T) {
	p := settlement.DefaultBonusPolicy()
	cases := []struct {
		surplus, bonus string
	}{
		{"1999999.9999999999999", "100000"},
		{"999999.99999999999999999", "0"},
		{"2000000.0000000000001", "200000"},
	}
	for _, tc := range cases {
		got := p.Bonus(decimal.RequireFromString(tc.surplus))
		assert.True(t, got.Equal(decimal.RequireFromString(tc.bonus)), "surplus %s: got %s", tc.surplus, got)
	}
}

func TestBonusPolicy_Configurable(t *testing.T) {
	p := settlement.BonusPolicy{Threshold: amt(500), Rate: decimal.RequireFromString("0.2")}
	assert.True(t, p.Bonus(amt(1_200)).Equal(amt(200)))
}

// =============================================================================
// CONVERTER
// =============================================================================

func newConverter(clock credit.Clock) (*settlement.Converter, *credit.Ledger) {
	mem := store.NewMemory()
	ledger := credit.NewLedger(mem, clock)
	cache := credit.NewBalanceCache(ledger, mem, clock, time.Hour, nil)
	conv := settlement.NewConverter(ledger, cache, clock, settlement.DefaultBonusPolicy(),
		settlement.ExpiryPolicy{BaseDays: 365, BonusDays: 90}, nil)
	return conv, ledger
}

func TestConvert_SurplusWithBonus(t *testing.T) {
	// GIVEN: Surplus 1,100,000
	// THEN: earn 1,100,000 (order surplus) and a separate earn 100,000 (bonus)

	now := time.Date(2025, time.March, 1, 10, 0, 0, 0, time.UTC)
	conv, ledger := newConverter(credit.NewManualClock(now))
	ctx := context.Background()

	res, err := conv.Convert(ctx, "acct-1", amt(1_100_000), "ord-1")
	require.NoError(t, err)
	require.NotNil(t, res.Bonus)
	assert.True(t, res.Earned().Equal(amt(1_200_000)))

	entries, err := ledger.EntriesFor(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	bySource := map[string]credit.Entry{}
	for _, e := range entries {
		assert.Equal(t, credit.KindEarn, e.Kind)
		assert.Equal(t, "ord-1", e.RelatedOrderID)
		assert.True(t, e.EarnedDate.Equal(now))
		bySource[e.Source] = e
	}
	assert.True(t, bySource[credit.SourceOrderSurplus].Amount.Equal(amt(1_100_000)))
	assert.True(t, bySource[credit.SourceBonus].Amount.Equal(amt(100_000)))
	assert.True(t, bySource[credit.SourceOrderSurplus].ExpiryDate.Equal(now.AddDate(0, 0, 365)))
	assert.True(t, bySource[credit.SourceBonus].ExpiryDate.Equal(now.AddDate(0, 0, 90)))
}

func TestConvert_SmallSurplusNoBonus(t *testing.T) {
	conv, ledger := newConverter(credit.NewManualClock(time.Now()))
	ctx := context.Background()

	res, err := conv.Convert(ctx, "acct-1", amt(250_000), "ord-1")
	require.NoError(t, err)
	assert.Nil(t, res.Bonus)

	entries, err := ledger.EntriesFor(ctx, "acct-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestConvert_RejectsZeroSurplus(t *testing.T) {
	conv, _ := newConverter(nil)
	_, err := conv.Convert(context.Background(), "acct-1", decimal.Zero, "ord-1")
	assert.ErrorIs(t, err, credit.ErrInvalidAmount)
}
