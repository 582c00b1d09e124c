package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-ledger/checkout"
	"github.com/warp/loyalty-ledger/credit"
	"github.com/warp/loyalty-ledger/fulfillment"
	"github.com/warp/loyalty-ledger/settlement"
	"github.com/warp/loyalty-ledger/store/sqlite"
)

var t0 = time.Date(2025, time.May, 10, 12, 30, 0, 123456789, time.UTC)

func amt(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func grant(id credit.EntryID, account credit.AccountID, amount int64, expiry *time.Time) credit.Entry {
	return credit.Entry{
		ID:         id,
		AccountID:  account,
		Amount:     amt(amount),
		Kind:       credit.KindEarn,
		EarnedDate: t0,
		ExpiryDate: expiry,
		Source:     credit.SourceOrderSurplus,
		CreatedAt:  t0,
	}
}

// =============================================================================
// LEDGER
// =============================================================================

func TestLedger_AppendAndLoad(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	expiry := t0.AddDate(0, 0, 30)

	g := grant("e1", "acct-1", 150_000, &expiry)
	g.RelatedOrderID = "ord-1"
	require.NoError(t, s.Append(ctx, g))

	got, err := s.Entry(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, g.ID, got.ID)
	assert.True(t, got.Amount.Equal(g.Amount))
	assert.True(t, got.EarnedDate.Equal(t0), "nanoseconds survive the round trip")
	require.NotNil(t, got.ExpiryDate)
	assert.True(t, got.ExpiryDate.Equal(expiry))
	assert.Equal(t, "ord-1", got.RelatedOrderID)
	assert.Empty(t, got.OriginalEntryID)
	assert.False(t, got.IsExpired)

	assert.ErrorIs(t, s.Append(ctx, g), credit.ErrDuplicateEntry)

	_, err = s.Entry(ctx, "missing")
	assert.True(t, credit.IsNotFound(err))
}

func TestLedger_AppendBatchRollsBack(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, grant("e1", "acct-1", 100, nil)))

	err := s.AppendBatch(ctx, []credit.Entry{
		grant("e2", "acct-1", 100, nil),
		grant("e1", "acct-1", 100, nil),
	})
	assert.ErrorIs(t, err, credit.ErrDuplicateEntry)

	entries, err := s.Entries(ctx, "acct-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLedger_MarkExpiredAndLapsedAccounts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	soon := t0.AddDate(0, 0, 5)
	later := t0.AddDate(0, 0, 60)

	require.NoError(t, s.Append(ctx, grant("a1", "acct-1", 100, &soon)))
	require.NoError(t, s.Append(ctx, grant("b1", "acct-2", 100, &later)))
	require.NoError(t, s.Append(ctx, grant("c1", "acct-3", 100, nil)))

	lapsed, err := s.LapsedAccounts(ctx, t0.AddDate(0, 0, 10))
	require.NoError(t, err)
	assert.Equal(t, []credit.AccountID{"acct-1"}, lapsed)

	require.NoError(t, s.MarkExpired(ctx, "a1"))
	require.NoError(t, s.MarkExpired(ctx, "a1"))

	lapsed, err = s.LapsedAccounts(ctx, t0.AddDate(0, 0, 10))
	require.NoError(t, err)
	assert.Empty(t, lapsed)

	assert.True(t, credit.IsNotFound(s.MarkExpired(ctx, "missing")))
}

func TestLedger_Links(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, grant("e1", "acct-1", 100, nil)))

	require.NoError(t, s.Link(ctx, "e1", []string{"ful-1", "ful-2"}))
	require.NoError(t, s.Link(ctx, "e1", []string{"ful-2"}))

	links, err := s.Links(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ful-1", "ful-2"}, links)
}

func TestLedger_WorksUnderCreditLedger(t *testing.T) {
	// GIVEN: The SQLite store behind the credit ledger
	// WHEN: Redeem 150 across two grants
	// THEN: Same FIFO result as the in-memory store

	s := newStore(t)
	ctx := context.Background()
	clock := credit.NewManualClock(t0)
	ledger := credit.NewLedger(s, clock)
	cache := credit.NewBalanceCache(ledger, s, clock, time.Hour, nil)
	redeemer := credit.NewRedeemer(ledger, cache, clock, nil)

	e1 := grant("e1", "acct-1", 100, nil)
	e2 := grant("e2", "acct-1", 100, nil)
	e2.EarnedDate = t0.AddDate(0, 1, 0)
	require.NoError(t, ledger.AppendBatch(ctx, []credit.Entry{e2, e1}))

	res, err := redeemer.Redeem(ctx, credit.RedeemRequest{AccountID: "acct-1", Amount: amt(150)})
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, credit.EntryID("e1"), res.Entries[0].OriginalEntryID)
	assert.Equal(t, credit.EntryID("e2"), res.Entries[1].OriginalEntryID)

	snap, err := s.Snapshot(ctx, "acct-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.True(t, snap.TotalBalance.Equal(amt(50)))
	assert.True(t, snap.Used.Equal(amt(150)))
}

func TestSnapshot_MissingIsNil(t *testing.T) {
	s := newStore(t)
	snap, err := s.Snapshot(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

// =============================================================================
// ORDERS AND PAYMENTS
// =============================================================================

func TestOrders_CreateUpdateLoad(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	o := checkout.Order{
		ID:          "ord-1",
		AccountID:   "acct-1",
		AccountName: "Dewi",
		Lines: []checkout.OrderLine{
			{RefID: "pkg-a", Name: "A", UnitPrice: amt(600), Paid: amt(600), Unpaid: amt(0)},
			{RefID: "pkg-b", Name: "B", UnitPrice: amt(400), Paid: amt(100), Unpaid: amt(300)},
		},
		TotalAmount:  amt(1000),
		PaidAmount:   amt(700),
		UnpaidAmount: amt(300),
		CreditUsed:   amt(0),
		CreditEarned: amt(0),
		Status:       checkout.OrderPartiallyPaid,
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}
	require.NoError(t, s.CreateOrder(ctx, o))

	o.Lines[1].Paid = amt(400)
	o.Lines[1].Unpaid = amt(0)
	o.PaidAmount = amt(1000)
	o.UnpaidAmount = amt(0)
	o.Status = checkout.OrderCompleted
	require.NoError(t, s.UpdateOrder(ctx, o))

	got, err := s.Order(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, checkout.OrderCompleted, got.Status)
	assert.Equal(t, "Dewi", got.AccountName)
	require.Len(t, got.Lines, 2)
	assert.True(t, got.Lines[1].Paid.Equal(amt(400)))
	assert.True(t, got.UnpaidAmount.IsZero())

	byAccount, err := s.OrdersByAccount(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, byAccount, 1)
	assert.Len(t, byAccount[0].Lines, 2)

	_, err = s.Order(ctx, "missing")
	assert.True(t, credit.IsNotFound(err))
}

func TestPayments_ByOrder(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateOrder(ctx, checkout.Order{
		ID: "ord-1", AccountID: "acct-1", Status: checkout.OrderCompleted,
		CreatedAt: t0, UpdatedAt: t0,
	}))

	for _, p := range []checkout.PaymentRecord{
		{ID: "p1", OrderID: "ord-1", TenderType: settlement.TenderCash, Amount: amt(500), Status: checkout.PaymentCompleted, CreatedAt: t0},
		{ID: "p2", OrderID: "ord-1", TenderType: settlement.TenderCard, Amount: amt(200), Status: checkout.PaymentCompleted, CreatedAt: t0},
	} {
		require.NoError(t, s.CreatePayment(ctx, p))
	}

	payments, err := s.PaymentsByOrder(ctx, "ord-1")
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, settlement.TenderCash, payments[0].TenderType)
	assert.True(t, payments[1].Amount.Equal(amt(200)))
}

// =============================================================================
// FULFILLMENTS
// =============================================================================

func TestFulfillments_RoundTripAndQueries(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	end := t0.AddDate(0, 0, 30)

	r := fulfillment.Record{
		ID: "ful-1", OrderID: "ord-1", AccountID: "acct-1", LineNo: 0,
		RefID: "gym-30", Name: "Gym", Billing: fulfillment.BillingDateRange,
		PaidAmount: amt(500), UnpaidAmount: amt(0), Status: fulfillment.StatusActive,
		StartDate: t0, EndDate: &end, CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, s.CreateFulfillment(ctx, r))

	require.NoError(t, r.StartHold(t0.AddDate(0, 0, 1)))
	require.NoError(t, s.UpdateFulfillment(ctx, r))

	got, err := s.Fulfillment(ctx, "ful-1")
	require.NoError(t, err)
	assert.Equal(t, fulfillment.StatusHold, got.Status)
	require.NotNil(t, got.HoldStartedAt)
	assert.True(t, got.HoldStartedAt.Equal(t0.AddDate(0, 0, 1)))
	assert.True(t, got.EndDate.Equal(end))

	held, err := s.FulfillmentsByStatus(ctx, fulfillment.StatusHold)
	require.NoError(t, err)
	assert.Len(t, held, 1)

	byOrder, err := s.FulfillmentsByOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Len(t, byOrder, 1)

	byAccount, err := s.FulfillmentsByAccount(ctx, "acct-2")
	require.NoError(t, err)
	assert.Empty(t, byAccount)

	_, err = s.Fulfillment(ctx, "missing")
	assert.True(t, credit.IsNotFound(err))
}

// =============================================================================
// SWEEP RUNS
// =============================================================================

func TestSweepRuns_SaveAndList(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	run := credit.SweepRun{ID: "run-1", Trigger: "manual", Status: credit.SweepRunning, StartedAt: t0, ExpiredAmount: decimal.Zero}
	require.NoError(t, s.SaveSweepRun(ctx, run))

	done := t0.Add(time.Second)
	run.Status = credit.SweepCompleted
	run.CompletedAt = &done
	run.Accounts = 2
	run.ExpiredEntries = 3
	run.ExpiredAmount = amt(4500)
	require.NoError(t, s.SaveSweepRun(ctx, run))

	require.NoError(t, s.SaveSweepRun(ctx, credit.SweepRun{
		ID: "run-2", Trigger: "schedule", Status: credit.SweepRunning, StartedAt: t0.Add(time.Hour), ExpiredAmount: decimal.Zero,
	}))

	runs, err := s.SweepRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Equal(t, credit.SweepCompleted, runs[1].Status)
	assert.True(t, runs[1].ExpiredAmount.Equal(amt(4500)))
	require.NotNil(t, runs[1].CompletedAt)

	runs, err = s.SweepRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
