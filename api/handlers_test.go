/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Purchase, balance and order lookup over HTTP
- Error to status mapping
- Fulfillment lifecycle endpoints
- Adjustments, redemptions and the manual expiry sweep
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-ledger/checkout"
	"github.com/warp/loyalty-ledger/credit"
	"github.com/warp/loyalty-ledger/directory"
	"github.com/warp/loyalty-ledger/fulfillment"
	"github.com/warp/loyalty-ledger/settlement"
	"github.com/warp/loyalty-ledger/store/sqlite"
)

var testNow = time.Date(2025, time.April, 1, 9, 0, 0, 0, time.UTC)

type testServer struct {
	router http.Handler
	clock  *credit.ManualClock
	store  *sqlite.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := credit.NewManualClock(testNow)
	locks := credit.NewAccountLocks()
	ledger := credit.NewLedger(store, clock)
	cache := credit.NewBalanceCache(ledger, store, clock, time.Hour, nil)
	redeemer := credit.NewRedeemer(ledger, cache, clock, nil)
	dir := directory.NewStatic(
		[]checkout.Account{{ID: "acct-1", Name: "Dewi"}},
		[]fulfillment.Definition{
			{RefID: "gym-30", Name: "Gym", Price: decimal.NewFromInt(900_000), Billing: fulfillment.BillingDateRange, DurationDays: 30},
			{RefID: "yoga-10", Name: "Yoga", Price: decimal.NewFromInt(400_000), Billing: fulfillment.BillingSessions, SessionCount: 10},
		},
	)
	coord := checkout.NewCoordinator(checkout.Deps{
		Orders:       store,
		Fulfillments: store,
		Ledger:       ledger,
		Cache:        cache,
		Redeemer:     redeemer,
		Converter: settlement.NewConverter(ledger, cache, clock,
			settlement.DefaultBonusPolicy(), settlement.ExpiryPolicy{BaseDays: 365, BonusDays: 90}, nil),
		Directory: dir,
		Catalog:   dir,
		Clock:     clock,
	})
	sweeper := credit.NewSweeper(ledger, cache, clock, locks, 2, nil)
	scheduler := NewExpiryScheduler(sweeper, store, nil)

	h := NewHandler(coord, fulfillment.NewService(store, clock, nil), redeemer, locks, scheduler, store, nil)
	return &testServer{router: NewRouter(h, nil), clock: clock, store: store}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func purchaseBody(ref string, cash, creditAmt int64) map[string]any {
	return map[string]any{
		"account_id": "acct-1",
		"items":      []map[string]any{{"ref_id": ref}},
		"tenders": map[string]any{
			"cash":   fmt.Sprint(cash),
			"credit": fmt.Sprint(creditAmt),
		},
	}
}

// =============================================================================
// PURCHASE
// =============================================================================

func TestPurchase_CreditsSurplusOverHTTP(t *testing.T) {
	// GIVEN: A 900k membership
	// WHEN: Paid with 2M cash over HTTP
	// THEN: 201, surplus and bonus entries returned, balance reflects them

	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/purchases", purchaseBody("gym-30", 2_000_000, 0))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	res := decode[SettlementDTO](t, rec)
	assert.Equal(t, "completed", res.Order.Status)
	assert.True(t, res.Order.CreditEarned.Equal(decimal.NewFromInt(1_200_000)))
	require.Len(t, res.CreditEarned, 2)
	assert.Equal(t, credit.SourceOrderSurplus, res.CreditEarned[0].Source)
	assert.Equal(t, credit.SourceBonus, res.CreditEarned[1].Source)
	require.Len(t, res.Fulfillments, 1)
	assert.Equal(t, "active", res.Fulfillments[0].Status)

	rec = s.do(t, http.MethodGet, "/api/accounts/acct-1/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bal := decode[BalanceDTO](t, rec)
	assert.True(t, bal.TotalBalance.Equal(decimal.NewFromInt(1_200_000)))
	assert.Contains(t, rec.Body.String(), `"total_balance":"1200000"`, "amounts travel as strings")

	rec = s.do(t, http.MethodGet, "/api/orders/"+res.Order.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/accounts/acct-1/ledger", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ledger := decode[map[string][]EntryDTO](t, rec)
	assert.Len(t, ledger["entries"], 2)
}

func TestPurchase_ErrorStatuses(t *testing.T) {
	tests := []struct {
		name string
		body any
		want int
	}{
		{"insufficient credit", purchaseBody("yoga-10", 0, 400_000), http.StatusUnprocessableEntity},
		{"unknown item", purchaseBody("spa", 100, 0), http.StatusNotFound},
		{"negative tender", purchaseBody("yoga-10", -5, 0), http.StatusBadRequest},
		{"missing account", map[string]any{"items": []map[string]any{{"ref_id": "gym-30"}}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			rec := s.do(t, http.MethodPost, "/api/purchases", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestPurchase_MalformedBody(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/purchases", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettleOrder(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/purchases", purchaseBody("yoga-10", 100_000, 0))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	order := decode[SettlementDTO](t, rec).Order
	assert.Equal(t, "partially_paid", order.Status)

	rec = s.do(t, http.MethodPost, "/api/orders/"+order.ID+"/settle",
		map[string]any{"tenders": map[string]any{"card": "300000"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	settled := decode[SettlementDTO](t, rec)
	assert.Equal(t, "completed", settled.Order.Status)
	assert.Equal(t, "active", settled.Fulfillments[0].Status)

	rec = s.do(t, http.MethodPost, "/api/orders/"+order.ID+"/settle",
		map[string]any{"tenders": map[string]any{"card": "1"}})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/orders/missing/settle",
		map[string]any{"tenders": map[string]any{"card": "1"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// FULFILLMENTS
// =============================================================================

func TestFulfillmentLifecycle(t *testing.T) {
	// GIVEN: An active membership
	// WHEN: Held, extended while held, resumed
	// THEN: Extend while held is a conflict, resume pushes the end date

	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/purchases", purchaseBody("gym-30", 900_000, 0))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	f := decode[SettlementDTO](t, rec).Fulfillments[0]
	base := "/api/fulfillments/" + f.ID

	rec = s.do(t, http.MethodPost, base+"/hold", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "hold", decode[FulfillmentDTO](t, rec).Status)

	rec = s.do(t, http.MethodPost, base+"/extend", ExtendRequest{Days: 5})
	assert.Equal(t, http.StatusConflict, rec.Code)

	s.clock.AddDays(4)
	rec = s.do(t, http.MethodPost, base+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resumed := decode[FulfillmentDTO](t, rec)
	assert.True(t, resumed.EndDate.Equal(testNow.AddDate(0, 0, 34)))

	rec = s.do(t, http.MethodPost, base+"/sessions", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "date-range items have no sessions")

	rec = s.do(t, http.MethodGet, "/api/fulfillments?status=active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]FulfillmentDTO](t, rec)["fulfillments"], 1)

	rec = s.do(t, http.MethodPost, base+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decode[FulfillmentDTO](t, rec).Status)

	rec = s.do(t, http.MethodGet, "/api/accounts/acct-1/fulfillments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestListFulfillments_RequiresValidStatus(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/fulfillments", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/fulfillments?status=paused", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/fulfillments/missing/hold", nil).Code)
}

// =============================================================================
// ADJUSTMENTS, REDEMPTIONS, SWEEPS
// =============================================================================

func TestAdjustRedeemAndSweep(t *testing.T) {
	// GIVEN: Two manual grants, one expiring tomorrow
	// WHEN: Part is redeemed, a grant is corrected, time passes, a sweep runs
	// THEN: Only the unused remainder of the lapsed grant expires

	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/accounts/acct-1/adjustments",
		map[string]any{"amount": "100", "expiry_days": 1, "reason": "goodwill"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	short := decode[EntryDTO](t, rec)
	require.NotNil(t, short.ExpiryDate)

	s.clock.Advance(time.Minute)

	rec = s.do(t, http.MethodPost, "/api/accounts/acct-1/adjustments", map[string]any{"amount": "300"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	long := decode[EntryDTO](t, rec)
	assert.Nil(t, long.ExpiryDate)

	rec = s.do(t, http.MethodPost, "/api/accounts/acct-1/adjustments",
		map[string]any{"amount": "-50", "original_entry_id": long.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/accounts/acct-1/adjustments",
		map[string]any{"amount": "-500", "original_entry_id": long.ID})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "cannot draw more than the grant holds")

	rec = s.do(t, http.MethodPost, "/api/accounts/acct-1/redemptions", RedeemRequest{Amount: decimal.NewFromInt(40)})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	red := decode[RedemptionDTO](t, rec)
	require.Len(t, red.Entries, 1)
	assert.Equal(t, short.ID, red.Entries[0].OriginalEntryID, "earliest grant first")
	assert.True(t, red.Balance.TotalBalance.Equal(decimal.NewFromInt(310)))

	rec = s.do(t, http.MethodPost, "/api/accounts/acct-1/redemptions", RedeemRequest{Amount: decimal.NewFromInt(1000)})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	s.clock.AddDays(2)
	rec = s.do(t, http.MethodPost, "/api/admin/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decode[SweepRunDTO](t, rec)
	assert.Equal(t, credit.SweepCompleted, run.Status)
	assert.Equal(t, TriggerManual, run.Trigger)
	assert.Equal(t, 1, run.ExpiredEntries)
	assert.True(t, run.ExpiredAmount.Equal(decimal.NewFromInt(60)))

	rec = s.do(t, http.MethodGet, "/api/accounts/acct-1/balance", nil)
	assert.True(t, decode[BalanceDTO](t, rec).TotalBalance.Equal(decimal.NewFromInt(250)))

	rec = s.do(t, http.MethodGet, "/api/admin/sweeps?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]SweepRunDTO](t, rec)["runs"], 1)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/admin/sweeps?limit=x", nil).Code)
}

func TestRedeem_AgainstOrder(t *testing.T) {
	// GIVEN: 1.2M credit from a completed purchase and a partially paid order
	// WHEN: Credit is redeemed against each order, and against a missing one
	// THEN: Only the open order accepts it; rejections write nothing

	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/purchases", purchaseBody("gym-30", 2_000_000, 0))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	completed := decode[SettlementDTO](t, rec).Order
	require.Equal(t, "completed", completed.Status)

	rec = s.do(t, http.MethodPost, "/api/purchases", purchaseBody("yoga-10", 100_000, 0))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	open := decode[SettlementDTO](t, rec).Order
	require.Equal(t, "partially_paid", open.Status)

	rec = s.do(t, http.MethodPost, "/api/accounts/acct-1/redemptions",
		RedeemRequest{Amount: decimal.NewFromInt(1000), OrderID: completed.ID})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/accounts/acct-1/redemptions",
		RedeemRequest{Amount: decimal.NewFromInt(1000), OrderID: "no-such-order"})
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/accounts/acct-2/redemptions",
		RedeemRequest{Amount: decimal.NewFromInt(1000), OrderID: open.ID})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "order belongs to acct-1")

	rec = s.do(t, http.MethodGet, "/api/accounts/acct-1/balance", nil)
	assert.True(t, decode[BalanceDTO](t, rec).TotalBalance.Equal(decimal.NewFromInt(1_200_000)), "nothing redeemed")

	rec = s.do(t, http.MethodPost, "/api/accounts/acct-1/redemptions",
		RedeemRequest{Amount: decimal.NewFromInt(1000), OrderID: open.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	red := decode[RedemptionDTO](t, rec)
	require.Len(t, red.Entries, 1)
	assert.Equal(t, open.ID, red.Entries[0].RelatedOrderID)
	assert.True(t, red.Balance.TotalBalance.Equal(decimal.NewFromInt(1_199_000)))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{credit.NotFound("order", "x"), http.StatusNotFound},
		{&credit.InsufficientCreditError{AccountID: "a"}, http.StatusUnprocessableEntity},
		{fmt.Errorf("wrap: %w", credit.ErrInvalidAmount), http.StatusBadRequest},
		{credit.ErrInvalidEntry, http.StatusBadRequest},
		{&credit.TransitionError{Record: "fulfillment"}, http.StatusConflict},
		{credit.ErrDuplicateEntry, http.StatusConflict},
		{fmt.Errorf("%w: catalog", credit.ErrDependencyUnavailable), http.StatusFailedDependency},
		{&checkout.SettlementError{OrderID: "o", Failed: checkout.StepPayments, Err: credit.ErrInvalidEntry}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestWriteDomainError_SettlementIncomplete(t *testing.T) {
	h := NewHandler(nil, nil, nil, nil, nil, nil, nil)
	rec := httptest.NewRecorder()

	h.writeDomainError(rec, "Purchase failed", &checkout.SettlementError{
		OrderID:   "ord-1",
		Completed: []checkout.Step{checkout.StepTotals, checkout.StepOrder},
		Failed:    checkout.StepPayments,
		Err:       errors.New("disk full"),
	})

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "ord-1", resp.OrderID)
	assert.Equal(t, "record_payments", resp.FailedStep)
	assert.Equal(t, []string{"compute_totals", "create_order"}, resp.CompletedSteps)
}

func TestScheduler_StartStop(t *testing.T) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer store.Close()

	clock := credit.NewManualClock(testNow)
	ledger := credit.NewLedger(store, clock)
	sweeper := credit.NewSweeper(ledger, nil, clock, nil, 1, nil)
	es := NewExpiryScheduler(sweeper, store, nil)
	es.CheckInterval = time.Hour

	es.Start()
	es.Stop()

	runs, err := store.SweepRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1, "one immediate run on start")
	assert.Equal(t, TriggerSchedule, runs[0].Trigger)
	assert.Equal(t, credit.SweepCompleted, runs[0].Status)
}

func TestScheduler_Restart(t *testing.T) {
	// GIVEN: A scheduler that was started and stopped
	// WHEN: It is started and stopped again
	// THEN: The second start runs a sweep and the second stop returns cleanly

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer store.Close()

	clock := credit.NewManualClock(testNow)
	sweeper := credit.NewSweeper(credit.NewLedger(store, clock), nil, clock, nil, 1, nil)
	es := NewExpiryScheduler(sweeper, store, nil)
	es.CheckInterval = time.Hour

	es.Start()
	es.Stop()
	clock.Advance(time.Minute)
	es.Start()
	require.NotPanics(t, es.Stop)
	require.NotPanics(t, es.Stop, "stop is idempotent")

	runs, err := store.SweepRuns(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2, "one immediate run per start")
}
