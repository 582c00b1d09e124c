/*
coordinator.go - Purchase saga

PURPOSE:
  Orders, payments, ledger entries and fulfillments live in separate
  collections and the store only guarantees atomicity within one. A
  purchase is therefore a saga: a fixed sequence of independent writes.

STEPS:
  1. compute_totals       directory + catalog lookups, allocation,
                          credit pre-check, fulfillment records built
  2. create_order         status from unpaid amount
  3. record_payments      one PaymentRecord per nonzero cash/card/transfer
  4. redeem_credit        FIFO redemption (if credit requested)
  5. convert_surplus      surplus + bonus earn entries (if surplus)
  6. create_fulfillments  one record per tracked line item
  7. link_surplus         best effort: surplus entry -> fulfillment ids

FAILURE MODEL:
  Everything that can be validated is validated in step 1, before any
  write. A failure in steps 3-6 leaves earlier writes in place and returns
  a *SettlementError naming the completed steps: the order is recorded
  but settlement is incomplete and needs reconciliation. Step 7 failures
  are logged and never fail the purchase. Nothing is rolled back.

CONCURRENCY:
  No locks. Callers serialize purchases per account (credit.AccountLocks).
*/
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/loyalty-ledger/credit"
	"github.com/warp/loyalty-ledger/fulfillment"
	"github.com/warp/loyalty-ledger/metrics"
	"github.com/warp/loyalty-ledger/settlement"
)

// =============================================================================
// SAGA STEPS AND ERRORS
// =============================================================================

type Step string

const (
	StepTotals       Step = "compute_totals"
	StepOrder        Step = "create_order"
	StepPayments     Step = "record_payments"
	StepRedeem       Step = "redeem_credit"
	StepUpdateOrder  Step = "update_order"
	StepFulfillments Step = "create_fulfillments"
	StepSurplus      Step = "convert_surplus"
	StepLink         Step = "link_surplus"
)

// SettlementError reports a saga that stopped after writing something.
type SettlementError struct {
	OrderID   string
	Completed []Step
	Failed    Step
	Err       error
}

func (e *SettlementError) Error() string {
	done := make([]string, len(e.Completed))
	for i, s := range e.Completed {
		done[i] = string(s)
	}
	return fmt.Sprintf("order %s recorded, settlement incomplete: %s failed after [%s]: %v",
		e.OrderID, e.Failed, strings.Join(done, ", "), e.Err)
}

func (e *SettlementError) Unwrap() error { return e.Err }

// saga tracks progress for error reporting and logs.
type saga struct {
	logger    *zap.Logger
	orderID   string
	accountID credit.AccountID
	completed []Step
}

func (s *saga) done(step Step) {
	s.completed = append(s.completed, step)
	s.logger.Debug("saga step completed",
		zap.String("order_id", s.orderID), zap.String("step", string(step)))
}

func (s *saga) fail(step Step, err error) error {
	completed := append([]Step(nil), s.completed...)
	names := make([]string, len(completed))
	for i, c := range completed {
		names[i] = string(c)
	}
	s.logger.Error("settlement incomplete",
		zap.String("order_id", s.orderID),
		zap.String("account_id", string(s.accountID)),
		zap.String("step", string(step)),
		zap.Strings("completed_steps", names),
		zap.Error(err))
	metrics.SettlementFailures.WithLabelValues(string(step)).Inc()
	return &SettlementError{OrderID: s.orderID, Completed: completed, Failed: step, Err: err}
}

// =============================================================================
// COORDINATOR
// =============================================================================

// Deps wires a Coordinator.
type Deps struct {
	Orders       Store
	Fulfillments fulfillment.Store
	Ledger       *credit.Ledger
	Cache        *credit.BalanceCache
	Redeemer     *credit.Redeemer
	Converter    *settlement.Converter
	Directory    AccountDirectory
	Catalog      CatalogLookup
	Clock        credit.Clock
	Logger       *zap.Logger
}

type Coordinator struct {
	Deps
}

func NewCoordinator(d Deps) *Coordinator {
	if d.Clock == nil {
		d.Clock = credit.SystemClock{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Coordinator{Deps: d}
}

// PurchaseItem is one requested line. Price overrides the catalog price
// when set (discounts applied upstream). Schedule only applies to
// date-range items.
type PurchaseItem struct {
	RefID    string
	Price    *decimal.Decimal
	Schedule fulfillment.Schedule
}

type PurchaseRequest struct {
	AccountID credit.AccountID
	Items     []PurchaseItem
	Tenders   settlement.Tenders
}

type PurchaseResult struct {
	Order        Order
	Payments     []PaymentRecord
	CreditUsed   []credit.Entry
	Conversion   *settlement.Conversion
	Fulfillments []fulfillment.Record
}

// Purchase runs the purchase saga.
func (c *Coordinator) Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: purchase has no items", credit.ErrInvalidEntry)
	}
	now := c.Clock.Now()
	orderID := uuid.NewString()
	s := &saga{logger: c.Logger, orderID: orderID, accountID: req.AccountID}

	// -------------------------------------------------------------------------
	// Step 1: totals, validation, pre-checks. No writes.
	// -------------------------------------------------------------------------
	acct, err := c.Directory.Account(ctx, req.AccountID)
	if err != nil {
		return nil, lookupErr("account "+string(req.AccountID), err)
	}

	defs := make([]fulfillment.Definition, len(req.Items))
	lines := make([]settlement.LineItem, len(req.Items))
	for i, item := range req.Items {
		def, err := c.Catalog.Definition(ctx, item.RefID)
		if err != nil {
			return nil, lookupErr("catalog item "+item.RefID, err)
		}
		price := def.Price
		if item.Price != nil {
			price = *item.Price
		}
		defs[i] = def
		lines[i] = settlement.LineItem{RefID: def.RefID, Name: def.Name, Price: price}
	}

	alloc, err := settlement.Allocate(lines, req.Tenders)
	if err != nil {
		return nil, err
	}

	if req.Tenders.Credit.IsPositive() {
		if _, err := c.Redeemer.Plan(ctx, c.redeemRequest(req.AccountID, req.Tenders.Credit, orderID)); err != nil {
			if credit.IsClientError(err) {
				metrics.RedemptionsRejected.Inc()
			}
			return nil, err
		}
	}

	var records []fulfillment.Record
	for i, split := range alloc.Items {
		if !defs[i].Tracked() {
			continue
		}
		def := defs[i]
		def.Price = split.Price
		rec, err := fulfillment.NewRecord(uuid.NewString(), orderID, req.AccountID, i, def,
			split.Paid, split.Unpaid, req.Items[i].Schedule, now)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	order := Order{
		ID:           orderID,
		AccountID:    req.AccountID,
		AccountName:  acct.Name,
		TotalAmount:  alloc.Total,
		PaidAmount:   alloc.Paid(),
		UnpaidAmount: alloc.Unpaid,
		CreditUsed:   req.Tenders.Credit,
		CreditEarned: decimal.Zero,
		Status:       statusFor(alloc.Paid(), alloc.Unpaid),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if alloc.Surplus.IsPositive() {
		order.CreditEarned = alloc.Surplus.Add(c.Converter.Bonus.Bonus(alloc.Surplus))
	}
	for _, split := range alloc.Items {
		order.Lines = append(order.Lines, OrderLine{
			RefID:     split.RefID,
			Name:      split.Name,
			UnitPrice: split.Price,
			Paid:      split.Paid,
			Unpaid:    split.Unpaid,
		})
	}
	s.done(StepTotals)

	// -------------------------------------------------------------------------
	// Step 2: order. Nothing written before this, so a failure is plain.
	// -------------------------------------------------------------------------
	if err := c.Orders.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	s.done(StepOrder)
	result := &PurchaseResult{Order: order}

	// Step 3: payments
	payments, err := c.recordPayments(ctx, orderID, req.Tenders)
	result.Payments = payments
	if err != nil {
		return result, s.fail(StepPayments, err)
	}
	s.done(StepPayments)

	// Step 4: credit
	if req.Tenders.Credit.IsPositive() {
		red, err := c.Redeemer.Redeem(ctx, c.redeemRequest(req.AccountID, req.Tenders.Credit, orderID))
		if err != nil {
			return result, s.fail(StepRedeem, err)
		}
		result.CreditUsed = red.Entries
		s.done(StepRedeem)
	}

	// Step 5: surplus
	if alloc.Surplus.IsPositive() {
		conv, err := c.Converter.Convert(ctx, req.AccountID, alloc.Surplus, orderID)
		if err != nil {
			return result, s.fail(StepSurplus, err)
		}
		result.Conversion = conv
		s.done(StepSurplus)
	}

	// Step 6: fulfillments
	for _, rec := range records {
		if err := c.Fulfillments.CreateFulfillment(ctx, rec); err != nil {
			return result, s.fail(StepFulfillments, fmt.Errorf("fulfillment for %s: %w", rec.RefID, err))
		}
		result.Fulfillments = append(result.Fulfillments, rec)
	}
	s.done(StepFulfillments)

	// Step 7: audit link
	if result.Conversion != nil && len(result.Fulfillments) > 0 {
		c.linkSurplus(ctx, s, result.Conversion, result.Fulfillments)
	}

	metrics.Purchases.WithLabelValues(string(order.Status)).Inc()
	c.Logger.Info("purchase recorded",
		zap.String("order_id", orderID),
		zap.String("account_id", string(req.AccountID)),
		zap.String("status", string(order.Status)),
		zap.String("total", order.TotalAmount.String()),
		zap.String("unpaid", order.UnpaidAmount.String()))
	return result, nil
}

func (c *Coordinator) redeemRequest(accountID credit.AccountID, amount decimal.Decimal, orderID string) credit.RedeemRequest {
	return credit.RedeemRequest{
		AccountID:      accountID,
		Amount:         amount,
		RelatedOrderID: orderID,
		Source:         credit.SourceRedemption,
	}
}

func (c *Coordinator) recordPayments(ctx context.Context, orderID string, tenders settlement.Tenders) ([]PaymentRecord, error) {
	var out []PaymentRecord
	now := c.Clock.Now()
	for _, t := range tenders.Payments() {
		p := PaymentRecord{
			ID:         uuid.NewString(),
			OrderID:    orderID,
			TenderType: t.Type,
			Amount:     t.Amount,
			Status:     PaymentCompleted,
			CreatedAt:  now,
		}
		if err := c.Orders.CreatePayment(ctx, p); err != nil {
			return out, fmt.Errorf("%s payment: %w", t.Type, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// linkSurplus back-fills the surplus entry's references to fulfillments.
func (c *Coordinator) linkSurplus(ctx context.Context, s *saga, conv *settlement.Conversion, recs []fulfillment.Record) {
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	if err := c.Ledger.Link(ctx, conv.Base.ID, ids); err != nil {
		c.Logger.Warn("surplus link back-fill failed",
			zap.String("order_id", s.orderID),
			zap.String("entry_id", string(conv.Base.ID)),
			zap.Error(err))
		return
	}
	s.done(StepLink)
}

// lookupErr classifies a collaborator failure. Missing records stay
// not-found; anything else means the collaborator is unavailable.
func lookupErr(what string, err error) error {
	if credit.IsNotFound(err) {
		return err
	}
	if errors.Is(err, credit.ErrDependencyUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", credit.ErrDependencyUnavailable, what, err)
}
