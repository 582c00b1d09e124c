package checkout

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/loyalty-ledger/credit"
	"github.com/warp/loyalty-ledger/fulfillment"
	"github.com/warp/loyalty-ledger/metrics"
	"github.com/warp/loyalty-ledger/settlement"
)

type SettleResult struct {
	Order        Order
	Payments     []PaymentRecord
	CreditUsed   []credit.Entry
	Conversion   *settlement.Conversion
	Fulfillments []fulfillment.Record
}

// SettleOutstanding pays down an order's unpaid amount.
//
// The new payment is spread over the order's lines greedily in line order,
// the same way the purchase allocation does, and each tracked line's fulfillment
// record gets the same share. Anything tendered beyond the unpaid amount is
// converted to credit under the surplus rules. Completed orders are
// rejected. Status only moves forward.
func (c *Coordinator) SettleOutstanding(ctx context.Context, orderID string, tenders settlement.Tenders) (*SettleResult, error) {
	order, err := c.Orders.Order(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status == OrderCompleted {
		return nil, &credit.TransitionError{Record: "order", ID: orderID, From: string(order.Status), Action: "settle"}
	}
	if err := tenders.Validate(); err != nil {
		return nil, err
	}
	tendered := tenders.Total()
	if !tendered.IsPositive() {
		return nil, fmt.Errorf("%w: nothing tendered", credit.ErrInvalidAmount)
	}
	if tenders.Credit.IsPositive() {
		if _, err := c.Redeemer.Plan(ctx, c.redeemRequest(order.AccountID, tenders.Credit, orderID)); err != nil {
			if credit.IsClientError(err) {
				metrics.RedemptionsRejected.Inc()
			}
			return nil, err
		}
	}
	recs, err := c.Fulfillments.FulfillmentsByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	now := c.Clock.Now()
	applied := decimal.Min(tendered, order.UnpaidAmount)
	excess := tendered.Sub(applied)

	unpaid := make([]decimal.Decimal, len(order.Lines))
	for i, l := range order.Lines {
		unpaid[i] = l.Unpaid
	}
	added, _ := settlement.ApplyPayment(unpaid, applied)

	s := &saga{logger: c.Logger, orderID: orderID, accountID: order.AccountID}
	result := &SettleResult{Order: order}

	payments, err := c.recordPayments(ctx, orderID, tenders)
	result.Payments = payments
	if err != nil {
		return result, s.fail(StepPayments, err)
	}
	s.done(StepPayments)

	if tenders.Credit.IsPositive() {
		red, err := c.Redeemer.Redeem(ctx, c.redeemRequest(order.AccountID, tenders.Credit, orderID))
		if err != nil {
			return result, s.fail(StepRedeem, err)
		}
		result.CreditUsed = red.Entries
		s.done(StepRedeem)
	}

	for i := range order.Lines {
		order.Lines[i].Paid = order.Lines[i].Paid.Add(added[i])
		order.Lines[i].Unpaid = order.Lines[i].Unpaid.Sub(added[i])
	}
	order.PaidAmount = order.PaidAmount.Add(applied)
	order.UnpaidAmount = order.UnpaidAmount.Sub(applied)
	order.CreditUsed = order.CreditUsed.Add(tenders.Credit)
	if excess.IsPositive() {
		order.CreditEarned = order.CreditEarned.Add(excess).Add(c.Converter.Bonus.Bonus(excess))
	}
	order.Status = advance(order.Status, statusFor(order.PaidAmount, order.UnpaidAmount))
	order.UpdatedAt = now
	if err := c.Orders.UpdateOrder(ctx, order); err != nil {
		return result, s.fail(StepUpdateOrder, err)
	}
	result.Order = order
	s.done(StepUpdateOrder)

	for _, rec := range recs {
		if rec.LineNo < 0 || rec.LineNo >= len(added) || !added[rec.LineNo].IsPositive() {
			result.Fulfillments = append(result.Fulfillments, rec)
			continue
		}
		rec.ApplyPayment(added[rec.LineNo], now)
		if err := c.Fulfillments.UpdateFulfillment(ctx, rec); err != nil {
			return result, s.fail(StepFulfillments, fmt.Errorf("fulfillment %s: %w", rec.ID, err))
		}
		result.Fulfillments = append(result.Fulfillments, rec)
	}
	s.done(StepFulfillments)

	if excess.IsPositive() {
		conv, err := c.Converter.Convert(ctx, order.AccountID, excess, orderID)
		if err != nil {
			return result, s.fail(StepSurplus, err)
		}
		result.Conversion = conv
		s.done(StepSurplus)
		if len(recs) > 0 {
			c.linkSurplus(ctx, s, conv, recs)
		}
	}

	c.Logger.Info("outstanding balance settled",
		zap.String("order_id", orderID),
		zap.String("applied", applied.String()),
		zap.String("unpaid", order.UnpaidAmount.String()),
		zap.String("status", string(order.Status)))
	return result, nil
}
