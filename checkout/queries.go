package checkout

import (
	"context"
	"fmt"

	"github.com/warp/loyalty-ledger/credit"
	"github.com/warp/loyalty-ledger/fulfillment"
)

// =============================================================================
// READ SIDE - Consumed by reporting and UI layers
// =============================================================================

// BalanceOf returns the account's balance snapshot, recomputing it if stale.
func (c *Coordinator) BalanceOf(ctx context.Context, accountID credit.AccountID) (credit.BalanceSnapshot, error) {
	return c.Cache.Read(ctx, accountID)
}

// LedgerHistory returns the account's entries oldest first.
func (c *Coordinator) LedgerHistory(ctx context.Context, accountID credit.AccountID) ([]credit.Entry, error) {
	return c.Ledger.History(ctx, accountID)
}

// OrderView is an order with its payments.
type OrderView struct {
	Order    Order
	Payments []PaymentRecord
}

func (c *Coordinator) OrderByID(ctx context.Context, id string) (*OrderView, error) {
	o, err := c.Orders.Order(ctx, id)
	if err != nil {
		return nil, err
	}
	payments, err := c.Orders.PaymentsByOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	return &OrderView{Order: o, Payments: payments}, nil
}

func (c *Coordinator) FulfillmentsByAccount(ctx context.Context, accountID credit.AccountID) ([]fulfillment.Record, error) {
	return c.Fulfillments.FulfillmentsByAccount(ctx, accountID)
}

func (c *Coordinator) FulfillmentsByStatus(ctx context.Context, status fulfillment.Status) ([]fulfillment.Record, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown fulfillment status %q", credit.ErrInvalidEntry, status)
	}
	return c.Fulfillments.FulfillmentsByStatus(ctx, status)
}

// CheckRedeemable rejects a redemption tied to orderID once that order is
// completed. The order must exist and belong to accountID.
func (c *Coordinator) CheckRedeemable(ctx context.Context, orderID string, accountID credit.AccountID) error {
	o, err := c.Orders.Order(ctx, orderID)
	if err != nil {
		return err
	}
	if o.AccountID != accountID {
		return fmt.Errorf("%w: order %s belongs to another account", credit.ErrInvalidEntry, orderID)
	}
	if o.Status == OrderCompleted {
		return &credit.TransitionError{Record: "order", ID: orderID, From: string(o.Status), Action: "redeem against"}
	}
	return nil
}
