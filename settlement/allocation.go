/*
Package settlement splits a multi-tender payment across an order and turns
payment surplus into loyalty credit.

ALLOCATION:
  total     = sum of line item prices
  tendered  = cash + card + transfer + credit
  unpaid    = max(0, total - tendered)
  surplus   = max(0, tendered - total)

  Per item, in the order the caller supplied:
    paid   = min(remaining, price)
    unpaid = price - paid
    remaining -= paid

  Earlier items are fully paid before later ones get anything. The split is
  order dependent and must stay that way; reports built on it assume it.

EXAMPLE:
  Items 600,000 then 400,000, tendered 700,000:
    item 1: paid 600,000, unpaid 0
    item 2: paid 100,000, unpaid 300,000

SEE ALSO:
  - surplus.go: Surplus-to-credit conversion with tiered bonus
*/
package settlement

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-ledger/credit"
)

// =============================================================================
// TENDERS
// =============================================================================

type TenderType string

const (
	TenderCash     TenderType = "cash"
	TenderCard     TenderType = "card"
	TenderTransfer TenderType = "transfer"
)

// Tender is one nonzero payment method contribution.
type Tender struct {
	Type   TenderType
	Amount decimal.Decimal
}

// Tenders holds what the customer hands over for one settlement.
// Credit is the amount of loyalty credit requested for redemption.
type Tenders struct {
	Cash     decimal.Decimal
	Card     decimal.Decimal
	Transfer decimal.Decimal
	Credit   decimal.Decimal
}

// Validate rejects negative tenders.
func (t Tenders) Validate() error {
	for _, tt := range []struct {
		name string
		v    decimal.Decimal
	}{{"cash", t.Cash}, {"card", t.Card}, {"transfer", t.Transfer}, {"credit", t.Credit}} {
		if tt.v.IsNegative() {
			return fmt.Errorf("%w: %s tender %s is negative", credit.ErrInvalidAmount, tt.name, tt.v)
		}
	}
	return nil
}

// Money is cash + card + transfer.
func (t Tenders) Money() decimal.Decimal {
	return t.Cash.Add(t.Card).Add(t.Transfer)
}

// Total is every tender including credit.
func (t Tenders) Total() decimal.Decimal {
	return t.Money().Add(t.Credit)
}

// Payments lists the nonzero money tenders in cash, card, transfer order.
func (t Tenders) Payments() []Tender {
	var out []Tender
	for _, p := range []Tender{
		{TenderCash, t.Cash},
		{TenderCard, t.Card},
		{TenderTransfer, t.Transfer},
	} {
		if p.Amount.IsPositive() {
			out = append(out, p)
		}
	}
	return out
}

// =============================================================================
// ALLOCATION
// =============================================================================

// LineItem is a priced line as the allocator sees it.
type LineItem struct {
	RefID string
	Name  string
	Price decimal.Decimal
}

// ItemSplit is a line item's share of the payment.
type ItemSplit struct {
	LineItem
	Paid   decimal.Decimal
	Unpaid decimal.Decimal
}

type Allocation struct {
	Total    decimal.Decimal
	Tendered decimal.Decimal
	Unpaid   decimal.Decimal
	Surplus  decimal.Decimal
	Items    []ItemSplit
}

// Paid is the part of the total covered by tenders.
func (a Allocation) Paid() decimal.Decimal {
	return a.Total.Sub(a.Unpaid)
}

// Allocate computes totals and the per-item paid/unpaid split.
func Allocate(items []LineItem, tenders Tenders) (Allocation, error) {
	if err := tenders.Validate(); err != nil {
		return Allocation{}, err
	}
	total := decimal.Zero
	for _, it := range items {
		if it.Price.IsNegative() {
			return Allocation{}, fmt.Errorf("%w: item %s has negative price %s", credit.ErrInvalidAmount, it.RefID, it.Price)
		}
		total = total.Add(it.Price)
	}
	tendered := tenders.Total()

	a := Allocation{
		Total:    total,
		Tendered: tendered,
		Unpaid:   decimal.Max(decimal.Zero, total.Sub(tendered)),
		Surplus:  decimal.Max(decimal.Zero, tendered.Sub(total)),
	}

	remaining := tendered
	for _, it := range items {
		paid := decimal.Min(remaining, it.Price)
		a.Items = append(a.Items, ItemSplit{
			LineItem: it,
			Paid:     paid,
			Unpaid:   it.Price.Sub(paid),
		})
		remaining = remaining.Sub(paid)
	}
	return a, nil
}

// ApplyPayment pays down unpaid amounts greedily in slice order and returns
// the amount added to each item plus whatever is left over.
func ApplyPayment(unpaid []decimal.Decimal, amount decimal.Decimal) ([]decimal.Decimal, decimal.Decimal) {
	added := make([]decimal.Decimal, len(unpaid))
	remaining := amount
	for i, u := range unpaid {
		take := decimal.Min(remaining, u)
		if take.IsNegative() {
			take = decimal.Zero
		}
		added[i] = take
		remaining = remaining.Sub(take)
	}
	return added, remaining
}
