/*
Package checkout records purchases and keeps orders, payments, ledger
credit and fulfillments in agreement.

KEY TYPES:
  - Order: what was bought, what was paid, what is still owed
  - PaymentRecord: one per nonzero money tender
  - Coordinator: runs the purchase saga (coordinator.go)

COLLABORATORS:
  AccountDirectory and CatalogLookup are read-only lookups owned by other
  systems. A failing lookup aborts a purchase before anything is written.
*/
package checkout

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-ledger/credit"
	"github.com/warp/loyalty-ledger/fulfillment"
	"github.com/warp/loyalty-ledger/settlement"
)

// =============================================================================
// ORDER
// =============================================================================

type OrderStatus string

const (
	OrderPending       OrderStatus = "pending"
	OrderPartiallyPaid OrderStatus = "partially_paid"
	OrderCompleted     OrderStatus = "completed"
)

func (s OrderStatus) rank() int {
	switch s {
	case OrderPartiallyPaid:
		return 1
	case OrderCompleted:
		return 2
	}
	return 0
}

// statusFor derives an order's status from what is paid and owed.
func statusFor(paid, unpaid decimal.Decimal) OrderStatus {
	switch {
	case !unpaid.IsPositive():
		return OrderCompleted
	case paid.IsPositive():
		return OrderPartiallyPaid
	default:
		return OrderPending
	}
}

// advance moves status forward only.
func advance(from, to OrderStatus) OrderStatus {
	if to.rank() > from.rank() {
		return to
	}
	return from
}

// OrderLine is one purchased item with its share of the payment.
type OrderLine struct {
	RefID     string
	Name      string
	UnitPrice decimal.Decimal
	Paid      decimal.Decimal
	Unpaid    decimal.Decimal
}

type Order struct {
	ID           string
	AccountID    credit.AccountID
	AccountName  string
	Lines        []OrderLine
	TotalAmount  decimal.Decimal
	PaidAmount   decimal.Decimal
	UnpaidAmount decimal.Decimal
	CreditUsed   decimal.Decimal
	CreditEarned decimal.Decimal
	Status       OrderStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// =============================================================================
// PAYMENT RECORD
// =============================================================================

type PaymentStatus string

const PaymentCompleted PaymentStatus = "completed"

type PaymentRecord struct {
	ID         string
	OrderID    string
	TenderType settlement.TenderType
	Amount     decimal.Decimal
	Status     PaymentStatus
	CreatedAt  time.Time
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// Account is the directory's view of a member.
type Account struct {
	ID                      credit.AccountID
	Name                    string
	DefaultTenderPreference []settlement.TenderType
}

type AccountDirectory interface {
	Account(ctx context.Context, id credit.AccountID) (Account, error)
}

type CatalogLookup interface {
	Definition(ctx context.Context, refID string) (fulfillment.Definition, error)
}

// =============================================================================
// STORE
// =============================================================================

// Store persists orders and payments. Each method is its own unit of work.
type Store interface {
	CreateOrder(ctx context.Context, o Order) error
	// Order returns the order or an ErrRecordNotFound error.
	Order(ctx context.Context, id string) (Order, error)
	UpdateOrder(ctx context.Context, o Order) error
	OrdersByAccount(ctx context.Context, accountID credit.AccountID) ([]Order, error)

	CreatePayment(ctx context.Context, p PaymentRecord) error
	PaymentsByOrder(ctx context.Context, orderID string) ([]PaymentRecord, error)
}
