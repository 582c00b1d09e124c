/*
Package fulfillment tracks delivery of purchased line items.

PURPOSE:
  Every tracked line item of an order gets one Record carrying its share of
  the payment and its delivery state. Session-count items (e.g. a 10-class
  pack) count attended sessions. Date-range items (e.g. a monthly
  membership) run from StartDate to EndDate and can be put on hold.

STATE MACHINE:

           payment completes
   unpaid ─────────────────▶ active ◀──── endHold ──── hold
     │                        │  │                      ▲
     │                        │  └───── startHold ──────┘
     │                        │
     │      sessions reached  ▼
     │  ───────────────────▶ completed
     │
     └──── cancel (from any non-terminal state) ────▶ cancelled

  Hold only applies to date-range records. Resuming pushes EndDate out by
  the time spent on hold, so a hold never eats into paid-for access.
  extend(days) is rejected while on hold.

SEE ALSO:
  - service.go: Loads, transitions and saves records
*/
package fulfillment

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-ledger/credit"
)

// =============================================================================
// STATUS AND BILLING MODEL
// =============================================================================

type Status string

const (
	StatusUnpaid    Status = "unpaid"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusHold      Status = "hold"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusUnpaid, StatusActive, StatusCompleted, StatusHold, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type BillingModel string

const (
	BillingSessions  BillingModel = "session-count"
	BillingDateRange BillingModel = "date-range"
	// BillingNone marks items without fulfillment tracking (physical goods).
	BillingNone BillingModel = "none"
)

// Definition is a catalog entry for a purchasable line item.
type Definition struct {
	RefID        string
	Name         string
	Price        decimal.Decimal
	Billing      BillingModel
	SessionCount int
	DurationDays int
}

// Tracked reports whether purchases of this item get a fulfillment record.
func (d Definition) Tracked() bool {
	return d.Billing == BillingSessions || d.Billing == BillingDateRange
}

// DefaultDurationDays applies to date-range items whose catalog entry has no
// duration and whose purchase gives no end date.
const DefaultDurationDays = 30

// =============================================================================
// RECORD
// =============================================================================

type Record struct {
	ID                string
	OrderID           string
	AccountID         credit.AccountID
	LineNo            int // position of the line in its order
	RefID             string
	Name              string
	Billing           BillingModel
	PaidAmount        decimal.Decimal
	UnpaidAmount      decimal.Decimal
	Status            Status
	StartDate         time.Time
	EndDate           *time.Time
	SessionCount      int
	CompletedSessions int
	HoldStartedAt     *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Schedule is caller-supplied start/end for date-range items.
type Schedule struct {
	Start *time.Time
	End   *time.Time
}

// NewRecord derives a record for one tracked line item from its payment
// split and catalog definition. Session-count items start at now. Date-range
// items start at the requested start (or now) and end at the requested end
// (or start + DurationDays).
func NewRecord(id, orderID string, accountID credit.AccountID, lineNo int, def Definition, paid, unpaid decimal.Decimal, sched Schedule, now time.Time) (Record, error) {
	r := Record{
		ID:           id,
		OrderID:      orderID,
		AccountID:    accountID,
		LineNo:       lineNo,
		RefID:        def.RefID,
		Name:         def.Name,
		Billing:      def.Billing,
		PaidAmount:   paid,
		UnpaidAmount: unpaid,
		Status:       StatusActive,
		StartDate:    now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if unpaid.IsPositive() {
		r.Status = StatusUnpaid
	}

	switch def.Billing {
	case BillingSessions:
		if def.SessionCount <= 0 {
			return Record{}, fmt.Errorf("%w: %s has no session count", credit.ErrInvalidEntry, def.RefID)
		}
		r.SessionCount = def.SessionCount
	case BillingDateRange:
		if sched.Start != nil {
			r.StartDate = sched.Start.UTC()
		}
		switch {
		case sched.End != nil:
			end := sched.End.UTC()
			if end.Before(r.StartDate) {
				return Record{}, fmt.Errorf("%w: %s ends before it starts", credit.ErrInvalidEntry, def.RefID)
			}
			r.EndDate = &end
		case def.DurationDays > 0:
			r.EndDate = credit.DaysFrom(r.StartDate, def.DurationDays)
		default:
			r.EndDate = credit.DaysFrom(r.StartDate, DefaultDurationDays)
		}
	default:
		return Record{}, fmt.Errorf("%w: %s is not tracked", credit.ErrInvalidEntry, def.RefID)
	}
	return r, nil
}

// =============================================================================
// TRANSITIONS - Pure; the Service persists the result
// =============================================================================

func (r *Record) reject(action string) error {
	return &credit.TransitionError{Record: "fulfillment", ID: r.ID, From: string(r.Status), Action: action}
}

// CompleteSession counts one attended session and completes the record once
// every session is used.
func (r *Record) CompleteSession(now time.Time) error {
	if r.Billing != BillingSessions {
		return r.reject("complete session on " + string(r.Billing))
	}
	if r.Status != StatusActive && r.Status != StatusUnpaid {
		return r.reject("complete session")
	}
	r.CompletedSessions++
	if r.CompletedSessions >= r.SessionCount {
		r.Status = StatusCompleted
	}
	r.UpdatedAt = now
	return nil
}

// StartHold pauses an active date-range record.
func (r *Record) StartHold(now time.Time) error {
	if r.Billing != BillingDateRange {
		return r.reject("hold " + string(r.Billing))
	}
	if r.Status != StatusActive {
		return r.reject("start hold")
	}
	held := now
	r.Status = StatusHold
	r.HoldStartedAt = &held
	r.UpdatedAt = now
	return nil
}

// EndHold resumes a held record, pushing EndDate out by the hold duration.
func (r *Record) EndHold(now time.Time) error {
	if r.Status != StatusHold || r.HoldStartedAt == nil {
		return r.reject("end hold")
	}
	if elapsed := now.Sub(*r.HoldStartedAt); elapsed > 0 && r.EndDate != nil {
		end := r.EndDate.Add(elapsed)
		r.EndDate = &end
	}
	r.Status = StatusActive
	r.HoldStartedAt = nil
	r.UpdatedAt = now
	return nil
}

// Extend pushes EndDate forward by days.
func (r *Record) Extend(days int, now time.Time) error {
	if days <= 0 {
		return fmt.Errorf("%w: extend by %d days", credit.ErrInvalidAmount, days)
	}
	if r.Status == StatusHold || r.Status.Terminal() || r.EndDate == nil {
		return r.reject("extend")
	}
	end := r.EndDate.AddDate(0, 0, days)
	r.EndDate = &end
	r.UpdatedAt = now
	return nil
}

// Cancel stops a record that has not finished.
func (r *Record) Cancel(now time.Time) error {
	if r.Status.Terminal() {
		return r.reject("cancel")
	}
	r.Status = StatusCancelled
	r.HoldStartedAt = nil
	r.UpdatedAt = now
	return nil
}

// ApplyPayment adds a later payment to the record's split. A fully paid
// unpaid record becomes active.
func (r *Record) ApplyPayment(amount decimal.Decimal, now time.Time) {
	if !amount.IsPositive() {
		return
	}
	r.PaidAmount = r.PaidAmount.Add(amount)
	r.UnpaidAmount = r.UnpaidAmount.Sub(amount)
	if r.Status == StatusUnpaid && !r.UnpaidAmount.IsPositive() {
		r.Status = StatusActive
	}
	r.UpdatedAt = now
}
