/*
errors.go - Centralized error types for the credit engine

PURPOSE:
  All error kinds in one place. Settlement, fulfillment and checkout wrap
  these so callers can classify any failure with errors.Is().

ERROR CATEGORIES:
  1. Validation - raised before any write, safe to retry after correction
     (ErrInsufficientCredit, ErrInvalidEntry, ErrInvalidAmount)
  2. Lookup - an addressed record does not exist (ErrRecordNotFound)
  3. State - an operation is not allowed in the record's current state
     (ErrInvalidStateTransition)
  4. Collaborators - an external lookup failed (ErrDependencyUnavailable)
  5. Store - duplicate writes (ErrDuplicateEntry)

USAGE:
  if errors.Is(err, credit.ErrInsufficientCredit) {
      var ice *credit.InsufficientCreditError
      errors.As(err, &ice) // ice.Available, ice.Requested
  }
*/
package credit

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientCredit is returned when a redemption exceeds the
	// account's available credit. Nothing has been written.
	ErrInsufficientCredit = errors.New("insufficient credit")

	// ErrRecordNotFound is returned when an operation addresses a
	// nonexistent order, fulfillment or ledger entry.
	ErrRecordNotFound = errors.New("record not found")

	// ErrInvalidStateTransition is returned when a lifecycle operation is
	// not allowed from the record's current status.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrDependencyUnavailable is returned when a collaborator lookup
	// (account directory, catalog) fails.
	ErrDependencyUnavailable = errors.New("dependency unavailable")

	// ErrDuplicateEntry is returned when an entry id already exists.
	ErrDuplicateEntry = errors.New("duplicate ledger entry")

	// ErrInvalidEntry is returned when an entry violates the ledger shape
	// rules (sign vs kind, missing back-reference).
	ErrInvalidEntry = errors.New("invalid ledger entry")

	// ErrInvalidAmount is returned for zero or negative request amounts.
	ErrInvalidAmount = errors.New("invalid amount")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientCreditError provides details about a credit shortage.
type InsufficientCreditError struct {
	AccountID AccountID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credit for %s: available %s, requested %s, shortfall %s",
		e.AccountID, e.Available, e.Requested, e.Requested.Sub(e.Available))
}

func (e *InsufficientCreditError) Unwrap() error { return ErrInsufficientCredit }

// TransitionError describes a rejected lifecycle operation.
type TransitionError struct {
	Record string // "order", "fulfillment"
	ID     string
	From   string
	Action string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot %s from status %q", e.Record, e.ID, e.Action, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidStateTransition }

// NotFoundError names the missing record.
type NotFoundError struct {
	Record string
	ID     string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Record, e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrRecordNotFound }

// NotFound is shorthand for &NotFoundError{...}.
func NotFound(record, id string) error { return &NotFoundError{Record: record, ID: id} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientCredit) ||
		errors.Is(err, ErrInvalidEntry) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidStateTransition) ||
		errors.Is(err, ErrDuplicateEntry)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound)
}
