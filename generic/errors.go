/*
errors.go - Centralized error types for the allocation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every structured error unwraps to a sentinel so callers can branch
  with errors.Is and still read the details with errors.As.

ERROR CATEGORIES:
  1. Input errors - Invalid amount, overpayment, nothing owed
  2. Lookup errors - Unknown obligation, payee or event
  3. Store errors - Idempotency, concurrency, persistence failures

USAGE:
  _, err := allocator.Allocate(ctx, "OMC-X", amount, meta)
  var exceeds *generic.AmountExceedsOutstandingError
  if errors.As(err, &exceeds) {
      fmt.Printf("only %s outstanding for %s\n", exceeds.Outstanding, exceeds.PayeeKey)
  }

SEE ALSO:
  - allocation.go: Produces most of these errors
  - api/handlers.go: Maps them to HTTP responses
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount is returned when a tendered amount is zero, negative,
	// or smaller than the smallest currency unit.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrNoOutstandingDebt is returned when the payee owes nothing.
	ErrNoOutstandingDebt = errors.New("no outstanding debt")

	// ErrAmountExceedsOutstanding is returned when the tendered amount is
	// larger than the payee's total outstanding (beyond Epsilon).
	ErrAmountExceedsOutstanding = errors.New("amount exceeds outstanding")

	// ErrObligationNotFound is returned when an obligation ID does not resolve.
	ErrObligationNotFound = errors.New("obligation not found")

	// ErrPayeeNotFound is returned when a payee has no obligations at all.
	ErrPayeeNotFound = errors.New("payee not found")

	// ErrEventNotFound is returned when a payment event ID does not resolve.
	ErrEventNotFound = errors.New("payment event not found")

	// ErrPayeeRequired is returned when an allocation names no payee.
	ErrPayeeRequired = errors.New("payee key required")

	// ErrDuplicateObligation is returned when an obligation ID already exists.
	ErrDuplicateObligation = errors.New("duplicate obligation")

	// ErrDuplicateIdempotencyKey is returned when an allocation or event with
	// the same idempotency key was already recorded. Expected on retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrConcurrentModification is returned by stores that detect a
	// conflicting concurrent write (serialization failure).
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrConcurrentAllocationConflict is returned when an allocation still
	// conflicts after its automatic retry.
	ErrConcurrentAllocationConflict = errors.New("concurrent allocation conflict")

	// ErrAlreadyReversed is returned when reversing an event twice.
	ErrAlreadyReversed = errors.New("payment event already reversed")

	// ErrCannotReverseReversal is returned when reversing a reversal event.
	ErrCannotReverseReversal = errors.New("cannot reverse a reversal")

	// ErrInvalidPeriod is returned when a period is malformed (end before start).
	ErrInvalidPeriod = errors.New("invalid period: end before start")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidAmountError reports a tendered amount that cannot be allocated.
type InvalidAmountError struct {
	PayeeKey  PayeeKey
	Attempted Amount
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("invalid amount %s for %s: must be greater than zero", e.Attempted, e.PayeeKey)
}

func (e *InvalidAmountError) Unwrap() error { return ErrInvalidAmount }

// NoOutstandingDebtError reports a payee with nothing owed.
type NoOutstandingDebtError struct {
	PayeeKey PayeeKey
}

func (e *NoOutstandingDebtError) Error() string {
	return fmt.Sprintf("no outstanding debt for %s", e.PayeeKey)
}

func (e *NoOutstandingDebtError) Unwrap() error { return ErrNoOutstandingDebt }

// AmountExceedsOutstandingError carries the computed outstanding total so the
// caller can correct the input.
type AmountExceedsOutstandingError struct {
	PayeeKey    PayeeKey
	Outstanding Amount
	Attempted   Amount
}

func (e *AmountExceedsOutstandingError) Error() string {
	return fmt.Sprintf("amount %s exceeds outstanding balance of %s for %s",
		e.Attempted, e.Outstanding, e.PayeeKey)
}

func (e *AmountExceedsOutstandingError) Unwrap() error { return ErrAmountExceedsOutstanding }

// PartialAllocationError is returned when the event loop failed after some
// events were already durable. Result lists exactly what was applied.
type PartialAllocationError struct {
	Result *AllocationResult
	Err    error
}

func (e *PartialAllocationError) Error() string {
	return fmt.Sprintf("allocation partially applied (%s of %s): %v",
		e.Result.TotalApplied, e.Result.Tendered, e.Err)
}

func (e *PartialAllocationError) Unwrap() error { return e.Err }

// ConcurrentAllocationError wraps a conflict that survived the retry.
type ConcurrentAllocationError struct {
	PayeeKey PayeeKey
	Err      error
}

func (e *ConcurrentAllocationError) Error() string {
	return fmt.Sprintf("concurrent allocation conflict for %s: %v", e.PayeeKey, e.Err)
}

func (e *ConcurrentAllocationError) Unwrap() []error {
	return []error{ErrConcurrentAllocationConflict, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrConcurrentAllocationConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrNoOutstandingDebt) ||
		errors.Is(err, ErrAmountExceedsOutstanding) ||
		errors.Is(err, ErrPayeeRequired) ||
		errors.Is(err, ErrDuplicateObligation) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrAlreadyReversed) ||
		errors.Is(err, ErrCannotReverseReversal) ||
		errors.Is(err, ErrInvalidPeriod)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrObligationNotFound) ||
		errors.Is(err, ErrPayeeNotFound) ||
		errors.Is(err, ErrEventNotFound)
}
