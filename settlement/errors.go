/*
errors.go - Centralized error types for the settlement engine

PURPOSE:
  All error kinds in one place. Every error returned by the engine either is
  one of the sentinels below or unwraps to one, so callers can branch with
  errors.Is() and show the message to the user.

ERROR KINDS:
  ErrValidation              bad input, nothing was written
  ErrInsufficientInventory   the atomic decrement's precondition failed
  ErrAlreadyReversed         sale already reversed (cannot edit or re-reverse)
  ErrInconsistentChargeState money invariants would be violated
  ErrStorageFailure          the ledger store failed; the transaction rolled back
  ErrNotFound                lot or sale does not exist
  ErrConcurrentModification  the record changed since it was read
  ErrForbidden               actor lacks the role for the operation
  ErrNoReversibleEdit        no lot edit is eligible for undo

RETRIES:
  The engine never retries. Every operation is effect-once; a blind retry of
  a completed sale would deplete inventory twice.

SEE ALSO:
  - api/errors.go: maps these kinds to HTTP status codes
*/
package settlement

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation              = errors.New("validation failed")
	ErrInsufficientInventory   = errors.New("insufficient inventory")
	ErrAlreadyReversed         = errors.New("sale already reversed")
	ErrInconsistentChargeState = errors.New("inconsistent charge state")
	ErrStorageFailure          = errors.New("storage failure")
	ErrNotFound                = errors.New("not found")
	ErrConcurrentModification  = errors.New("concurrent modification detected")
	ErrForbidden               = errors.New("forbidden")
	ErrNoReversibleEdit        = errors.New("no reversible lot edit")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InsufficientInventoryError reports a rejected depletion. Remaining is the
// value observed when the decrement failed; callers should re-fetch it.
type InsufficientInventoryError struct {
	LotID     LotID
	Remaining int
	Requested int
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("insufficient inventory in lot %s: remaining %d, requested %d",
		e.LotID, e.Remaining, e.Requested)
}

func (e *InsufficientInventoryError) Unwrap() error { return ErrInsufficientInventory }

// InconsistentChargeError is returned instead of persisting amounts that
// break the sale money invariants.
type InconsistentChargeError struct {
	SaleID SaleID
	Reason string
	Total  decimal.Decimal
	Paid   decimal.Decimal
	Due    decimal.Decimal
	Status PaymentStatus
}

func (e *InconsistentChargeError) Error() string {
	return fmt.Sprintf("inconsistent charge state (%s): total %s, paid %s, due %s, status %s",
		e.Reason, e.Total, e.Paid, e.Due, e.Status)
}

func (e *InconsistentChargeError) Unwrap() error { return ErrInconsistentChargeState }

// StorageError wraps a ledger store failure. It unwraps to both
// ErrStorageFailure and the underlying cause.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorageFailure, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// isDomainError reports whether err already carries one of the engine's
// kinds and should be returned as-is rather than wrapped as a StorageError.
func isDomainError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientInventory) ||
		errors.Is(err, ErrAlreadyReversed) ||
		errors.Is(err, ErrInconsistentChargeState) ||
		errors.Is(err, ErrStorageFailure) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrNoReversibleEdit)
}

// IsClientError returns true if the error is due to the caller's input or
// the current state of the record, not a fault in the system.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientInventory) ||
		errors.Is(err, ErrAlreadyReversed) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrNoReversibleEdit)
}
