/*
errors.go - Error taxonomy for the allocation engine

ERROR CATEGORIES:
  1. ErrInvalidBloodType - category outside the eight-value set
  2. ErrInvalidRequest   - non-positive quantity, malformed identity, bad mode
  3. ErrStorageFailure   - persistence unavailable or constraint violated

Validation errors are raised before any mutation. Storage failures are
surfaced as-is; the engine never retries.

Partial fulfilment is NOT an error. It is reported through Plan.Shortfall.

USAGE:
  if errors.Is(err, engine.ErrInvalidRequest) {
      var vErr *engine.ValidationError
      errors.As(err, &vErr) // vErr.Field names the offending input
  }
*/
package engine

import (
	"errors"
	"fmt"

	"github.com/warp/bloodbank-engine/bloodtype"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidBloodType is bloodtype.ErrInvalidBloodType, re-exported so
	// callers can classify engine errors without importing bloodtype.
	ErrInvalidBloodType = bloodtype.ErrInvalidBloodType

	// ErrInvalidRequest is returned for malformed input other than blood types.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrStorageFailure is returned when the storage collaborator fails.
	ErrStorageFailure = errors.New("storage failure")

	// ErrIncompatiblePlan is returned when a plan row names a donor type that
	// cannot be given to the plan's recipient.
	ErrIncompatiblePlan = fmt.Errorf("%w: plan row not compatible with recipient", ErrInvalidRequest)
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError describes rejected input.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRequest
}

// StorageError wraps a failure from the storage collaborator.
// It matches both ErrStorageFailure and the underlying driver error.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorageFailure, e.Err}
}

// WrapStorage wraps err as a *StorageError for op. Returns nil for nil and
// leaves errors that are already classified untouched.
func WrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageFailure) || errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrInvalidBloodType) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrInvalidBloodType)
}

// IsStorageFailure returns true if the error came from the storage layer.
func IsStorageFailure(err error) bool {
	return errors.Is(err, ErrStorageFailure)
}

func invalidQuantity(field string, n int) error {
	return &ValidationError{Field: field, Value: fmt.Sprint(n), Reason: "must be a positive integer"}
}
