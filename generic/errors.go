/*
errors.go - Centralized error types for the engine

PURPOSE:
  All error categories in one place for consistency and discoverability.
  Domain packages wrap these sentinels with additional context so callers
  (the HTTP layer, the scheduler) can classify any error with errors.Is.

ERROR CATEGORIES:
  1. Validation errors   - Input rejected before any persistence call
  2. Business-rule errors - Rejected against current persisted state
  3. Not-found errors    - Referenced record does not exist
  4. Conflict errors     - Uniqueness violations, duplicate keys
  5. Infrastructure      - Transaction aborts, lock timeouts (retryable)

USAGE:
  if generic.IsRetryable(err) {
      // safe to retry; nothing was committed
  }

SEE ALSO:
  - workandpay/errors.go: Domain errors wrapping these sentinels
  - api/handlers.go: Maps categories to HTTP status codes
*/
package generic

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidInput is returned when input fails validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrRuleViolation is returned when a request is well-formed but
	// violates a business rule against the current state.
	ErrRuleViolation = errors.New("business rule violation")

	// ErrEntityNotFound is returned when a referenced entity doesn't exist.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrConflict is returned when a write collides with a uniqueness rule.
	ErrConflict = errors.New("conflict")

	// ErrDuplicateIdempotencyKey is returned when a write with the same
	// idempotency key already exists. This is expected behavior for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrTransactionFailed is returned when a transaction cannot be committed.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
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

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// Invalid is shorthand for a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// TransactionError wraps an infrastructure failure that aborted a transaction.
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() []error {
	return []error{ErrTransactionFailed, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrTransactionFailed) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsClientError returns true if the error is due to invalid client input
// or a rejected business rule.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrRuleViolation)
}

// IsValidation returns true for input validation failures.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntityNotFound)
}

// IsConflict returns true for uniqueness and idempotency collisions.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}
