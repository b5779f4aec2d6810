/*
errors.go - Centralized error types for the farming engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Adapters translate these into HTTP responses or chat replies; nothing
  below the adapter boundary formats user-facing output except FormatWait.

ERROR CATEGORIES:
  1. Domain errors - Rule violations (blocked, nothing to claim, ...)
  2. Input errors  - Malformed parameters
  3. Store errors  - Conflicts and persistence failures

MACHINE-READABLE KINDS:
  KindOf(err) maps any error to one of the Kind constants. Adapters put
  the kind in the response so clients never parse messages.

USAGE:
  if errors.Is(err, farming.ErrBlocked) {
      var b *farming.BlockedError
      errors.As(err, &b)
      // b.Reason, b.RetryAfter
  }

SEE ALSO:
  - service.go: Returns these errors
  - api/handlers.go: HTTP status mapping
  - bot/dispatcher.go: Chat text mapping
*/
package farming

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a user or task does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned for malformed request parameters.
	ErrInvalidInput = errors.New("invalid input")

	// ErrBlocked is returned when an accrual rule prevents a new cycle.
	ErrBlocked = errors.New("accrual blocked")

	// ErrNothingToClaim is returned by Claim when no credit is pending.
	ErrNothingToClaim = errors.New("nothing to claim")

	// ErrDuplicateTask is returned when a task name already exists.
	ErrDuplicateTask = errors.New("duplicate task")

	// ErrAlreadyCompleted is returned when a task was already completed.
	ErrAlreadyCompleted = errors.New("task already completed")

	// ErrStorage is returned when the store is unavailable or retries are exhausted.
	ErrStorage = errors.New("storage failure")

	// ErrConflict is returned by Store.Save when the stored version moved.
	ErrConflict = errors.New("concurrent modification detected")

	// ErrAlreadyExists is returned by Store.Create for a duplicate id.
	ErrAlreadyExists = errors.New("record already exists")
)

// =============================================================================
// KINDS
// =============================================================================

// Kind is the machine-readable error category.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindInvalidInput     Kind = "invalid_input"
	KindBlocked          Kind = "blocked"
	KindNothingToClaim   Kind = "nothing_to_claim"
	KindDuplicateTask    Kind = "duplicate_task"
	KindAlreadyCompleted Kind = "already_completed"
	KindStorageFailure   Kind = "storage_failure"
)

// Block reasons
const (
	ReasonUnclaimedPending = "unclaimed-pending"
	ReasonCooldownActive   = "cooldown-active"
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string // "user" or "task"
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidInputError names the offending field.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InvalidInputError) Unwrap() error { return ErrInvalidInput }

// BlockedError explains why a new accrual cycle cannot start.
type BlockedError struct {
	Reason     string
	RetryAfter time.Duration // zero for unclaimed-pending
	Pending    int64
}

func (e *BlockedError) Error() string {
	if e.Reason == ReasonCooldownActive {
		return fmt.Sprintf("accrual blocked (%s): retry in %s", e.Reason, FormatWait(e.RetryAfter))
	}
	return fmt.Sprintf("accrual blocked (%s): %d pending", e.Reason, e.Pending)
}

func (e *BlockedError) Unwrap() error { return ErrBlocked }

// StorageError wraps a store failure with the operation that hit it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStorage, e.Op, e.Err)
}

// Unwrap exposes both ErrStorage and the underlying cause.
func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

func userNotFound(id string) error { return &NotFoundError{Entity: "user", ID: id} }

func taskNotFound(name string) error { return &NotFoundError{Entity: "task", ID: name} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// KindOf maps err to its machine-readable kind. Unknown errors are storage failures.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrBlocked):
		return KindBlocked
	case errors.Is(err, ErrNothingToClaim):
		return KindNothingToClaim
	case errors.Is(err, ErrDuplicateTask):
		return KindDuplicateTask
	case errors.Is(err, ErrAlreadyCompleted):
		return KindAlreadyCompleted
	default:
		return KindStorageFailure
	}
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsClientError returns true if the error is caused by the caller's request or state.
func IsClientError(err error) bool {
	return err != nil && KindOf(err) != KindStorageFailure
}

// IsNotFound returns true if the error indicates a missing user or task.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// FormatWait renders a duration as "HH hours, MM minutes, SS seconds".
func FormatWait(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	return fmt.Sprintf("%02d hours, %02d minutes, %02d seconds", hours, minutes, seconds)
}
