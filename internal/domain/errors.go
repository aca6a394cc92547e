package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency. Concrete error
// types below match these with errors.Is.

var (
	ErrValidation          = errors.New("validation failed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrStorage             = errors.New("storage failure")
	ErrNotFound            = errors.New("not found")

	// ErrDuplicateKey is returned by stores when an idempotency key is
	// already taken in the classroom. The service resolves it to a replay.
	ErrDuplicateKey = errors.New("idempotency key already used")
)

// ValidationError reports malformed input. No state has changed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// InsufficientBalanceError reports a debit larger than the balance.
type InsufficientBalanceError struct {
	StudentID   string
	ClassroomID string
	Balance     int64
	Requested   int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for student %s in classroom %s: have %d, need %d",
		e.StudentID, e.ClassroomID, e.Balance, e.Requested)
}

func (e *InsufficientBalanceError) Is(target error) bool { return target == ErrInsufficientBalance }

// StorageError wraps a persistence failure. Retryable; the storage
// transaction was rolled back.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// NewStorageError wraps err as a StorageError unless it is nil or already
// a classified domain error.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsClassified(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsClassified reports whether err already maps to a domain sentinel.
func IsClassified(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrStorage) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrDuplicateKey)
}
