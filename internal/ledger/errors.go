package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConflict means a concurrent transition won the race for the same
// client. The failed call left no partial state and is safe to retry.
var ErrConflict = errors.New("concurrent stage transition conflict")

// ValidationError reports malformed input. Not retryable.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StorageError wraps an underlying persistence failure. The operation
// it wraps never partially committed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// isOpenConflict matches the partial unique index guarding the
// one-open-interval-per-client invariant.
func isOpenConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, "stage_intervals")
}
