package syncengine

import (
	"errors"
	"fmt"
)

// Sentinel causes, matched with errors.Is by callers that don't need the
// structured detail InvalidInputError/SyncRejectedError carry.
var (
	ErrBlankSourceDevice  = errors.New("source_device is blank")
	ErrCapacityExceeded   = errors.New("capacity exceeded")
	ErrSequenceRegression = errors.New("sequence regression")
)

// InvalidInputError wraps a caller-provided argument that violates a
// precondition. Raised synchronously, before any state change.
type InvalidInputError struct {
	Err error
}

func (e *InvalidInputError) Error() string { return fmt.Sprintf("invalid input: %v", e.Err) }
func (e *InvalidInputError) Unwrap() error { return e.Err }

// SyncRejectedError is raised when the engine refuses a batch for a policy
// reason (capacity or sequence regression), always before the transaction
// commits, and whenever possible before it opens at all.
type SyncRejectedError struct {
	Err      error
	Incoming int64 // populated for sequence regression
	Previous int64 // populated for sequence regression
}

func (e *SyncRejectedError) Error() string {
	if e.Err == ErrSequenceRegression {
		return fmt.Sprintf("sync rejected: sequence regression, incoming=%d previous=%d", e.Incoming, e.Previous)
	}
	return fmt.Sprintf("sync rejected: %v", e.Err)
}

func (e *SyncRejectedError) Unwrap() error { return e.Err }
