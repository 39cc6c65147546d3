package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison with errors.Is(). These are generic and
// are wrapped with operation context by the packages that raise them.
var (
	// Store errors
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrStatusConflict     = errors.New("status transition conflict")
	ErrDuplicateExecution = errors.New("duplicate execution")

	// Lock errors
	ErrLockNotAcquired = errors.New("lock not acquired")
	ErrLockNotHeld     = errors.New("lock not held")

	// Queue errors
	ErrQueuePaused        = errors.New("queue paused")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// Compiler / registry errors
	ErrInvalidRule         = errors.New("invalid rule document")
	ErrUnknownStepType     = errors.New("unknown step type")
	ErrUnknownTriggerType  = errors.New("unknown trigger type")
	ErrStepValidation      = errors.New("step validation failed")
	ErrUnresolvableStep    = errors.New("step reference does not resolve")
	ErrExecutionNotRunning = errors.New("execution not in a runnable state")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// EngineError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type EngineError struct {
	Op      string // Operation that failed (e.g. "store.CreateExecution")
	Kind    string // Error kind (e.g. "execution", "delay", "queue")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error.
func (e *EngineError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError creates a new EngineError.
func NewEngineError(op, kind string, err error) *EngineError {
	return &EngineError{Op: op, Kind: kind, Err: err}
}

// WithID attaches an entity ID to the error.
func (e *EngineError) WithID(id string) *EngineError {
	e.ID = id
	return e
}
