package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrValidation      = errors.New("invalid execution request")
	ErrSizeExceeded    = errors.New("file size exceeds limit")
	ErrInvalidFilename = errors.New("unsafe filename")
	ErrTimeout         = errors.New("execution timed out")
	ErrLaunchSetup     = errors.New("execution setup failed")
	ErrLogWrite        = errors.New("execution log write failed")
	ErrCapacity        = errors.New("no execution slot available")
	ErrClosed          = errors.New("sandbox closed")
	ErrRuntimeDown     = errors.New("container runtime unavailable")
)

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsValidation returns true if the request was rejected before anything ran.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsCapacity returns true if the request gave up waiting for a free slot.
// Nothing ran and nothing was logged.
func IsCapacity(err error) bool {
	return errors.Is(err, ErrCapacity)
}

// IsLogWrite returns true if the execution completed but was not recorded.
func IsLogWrite(err error) bool {
	return errors.Is(err, ErrLogWrite)
}
