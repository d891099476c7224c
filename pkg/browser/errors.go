package browser

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUnavailable      = errors.New("browser driver unavailable")
	ErrCapacity         = errors.New("browser capacity exhausted")
	ErrHandleClosed     = errors.New("browser handle closed")
	ErrOperationTimeout = errors.New("operation timeout")
	ErrUnsupported      = errors.New("action not supported")
)

// DriverError wraps failures from an open browser handle with context.
type DriverError struct {
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *DriverError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("driver error [%s] %s: %s: %v", e.Code, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("driver error [%s] %s: %s", e.Code, e.Op, e.Message)
}

func (e *DriverError) Unwrap() error {
	return e.Err
}

// NewDriverError creates a new DriverError.
func NewDriverError(op, code, message string) *DriverError {
	return &DriverError{Op: op, Code: code, Message: message}
}

// WrapDriverError wraps an existing error with driver context. Deadline
// errors are classified as timeouts.
func WrapDriverError(op, message string, err error) *DriverError {
	code := "failed"
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrOperationTimeout):
		code = "timeout"
	case errors.Is(err, ErrHandleClosed):
		code = "closed"
	}
	return &DriverError{Op: op, Code: code, Message: message, Err: err}
}

// IsUnavailable returns true when a new handle could not be allocated.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrCapacity)
}

// IsRetryableError returns true if the error might succeed on retry.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrHandleClosed) {
		return false
	}
	if errors.Is(err, ErrOperationTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var driverErr *DriverError
	if errors.As(err, &driverErr) {
		switch driverErr.Code {
		case "timeout", "failed":
			return true
		}
	}
	return false
}
