package rsm

import (
	"errors"
	"fmt"
)

// Error is a structured rsm error with operation context.
type Error struct {
	Op    string    // operation that failed (e.g. "Submit", "Start")
	ID    int64     // instance id (-1 if not applicable)
	Code  ErrorCode // high-level error category
	Msg   string    // human-readable message
	Inner error     // wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" && e.ID >= 0 {
		return fmt.Sprintf("rsm: %s (op=%s id=%d)", msg, e.Op, e.ID)
	}
	if e.Op != "" {
		return fmt.Sprintf("rsm: %s (op=%s)", msg, e.Op)
	}
	return fmt.Sprintf("rsm: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches two structured errors by code.
func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	// ErrCodePrecondition marks caller misuse: submitting an id beyond the
	// sequence, or forgetting above the done pointer.
	ErrCodePrecondition ErrorCode = "precondition failed"

	// ErrCodeCodec marks a serialization failure surfaced at submit time.
	ErrCodeCodec ErrorCode = "codec failure"

	// ErrCodeCoordinate marks a consensus submission failure.
	ErrCodeCoordinate ErrorCode = "coordinate failed"

	// ErrCodeNotStarted marks use of a driver that has not been started.
	ErrCodeNotStarted ErrorCode = "driver not started"

	// ErrCodeStarted marks a second Start on a running driver.
	ErrCodeStarted ErrorCode = "driver already started"

	// ErrCodeRecovery marks a failure to read durable progress at start.
	ErrCodeRecovery ErrorCode = "recovery failed"
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, ID: -1, Code: code, Msg: msg}
}

// NewInstanceError creates a new structured error for a specific instance
func NewInstanceError(op string, id int64, code ErrorCode, msg string) *Error {
	return &Error{Op: op, ID: id, Code: code, Msg: msg}
}

// WrapError wraps an existing error with rsm context
func WrapError(op string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}
	return &Error{Op: op, ID: -1, Code: code, Msg: inner.Error(), Inner: inner}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Code == code
	}
	return false
}
