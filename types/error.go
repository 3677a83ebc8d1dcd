package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the module.
type ErrorCode string

const (
	// ErrTransientService indicates the embedding or generation service was
	// unavailable. Call sites retry with backoff before surfacing it.
	ErrTransientService ErrorCode = "TRANSIENT_SERVICE"

	// ErrMalformedOutput indicates a generation-service response failed
	// schema validation. Treated as a stage-local failure, never fatal.
	ErrMalformedOutput ErrorCode = "MALFORMED_OUTPUT"

	// ErrInvalidOutcome indicates a caller programming error: a failed
	// interaction submitted as a case, or success reported with required
	// fields missing. Surfaced synchronously.
	ErrInvalidOutcome ErrorCode = "INVALID_OUTCOME"

	// ErrConsistencyConflict indicates a concurrent rule-merge race. The
	// rules base retries the compare-and-swap; callers never see it.
	ErrConsistencyConflict ErrorCode = "CONSISTENCY_CONFLICT"

	// ErrDimensionMismatch indicates a vector whose length differs from the
	// store-wide embedding dimension.
	ErrDimensionMismatch ErrorCode = "DIMENSION_MISMATCH"

	// ErrNotFound indicates an entity lookup miss.
	ErrNotFound ErrorCode = "NOT_FOUND"
)

// Error is a structured error with code, message, and an optional cause.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsCode reports whether err (or any error it wraps) carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsRetryable reports whether err is marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error, or "" if it is not a
// structured Error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
