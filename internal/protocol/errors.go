package protocol

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrorCode categorizes errors surfaced in a response.
type ErrorCode string

const (
	// Contention (retryable).
	CodeLockHeld              ErrorCode = "LOCK_HELD"
	CodeLockTimeout           ErrorCode = "LOCK_TIMEOUT"
	CodeIdempotencyProcessing ErrorCode = "IDEMPOTENCY_PROCESSING"

	// Conflict: idempotency key reused with different arguments.
	CodeIdempotencyConflict ErrorCode = "IDEMPOTENCY_CONFLICT"

	// Ownership violation.
	CodeLockOwnershipMismatch ErrorCode = "LOCK_OWNERSHIP_MISMATCH"

	// Not found, including expired.
	CodeLockNotFound      ErrorCode = "LOCK_NOT_FOUND"
	CodeOperationNotFound ErrorCode = "OPERATION_NOT_FOUND"
	CodeReplayNotFound    ErrorCode = "REPLAY_NOT_FOUND"
	CodeFunctionNotFound  ErrorCode = "FUNCTION_NOT_FOUND"

	// Cannot transition.
	CodeOperationCannotCancel  ErrorCode = "OPERATION_CANNOT_CANCEL"
	CodeReplayCannotTransition ErrorCode = "REPLAY_CANNOT_TRANSITION"

	// Transient unavailability (maintenance, capacity).
	CodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// Client errors.
	CodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	CodeInvalidExtension ErrorCode = "INVALID_EXTENSION"
	CodeForbidden        ErrorCode = "FORBIDDEN"

	// Function outcomes.
	CodeFunctionError      ErrorCode = "FUNCTION_ERROR"
	CodeOperationCancelled ErrorCode = "OPERATION_CANCELLED"

	// Infrastructure.
	CodeInternalStorageError ErrorCode = "INTERNAL_STORAGE_ERROR"
	CodeInternalError        ErrorCode = "INTERNAL_ERROR"
)

// Unavailable reasons that make a request eligible for replay.
const (
	ReasonMaintenance = "maintenance"
	ReasonCapacity    = "capacity"
)

var retryableCodes = map[ErrorCode]bool{
	CodeLockHeld:              true,
	CodeLockTimeout:           true,
	CodeIdempotencyProcessing: true,
	CodeServiceUnavailable:    true,
	CodeInternalStorageError:  true,
}

// Error is a structured error carried in a response envelope.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode `json:"code"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Retryable tells the client whether the same request may succeed later.
	Retryable bool `json:"retryable"`

	// RetryAfter is a suggested wait in seconds for contention errors.
	RetryAfter float64 `json:"retry_after,omitempty"`

	// Details contains additional context.
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates an Error whose retryability follows the code.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Retryable: retryableCodes[code],
	}
}

// WithRetryAfter sets a suggested wait, rounded up to whole milliseconds.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	if d > 0 {
		e.RetryAfter = math.Ceil(d.Seconds()*1000) / 1000
	}
	return e
}

// WithDetail adds a key to Details.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Unavailable creates a SERVICE_UNAVAILABLE error for reason. Functions
// return it to signal a transient condition that qualifies for replay.
func Unavailable(reason string) *Error {
	return NewError(CodeServiceUnavailable, "service unavailable: %s", reason).
		WithDetail("reason", reason)
}

// AsError extracts an *Error from err. Uses errors.As to handle wrapping.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// CodeOf returns the code of err, or "" when err is not an *Error.
func CodeOf(err error) ErrorCode {
	if pe, ok := AsError(err); ok {
		return pe.Code
	}
	return ""
}

// IsRetryable reports whether err is an *Error marked retryable.
func IsRetryable(err error) bool {
	pe, ok := AsError(err)
	return ok && pe.Retryable
}

// IsUnavailable reports whether err is a SERVICE_UNAVAILABLE error.
func IsUnavailable(err error) bool {
	return CodeOf(err) == CodeServiceUnavailable
}

// UnavailableReason returns the reason of a SERVICE_UNAVAILABLE error.
func UnavailableReason(err error) string {
	pe, ok := AsError(err)
	if !ok || pe.Code != CodeServiceUnavailable {
		return ""
	}
	reason, _ := pe.Details["reason"].(string)
	return reason
}
