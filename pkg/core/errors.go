package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode classifies a failure so callers can decide between retrying,
// degrading, or surfacing the error. User-visible output carries the code and
// message only, never internal stack traces.
type ErrorCode string

const (
	// CodeRegistrationRequired means a call was attempted before SIP
	// registration completed. Recoverable; retry after registration.
	CodeRegistrationRequired ErrorCode = "REGISTRATION_REQUIRED"

	// CodeRegistrationFailed means the registrar rejected our digest or was
	// unreachable. The engine retries on a fixed schedule.
	CodeRegistrationFailed ErrorCode = "REGISTRATION_FAILED"

	// CodeCallTimeout means no final response arrived for an INVITE.
	CodeCallTimeout ErrorCode = "CALL_TIMEOUT"

	// CodeCallFailed carries a SIP status code from a rejected call attempt.
	CodeCallFailed ErrorCode = "CALL_FAILED"

	// CodeTaskTimeout means a worker task produced no result within the hard
	// timeout and was abandoned locally.
	CodeTaskTimeout ErrorCode = "TASK_TIMEOUT"

	// CodePoolNotReady means the worker pool has no alive workers.
	CodePoolNotReady ErrorCode = "POOL_NOT_READY"

	// CodePoolTerminated means the pool was shut down with tasks pending.
	CodePoolTerminated ErrorCode = "POOL_TERMINATED"

	// CodeWorkerTerminated means the worker process exited unexpectedly.
	CodeWorkerTerminated ErrorCode = "WORKER_PROCESS_TERMINATED"

	// CodeAudioConversionFailed is non-fatal; the caller falls back to
	// passing the raw frame through.
	CodeAudioConversionFailed ErrorCode = "AUDIO_CONVERSION_FAILED"

	// CodeUnauthorized means credential validation failed.
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
)

// Error is the structured error type used across the signaling and dispatch
// core. SIPStatus is set for signaling failures, RetryAfter for capacity
// errors that map to a retryable "temporarily unavailable" class.
type Error struct {
	Code       ErrorCode
	Message    string
	SIPStatus  int
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.SIPStatus > 0 {
		return fmt.Sprintf("%s: %s (SIP %d)", e.Code, e.Message, e.SIPStatus)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds a structured error with a formatted message.
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a cause to a structured error.
func WrapError(code ErrorCode, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// RegistrationRequired is returned by call initiation before the SIP
// registration gate opens. No network I/O happens on this path.
func RegistrationRequired() *Error {
	return &Error{
		Code:       CodeRegistrationRequired,
		Message:    "SIP registration not complete",
		RetryAfter: 5 * time.Second,
	}
}

// CallFailed wraps a final SIP rejection into a structured error.
func CallFailed(status int, reason string) *Error {
	return &Error{
		Code:      CodeCallFailed,
		Message:   reason,
		SIPStatus: status,
	}
}

// TaskTimeout marks a task abandoned after the hard result timeout.
func TaskTimeout(taskID string, after time.Duration) *Error {
	return &Error{
		Code:       CodeTaskTimeout,
		Message:    fmt.Sprintf("task %s produced no result within %s", taskID, after),
		RetryAfter: after / 2,
	}
}

// CodeOf extracts the structured code from an error chain, or "" if the error
// is not a structured one.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether the error maps to a capacity/availability
// condition that callers should treat as temporarily unavailable, never a
// platform fault.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeTaskTimeout, CodePoolNotReady, CodeWorkerTerminated, CodeRegistrationRequired:
		return true
	}
	return false
}
