package strand

import (
	"errors"
	"fmt"
)

// ErrorCode classifies run-level failures. Codes are stable strings so they
// survive serialization into events and persisted states.
type ErrorCode string

const (
	// CodeValidation signals malformed or inconsistent input.
	CodeValidation ErrorCode = "validation"
	// CodeNotFound signals a missing run state or suspension target.
	CodeNotFound ErrorCode = "not_found"
	// CodeUnauthorized is passed through from collaborators.
	CodeUnauthorized ErrorCode = "unauthorized"
	// CodeForbidden is passed through from collaborators.
	CodeForbidden ErrorCode = "forbidden"
	// CodeTimeout signals the run exceeded its manifest timeout.
	CodeTimeout ErrorCode = "timeout"
	// CodeInternal signals an unexpected failure.
	CodeInternal ErrorCode = "internal"
	// CodeProvider signals a failure from the streaming LLM gateway.
	CodeProvider ErrorCode = "provider"
	// CodeTool signals a tool-reported error. Tool errors never fail the
	// loop; they surface as LLM-visible tool results.
	CodeTool ErrorCode = "tool"
	// CodeLockBusy signals another executor holds the run lock.
	CodeLockBusy ErrorCode = "lock_busy"
)

// Error is the run-level error type. It carries a code for classification,
// a human-readable message, and an optional wrapped cause.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates an Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates an Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps err with a code and message. Returns nil if err is nil.
func WrapError(code ErrorCode, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the ErrorCode from err, unwrapping as needed.
// Non-*Error values map to CodeInternal.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf extracts a user-facing message from err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
