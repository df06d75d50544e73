package adapters

import (
	"errors"
	"fmt"
)

// Code is the error taxonomy shared by every backend.
type Code string

const (
	CodeUnavailable Code = "UNAVAILABLE"
	CodeRuntime     Code = "RUNTIME"
	CodeUsage       Code = "USAGE"
	CodeTimeout     Code = "TIMEOUT"
	CodeCancelled   Code = "CANCELLED"
)

// Stable fallback codes surfaced to callers.
const (
	FallbackSessionInitFailed         = "ACP_SESSION_INIT_FAILED"
	FallbackTurnFailed                = "ACP_TURN_FAILED"
	FallbackInvalidRuntimeOption      = "ACP_INVALID_RUNTIME_OPTION"
	FallbackBackendUnavailable        = "ACP_BACKEND_UNAVAILABLE"
	FallbackBackendUnsupportedControl = "ACP_BACKEND_UNSUPPORTED_CONTROL"
	FallbackSessionBusy               = "ACP_SESSION_BUSY"
	FallbackSessionNotFound           = "ACP_SESSION_NOT_FOUND"
)

// Error is a classified runtime failure.
type Error struct {
	Code      Code
	Fallback  string
	Message   string
	Retryable bool
	Err       error
}

// NewError creates a classified error.
func NewError(code Code, fallback, message string) *Error {
	return &Error{Code: code, Fallback: fallback, Message: message}
}

// Wrap classifies err. A nil err yields a plain classified error.
func Wrap(code Code, fallback, message string, err error) *Error {
	return &Error{Code: code, Fallback: fallback, Message: message, Err: err}
}

func (e *Error) Error() string {
	prefix := string(e.Code)
	if e.Fallback != "" {
		prefix = e.Fallback
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf returns the taxonomy code of err, or CodeRuntime for unclassified
// errors. A nil err yields the empty code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeRuntime
}

// FallbackOf returns the stable fallback code of err, defaulting to
// ACP_TURN_FAILED for unclassified errors.
func FallbackOf(err error) string {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) && ae.Fallback != "" {
		return ae.Fallback
	}
	return FallbackTurnFailed
}
