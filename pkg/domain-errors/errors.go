// Package domainerrors defines the coded error type shared by all engine
// layers. Services construct these at the point of failure; transports map
// codes onto their own status vocabulary without inspecting messages.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies a domain error. Codes are stable API: transports and
// callers branch on them, so renaming one is a breaking change.
type Code string

const (
	// Engine taxonomy.
	CodeDuplicateActiveSession Code = "duplicate_active_session"
	CodeInvalidStateTransition Code = "invalid_state_transition"
	CodeSessionExpired         Code = "session_expired"
	CodeRateLimited            Code = "rate_limited"
	CodeVersionConflict        Code = "version_conflict"
	CodeIdentityNotEligible    Code = "identity_not_eligible"
	CodeVerifierUnavailable    Code = "verifier_unavailable"
	CodeNotFound               Code = "not_found"

	// Ambient codes.
	CodeInvalidInput Code = "invalid_input"
	CodeValidation   Code = "validation"
	CodeBadRequest   Code = "bad_request"
	CodeUnauthorized Code = "unauthorized"
	CodeForbidden    Code = "forbidden"
	CodeConflict     Code = "conflict"
	CodeTimeout      Code = "timeout"
	CodeInternal     Code = "internal"
)

// Error is a coded domain error with optional metadata. Metadata carries
// caller-facing context (current session state, attempt count) so a rejected
// operation tells the caller enough to decide between retry, abandon, or
// escalation.
type Error struct {
	Code    Code
	Message string
	Meta    map[string]string
	cause   error
}

// New creates a domain error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a domain error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error, preserving the
// chain for errors.Is / errors.As.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// With attaches a metadata key/value pair and returns the same error for
// chaining. Meta is lazily allocated; errors without metadata stay cheap.
func (e *Error) With(key, value string) *Error {
	if e.Meta == nil {
		e.Meta = make(map[string]string, 2)
	}
	e.Meta[key] = value
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HasCode reports whether err (or anything it wraps) is a domain error with
// the given code.
func HasCode(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// Is is an alias of HasCode kept for call-site readability in tests.
func Is(err error, code Code) bool { return HasCode(err, code) }

// CodeOf extracts the code from an error, defaulting to CodeInternal for
// anything that is not a domain error.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// MetaOf returns the metadata map of a domain error, or nil.
func MetaOf(err error) map[string]string {
	var de *Error
	if errors.As(err, &de) {
		return de.Meta
	}
	return nil
}
