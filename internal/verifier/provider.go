// Package verifier defines the capability interface the engine uses to
// evaluate verification attempts, plus the concrete per-method adapters. The
// engine only ever sees an Outcome and the confidence-threshold comparison;
// matching algorithms live behind external collaborators.
package verifier

import (
	"context"
	"errors"
	"fmt"

	id "veriflow/pkg/domain"
)

// Payload carries the attempt input supplied by the booth client: an OTP
// code, a face-capture reference, a scanned-document reference, a manual
// justification. The engine treats it as opaque and never persists it.
type Payload map[string]string

// Outcome is one evaluated verification attempt.
type Outcome struct {
	// Match reports whether the provider considers the evidence to match
	// the claimed identity. The engine still applies the per-method
	// confidence threshold on top.
	Match bool

	// Confidence in [0, 1]. Exact-match methods report 1 on match.
	Confidence float64

	// Details is provider-specific diagnostic data, kept out of session
	// records and surfaced only through the engine's response to the
	// operator.
	Details map[string]string
}

// Provider evaluates verification attempts for one method.
type Provider interface {
	Attempt(ctx context.Context, identityRef id.IdentityID, payload Payload) (Outcome, error)
}

// Category normalizes provider failures so the engine can tell retryable
// infrastructure trouble from permanent rejection.
type Category string

const (
	CategoryTimeout  Category = "timeout"
	CategoryOutage   Category = "outage"
	CategoryBadInput Category = "bad_input"
	CategoryInternal Category = "internal"
)

// Error wraps provider failures with a normalized category.
type Error struct {
	Category Category
	Method   id.Method
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s verifier [%s]: %s: %v", e.Method, e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s verifier [%s]: %s", e.Method, e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a categorized provider error.
func NewError(category Category, method id.Method, message string, cause error) *Error {
	return &Error{Category: category, Method: method, Message: message, Cause: cause}
}

// IsRetryable reports whether the failure is worth another provider contact.
// Timeouts and outages are; bad input and internal bugs are not.
func IsRetryable(err error) bool {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Category == CategoryTimeout || ve.Category == CategoryOutage
	}
	return false
}
