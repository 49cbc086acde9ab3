package audit

import (
	"time"

	id "veriflow/pkg/domain"
)

// EventCategory classifies audit events by their primary purpose.
// This enables different retention policies, storage backends, and routing.
type EventCategory string

const (
	// CategoryCompliance covers events with legal/regulatory significance.
	// Verification outcomes fall here: they justify whether an identity
	// claim was accepted and require long retention.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers events relevant to security monitoring,
	// such as rate limit rejections and blocked identity lookups.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine events useful for debugging.
	// These can be sampled or aggregated with shorter retention.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Timestamp    time.Time
	SessionID    id.SessionID
	IdentityRef  id.IdentityID
	OperatorRef  id.OperatorID
	BoothRef     id.BoothID
	Action       string
	Method       string
	State        string
	AttemptCount int
	Decision     string
	Reason       string
	// RequestID is the correlation ID from the HTTP request context.
	RequestID string
	// ClientIP supports security forensics for booth traffic.
	ClientIP string
}

type AuditEvent string

const (
	// Session lifecycle events
	EventSessionCreated   AuditEvent = "session_created"
	EventMethodStarted    AuditEvent = "method_started"
	EventAttemptRecorded  AuditEvent = "attempt_recorded"
	EventSessionPassed    AuditEvent = "session_passed"
	EventSessionFailed    AuditEvent = "session_failed"
	EventSessionCancelled AuditEvent = "session_cancelled"
	EventSessionTimedOut  AuditEvent = "session_timed_out"

	// Gate events
	EventRateLimitExceeded  AuditEvent = "rate_limit_exceeded"
	EventIdentityIneligible AuditEvent = "identity_ineligible"
	EventDuplicateRejected  AuditEvent = "duplicate_session_rejected"
)

// eventCategories maps each audit event to its category.
var eventCategories = map[AuditEvent]EventCategory{
	// Compliance events - verification outcomes require tamper-proof storage
	EventSessionPassed:    CategoryCompliance,
	EventSessionFailed:    CategoryCompliance,
	EventSessionTimedOut:  CategoryCompliance,
	EventSessionCancelled: CategoryCompliance,

	// Security events - feed into SIEM and alerting
	EventRateLimitExceeded:  CategorySecurity,
	EventIdentityIneligible: CategorySecurity,
	EventDuplicateRejected:  CategorySecurity,

	// Operations events - routine activity, can be sampled
	EventSessionCreated:  CategoryOperations,
	EventMethodStarted:   CategoryOperations,
	EventAttemptRecorded: CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}
