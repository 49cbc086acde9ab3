package models

import (
	"time"

	id "veriflow/pkg/domain"
)

// SessionView is the read-only projection handed to collaborators. Attempt
// payloads, OTP material, and biometric templates never enter the session
// record, and the view drops per-event data as well so nothing sensitive can
// leak through audit echoes. Collaborators get lifecycle facts and event
// names only.
type SessionView struct {
	ID          id.SessionID  `json:"id"`
	IdentityRef id.IdentityID `json:"identity_ref"`
	OperatorRef id.OperatorID `json:"operator_ref"`
	BoothRef    id.BoothID    `json:"booth_ref"`
	Method      id.Method     `json:"method,omitempty"`
	State       State         `json:"state"`

	AttemptCount      int `json:"attempt_count"`
	MaxAttempts       int `json:"max_attempts"`
	AttemptsRemaining int `json:"attempts_remaining"`

	StartedAt   time.Time  `json:"started_at"`
	TimeoutAt   time.Time  `json:"timeout_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Result *Result `json:"result,omitempty"`

	SyncVersion int64 `json:"sync_version"`

	Events []EventView `json:"events"`
}

// EventView is an audit entry with its opaque data stripped.
type EventView struct {
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}

// View builds the redacted projection of a session.
func (s *Session) View() SessionView {
	events := make([]EventView, len(s.Events))
	for i, ev := range s.Events {
		events[i] = EventView{Name: ev.Name, At: ev.At}
	}
	var result *Result
	if s.Result != nil {
		r := *s.Result
		result = &r
	}
	var completedAt *time.Time
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		completedAt = &t
	}
	return SessionView{
		ID:                s.ID,
		IdentityRef:       s.IdentityRef,
		OperatorRef:       s.OperatorRef,
		BoothRef:          s.BoothRef,
		Method:            s.Method,
		State:             s.State,
		AttemptCount:      s.AttemptCount,
		MaxAttempts:       s.MaxAttempts,
		AttemptsRemaining: s.AttemptsRemaining(),
		StartedAt:         s.StartedAt,
		TimeoutAt:         s.TimeoutAt,
		CompletedAt:       completedAt,
		Result:            result,
		SyncVersion:       s.SyncVersion,
		Events:            events,
	}
}
