package models

import (
	"strconv"
	"time"

	id "veriflow/pkg/domain"
	"veriflow/pkg/platform/sentinel"
)

// State is the lifecycle state of a verification session.
type State string

const (
	StateInitiated  State = "initiated"
	StateInProgress State = "in_progress"
	StateSuccess    State = "success"
	StateFailed     State = "failed"
	StateTimeout    State = "timeout"
	StateCancelled  State = "cancelled"
)

// transitions is the only authority on which state changes are legal.
// Terminal states have no outgoing edges; nothing leaves them.
var transitions = map[State][]State{
	StateInitiated:  {StateInProgress, StateCancelled, StateTimeout},
	StateInProgress: {StateSuccess, StateFailed, StateTimeout, StateCancelled},
}

// Terminal reports whether no further transitions are permitted.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransitionTo consults the transition table.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s State) String() string { return string(s) }

// ResultStatus summarizes how a session ended.
type ResultStatus string

const (
	ResultPassed    ResultStatus = "passed"
	ResultFailed    ResultStatus = "failed"
	ResultTimedOut  ResultStatus = "timed_out"
	ResultCancelled ResultStatus = "cancelled"
)

// Result is the write-once terminal outcome of a session. Score is 0-100;
// provider confidences in [0,1] are scaled on the way in.
type Result struct {
	Status        ResultStatus `json:"status"`
	Score         int          `json:"score"`
	FailureReason string       `json:"failure_reason,omitempty"`
}

// Event is one append-only audit entry in the session record. Entries are
// never removed; every mutation appends at least one.
type Event struct {
	Name string            `json:"name"`
	At   time.Time         `json:"at"`
	Data map[string]string `json:"data,omitempty"`
}

// Audit event names, one per transition.
const (
	EventSessionCreated   = "session_created"
	EventMethodStarted    = "method_started"
	EventAttemptRecorded  = "attempt_recorded"
	EventAttemptNoMatch   = "attempt_no_match"
	EventSessionPassed    = "session_passed"
	EventSessionFailed    = "session_failed"
	EventSessionCancelled = "session_cancelled"
	EventSessionTimedOut  = "session_timed_out"
)

// Failure reasons with contractual wording; callers match on these.
const (
	ReasonMaxAttemptsExhausted = "max attempts exhausted"
	ReasonVerifierUnavailable  = "verifier unavailable"
)

// Session is the central record: one bounded attempt to verify a single
// claimed identity by one method. All mutation goes through the transition
// methods below, which validate against the state machine, mutate the
// receiver, append the audit entry, and return it for external publication.
// The store's version check makes the mutation visible atomically or not at
// all; callers work on a copy loaded from the store.
type Session struct {
	ID          id.SessionID  `json:"id"`
	IdentityRef id.IdentityID `json:"identity_ref"`
	OperatorRef id.OperatorID `json:"operator_ref"`
	BoothRef    id.BoothID    `json:"booth_ref"`
	Method      id.Method     `json:"method,omitempty"`
	State       State         `json:"state"`

	AttemptCount int `json:"attempt_count"`
	MaxAttempts  int `json:"max_attempts"`

	StartedAt   time.Time  `json:"started_at"`
	TimeoutAt   time.Time  `json:"timeout_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Result *Result `json:"result,omitempty"`

	// SyncVersion strictly increases on every committed mutation. It drives
	// optimistic concurrency in the store and conflict detection during
	// offline sync.
	SyncVersion int64 `json:"sync_version"`

	Events []Event `json:"events"`
}

// New creates a session in INITIATED with its timeout fixed. TimeoutAt is
// never extended afterwards; total verification wall-time is bounded
// regardless of attempt count.
func New(sessionID id.SessionID, identityRef id.IdentityID, operatorRef id.OperatorID, boothRef id.BoothID, now time.Time, timeout time.Duration, maxAttempts int) *Session {
	s := &Session{
		ID:          sessionID,
		IdentityRef: identityRef,
		OperatorRef: operatorRef,
		BoothRef:    boothRef,
		State:       StateInitiated,
		MaxAttempts: maxAttempts,
		StartedAt:   now,
		TimeoutAt:   now.Add(timeout),
	}
	s.append(EventSessionCreated, now, map[string]string{
		"operator": operatorRef.String(),
		"booth":    boothRef.String(),
	})
	return s
}

// Active reports whether the session still accepts verification work.
func (s *Session) Active() bool {
	return s.State == StateInitiated || s.State == StateInProgress
}

// Expired reports whether the fixed deadline has passed.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.TimeoutAt)
}

// AttemptsRemaining returns how many counted attempts are left.
func (s *Session) AttemptsRemaining() int {
	remaining := s.MaxAttempts - s.AttemptCount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// StartMethod locks the session onto a verification method and moves it to
// IN_PROGRESS. The method is immutable afterwards; switching methods
// requires a new session.
func (s *Session) StartMethod(method id.Method, now time.Time) (Event, error) {
	if s.State != StateInitiated {
		return Event{}, sentinel.ErrInvalidState
	}
	if s.Expired(now) {
		return Event{}, sentinel.ErrExpired
	}
	s.Method = method
	s.State = StateInProgress
	return s.append(EventMethodStarted, now, map[string]string{"method": method.String()}), nil
}

// RecordAttempt counts one verification attempt. It rejects the attempt
// before mutating anything when the session is not IN_PROGRESS, the deadline
// has passed, or the counter is already at the ceiling.
func (s *Session) RecordAttempt(now time.Time) (Event, error) {
	if s.State != StateInProgress {
		return Event{}, sentinel.ErrInvalidState
	}
	if s.Expired(now) {
		return Event{}, sentinel.ErrExpired
	}
	if s.AttemptCount >= s.MaxAttempts {
		return Event{}, sentinel.ErrInvalidState
	}
	s.AttemptCount++
	return s.append(EventAttemptRecorded, now, map[string]string{
		"attempt": itoa(s.AttemptCount),
		"of":      itoa(s.MaxAttempts),
	}), nil
}

// RecordNoMatch appends the failed outcome of a counted attempt that leaves
// the session open for another try. Every committed mutation carries at
// least one entry; this is that entry for the stay-open path.
func (s *Session) RecordNoMatch(now time.Time) (Event, error) {
	if s.State != StateInProgress {
		return Event{}, sentinel.ErrInvalidState
	}
	return s.append(EventAttemptNoMatch, now, map[string]string{
		"remaining": itoa(s.AttemptsRemaining()),
	}), nil
}

// Complete moves the session to SUCCESS with the given score (0-100).
func (s *Session) Complete(score int, now time.Time) (Event, error) {
	if !s.State.CanTransitionTo(StateSuccess) {
		return Event{}, sentinel.ErrInvalidState
	}
	s.State = StateSuccess
	s.CompletedAt = &now
	s.Result = &Result{Status: ResultPassed, Score: score}
	return s.append(EventSessionPassed, now, map[string]string{"score": itoa(score)}), nil
}

// Fail moves the session to FAILED with the given reason.
func (s *Session) Fail(reason string, now time.Time) (Event, error) {
	if !s.State.CanTransitionTo(StateFailed) {
		return Event{}, sentinel.ErrInvalidState
	}
	s.State = StateFailed
	s.CompletedAt = &now
	s.Result = &Result{Status: ResultFailed, FailureReason: reason}
	return s.append(EventSessionFailed, now, map[string]string{"reason": reason}), nil
}

// Cancel moves the session to CANCELLED. Allowed from INITIATED and
// IN_PROGRESS only.
func (s *Session) Cancel(reason string, now time.Time) (Event, error) {
	if !s.State.CanTransitionTo(StateCancelled) {
		return Event{}, sentinel.ErrInvalidState
	}
	s.State = StateCancelled
	s.CompletedAt = &now
	s.Result = &Result{Status: ResultCancelled, FailureReason: reason}
	return s.append(EventSessionCancelled, now, map[string]string{"reason": reason}), nil
}

// ForceTimeout moves an expired active session to TIMEOUT. Returns
// sentinel.ErrInvalidState when the session is already terminal and
// sentinel.ErrInvalidState when the deadline has not yet passed.
func (s *Session) ForceTimeout(now time.Time) (Event, error) {
	if !s.State.CanTransitionTo(StateTimeout) {
		return Event{}, sentinel.ErrInvalidState
	}
	if !s.Expired(now) {
		return Event{}, sentinel.ErrInvalidState
	}
	s.State = StateTimeout
	s.CompletedAt = &now
	s.Result = &Result{Status: ResultTimedOut, FailureReason: "session timed out"}
	return s.append(EventSessionTimedOut, now, nil), nil
}

// Clone returns a deep copy. Stores hand out clones so callers can mutate
// freely before committing via the version check.
func (s *Session) Clone() *Session {
	cp := *s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cp.CompletedAt = &t
	}
	if s.Result != nil {
		r := *s.Result
		cp.Result = &r
	}
	cp.Events = make([]Event, len(s.Events))
	copy(cp.Events, s.Events)
	for i, ev := range s.Events {
		if ev.Data != nil {
			data := make(map[string]string, len(ev.Data))
			for k, v := range ev.Data {
				data[k] = v
			}
			cp.Events[i].Data = data
		}
	}
	return &cp
}

func (s *Session) append(name string, at time.Time, data map[string]string) Event {
	ev := Event{Name: name, At: at, Data: data}
	s.Events = append(s.Events, ev)
	return ev
}

func itoa(n int) string { return strconv.Itoa(n) }
