package service

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"veriflow/internal/audit"
	"veriflow/internal/verification/models"
	"veriflow/internal/verifier"
	id "veriflow/pkg/domain"
	dErrors "veriflow/pkg/domain-errors"
	"veriflow/pkg/platform/sentinel"
)

// AttemptResult is the operator-facing outcome of one verification attempt.
type AttemptResult struct {
	Session           *models.Session
	Passed            bool
	Confidence        float64
	AttemptsRemaining int
}

// RecordAttempt evaluates one piece of evidence against the session's locked
// method. The attempt is counted before the provider is contacted, so a
// crash or provider outage can never grant a free retry beyond the ceiling.
//
// A passing outcome at or above the method threshold completes the session.
// A failing outcome on the last attempt fails it. Provider trouble is
// retried a bounded number of times; once exhausted the session fails with
// reason "verifier unavailable" rather than staying open indefinitely.
func (s *Service) RecordAttempt(ctx context.Context, sessionID id.SessionID, payload verifier.Payload) (*AttemptResult, error) {
	ctx, span := s.span(ctx, "verification.RecordAttempt", sessionID)
	defer span.End()

	counted, err := s.countAttempt(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	method := counted.Method
	span.SetAttributes(
		attribute.String("method", method.String()),
		attribute.Int("attempt", counted.AttemptCount),
	)
	s.audit(ctx, counted, audit.EventAttemptRecorded, "", "")

	outcome, err := s.evaluate(ctx, method, counted.IdentityRef, payload)
	if err != nil {
		return s.failUnavailable(ctx, sessionID, err)
	}

	threshold := s.providers.Threshold(method)
	passed := outcome.Match && outcome.Confidence >= threshold
	if s.metrics != nil {
		label := "failed"
		if passed {
			label = "passed"
		}
		s.metrics.AttemptsRecorded.WithLabelValues(method.String(), label).Inc()
	}

	return s.settle(ctx, sessionID, passed, outcome.Confidence)
}

// countAttempt commits the attempt counter increment. Booth throughput is
// gated here, before any state is touched.
func (s *Service) countAttempt(ctx context.Context, sessionID id.SessionID) (*models.Session, error) {
	// The booth reference lives on the session, so a read precedes the gate.
	session, err := s.sessions.Get(ctx, sessionID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "session not found").
			With("session_id", sessionID.String())
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load session")
	}

	result, err := s.boothLimits.Allow(ctx, session.BoothRef)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "booth rate window")
	}
	if !result.Allowed {
		s.audit(ctx, session, audit.EventRateLimitExceeded, "rejected", "booth window exhausted")
		if s.metrics != nil {
			s.metrics.RateLimited.WithLabelValues("booth").Inc()
		}
		return nil, dErrors.New(dErrors.CodeRateLimited, "booth attempt limit reached").
			With("booth_ref", session.BoothRef.String())
	}

	now := s.now(ctx)
	var exhausted bool
	counted, err := s.commit(ctx, sessionID, func(session *models.Session) error {
		exhausted = false
		_, err := session.RecordAttempt(now)
		switch {
		case errors.Is(err, sentinel.ErrExpired):
			return errSessionExpired
		case errors.Is(err, sentinel.ErrInvalidState):
			// A counted attempt that never settled can leave the session
			// open at the ceiling. The over-limit attempt is rejected and
			// closes the session rather than leaving it idle until the
			// sweeper finds it.
			if session.State == models.StateInProgress && session.AttemptsRemaining() == 0 {
				exhausted = true
				_, err := session.Fail(models.ReasonMaxAttemptsExhausted, now)
				return err
			}
			return stateErr(session, "record attempt")
		}
		return err
	})
	if errors.Is(err, errSessionExpired) {
		return nil, s.expire(ctx, sessionID, "record attempt")
	}
	if err != nil {
		return nil, err
	}
	if exhausted {
		s.audit(ctx, counted, audit.EventSessionFailed, "failed", models.ReasonMaxAttemptsExhausted)
		if s.metrics != nil {
			s.metrics.SessionsCompleted.WithLabelValues(models.StateFailed.String()).Inc()
		}
		s.logger.InfoContext(ctx, "session failed",
			"session_id", sessionID,
			"reason", models.ReasonMaxAttemptsExhausted,
		)
		return nil, stateErr(counted, "record attempt")
	}
	return counted, nil
}

// evaluate contacts the provider, retrying transient failures.
func (s *Service) evaluate(ctx context.Context, method id.Method, identityRef id.IdentityID, payload verifier.Payload) (verifier.Outcome, error) {
	provider, ok := s.providers.Provider(method)
	if !ok {
		return verifier.Outcome{}, verifier.NewError(verifier.CategoryOutage, method, "no provider registered", nil)
	}

	var lastErr error
	for try := 0; try <= s.verifierRetries; try++ {
		outcome, err := provider.Attempt(ctx, identityRef, payload)
		if err == nil {
			return outcome, nil
		}
		lastErr = err
		if !verifier.IsRetryable(err) {
			break
		}
		s.logger.WarnContext(ctx, "verifier attempt failed, retrying",
			"method", method,
			"try", try+1,
			"error", err,
		)
	}
	return verifier.Outcome{}, lastErr
}

// failUnavailable closes the session when the provider cannot produce an
// outcome. Bad input is the one exception: the operator can correct the
// payload, so the attempt stands and the session stays open.
func (s *Service) failUnavailable(ctx context.Context, sessionID id.SessionID, cause error) (*AttemptResult, error) {
	var verr *verifier.Error
	if errors.As(cause, &verr) && verr.Category == verifier.CategoryBadInput {
		return nil, dErrors.Wrap(cause, dErrors.CodeValidation, "verifier rejected attempt payload").
			With("session_id", sessionID.String())
	}

	now := s.now(ctx)
	committed, err := s.commit(ctx, sessionID, func(session *models.Session) error {
		_, err := session.Fail(models.ReasonVerifierUnavailable, now)
		if errors.Is(err, sentinel.ErrInvalidState) {
			return stateErr(session, "fail session")
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, committed, audit.EventSessionFailed, "failed", models.ReasonVerifierUnavailable)
	if s.metrics != nil {
		s.metrics.SessionsCompleted.WithLabelValues(models.StateFailed.String()).Inc()
	}
	s.logger.ErrorContext(ctx, "session failed, verifier unavailable",
		"session_id", sessionID,
		"error", cause,
	)
	return nil, dErrors.Wrap(cause, dErrors.CodeVerifierUnavailable, "verifier unavailable").
		With("session_id", sessionID.String())
}

// settle commits the terminal (or still-open) state after an evaluated
// attempt.
func (s *Service) settle(ctx context.Context, sessionID id.SessionID, passed bool, confidence float64) (*AttemptResult, error) {
	now := s.now(ctx)
	var exhausted bool
	committed, err := s.commit(ctx, sessionID, func(session *models.Session) error {
		exhausted = false
		if passed {
			_, err := session.Complete(score(confidence), now)
			if errors.Is(err, sentinel.ErrInvalidState) {
				return stateErr(session, "complete session")
			}
			return err
		}
		if session.AttemptsRemaining() == 0 {
			exhausted = true
			_, err := session.Fail(models.ReasonMaxAttemptsExhausted, now)
			if errors.Is(err, sentinel.ErrInvalidState) {
				return stateErr(session, "fail session")
			}
			return err
		}
		// Failed attempt with retries left: the session stays open, and
		// the recorded outcome keeps the committed write honest about why
		// the version moved.
		_, err := session.RecordNoMatch(now)
		if errors.Is(err, sentinel.ErrInvalidState) {
			return stateErr(session, "record attempt outcome")
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	switch {
	case passed:
		s.audit(ctx, committed, audit.EventSessionPassed, "passed", "")
		if s.metrics != nil {
			s.metrics.SessionsCompleted.WithLabelValues(models.StateSuccess.String()).Inc()
		}
		s.logger.InfoContext(ctx, "session passed",
			"session_id", sessionID,
			"confidence", confidence,
		)
	case exhausted:
		s.audit(ctx, committed, audit.EventSessionFailed, "failed", models.ReasonMaxAttemptsExhausted)
		if s.metrics != nil {
			s.metrics.SessionsCompleted.WithLabelValues(models.StateFailed.String()).Inc()
		}
		s.logger.InfoContext(ctx, "session failed",
			"session_id", sessionID,
			"reason", models.ReasonMaxAttemptsExhausted,
		)
	}

	return &AttemptResult{
		Session:           committed,
		Passed:            passed,
		Confidence:        confidence,
		AttemptsRemaining: committed.AttemptsRemaining(),
	}, nil
}

// score maps a provider confidence in [0, 1] onto the stored 0-100 scale.
func score(confidence float64) int {
	n := int(confidence*100 + 0.5)
	if n > 100 {
		n = 100
	}
	if n < 0 {
		n = 0
	}
	return n
}
