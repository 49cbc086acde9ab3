package service

import (
	"context"
	"time"

	"veriflow/internal/audit"
	"veriflow/internal/ratelimit"
	"veriflow/internal/verification/models"
	"veriflow/internal/verifier"
	id "veriflow/pkg/domain"
	dErrors "veriflow/pkg/domain-errors"
)

func (s *ServiceSuite) TestAttemptPasses() {
	ctx := context.Background()
	s.provider.script = []scriptedStep{pass(1)}

	started := s.start(id.MethodOTP)
	result, err := s.svc.RecordAttempt(ctx, started.ID, verifier.Payload{"code": "483921"})
	s.Require().NoError(err)

	s.True(result.Passed)
	s.Equal(models.StateSuccess, result.Session.State)
	s.Equal(1, result.Session.AttemptCount)
	s.Require().NotNil(result.Session.Result)
	s.Equal(models.ResultPassed, result.Session.Result.Status)
	s.Equal(100, result.Session.Result.Score)
	s.NotNil(result.Session.CompletedAt)

	s.Equal([]string{
		string(audit.EventSessionCreated),
		string(audit.EventMethodStarted),
		string(audit.EventAttemptRecorded),
		string(audit.EventSessionPassed),
	}, s.auditActions(started.ID))
}

func (s *ServiceSuite) TestAttemptBelowThresholdFails() {
	ctx := context.Background()
	// Face threshold is 0.8; a 0.79 match is not good enough.
	s.provider.script = []scriptedStep{{outcome: verifier.Outcome{Match: true, Confidence: 0.79}}}

	started := s.start(id.MethodFace)
	result, err := s.svc.RecordAttempt(ctx, started.ID, verifier.Payload{"capture_ref": "cap-1"})
	s.Require().NoError(err)

	s.False(result.Passed)
	s.Equal(models.StateInProgress, result.Session.State)
	s.Equal(2, result.AttemptsRemaining)

	// The committed write carries the outcome in the record's own trail.
	last := result.Session.Events[len(result.Session.Events)-1]
	s.Equal(models.EventAttemptNoMatch, last.Name)
	s.Equal("2", last.Data["remaining"])
}

func (s *ServiceSuite) TestAttemptExhaustionFailsSession() {
	ctx := context.Background()
	s.provider.script = []scriptedStep{reject()}

	started := s.start(id.MethodOTP)
	for i := 1; i <= 2; i++ {
		result, err := s.svc.RecordAttempt(ctx, started.ID, verifier.Payload{"code": "000000"})
		s.Require().NoError(err)
		s.Equal(models.StateInProgress, result.Session.State)
		s.Equal(3-i, result.AttemptsRemaining)
	}

	result, err := s.svc.RecordAttempt(ctx, started.ID, verifier.Payload{"code": "000000"})
	s.Require().NoError(err)
	s.Equal(models.StateFailed, result.Session.State)
	s.Equal(0, result.AttemptsRemaining)
	s.Require().NotNil(result.Session.Result)
	s.Equal(models.ReasonMaxAttemptsExhausted, result.Session.Result.FailureReason)

	// The session is terminal; a fourth attempt is a state violation, not
	// a counter violation.
	_, err = s.svc.RecordAttempt(ctx, started.ID, verifier.Payload{"code": "000000"})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidStateTransition))
	s.Equal("3", dErrors.MetaOf(err)["attempt_count"])
}

func (s *ServiceSuite) TestOverLimitAttemptFailsStalledSession() {
	ctx := context.Background()
	s.provider.script = []scriptedStep{reject()}

	started := s.start(id.MethodOTP)

	// Seed a session stalled at the ceiling: counted attempts that never
	// settled, the shape a booth crash mid-attempt leaves behind.
	stalled, err := s.sessions.Get(ctx, started.ID)
	s.Require().NoError(err)
	stalled.AttemptCount = stalled.MaxAttempts
	_, err = s.sessions.Put(ctx, stalled, stalled.SyncVersion)
	s.Require().NoError(err)

	_, err = s.svc.RecordAttempt(ctx, started.ID, verifier.Payload{"code": "000000"})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidStateTransition))

	// The rejected attempt closed the session instead of leaving it idle
	// for the sweeper, and never reached the provider.
	s.Equal(0, s.provider.calls)
	view, err := s.svc.Get(ctx, started.ID)
	s.Require().NoError(err)
	s.Equal(models.StateFailed, view.State)
	s.Require().NotNil(view.Result)
	s.Equal(models.ReasonMaxAttemptsExhausted, view.Result.FailureReason)
}

func (s *ServiceSuite) TestAttemptProviderOutage() {
	ctx := context.Background()
	s.provider.script = []scriptedStep{outage()}

	started := s.start(id.MethodOTP)
	_, err := s.svc.RecordAttempt(ctx, started.ID, verifier.Payload{"code": "483921"})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeVerifierUnavailable))

	// One initial contact plus two bounded retries.
	s.Equal(3, s.provider.calls)

	view, err := s.svc.Get(ctx, started.ID)
	s.Require().NoError(err)
	s.Equal(models.StateFailed, view.State)
	s.Require().NotNil(view.Result)
	s.Equal(models.ReasonVerifierUnavailable, view.Result.FailureReason)
}

func (s *ServiceSuite) TestAttemptProviderRecoversOnRetry() {
	ctx := context.Background()
	s.provider.script = []scriptedStep{outage(), pass(1)}

	started := s.start(id.MethodOTP)
	result, err := s.svc.RecordAttempt(ctx, started.ID, verifier.Payload{"code": "483921"})
	s.Require().NoError(err)
	s.True(result.Passed)
	s.Equal(2, s.provider.calls)
}

func (s *ServiceSuite) TestAttemptBadInputKeepsSessionOpen() {
	ctx := context.Background()
	s.provider.script = []scriptedStep{
		{err: verifier.NewError(verifier.CategoryBadInput, id.MethodOTP, "code missing", nil)},
	}

	started := s.start(id.MethodOTP)
	_, err := s.svc.RecordAttempt(ctx, started.ID, verifier.Payload{})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	// Bad input is not retried against the provider.
	s.Equal(1, s.provider.calls)

	// The attempt still counted, but the session stays open for a
	// corrected payload.
	view, err := s.svc.Get(ctx, started.ID)
	s.Require().NoError(err)
	s.Equal(models.StateInProgress, view.State)
	s.Equal(1, view.AttemptCount)
}

func (s *ServiceSuite) TestAttemptBoothRateLimit() {
	ctx := context.Background()
	s.provider.script = []scriptedStep{reject()}

	// Rebuild the service with a one-attempt booth window.
	windows := ratelimit.NewMemoryWindowStore(s.clk)
	registry, err := verifier.NewRegistry(map[id.Method]verifier.Provider{id.MethodOTP: s.provider})
	s.Require().NoError(err)
	s.svc = NewService(
		s.sessions,
		s.dir,
		ratelimit.NewIdentityGovernor(windows, 5, 24*time.Hour),
		ratelimit.NewBoothGovernor(windows, 1, time.Minute),
		registry,
		audit.NewPublisher(s.sink),
		WithClock(s.clk),
	)

	started := s.start(id.MethodOTP)
	_, err = s.svc.RecordAttempt(ctx, started.ID, verifier.Payload{"code": "000000"})
	s.Require().NoError(err)

	_, err = s.svc.RecordAttempt(ctx, started.ID, verifier.Payload{"code": "000000"})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeRateLimited))

	// The gated attempt never touched the counter.
	view, err := s.svc.Get(ctx, started.ID)
	s.Require().NoError(err)
	s.Equal(1, view.AttemptCount)

	// The window slides open again.
	s.clk.Advance(61 * time.Second)
	_, err = s.svc.RecordAttempt(ctx, started.ID, verifier.Payload{"code": "000000"})
	s.NoError(err)
}

func (s *ServiceSuite) TestAttemptOnExpiredSessionTimesItOut() {
	ctx := context.Background()
	s.provider.script = []scriptedStep{pass(1)}

	started := s.start(id.MethodOTP)
	s.clk.Advance(10*time.Minute + time.Second)

	_, err := s.svc.RecordAttempt(ctx, started.ID, verifier.Payload{"code": "483921"})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeSessionExpired))

	// The deadline check fired before the provider was contacted.
	s.Equal(0, s.provider.calls)

	view, err := s.svc.Get(ctx, started.ID)
	s.Require().NoError(err)
	s.Equal(models.StateTimeout, view.State)
}

func (s *ServiceSuite) TestStartMethodOnExpiredSessionTimesItOut() {
	ctx := context.Background()

	session := s.create()
	s.clk.Advance(10*time.Minute + time.Second)

	_, err := s.svc.StartMethod(ctx, session.ID, id.MethodOTP)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeSessionExpired))

	view, err := s.svc.Get(ctx, session.ID)
	s.Require().NoError(err)
	s.Equal(models.StateTimeout, view.State)
	s.Equal([]string{
		string(audit.EventSessionCreated),
		string(audit.EventSessionTimedOut),
	}, s.auditActions(session.ID))
}

func (s *ServiceSuite) TestConcurrentAttemptsNeverExceedCeiling() {
	ctx := context.Background()
	s.provider.script = []scriptedStep{reject()}

	started := s.start(id.MethodOTP)

	done := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			_, err := s.svc.RecordAttempt(ctx, started.ID, verifier.Payload{"code": "000000"})
			done <- err
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	view, err := s.svc.Get(ctx, started.ID)
	s.Require().NoError(err)
	s.LessOrEqual(view.AttemptCount, 3)
	s.Equal(models.StateFailed, view.State)
}

// TestAttemptLosingToCancelSeesTerminalState lands a cancellation inside the
// attempt's read-commit window. Exactly one writer wins per version; the
// attempt's retry re-reads the cancelled record and reports it terminal.
func (s *ServiceSuite) TestAttemptLosingToCancelSeesTerminalState() {
	ctx := context.Background()
	s.provider.script = []scriptedStep{reject()}

	wrapped := &interceptStore{Memory: s.sessions}
	s.rewire(wrapped)

	started := s.start(id.MethodOTP)
	wrapped.before = func() {
		_, err := s.svc.Cancel(ctx, started.ID, "operator walked away")
		s.Require().NoError(err)
	}
	wrapped.armed.Store(true)

	_, err := s.svc.RecordAttempt(ctx, started.ID, verifier.Payload{"code": "000000"})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidStateTransition))
	s.Equal("cancelled", dErrors.MetaOf(err)["state"])

	// The cancellation committed first; the attempt never counted.
	view, err := s.svc.Get(ctx, started.ID)
	s.Require().NoError(err)
	s.Equal(models.StateCancelled, view.State)
	s.Zero(view.AttemptCount)
}

// The deadline path races the same way: a cancel that commits between the
// expiry check and the timeout write ends the session CANCELLED, and the
// attempt is told so rather than being sold a timeout that never landed.
func (s *ServiceSuite) TestExpiredAttemptLosingToCancelReportsCancellation() {
	ctx := context.Background()
	s.provider.script = []scriptedStep{pass(1)}

	wrapped := &interceptStore{Memory: s.sessions}
	s.rewire(wrapped)

	started := s.start(id.MethodOTP)
	s.clk.Advance(10*time.Minute + time.Second)

	wrapped.before = func() {
		_, err := s.svc.Cancel(ctx, started.ID, "booth closing")
		s.Require().NoError(err)
	}
	wrapped.armed.Store(true)

	_, err := s.svc.RecordAttempt(ctx, started.ID, verifier.Payload{"code": "483921"})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidStateTransition))
	s.Equal("cancelled", dErrors.MetaOf(err)["state"])

	view, err := s.svc.Get(ctx, started.ID)
	s.Require().NoError(err)
	s.Equal(models.StateCancelled, view.State)
}
