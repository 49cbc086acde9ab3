package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"veriflow/internal/audit"
	"veriflow/internal/identity"
	"veriflow/internal/platform/clock"
	"veriflow/internal/ratelimit"
	"veriflow/internal/verification/models"
	"veriflow/internal/verification/store"
	"veriflow/internal/verifier"
	id "veriflow/pkg/domain"
	dErrors "veriflow/pkg/domain-errors"
)

// scriptedProvider replays a fixed sequence of outcomes. The last entry
// repeats once the script runs out.
type scriptedProvider struct {
	script []scriptedStep
	calls  int
}

type scriptedStep struct {
	outcome verifier.Outcome
	err     error
}

func (p *scriptedProvider) Attempt(_ context.Context, _ id.IdentityID, _ verifier.Payload) (verifier.Outcome, error) {
	i := p.calls
	if i >= len(p.script) {
		i = len(p.script) - 1
	}
	p.calls++
	if i < 0 {
		return verifier.Outcome{}, nil
	}
	step := p.script[i]
	return step.outcome, step.err
}

func pass(confidence float64) scriptedStep {
	return scriptedStep{outcome: verifier.Outcome{Match: true, Confidence: confidence}}
}

func reject() scriptedStep {
	return scriptedStep{outcome: verifier.Outcome{Match: false}}
}

func outage() scriptedStep {
	return scriptedStep{err: verifier.NewError(verifier.CategoryOutage, id.MethodOTP, "connection refused", nil)}
}

// interceptStore lets a test land a concurrent write inside another
// operation's read-commit window. Once armed, the hook runs exactly once,
// just before the next Put goes through.
type interceptStore struct {
	*store.Memory
	armed  atomic.Bool
	before func()
}

func (s *interceptStore) Put(ctx context.Context, session *models.Session, expectedVersion int64) (*models.Session, error) {
	if s.armed.CompareAndSwap(true, false) {
		s.before()
	}
	return s.Memory.Put(ctx, session, expectedVersion)
}

type ServiceSuite struct {
	suite.Suite

	clk      *clock.Fake
	sessions *store.Memory
	dir      *identity.Memory
	sink     *audit.Memory
	provider *scriptedProvider
	svc      *Service

	identityRef id.IdentityID
	operatorRef id.OperatorID
	boothRef    id.BoothID
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.clk = clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	s.sessions = store.NewMemory()
	s.dir = identity.NewMemory()
	s.sink = audit.NewMemory()
	s.provider = &scriptedProvider{}

	registry, err := verifier.NewRegistry(map[id.Method]verifier.Provider{
		id.MethodOTP:  s.provider,
		id.MethodFace: s.provider,
	})
	s.Require().NoError(err)

	windows := ratelimit.NewMemoryWindowStore(s.clk)
	s.svc = NewService(
		s.sessions,
		s.dir,
		ratelimit.NewIdentityGovernor(windows, 5, 24*time.Hour),
		ratelimit.NewBoothGovernor(windows, 30, time.Minute),
		registry,
		audit.NewPublisher(s.sink),
		WithClock(s.clk),
	)

	s.identityRef = id.IdentityID(uuid.New())
	s.operatorRef = id.OperatorID(uuid.New())
	s.boothRef = id.BoothID(uuid.New())
	s.dir.Put(identity.Record{ID: s.identityRef})
}

// rewire rebuilds the service over the given session store, keeping the
// remaining collaborators from SetupTest.
func (s *ServiceSuite) rewire(sessions SessionStore) {
	registry, err := verifier.NewRegistry(map[id.Method]verifier.Provider{
		id.MethodOTP:  s.provider,
		id.MethodFace: s.provider,
	})
	s.Require().NoError(err)

	windows := ratelimit.NewMemoryWindowStore(s.clk)
	s.svc = NewService(
		sessions,
		s.dir,
		ratelimit.NewIdentityGovernor(windows, 5, 24*time.Hour),
		ratelimit.NewBoothGovernor(windows, 30, time.Minute),
		registry,
		audit.NewPublisher(s.sink),
		WithClock(s.clk),
	)
}

func (s *ServiceSuite) create() *models.Session {
	session, err := s.svc.Create(context.Background(), s.identityRef, s.operatorRef, s.boothRef)
	s.Require().NoError(err)
	return session
}

func (s *ServiceSuite) start(method id.Method) *models.Session {
	session := s.create()
	started, err := s.svc.StartMethod(context.Background(), session.ID, method)
	s.Require().NoError(err)
	return started
}

func (s *ServiceSuite) auditActions(sessionID id.SessionID) []string {
	events, err := s.sink.ListBySession(context.Background(), sessionID)
	s.Require().NoError(err)
	actions := make([]string, len(events))
	for i, ev := range events {
		actions[i] = ev.Action
	}
	return actions
}

func (s *ServiceSuite) TestCreate() {
	ctx := context.Background()

	s.Run("opens an initiated session with fixed deadline", func() {
		session := s.create()
		s.Equal(models.StateInitiated, session.State)
		s.Equal(int64(1), session.SyncVersion)
		s.Equal(3, session.MaxAttempts)
		s.Equal(s.clk.Now().Add(10*time.Minute), session.TimeoutAt)
		s.Equal([]string{string(audit.EventSessionCreated)}, s.auditActions(session.ID))
	})

	s.Run("rejects second session for the same identity and booth", func() {
		_, err := s.svc.Create(ctx, s.identityRef, s.operatorRef, s.boothRef)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeDuplicateActiveSession))
	})

	s.Run("same identity at a different booth is allowed", func() {
		_, err := s.svc.Create(ctx, s.identityRef, s.operatorRef, id.BoothID(uuid.New()))
		s.NoError(err)
	})

	s.Run("terminal session frees the pair", func() {
		otherIdentity := id.IdentityID(uuid.New())
		s.dir.Put(identity.Record{ID: otherIdentity})
		session, err := s.svc.Create(ctx, otherIdentity, s.operatorRef, s.boothRef)
		s.Require().NoError(err)
		_, err = s.svc.Cancel(ctx, session.ID, "operator left")
		s.Require().NoError(err)

		_, err = s.svc.Create(ctx, otherIdentity, s.operatorRef, s.boothRef)
		s.NoError(err)
	})
}

func (s *ServiceSuite) TestCreateEligibility() {
	ctx := context.Background()

	s.Run("unknown identity", func() {
		_, err := s.svc.Create(ctx, id.IdentityID(uuid.New()), s.operatorRef, s.boothRef)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeIdentityNotEligible))
	})

	s.Run("blocked identity", func() {
		blocked := id.IdentityID(uuid.New())
		s.dir.Put(identity.Record{ID: blocked, Blocked: true})
		_, err := s.svc.Create(ctx, blocked, s.operatorRef, s.boothRef)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeIdentityNotEligible))
	})

	s.Run("identity pinned to another booth", func() {
		pinned := id.IdentityID(uuid.New())
		s.dir.Put(identity.Record{ID: pinned, AssignedBooth: id.BoothID(uuid.New())})
		_, err := s.svc.Create(ctx, pinned, s.operatorRef, s.boothRef)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeIdentityNotEligible))
		s.NotEmpty(dErrors.MetaOf(err)["assigned_booth"])
	})

	s.Run("identity pinned to this booth passes", func() {
		pinned := id.IdentityID(uuid.New())
		s.dir.Put(identity.Record{ID: pinned, AssignedBooth: s.boothRef})
		_, err := s.svc.Create(ctx, pinned, s.operatorRef, s.boothRef)
		s.NoError(err)
	})
}

func (s *ServiceSuite) TestCreateIdentityRateLimit() {
	ctx := context.Background()

	// Limit is 5 per day. Burn through it with created-then-cancelled
	// sessions; cancellation does not refund the window.
	for i := 0; i < 5; i++ {
		session := s.create()
		_, err := s.svc.Cancel(ctx, session.ID, "retry")
		s.Require().NoError(err)
	}

	_, err := s.svc.Create(ctx, s.identityRef, s.operatorRef, s.boothRef)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeRateLimited))
	s.NotEmpty(dErrors.MetaOf(err)["retry_after"])

	// The window slides: a day later the identity is eligible again.
	s.clk.Advance(24*time.Hour + time.Minute)
	_, err = s.svc.Create(ctx, s.identityRef, s.operatorRef, s.boothRef)
	s.NoError(err)
}

func (s *ServiceSuite) TestStartMethod() {
	ctx := context.Background()

	s.Run("locks the method and moves to in progress", func() {
		session := s.create()
		started, err := s.svc.StartMethod(ctx, session.ID, id.MethodOTP)
		s.Require().NoError(err)
		s.Equal(models.StateInProgress, started.State)
		s.Equal(id.MethodOTP, started.Method)
		s.Equal(int64(2), started.SyncVersion)
	})

	s.Run("rejects a method with no registered provider", func() {
		otherIdentity := id.IdentityID(uuid.New())
		s.dir.Put(identity.Record{ID: otherIdentity})
		session, err := s.svc.Create(ctx, otherIdentity, s.operatorRef, s.boothRef)
		s.Require().NoError(err)

		_, err = s.svc.StartMethod(ctx, session.ID, id.MethodBiometric)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeVerifierUnavailable))

		// The session is untouched and can still start a valid method.
		_, err = s.svc.StartMethod(ctx, session.ID, id.MethodOTP)
		s.NoError(err)
	})

	s.Run("rejects a second method start", func() {
		started := s.startFresh(id.MethodOTP)
		_, err := s.svc.StartMethod(ctx, started.ID, id.MethodFace)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidStateTransition))
		s.Equal("in_progress", dErrors.MetaOf(err)["state"])
	})

	s.Run("unknown session", func() {
		_, err := s.svc.StartMethod(ctx, id.NewSessionID(), id.MethodOTP)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

// startFresh creates a session for a brand new identity and starts a method,
// sidestepping the duplicate-pair rule between subtests.
func (s *ServiceSuite) startFresh(method id.Method) *models.Session {
	identityRef := id.IdentityID(uuid.New())
	s.dir.Put(identity.Record{ID: identityRef})
	session, err := s.svc.Create(context.Background(), identityRef, s.operatorRef, s.boothRef)
	s.Require().NoError(err)
	started, err := s.svc.StartMethod(context.Background(), session.ID, method)
	s.Require().NoError(err)
	return started
}

func (s *ServiceSuite) TestGet() {
	ctx := context.Background()

	session := s.create()
	view, err := s.svc.Get(ctx, session.ID)
	s.Require().NoError(err)
	s.Equal(session.ID, view.ID)
	s.Equal(models.StateInitiated, view.State)

	_, err = s.svc.Get(ctx, id.NewSessionID())
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}
