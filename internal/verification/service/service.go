// Package service orchestrates the verification session lifecycle: creation
// gates, method selection, attempt evaluation, cancellation, and timeout.
// Handlers stay thin; stores stay dumb; every state change flows through
// here so the audit trail and the concurrency discipline live in one place.
package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks SessionStore,Directory,IdentityLimiter,BoothLimiter,ProviderRegistry,AuditPublisher

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"veriflow/internal/audit"
	"veriflow/internal/identity"
	"veriflow/internal/platform/clock"
	"veriflow/internal/platform/metrics"
	"veriflow/internal/ratelimit"
	"veriflow/internal/verification/models"
	"veriflow/internal/verifier"
	id "veriflow/pkg/domain"
	dErrors "veriflow/pkg/domain-errors"
	"veriflow/pkg/platform/sentinel"
	"veriflow/pkg/requestcontext"
)

// SessionStore is the persistence contract the service needs. It mirrors the
// store package so unit tests can mock it without a backing store.
type SessionStore interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, sessionID id.SessionID) (*models.Session, error)
	Put(ctx context.Context, session *models.Session, expectedVersion int64) (*models.Session, error)
	FindActive(ctx context.Context, identityRef id.IdentityID, boothRef id.BoothID) (*models.Session, error)
}

// Directory answers identity eligibility questions at session creation.
type Directory interface {
	FindActiveIdentity(ctx context.Context, identityRef id.IdentityID) (identity.Record, error)
}

// IdentityLimiter gates session creation per claimed identity.
type IdentityLimiter interface {
	Allow(ctx context.Context, identityRef id.IdentityID) (*ratelimit.Result, error)
}

// BoothLimiter gates verification attempts per booth.
type BoothLimiter interface {
	Allow(ctx context.Context, boothRef id.BoothID) (*ratelimit.Result, error)
}

// ProviderRegistry resolves the verifier and confidence threshold per method.
type ProviderRegistry interface {
	Provider(method id.Method) (verifier.Provider, bool)
	Threshold(method id.Method) float64
}

// AuditPublisher records audit events. Emission is best-effort: failures are
// logged and never block a session transition.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// errSessionExpired routes deadline rejections out of the commit loop so
// callers can run the timeout transition before reporting SessionExpired.
var errSessionExpired = errors.New("session deadline passed")

// Service is the session manager. All lifecycle mutations go through its
// read-mutate-commit loop so the version check is never bypassed.
type Service struct {
	sessions       SessionStore
	directory      Directory
	identityLimits IdentityLimiter
	boothLimits    BoothLimiter
	providers      ProviderRegistry
	publisher      AuditPublisher

	clk     clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	timeout         time.Duration
	maxAttempts     int
	conflictRetries int
	verifierRetries int
}

// Option configures the Service.
type Option func(*Service)

func WithClock(clk clock.Clock) Option {
	return func(s *Service) { s.clk = clk }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTimeout overrides the fixed session deadline.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// WithMaxAttempts overrides the per-session attempt ceiling.
func WithMaxAttempts(n int) Option {
	return func(s *Service) { s.maxAttempts = n }
}

// WithConflictRetries overrides how many times a version conflict is retried
// internally before surfacing to the caller.
func WithConflictRetries(n int) Option {
	return func(s *Service) { s.conflictRetries = n }
}

// WithVerifierRetries overrides how many extra provider contacts are made
// after a retryable provider failure.
func WithVerifierRetries(n int) Option {
	return func(s *Service) { s.verifierRetries = n }
}

func NewService(
	sessions SessionStore,
	directory Directory,
	identityLimiter IdentityLimiter,
	boothLimiter BoothLimiter,
	providers ProviderRegistry,
	publisher AuditPublisher,
	opts ...Option,
) *Service {
	s := &Service{
		sessions:        sessions,
		directory:       directory,
		identityLimits:  identityLimiter,
		boothLimits:     boothLimiter,
		providers:       providers,
		publisher:       publisher,
		clk:             clock.NewSystem(),
		logger:          slog.Default(),
		tracer:          otel.Tracer("veriflow/verification"),
		timeout:         10 * time.Minute,
		maxAttempts:     3,
		conflictRetries: 3,
		verifierRetries: 2,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// now prefers the request-scoped instant so every mutation within one
// request observes the same clock reading.
func (s *Service) now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(requestcontext.ContextKeyRequestTime).(time.Time); ok {
		return t
	}
	return s.clk.Now()
}

// commit applies mutate to a fresh read of the session and writes it back
// under the version check, retrying on conflict. Each retry re-reads and
// re-validates, so a transition raced into a terminal state fails cleanly
// rather than being blindly replayed.
func (s *Service) commit(ctx context.Context, sessionID id.SessionID, mutate func(*models.Session) error) (*models.Session, error) {
	var lastErr error
	for attempt := 0; attempt <= s.conflictRetries; attempt++ {
		session, err := s.sessions.Get(ctx, sessionID)
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "session not found").
				With("session_id", sessionID.String())
		}
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load session")
		}

		if err := mutate(session); err != nil {
			return nil, err
		}

		committed, err := s.sessions.Put(ctx, session, session.SyncVersion)
		if err == nil {
			return committed, nil
		}
		if !errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "commit session")
		}
		if s.metrics != nil {
			s.metrics.VersionConflicts.Inc()
		}
		lastErr = err
	}
	return nil, dErrors.Wrap(lastErr, dErrors.CodeVersionConflict, "session modified concurrently").
		With("session_id", sessionID.String())
}

// stateErr maps a model transition rejection onto the public error taxonomy,
// carrying enough context for the operator to correct course.
func stateErr(session *models.Session, op string) error {
	return dErrors.Newf(dErrors.CodeInvalidStateTransition, "%s not allowed in state %s", op, session.State).
		With("session_id", session.ID.String()).
		With("state", session.State.String()).
		With("attempt_count", strconv.Itoa(session.AttemptCount))
}

// expire force-times-out a session whose deadline passed mid-operation. The
// timeout transition itself is best-effort; the sweeper catches anything this
// write loses. When a concurrent writer settled the session first, the caller
// is told about that terminal state rather than a timeout that never landed.
func (s *Service) expire(ctx context.Context, sessionID id.SessionID, op string) error {
	now := s.now(ctx)
	var settled *models.Session
	committed, err := s.commit(ctx, sessionID, func(session *models.Session) error {
		settled = nil
		if _, err := session.ForceTimeout(now); err != nil {
			settled = session
			return errSessionExpired
		}
		return nil
	})
	switch {
	case err == nil:
		s.audit(ctx, committed, audit.EventSessionTimedOut, "timed_out", "session timed out")
		if s.metrics != nil {
			s.metrics.SessionsCompleted.WithLabelValues(models.StateTimeout.String()).Inc()
		}
	case settled != nil && settled.State.Terminal() && settled.State != models.StateTimeout:
		return stateErr(settled, op)
	}
	return dErrors.New(dErrors.CodeSessionExpired, "session deadline passed").
		With("session_id", sessionID.String())
}

// audit emits one event for a committed transition. Failures are logged,
// never propagated.
func (s *Service) audit(ctx context.Context, session *models.Session, action audit.AuditEvent, decision, reason string) {
	event := audit.Event{
		Timestamp:    s.now(ctx),
		SessionID:    session.ID,
		IdentityRef:  session.IdentityRef,
		OperatorRef:  session.OperatorRef,
		BoothRef:     session.BoothRef,
		Action:       string(action),
		Method:       session.Method.String(),
		State:        session.State.String(),
		AttemptCount: session.AttemptCount,
		Decision:     decision,
		Reason:       reason,
		RequestID:    requestcontext.RequestID(ctx),
		ClientIP:     requestcontext.ClientIP(ctx),
	}
	if err := s.publisher.Emit(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "audit emit failed",
			"action", action,
			"session_id", session.ID,
			"error", err,
		)
	}
}

func (s *Service) span(ctx context.Context, name string, sessionID id.SessionID) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("session.id", sessionID.String()),
	))
}
