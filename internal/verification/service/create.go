package service

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"veriflow/internal/audit"
	"veriflow/internal/verification/models"
	id "veriflow/pkg/domain"
	dErrors "veriflow/pkg/domain-errors"
	"veriflow/pkg/platform/sentinel"
)

// Create opens a verification session for an (identity, booth) pair. Gates
// run in a fixed order: eligibility, identity rate window, duplicate check.
// The store's uniqueness constraint backs the duplicate check, so two
// concurrent creates for the same pair cannot both succeed.
func (s *Service) Create(ctx context.Context, identityRef id.IdentityID, operatorRef id.OperatorID, boothRef id.BoothID) (*models.Session, error) {
	ctx, span := s.tracer.Start(ctx, "verification.Create", trace.WithAttributes(
		attribute.String("identity.ref", identityRef.String()),
		attribute.String("booth.ref", boothRef.String()),
	))
	defer span.End()

	if err := s.checkEligibility(ctx, identityRef, operatorRef, boothRef); err != nil {
		return nil, err
	}

	result, err := s.identityLimits.Allow(ctx, identityRef)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "identity rate window")
	}
	if !result.Allowed {
		s.auditGate(ctx, audit.EventRateLimitExceeded, identityRef, operatorRef, boothRef, "identity window exhausted")
		if s.metrics != nil {
			s.metrics.RateLimited.WithLabelValues("identity").Inc()
		}
		return nil, dErrors.New(dErrors.CodeRateLimited, "identity verification limit reached").
			With("identity_ref", identityRef.String()).
			With("retry_after", result.ResetAt.Format(time.RFC3339))
	}

	if active, err := s.sessions.FindActive(ctx, identityRef, boothRef); err == nil && active != nil {
		s.auditGate(ctx, audit.EventDuplicateRejected, identityRef, operatorRef, boothRef, "active session exists")
		return nil, duplicateErr(active)
	} else if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "find active session")
	}

	now := s.now(ctx)
	session := models.New(id.NewSessionID(), identityRef, operatorRef, boothRef, now, s.timeout, s.maxAttempts)
	if err := s.sessions.Create(ctx, session); err != nil {
		// Lost a race against a concurrent create for the same pair.
		if errors.Is(err, sentinel.ErrConflict) {
			s.auditGate(ctx, audit.EventDuplicateRejected, identityRef, operatorRef, boothRef, "concurrent create")
			return nil, duplicateErr(session)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "create session")
	}

	s.audit(ctx, session, audit.EventSessionCreated, "", "")
	if s.metrics != nil {
		s.metrics.SessionsCreated.Inc()
	}
	s.logger.InfoContext(ctx, "session created",
		"session_id", session.ID,
		"identity_ref", identityRef,
		"booth_ref", boothRef,
		"timeout_at", session.TimeoutAt,
	)
	return session, nil
}

func (s *Service) checkEligibility(ctx context.Context, identityRef id.IdentityID, operatorRef id.OperatorID, boothRef id.BoothID) error {
	record, err := s.directory.FindActiveIdentity(ctx, identityRef)
	if errors.Is(err, sentinel.ErrNotFound) {
		s.auditGate(ctx, audit.EventIdentityIneligible, identityRef, operatorRef, boothRef, "unknown identity")
		return dErrors.New(dErrors.CodeIdentityNotEligible, "identity not found in directory").
			With("identity_ref", identityRef.String())
	}
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "identity lookup")
	}
	if record.Blocked {
		s.auditGate(ctx, audit.EventIdentityIneligible, identityRef, operatorRef, boothRef, "identity blocked")
		return dErrors.New(dErrors.CodeIdentityNotEligible, "identity is blocked from verification").
			With("identity_ref", identityRef.String())
	}
	if !record.AssignedBooth.IsNil() && record.AssignedBooth != boothRef {
		s.auditGate(ctx, audit.EventIdentityIneligible, identityRef, operatorRef, boothRef, "booth mismatch")
		return dErrors.New(dErrors.CodeIdentityNotEligible, "identity is assigned to a different booth").
			With("identity_ref", identityRef.String()).
			With("assigned_booth", record.AssignedBooth.String())
	}
	return nil
}

// auditGate records a rejected creation gate. No session exists yet, so the
// event carries the raw references instead of a session snapshot.
func (s *Service) auditGate(ctx context.Context, action audit.AuditEvent, identityRef id.IdentityID, operatorRef id.OperatorID, boothRef id.BoothID, reason string) {
	session := &models.Session{IdentityRef: identityRef, OperatorRef: operatorRef, BoothRef: boothRef}
	s.audit(ctx, session, action, "rejected", reason)
}

func duplicateErr(active *models.Session) error {
	return dErrors.New(dErrors.CodeDuplicateActiveSession, "an active session already exists for this identity and booth").
		With("identity_ref", active.IdentityRef.String()).
		With("booth_ref", active.BoothRef.String())
}
