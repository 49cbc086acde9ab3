package service

import (
	"context"
	"errors"

	"veriflow/internal/audit"
	"veriflow/internal/verification/models"
	id "veriflow/pkg/domain"
	dErrors "veriflow/pkg/domain-errors"
	"veriflow/pkg/platform/sentinel"
)

// Cancel aborts an active session at the operator's request. The reason is
// recorded but free-form; an empty reason is allowed.
func (s *Service) Cancel(ctx context.Context, sessionID id.SessionID, reason string) (*models.Session, error) {
	ctx, span := s.span(ctx, "verification.Cancel", sessionID)
	defer span.End()

	now := s.now(ctx)
	committed, err := s.commit(ctx, sessionID, func(session *models.Session) error {
		_, err := session.Cancel(reason, now)
		if errors.Is(err, sentinel.ErrInvalidState) {
			return stateErr(session, "cancel")
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, committed, audit.EventSessionCancelled, "cancelled", reason)
	if s.metrics != nil {
		s.metrics.SessionsCompleted.WithLabelValues(models.StateCancelled.String()).Inc()
	}
	s.logger.InfoContext(ctx, "session cancelled",
		"session_id", sessionID,
		"reason", reason,
	)
	return committed, nil
}

// ForceTimeout moves an expired active session to TIMEOUT. The sweeper is
// the main caller; it is also reachable for operator tooling. Calling it on
// an already-terminal session reports InvalidStateTransition, on a session
// whose deadline has not passed the same, so callers racing the sweeper can
// treat both as settled.
func (s *Service) ForceTimeout(ctx context.Context, sessionID id.SessionID) (*models.Session, error) {
	ctx, span := s.span(ctx, "verification.ForceTimeout", sessionID)
	defer span.End()

	now := s.now(ctx)
	committed, err := s.commit(ctx, sessionID, func(session *models.Session) error {
		_, err := session.ForceTimeout(now)
		if errors.Is(err, sentinel.ErrInvalidState) {
			return stateErr(session, "force timeout")
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, committed, audit.EventSessionTimedOut, "timed_out", "session timed out")
	if s.metrics != nil {
		s.metrics.SessionsCompleted.WithLabelValues(models.StateTimeout.String()).Inc()
	}
	s.logger.InfoContext(ctx, "session timed out",
		"session_id", sessionID,
	)
	return committed, nil
}

// Get returns the redacted view of one session for operator display.
func (s *Service) Get(ctx context.Context, sessionID id.SessionID) (models.SessionView, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return models.SessionView{}, dErrors.New(dErrors.CodeNotFound, "session not found").
			With("session_id", sessionID.String())
	}
	if err != nil {
		return models.SessionView{}, dErrors.Wrap(err, dErrors.CodeInternal, "load session")
	}
	return session.View(), nil
}
