package service

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"veriflow/internal/audit"
	"veriflow/internal/verification/models"
	id "veriflow/pkg/domain"
	dErrors "veriflow/pkg/domain-errors"
	"veriflow/pkg/platform/sentinel"
)

// StartMethod locks the session onto one verification method and moves it to
// IN_PROGRESS. The method must be registered with a provider; switching
// methods afterwards requires cancelling and opening a new session.
func (s *Service) StartMethod(ctx context.Context, sessionID id.SessionID, method id.Method) (*models.Session, error) {
	ctx, span := s.span(ctx, "verification.StartMethod", sessionID)
	span.SetAttributes(attribute.String("method", method.String()))
	defer span.End()

	if _, ok := s.providers.Provider(method); !ok {
		return nil, dErrors.Newf(dErrors.CodeVerifierUnavailable, "no verifier registered for method %s", method).
			With("method", method.String())
	}

	now := s.now(ctx)
	committed, err := s.commit(ctx, sessionID, func(session *models.Session) error {
		_, err := session.StartMethod(method, now)
		switch {
		case errors.Is(err, sentinel.ErrExpired):
			return errSessionExpired
		case errors.Is(err, sentinel.ErrInvalidState):
			return stateErr(session, "start method")
		}
		return err
	})
	if errors.Is(err, errSessionExpired) {
		return nil, s.expire(ctx, sessionID, "start method")
	}
	if err != nil {
		return nil, err
	}

	s.audit(ctx, committed, audit.EventMethodStarted, "", "")
	s.logger.InfoContext(ctx, "method started",
		"session_id", sessionID,
		"method", method,
	)
	return committed, nil
}
