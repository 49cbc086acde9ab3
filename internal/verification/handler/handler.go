// Package handler exposes the session lifecycle over HTTP. It stays thin:
// parse, delegate, render. All rules live in the service.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"veriflow/internal/platform/metrics"
	"veriflow/internal/platform/middleware"
	"veriflow/internal/transport/http/shared"
	"veriflow/internal/verification/models"
	"veriflow/internal/verification/service"
	"veriflow/internal/verifier"
	id "veriflow/pkg/domain"
	dErrors "veriflow/pkg/domain-errors"
	"veriflow/pkg/requestcontext"
)

// Service is the session manager surface the handler needs.
type Service interface {
	Create(ctx context.Context, identityRef id.IdentityID, operatorRef id.OperatorID, boothRef id.BoothID) (*models.Session, error)
	StartMethod(ctx context.Context, sessionID id.SessionID, method id.Method) (*models.Session, error)
	RecordAttempt(ctx context.Context, sessionID id.SessionID, payload verifier.Payload) (*service.AttemptResult, error)
	Cancel(ctx context.Context, sessionID id.SessionID, reason string) (*models.Session, error)
	Get(ctx context.Context, sessionID id.SessionID) (models.SessionView, error)
}

// Handler handles session endpoints.
type Handler struct {
	logger       *slog.Logger
	sessions     Service
	metrics      *metrics.Metrics
	jwtValidator middleware.JWTValidator
}

func New(sessions Service, logger *slog.Logger, m *metrics.Metrics, jwtValidator middleware.JWTValidator) *Handler {
	return &Handler{
		logger:       logger,
		sessions:     sessions,
		metrics:      m,
		jwtValidator: jwtValidator,
	}
}

// Register mounts the session routes.
func (h *Handler) Register(r chi.Router) {
	sessionRouter := chi.NewRouter()
	sessionRouter.Use(middleware.Recovery(h.logger))
	sessionRouter.Use(middleware.RequestID)
	sessionRouter.Use(middleware.RequestTime)
	sessionRouter.Use(middleware.BoothMetadata)
	sessionRouter.Use(middleware.Logger(h.logger))
	sessionRouter.Use(middleware.Timeout(30 * time.Second))
	sessionRouter.Use(middleware.ContentTypeJSON)
	sessionRouter.Use(middleware.RequireAuth(h.jwtValidator, h.logger))

	sessionRouter.Post("/sessions", h.handleCreate)
	sessionRouter.Get("/sessions/{sessionID}", h.handleGet)
	sessionRouter.Post("/sessions/{sessionID}/method", h.handleStartMethod)
	sessionRouter.Post("/sessions/{sessionID}/attempts", h.handleAttempt)
	sessionRouter.Post("/sessions/{sessionID}/cancel", h.handleCancel)

	r.Mount("/", sessionRouter)
}

type createRequest struct {
	IdentityRef string `json:"identity_ref"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	identityRef, err := id.ParseIdentityID(req.IdentityRef)
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	operatorRef := requestcontext.OperatorID(ctx)
	boothRef := requestcontext.BoothID(ctx)
	session, err := h.sessions.Create(ctx, identityRef, operatorRef, boothRef)
	if err != nil {
		h.logError(ctx, "create session", err)
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusCreated, session.View())
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	sessionID, err := id.ParseSessionID(chi.URLParam(r, "sessionID"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	view, err := h.sessions.Get(r.Context(), sessionID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, view)
}

type startMethodRequest struct {
	Method string `json:"method"`
}

func (h *Handler) handleStartMethod(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID, err := id.ParseSessionID(chi.URLParam(r, "sessionID"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	var req startMethodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	method, err := id.ParseMethod(req.Method)
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	session, err := h.sessions.StartMethod(ctx, sessionID, method)
	if err != nil {
		h.logError(ctx, "start method", err)
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, session.View())
}

type attemptRequest struct {
	Payload map[string]string `json:"payload"`
}

type attemptResponse struct {
	Passed            bool               `json:"passed"`
	Confidence        float64            `json:"confidence"`
	AttemptsRemaining int                `json:"attempts_remaining"`
	Session           models.SessionView `json:"session"`
}

func (h *Handler) handleAttempt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID, err := id.ParseSessionID(chi.URLParam(r, "sessionID"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	var req attemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	result, err := h.sessions.RecordAttempt(ctx, sessionID, verifier.Payload(req.Payload))
	if err != nil {
		h.logError(ctx, "record attempt", err)
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, attemptResponse{
		Passed:            result.Passed,
		Confidence:        result.Confidence,
		AttemptsRemaining: result.AttemptsRemaining,
		Session:           result.Session.View(),
	})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID, err := id.ParseSessionID(chi.URLParam(r, "sessionID"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	session, err := h.sessions.Cancel(ctx, sessionID, req.Reason)
	if err != nil {
		h.logError(ctx, "cancel session", err)
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, session.View())
}

// logError keeps noise down: expected domain rejections log at warn, only
// genuine faults at error.
func (h *Handler) logError(ctx context.Context, op string, err error) {
	requestID := requestcontext.RequestID(ctx)
	if dErrors.HasCode(err, dErrors.CodeInternal) {
		h.logger.ErrorContext(ctx, op+" failed", "request_id", requestID, "error", err)
		return
	}
	h.logger.WarnContext(ctx, op+" rejected", "request_id", requestID, "error", err)
}
