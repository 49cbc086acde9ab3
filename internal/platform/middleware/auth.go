package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	id "veriflow/pkg/domain"
	"veriflow/pkg/requestcontext"
)

// JWTValidator validates operator access tokens.
type JWTValidator interface {
	ValidateToken(tokenString string) (*JWTClaims, error)
}

// JWTClaims are the claims the auth middleware needs from a validated token.
type JWTClaims struct {
	OperatorID string
	BoothID    string
}

// RequireAuth rejects requests without a valid operator token and places the
// operator and booth references into the request context. Handlers never see
// raw tokens.
func RequireAuth(validator JWTValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := requestcontext.RequestID(ctx)

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				logger.WarnContext(ctx, "unauthorized, missing token", "request_id", requestID)
				unauthorized(w, "Missing or invalid Authorization header")
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized, invalid token",
					"error", err,
					"request_id", requestID,
				)
				unauthorized(w, "Invalid or expired token")
				return
			}

			operatorRef, err := id.ParseOperatorID(claims.OperatorID)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized, malformed operator claim", "request_id", requestID)
				unauthorized(w, "Invalid token claims")
				return
			}
			boothRef, err := id.ParseBoothID(claims.BoothID)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized, malformed booth claim", "request_id", requestID)
				unauthorized(w, "Invalid token claims")
				return
			}

			ctx = requestcontext.WithOperatorID(ctx, operatorRef)
			ctx = requestcontext.WithBoothID(ctx, boothRef)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized","error_description":"` + description + `"}`))
}
