// Package shared holds the JSON envelope helpers every handler uses, so the
// wire shape of errors is defined exactly once.
package shared

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "veriflow/pkg/domain-errors"
)

// statusByCode maps the domain error taxonomy onto HTTP statuses.
var statusByCode = map[dErrors.Code]int{
	dErrors.CodeDuplicateActiveSession: http.StatusConflict,
	dErrors.CodeInvalidStateTransition: http.StatusConflict,
	dErrors.CodeSessionExpired:         http.StatusGone,
	dErrors.CodeRateLimited:            http.StatusTooManyRequests,
	dErrors.CodeVersionConflict:        http.StatusConflict,
	dErrors.CodeIdentityNotEligible:    http.StatusForbidden,
	dErrors.CodeVerifierUnavailable:    http.StatusServiceUnavailable,
	dErrors.CodeNotFound:               http.StatusNotFound,

	dErrors.CodeInvalidInput: http.StatusBadRequest,
	dErrors.CodeValidation:   http.StatusUnprocessableEntity,
	dErrors.CodeBadRequest:   http.StatusBadRequest,
	dErrors.CodeUnauthorized: http.StatusUnauthorized,
	dErrors.CodeForbidden:    http.StatusForbidden,
	dErrors.CodeConflict:     http.StatusConflict,
	dErrors.CodeTimeout:      http.StatusGatewayTimeout,
	dErrors.CodeInternal:     http.StatusInternalServerError,
}

// ToHTTPStatus resolves the status for a domain error code.
func ToHTTPStatus(code dErrors.Code) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// WriteError renders a domain error as the standard JSON envelope. Unknown
// errors collapse to a bare internal error so nothing incidental leaks.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	body := errorBody{Error: string(code), Meta: dErrors.MetaOf(err)}
	var de *dErrors.Error
	if errors.As(err, &de) {
		body.Message = de.Message
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ToHTTPStatus(code))
	_ = json.NewEncoder(w).Encode(body)
}

// WriteJSON renders a success payload.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
