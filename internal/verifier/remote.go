package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	id "veriflow/pkg/domain"
)

// RemoteVerifier calls an external matching service over HTTP. Face,
// biometric, and document verification all use this adapter pointed at their
// respective collaborator endpoints; the matching algorithm itself is out of
// the engine's hands.
type RemoteVerifier struct {
	method   id.Method
	endpoint string
	client   *http.Client
}

// NewRemoteVerifier builds an adapter for one method against one endpoint.
// The timeout bounds how long a single attempt may suspend the session
// manager.
func NewRemoteVerifier(method id.Method, endpoint string, timeout time.Duration) *RemoteVerifier {
	return &RemoteVerifier{
		method:   method,
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type remoteRequest struct {
	IdentityRef string            `json:"identity_ref"`
	Method      string            `json:"method"`
	Payload     map[string]string `json:"payload"`
}

type remoteResponse struct {
	Match      bool              `json:"match"`
	Confidence float64           `json:"confidence"`
	Details    map[string]string `json:"details,omitempty"`
}

func (v *RemoteVerifier) Attempt(ctx context.Context, identityRef id.IdentityID, payload Payload) (Outcome, error) {
	body, err := json.Marshal(remoteRequest{
		IdentityRef: identityRef.String(),
		Method:      v.method.String(),
		Payload:     payload,
	})
	if err != nil {
		return Outcome{}, NewError(CategoryInternal, v.method, "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, NewError(CategoryInternal, v.method, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Outcome{}, NewError(CategoryTimeout, v.method, "verifier timed out", err)
		}
		return Outcome{}, NewError(CategoryOutage, v.method, "verifier unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return Outcome{}, NewError(CategoryBadInput, v.method, "verifier rejected payload", nil)
	case resp.StatusCode >= 500:
		return Outcome{}, NewError(CategoryOutage, v.method, fmt.Sprintf("verifier returned %d", resp.StatusCode), nil)
	default:
		return Outcome{}, NewError(CategoryInternal, v.method, fmt.Sprintf("verifier returned %d", resp.StatusCode), nil)
	}

	var decoded remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Outcome{}, NewError(CategoryOutage, v.method, "malformed verifier response", err)
	}
	if decoded.Confidence < 0 || decoded.Confidence > 1 {
		return Outcome{}, NewError(CategoryInternal, v.method, "confidence out of range", nil)
	}

	return Outcome{
		Match:      decoded.Match,
		Confidence: decoded.Confidence,
		Details:    decoded.Details,
	}, nil
}
