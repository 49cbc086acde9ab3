package test

import (
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"veriflow/internal/audit"
	"veriflow/internal/identity"
	jwttoken "veriflow/internal/jwt_token"
	"veriflow/internal/platform/clock"
	"veriflow/internal/platform/logger"
	"veriflow/internal/platform/metrics"
	"veriflow/internal/ratelimit"
	httptransport "veriflow/internal/transport/http"
	"veriflow/internal/verification/handler"
	"veriflow/internal/verification/models"
	"veriflow/internal/verification/service"
	"veriflow/internal/verification/store"
	"veriflow/internal/verifier"
	id "veriflow/pkg/domain"
	"veriflow/pkg/testutil"
)

// booth is a fully wired in-memory stack plus one authenticated operator,
// the closest thing to a running server a unit test binary can drive.
type booth struct {
	router http.Handler
	token  string
	otp    *verifier.OTPVerifier
	trail  *audit.Memory

	identityRef id.IdentityID
	operatorRef id.OperatorID
	boothRef    id.BoothID
}

var sharedMetrics = metrics.New()

func newBooth(t *testing.T) *booth {
	t.Helper()

	clk := clock.NewSystem()
	log := logger.New("error")

	directory := identity.NewMemory()
	identityRef := id.IdentityID(uuid.New())
	directory.Put(identity.Record{ID: identityRef})

	otp := verifier.NewOTPVerifier(clk, 5*time.Minute)
	registry, err := verifier.NewRegistry(map[id.Method]verifier.Provider{
		id.MethodOTP:    otp,
		id.MethodManual: verifier.NewManualVerifier(),
	})
	require.NoError(t, err)

	trail := audit.NewMemory()
	publisher := audit.NewPublisher(trail, audit.WithLogger(log))
	t.Cleanup(publisher.Close)

	windows := ratelimit.NewMemoryWindowStore(clk)
	svc := service.NewService(
		store.NewMemory(),
		directory,
		ratelimit.NewIdentityGovernor(windows, 5, 24*time.Hour),
		ratelimit.NewBoothGovernor(windows, 30, time.Minute),
		registry,
		publisher,
		service.WithLogger(log),
		service.WithMetrics(sharedMetrics),
	)

	jwtSvc := jwttoken.NewJWTService("flow-test-key", "veriflow", "veriflow-booth")
	operatorRef := id.OperatorID(uuid.New())
	boothRef := id.BoothID(uuid.New())
	token, err := jwtSvc.GenerateOperatorToken(uuid.UUID(operatorRef), uuid.UUID(boothRef), time.Hour)
	require.NoError(t, err)

	h := handler.New(svc, log, sharedMetrics, jwttoken.NewValidator(jwtSvc))
	router := httptransport.NewRouter([]httptransport.Registrar{h}, nil)

	return &booth{
		router:      router,
		token:       token,
		otp:         otp,
		trail:       trail,
		identityRef: identityRef,
		operatorRef: operatorRef,
		boothRef:    boothRef,
	}
}

type attemptResponse struct {
	Passed            bool               `json:"passed"`
	Confidence        float64            `json:"confidence"`
	AttemptsRemaining int                `json:"attempts_remaining"`
	Session           models.SessionView `json:"session"`
}

// TestOTPVerificationFlow walks one person through the happy booth journey:
// open a session, lock the OTP method, miss once, then pass with the
// delivered code.
func TestOTPVerificationFlow(t *testing.T) {
	b := newBooth(t)
	var session models.SessionView

	testutil.Given(t, "an eligible person at the booth", func(t *testing.T) {
		testutil.When(t, "the operator opens a session", func(t *testing.T) {
			req := testutil.NewJSONRequest(t, http.MethodPost, "/sessions",
				map[string]string{"identity_ref": b.identityRef.String()})
			req.Header.Set("Authorization", "Bearer "+b.token)
			rr := testutil.DoRequest(b.router, req)

			testutil.AssertStatus(t, rr, http.StatusCreated)
			session = *testutil.UnmarshalResponse[models.SessionView](t, rr)
			require.Equal(t, models.StateInitiated, session.State)
			require.Equal(t, b.identityRef, session.IdentityRef)
			require.Equal(t, 3, session.MaxAttempts)
		})

		testutil.When(t, "the operator selects the otp method", func(t *testing.T) {
			req := testutil.NewJSONRequest(t, http.MethodPost, "/sessions/"+session.ID.String()+"/method",
				map[string]string{"method": "otp"})
			req.Header.Set("Authorization", "Bearer "+b.token)
			rr := testutil.DoRequest(b.router, req)

			testutil.AssertStatus(t, rr, http.StatusOK)
			testutil.AssertJSONContains(t, rr, "state", "in_progress")
		})

		testutil.When(t, "the person mistypes the code", func(t *testing.T) {
			require.NoError(t, b.otp.Issue(b.identityRef, "431881"))

			req := testutil.NewJSONRequest(t, http.MethodPost, "/sessions/"+session.ID.String()+"/attempts",
				map[string]any{"payload": map[string]string{"code": "000000"}})
			req.Header.Set("Authorization", "Bearer "+b.token)
			rr := testutil.DoRequest(b.router, req)

			testutil.AssertStatusOK(t, rr)
			resp := testutil.UnmarshalResponse[attemptResponse](t, rr)
			require.False(t, resp.Passed)
			require.Equal(t, 2, resp.AttemptsRemaining)
			require.Equal(t, models.StateInProgress, resp.Session.State)
		})

		testutil.When(t, "the person enters the delivered code", func(t *testing.T) {
			req := testutil.NewJSONRequest(t, http.MethodPost, "/sessions/"+session.ID.String()+"/attempts",
				map[string]any{"payload": map[string]string{"code": "431881"}})
			req.Header.Set("Authorization", "Bearer "+b.token)
			rr := testutil.DoRequest(b.router, req)

			testutil.AssertStatusOK(t, rr)
			resp := testutil.UnmarshalResponse[attemptResponse](t, rr)
			require.True(t, resp.Passed)
			require.Equal(t, models.StateSuccess, resp.Session.State)
			require.NotNil(t, resp.Session.CompletedAt)
		})

		testutil.Then(t, "the audit trail records the whole journey", func(t *testing.T) {
			var actions []string
			for _, ev := range b.trail.All() {
				if ev.SessionID == session.ID {
					actions = append(actions, ev.Action)
				}
			}
			require.Equal(t, []string{
				string(audit.EventSessionCreated),
				string(audit.EventMethodStarted),
				string(audit.EventAttemptRecorded),
				string(audit.EventAttemptRecorded),
				string(audit.EventSessionPassed),
			}, actions)
		})
	})
}

// TestManualOverrideFlow covers the supervisor path, including the payload
// validation that keeps an unjustified override from consuming the session.
func TestManualOverrideFlow(t *testing.T) {
	b := newBooth(t)
	var session models.SessionView

	resp := testutil.DoRequest(b.router, func() *http.Request {
		req := testutil.NewJSONRequest(t, http.MethodPost, "/sessions",
			map[string]string{"identity_ref": b.identityRef.String()})
		req.Header.Set("Authorization", "Bearer "+b.token)
		return req
	}())
	testutil.AssertStatus(t, resp, http.StatusCreated)
	session = *testutil.UnmarshalResponse[models.SessionView](t, resp)

	resp = testutil.DoRequest(b.router, func() *http.Request {
		req := testutil.NewJSONRequest(t, http.MethodPost, "/sessions/"+session.ID.String()+"/method",
			map[string]string{"method": "manual"})
		req.Header.Set("Authorization", "Bearer "+b.token)
		return req
	}())
	testutil.AssertStatusOK(t, resp)

	testutil.When(t, "the override carries no justification", func(t *testing.T) {
		req := testutil.NewJSONRequest(t, http.MethodPost, "/sessions/"+session.ID.String()+"/attempts",
			map[string]any{"payload": map[string]string{}})
		req.Header.Set("Authorization", "Bearer "+b.token)
		rr := testutil.DoRequest(b.router, req)

		testutil.AssertStatus(t, rr, http.StatusUnprocessableEntity)
		testutil.AssertJSONContains(t, rr, "error", "validation")
	})

	testutil.When(t, "the supervisor justifies the override", func(t *testing.T) {
		req := testutil.NewJSONRequest(t, http.MethodPost, "/sessions/"+session.ID.String()+"/attempts",
			map[string]any{"payload": map[string]string{"justification": "document scanner down, ID checked by hand"}})
		req.Header.Set("Authorization", "Bearer "+b.token)
		rr := testutil.DoRequest(b.router, req)

		testutil.AssertStatusOK(t, rr)
		resp := testutil.UnmarshalResponse[attemptResponse](t, rr)
		require.True(t, resp.Passed)
		require.Equal(t, models.StateSuccess, resp.Session.State)
	})
}

// TestUnauthenticatedRequestsRejected keeps the whole surface behind the
// operator token.
func TestUnauthenticatedRequestsRejected(t *testing.T) {
	b := newBooth(t)

	req := testutil.NewJSONRequest(t, http.MethodPost, "/sessions",
		map[string]string{"identity_ref": b.identityRef.String()})
	rr := testutil.DoRequest(b.router, req)

	testutil.AssertStatusAndError(t, rr, http.StatusUnauthorized, "unauthorized")
}
