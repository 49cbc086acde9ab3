package testutil

import (
	"context"
	"net/http"

	id "veriflow/pkg/domain"
	"veriflow/pkg/requestcontext"
)

// WithOperator stamps the operator and booth onto the request context, the
// same way the auth middleware does for a valid bearer token. Invalid IDs are
// silently ignored so tests can exercise the missing-identity paths.
func WithOperator(req *http.Request, operatorID, boothID string) *http.Request {
	ctx := req.Context()
	if parsed, err := id.ParseOperatorID(operatorID); err == nil {
		ctx = requestcontext.WithOperatorID(ctx, parsed)
	}
	if parsed, err := id.ParseBoothID(boothID); err == nil {
		ctx = requestcontext.WithBoothID(ctx, parsed)
	}
	return req.WithContext(ctx)
}

// WithBoothMetadata adds the client network metadata the booth middleware
// would normally extract.
func WithBoothMetadata(req *http.Request, clientIP, deviceName string) *http.Request {
	ctx := req.Context()
	if clientIP != "" {
		ctx = requestcontext.WithClientIP(ctx, clientIP)
	}
	if deviceName != "" {
		ctx = requestcontext.WithDeviceName(ctx, deviceName)
	}
	return req.WithContext(ctx)
}

// WithRequestID tags the request with a correlation ID.
func WithRequestID(req *http.Request, requestID string) *http.Request {
	return req.WithContext(requestcontext.WithRequestID(req.Context(), requestID))
}

// ContextWithOperator builds a bare context carrying operator and booth IDs,
// for calling services directly without going through HTTP.
func ContextWithOperator(operatorID id.OperatorID, boothID id.BoothID) context.Context {
	ctx := requestcontext.WithOperatorID(context.Background(), operatorID)
	return requestcontext.WithBoothID(ctx, boothID)
}
