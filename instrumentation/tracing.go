package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
//
// SECURITY WARNING: Never record token values, authorization codes, device codes or
// client secrets as attributes. Only metadata such as grant types, outcomes and client
// ids belongs in traces.
const (
	AttrClientID        = "oauth.client_id"
	AttrSubjectPresent  = "oauth.subject_present"
	AttrScope           = "oauth.scope"
	AttrGrantType       = "oauth.grant_type"
	AttrAuthMethod      = "oauth.client_auth_method"
	AttrPKCEMethod      = "oauth.pkce.method"
	AttrTokenType       = "oauth.token_type" //nolint:gosec // G101: attribute name, not a credential
	AttrAccessTokenType = "oauth.access_token_type"
	AttrRefreshIssued   = "oauth.refresh_issued"
	AttrRefreshRotated  = "oauth.refresh_rotated"
	AttrError           = "oauth.error"
	AttrDeviceOutcome   = "oauth.device.outcome"

	AttrStorageOperation = "storage.operation"
	AttrStorageType      = "storage.type"

	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// SetProtocolError records a protocol error code on a span. Protocol errors are an
// expected outcome, so the span status is left unset rather than marked as failed.
func SetProtocolError(span trace.Span, code string) {
	if code != "" {
		SetSpanAttributes(span, attribute.String(AttrError, code))
	}
}

// AddTokenRequestAttributes adds the common token request attributes to a span (nil-safe)
func AddTokenRequestAttributes(span trace.Span, clientID, grantType string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if grantType != "" {
		SetSpanAttributes(span, attribute.String(AttrGrantType, grantType))
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}
