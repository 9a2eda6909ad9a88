package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the engine
type Metrics struct {
	// HTTP adapter
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Token endpoint
	TokenRequestsTotal metric.Int64Counter
	TokensIssued       metric.Int64Counter
	TokenRevoked       metric.Int64Counter
	ClientAuthTotal    metric.Int64Counter

	// Device flow
	DeviceAuthorizationsIssued metric.Int64Counter
	DevicePollsTotal           metric.Int64Counter

	// Security
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter

	// Storage
	StorageOperationTotal            metric.Int64Counter
	StorageOperationDuration         metric.Float64Histogram
	StorageClientsCount              metric.Int64ObservableGauge
	StorageGrantsCount               metric.Int64ObservableGauge
	StorageCodesCount                metric.Int64ObservableGauge
	StorageDeviceAuthorizationsCount metric.Int64ObservableGauge
}

type counterSpec struct {
	dst   *metric.Int64Counter
	meter metric.Meter
	name  string
	desc  string
	unit  string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	deviceMeter := inst.Meter("device")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, httpMeter, "oauth.http.requests.total", "Total number of HTTP requests", "{request}"},
		{&m.TokenRequestsTotal, serverMeter, "oauth.token.requests", "Token requests by grant type and result", "{request}"},
		{&m.TokensIssued, serverMeter, "oauth.token.issued", "Tokens issued by token type", "{token}"},
		{&m.TokenRevoked, serverMeter, "oauth.token.revoked", "Number of tokens revoked", "{revocation}"},
		{&m.ClientAuthTotal, serverMeter, "oauth.client.authentications", "Client authentication attempts", "{attempt}"},
		{&m.DeviceAuthorizationsIssued, deviceMeter, "oauth.device.authorizations", "Device authorizations issued", "{authorization}"},
		{&m.DevicePollsTotal, deviceMeter, "oauth.device.polls", "Device token polls by outcome", "{poll}"},
		{&m.RateLimitExceeded, securityMeter, "oauth.rate_limit.exceeded", "Number of rate limit violations", "{violation}"},
		{&m.PKCEValidationFailed, securityMeter, "oauth.pkce.validation_failed", "Number of PKCE validation failures", "{failure}"},
		{&m.CodeReuseDetected, securityMeter, "oauth.code.reuse_detected", "Authorization code reuse attempts", "{attempt}"},
		{&m.StorageOperationTotal, storageMeter, "oauth.storage.operations", "Storage operations by result", "{operation}"},
	}

	for _, c := range counters {
		counter, err := c.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	var err error
	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"oauth.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	gauges := []struct {
		dst  *metric.Int64ObservableGauge
		name string
		desc string
	}{
		{&m.StorageClientsCount, "oauth.storage.clients", "Number of stored clients"},
		{&m.StorageGrantsCount, "oauth.storage.grants", "Number of stored grants"},
		{&m.StorageCodesCount, "oauth.storage.authorization_codes", "Number of stored authorization codes"},
		{&m.StorageDeviceAuthorizationsCount, "oauth.storage.device_authorizations", "Number of stored device authorizations"},
	}
	for _, g := range gauges {
		gauge, err := storageMeter.Int64ObservableGauge(g.name, metric.WithDescription(g.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
		*g.dst = gauge
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request handled by the adapter
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordTokenRequest records a token request outcome. result is "success" or an error code.
func (m *Metrics) RecordTokenRequest(ctx context.Context, grantType, result string) {
	m.TokenRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("result", result),
	))
}

// RecordTokenIssued records an issued token of tokenType ("access_token", "refresh_token", "id_token")
func (m *Metrics) RecordTokenIssued(ctx context.Context, tokenType, grantType string) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("token_type", tokenType),
		attribute.String("grant_type", grantType),
	))
}

// RecordTokenRevoked records a revocation request
func (m *Metrics) RecordTokenRevoked(ctx context.Context, tokenType string, found bool) {
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("token_type", tokenType),
		attribute.Bool("found", found),
	))
}

// RecordClientAuthentication records a client authentication attempt
func (m *Metrics) RecordClientAuthentication(ctx context.Context, method string, success bool) {
	m.ClientAuthTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.Bool("success", success),
	))
}

// RecordDeviceAuthorization records an issued device authorization
func (m *Metrics) RecordDeviceAuthorization(ctx context.Context, userCodeType string) {
	m.DeviceAuthorizationsIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("user_code_type", userCodeType),
	))
}

// RecordDevicePoll records the outcome of a device token poll
func (m *Metrics) RecordDevicePoll(ctx context.Context, outcome string) {
	m.DevicePollsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordCodeReuseDetected records an authorization code reuse attempt
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
