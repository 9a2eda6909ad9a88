// Package instrumentation provides OpenTelemetry instrumentation for the protocol engine.
//
// The engine records metrics and spans against providers supplied by the host. Without
// providers (or with Enabled=false) no-op providers are used, so instrumentation can be
// wired unconditionally.
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-idp",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//		MeterProvider:  meterProvider,
//		TracerProvider: tracerProvider,
//	})
//
// # Metrics
//
// Token endpoint:
//   - oauth.token.requests{grant_type, result}
//   - oauth.token.issued{token_type, grant_type}
//   - oauth.token.revoked{token_type, found}
//   - oauth.client.authentications{method, success}
//
// Device flow:
//   - oauth.device.authorizations{user_code_type}
//   - oauth.device.polls{outcome}
//
// Security:
//   - oauth.rate_limit.exceeded{endpoint}
//   - oauth.pkce.validation_failed{method}
//   - oauth.code.reuse_detected
//
// Storage:
//   - oauth.storage.operations{operation, result}
//   - oauth.storage.operation.duration{operation}
//   - oauth.storage.{clients,grants,authorization_codes,device_authorizations} gauges
//
// HTTP adapter:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// # Traces
//
// Spans are started per scope: "server" (token validation and response generation),
// "device" (polling), "storage" (store operations) and "http" (adapter). Protocol errors
// are recorded as the oauth.error attribute; only faults mark a span as failed.
package instrumentation
