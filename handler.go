package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-engine/clientauth"
	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/server"
)

const (
	defaultCORSMaxAge = 3600 // 1 hour default for preflight cache

	// maxFormBytes bounds the size of POST bodies
	maxFormBytes = 64 << 10
)

// Endpoint names used in metrics, spans and audit events
const (
	endpointToken               = "token"
	endpointDeviceAuthorization = "device_authorization"
	endpointRevocation          = "revocation"
	endpointJWKS                = "jwks"
	endpointMetadata            = "metadata"
)

var formMediaType = contenttype.NewMediaType("application/x-www-form-urlencoded")

// Handler is the HTTP wire adapter over the protocol engine. It parses requests, applies
// rate limiting and CORS, and writes engine results with the status codes and headers
// the OAuth RFCs require. Routing and serving are left to the host.
type Handler struct {
	server      *server.Server
	config      HandlerConfig
	logger      *slog.Logger
	rateLimiter *security.RateLimiter
}

// NewHandler creates a new HTTP adapter for srv. A rate limiter is started when
// config.RateLimit.Rate is positive; call Stop to release it.
func NewHandler(srv *server.Server, config HandlerConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: srv,
		config: config,
		logger: logger,
	}

	if config.RateLimit.Rate > 0 {
		h.rateLimiter = security.NewRateLimiter(security.RateLimiterConfig{
			RequestsPerSecond: float64(config.RateLimit.Rate),
			Burst:             config.RateLimit.Burst,
			MaxEntries:        config.RateLimit.MaxEntries,
			Logger:            logger,
		})
	}

	for _, origin := range config.CORS.AllowedOrigins {
		if origin == "*" {
			logger.Warn("⚠️  CORS: Wildcard origin (*) allows ALL origins",
				"risk", "token requests accepted from any website",
				"recommendation", "Use specific origins in production")
		}
	}

	return h
}

// Stop releases the rate limiter's background goroutine
func (h *Handler) Stop() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

// RegisterRoutes mounts every endpoint on mux at the paths of the published endpoint URLs.
// Discovery documents are mounted under the issuer path.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	cfg := h.server.Config()
	issuerPath := pathOf(cfg.Issuer)

	mux.HandleFunc(pathOf(cfg.TokenEndpoint), h.ServeToken)
	mux.HandleFunc(pathOf(cfg.DeviceAuthorizationEndpoint), h.ServeDeviceAuthorization)
	mux.HandleFunc(pathOf(cfg.RevocationEndpoint), h.ServeRevocation)
	mux.HandleFunc(pathOf(cfg.JWKSURI), h.ServeJWKS)
	mux.HandleFunc(issuerPath+OpenIDConfigurationPath, h.ServeMetadata)
	mux.HandleFunc(issuerPath+AuthorizationServerMetadataPath, h.ServeMetadata)

	h.logger.Info("Registered OAuth endpoints",
		"token", pathOf(cfg.TokenEndpoint),
		"device_authorization", pathOf(cfg.DeviceAuthorizationEndpoint),
		"revocation", pathOf(cfg.RevocationEndpoint),
		"jwks", pathOf(cfg.JWKSURI))
}

// pathOf returns the path component of an endpoint URL
func pathOf(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	return strings.TrimSuffix(u.Path, "/")
}

// ============================================================
// Token Endpoint
// ============================================================

// ServeToken handles the token endpoint (RFC 6749 section 3.2)
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	ctx, span, startTime, ok := h.begin(w, r, endpointToken, http.MethodPost)
	defer span.End()
	if !ok {
		return
	}

	req, ok := h.parseForm(ctx, w, r, endpointToken, startTime)
	if !ok {
		return
	}

	validated, perr, err := h.server.ValidateTokenRequest(ctx, req)
	if err != nil {
		h.writeServerError(ctx, w, endpointToken, span, err, startTime)
		return
	}
	if perr != nil {
		instrumentation.SetProtocolError(span, perr.Code)
		h.writeProtocolError(ctx, w, endpointToken, perr, startTime)
		return
	}

	resp, err := h.server.ProcessTokenResponse(ctx, validated)
	if err != nil {
		h.writeServerError(ctx, w, endpointToken, span, err, startTime)
		return
	}

	instrumentation.AddTokenRequestAttributes(span, validated.Client().ClientID, validated.GrantType())
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(ctx, w, endpointToken, http.StatusOK, resp, startTime)
}

// ============================================================
// Device Authorization Endpoint
// ============================================================

// ServeDeviceAuthorization handles the device authorization endpoint (RFC 8628 section 3.1)
func (h *Handler) ServeDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	ctx, span, startTime, ok := h.begin(w, r, endpointDeviceAuthorization, http.MethodPost)
	defer span.End()
	if !ok {
		return
	}

	req, ok := h.parseForm(ctx, w, r, endpointDeviceAuthorization, startTime)
	if !ok {
		return
	}

	resp, perr, err := h.server.ProcessDeviceAuthorization(ctx, req)
	if err != nil {
		h.writeServerError(ctx, w, endpointDeviceAuthorization, span, err, startTime)
		return
	}
	if perr != nil {
		instrumentation.SetProtocolError(span, perr.Code)
		h.writeProtocolError(ctx, w, endpointDeviceAuthorization, perr, startTime)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeJSON(ctx, w, endpointDeviceAuthorization, http.StatusOK, resp, startTime)
}

// ============================================================
// Revocation Endpoint
// ============================================================

// ServeRevocation handles the revocation endpoint (RFC 7009). A successful request is
// answered with an empty 200, also when the token was unknown.
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	ctx, span, startTime, ok := h.begin(w, r, endpointRevocation, http.MethodPost)
	defer span.End()
	if !ok {
		return
	}

	req, ok := h.parseForm(ctx, w, r, endpointRevocation, startTime)
	if !ok {
		return
	}

	validated, perr, err := h.server.ValidateRevocationRequest(ctx, req)
	if err != nil {
		h.writeServerError(ctx, w, endpointRevocation, span, err, startTime)
		return
	}
	if perr != nil {
		instrumentation.SetProtocolError(span, perr.Code)
		h.writeProtocolError(ctx, w, endpointRevocation, perr, startTime)
		return
	}

	if err := h.server.ProcessRevocation(ctx, validated); err != nil {
		h.writeServerError(ctx, w, endpointRevocation, span, err, startTime)
		return
	}

	instrumentation.SetSpanSuccess(span)
	security.SetTokenResponseHeaders(w)
	w.WriteHeader(http.StatusOK)
	h.recordHTTPMetrics(ctx, endpointRevocation, http.MethodPost, http.StatusOK, startTime)
}

// ============================================================
// Discovery Endpoints
// ============================================================

// ServeJWKS serves the public signing keys
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	ctx, span, startTime, ok := h.begin(w, r, endpointJWKS, http.MethodGet)
	defer span.End()
	if !ok {
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=3600")
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(ctx, w, endpointJWKS, http.StatusOK, h.server.JWKS(), startTime)
}

// ServeMetadata serves the OpenID Connect discovery document, which doubles as the
// RFC 8414 authorization server metadata
func (h *Handler) ServeMetadata(w http.ResponseWriter, r *http.Request) {
	ctx, span, startTime, ok := h.begin(w, r, endpointMetadata, http.MethodGet)
	defer span.End()
	if !ok {
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=3600")
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(ctx, w, endpointMetadata, http.StatusOK, h.server.Metadata(), startTime)
}

// ServePreflightRequest handles CORS preflight (OPTIONS) requests.
func (h *Handler) ServePreflightRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodOptions {
		w.Header().Set("Allow", http.MethodOptions)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================
// Request Handling
// ============================================================

// begin runs the checks shared by all endpoints: request id, tracing, method, CORS and
// rate limiting. It returns false when a response has already been written.
func (h *Handler) begin(w http.ResponseWriter, r *http.Request, endpoint, method string) (context.Context, trace.Span, time.Time, bool) {
	startTime := time.Now()

	requestID := security.RequestIDFrom(r.Header.Get(security.RequestIDHeader))
	w.Header().Set(security.RequestIDHeader, requestID)
	ctx := security.WithRequestID(r.Context(), requestID)

	ctx, span := h.server.Instrumentation().Tracer("http").Start(ctx, "oauth.http."+endpoint)
	instrumentation.AddHTTPAttributes(span, r.Method, endpoint, 0)

	if r.Method == http.MethodOptions && len(h.config.CORS.AllowedOrigins) > 0 {
		h.ServePreflightRequest(w, r)
		return ctx, span, startTime, false
	}

	if r.Method != method {
		w.Header().Set("Allow", method)
		h.recordHTTPMetrics(ctx, endpoint, r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return ctx, span, startTime, false
	}

	h.setCORSHeaders(w, r)

	if !h.allowRequest(ctx, r, endpoint) {
		h.recordHTTPMetrics(ctx, endpoint, r.Method, http.StatusTooManyRequests, startTime)
		w.Header().Set("Retry-After", "1")
		h.writeErrorBody(w, http.StatusTooManyRequests,
			protocol.ErrorResponse{Error: ErrorCodeTemporarilyUnavailable, ErrorDescription: "Rate limit exceeded"})
		return ctx, span, startTime, false
	}

	return ctx, span, startTime, true
}

// allowRequest applies the per-IP rate limit
func (h *Handler) allowRequest(ctx context.Context, r *http.Request, endpoint string) bool {
	if h.rateLimiter == nil {
		return true
	}

	clientIP := security.ClientIP(r, h.config.RateLimit.TrustProxy, h.config.RateLimit.TrustedProxyCount)
	if h.rateLimiter.Allow(clientIP) {
		return true
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "endpoint", endpoint)
	h.server.Auditor().LogRateLimitExceeded(ctx, clientIP, endpoint)
	h.server.Instrumentation().Metrics().RecordRateLimitExceeded(ctx, endpoint)
	return false
}

// parseForm checks the content type and parses the POST body into a clientauth.Request
func (h *Handler) parseForm(ctx context.Context, w http.ResponseWriter, r *http.Request, endpoint string, startTime time.Time) (*clientauth.Request, bool) {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(formMediaType) {
		h.writeProtocolError(ctx, w, endpoint,
			protocol.ErrInvalidRequest("Content-Type must be application/x-www-form-urlencoded"), startTime)
		return nil, false
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		h.logger.Debug("Failed to parse form", "endpoint", endpoint, "error", err)
		h.writeProtocolError(ctx, w, endpoint, protocol.ErrInvalidRequest("Malformed request body"), startTime)
		return nil, false
	}

	return clientauth.RequestFromHTTP(r), true
}

// ============================================================
// Response Writing
// ============================================================

// writeJSON writes a successful JSON response with the no-store headers
func (h *Handler) writeJSON(ctx context.Context, w http.ResponseWriter, endpoint string, status int, body any, startTime time.Time) {
	if endpoint != endpointJWKS && endpoint != endpointMetadata {
		security.SetTokenResponseHeaders(w)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "endpoint", endpoint, "error", err)
	}
	h.recordHTTPMetrics(ctx, endpoint, methodFor(endpoint), status, startTime)
}

// writeProtocolError writes perr with its HTTP status. invalid_client answered with 401
// carries a Basic challenge (RFC 6749 section 5.2).
func (h *Handler) writeProtocolError(ctx context.Context, w http.ResponseWriter, endpoint string, perr *protocol.Error, startTime time.Time) {
	status := perr.Status
	if status == 0 {
		status = protocol.StatusForCode(perr.Code)
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", h.server.Config().Issuer))
	}

	h.logger.Debug("Protocol error",
		"endpoint", endpoint,
		"error", perr.Code,
		"request_id", security.GetRequestID(ctx))

	h.writeErrorBody(w, status, perr.Response())
	h.recordHTTPMetrics(ctx, endpoint, http.MethodPost, status, startTime)
}

// writeServerError answers an internal fault with a generic server_error. The cause is
// logged, never sent to the client.
func (h *Handler) writeServerError(ctx context.Context, w http.ResponseWriter, endpoint string, span trace.Span, err error, startTime time.Time) {
	h.logger.Error("Request failed",
		"endpoint", endpoint,
		"request_id", security.GetRequestID(ctx),
		"error", err)
	instrumentation.RecordError(span, err)

	h.writeErrorBody(w, http.StatusInternalServerError,
		protocol.ErrorResponse{Error: ErrorCodeServerError, ErrorDescription: "The server encountered an internal error"})
	h.recordHTTPMetrics(ctx, endpoint, http.MethodPost, http.StatusInternalServerError, startTime)
}

// writeErrorBody writes an OAuth error body
func (h *Handler) writeErrorBody(w http.ResponseWriter, status int, body protocol.ErrorResponse) {
	security.SetTokenResponseHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode error response", "error", err)
	}
}

// methodFor returns the HTTP method an endpoint is served with
func methodFor(endpoint string) string {
	if endpoint == endpointJWKS || endpoint == endpointMetadata {
		return http.MethodGet
	}
	return http.MethodPost
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	duration := time.Since(startTime).Seconds() * 1000 // convert to milliseconds
	h.server.Instrumentation().Metrics().RecordHTTPRequest(ctx, method, endpoint, status, duration)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attribute.Int(instrumentation.AttrHTTPStatusCode, status))
	}
}

// ============================================================
// CORS
// ============================================================

// setCORSHeaders sets CORS headers if configured and the origin is allowed.
// Only applies if AllowedOrigins is configured, Origin header is present, and origin is allowed.
func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(h.config.CORS.AllowedOrigins) == 0 {
		return
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}

	if !h.isAllowedOrigin(origin) {
		h.logger.Debug("CORS request from disallowed origin", "origin", origin)
		return
	}

	// Echo back the specific origin rather than "*"
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")

	if h.config.CORS.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}

	maxAge := h.config.CORS.MaxAge
	if maxAge == 0 {
		maxAge = defaultCORSMaxAge
	}

	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", maxAge))
}

// isAllowedOrigin checks if the given origin is in the allowed origins list.
// Supports exact matching and wildcard "*" for development.
func (h *Handler) isAllowedOrigin(origin string) bool {
	for _, allowed := range h.config.CORS.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
