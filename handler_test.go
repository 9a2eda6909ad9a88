package oauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/giantswarm/oidc-engine/device"
	"github.com/giantswarm/oidc-engine/grants"
	"github.com/giantswarm/oidc-engine/internal/testutil"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/server"
	"github.com/giantswarm/oidc-engine/storage"
	"github.com/giantswarm/oidc-engine/storage/mock"
)

const testSecret = "secret"

var testSigningKey = sync.OnceValue(func() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return key
})

type testEnv struct {
	server  *server.Server
	handler *Handler
	store   *mock.Store
	http    *httptest.Server
}

func (e *testEnv) url(path string) string {
	return e.http.URL + path
}

// setupTestHandler serves a fresh engine on an httptest server with the clients:
//
//	service   confidential, client_credentials, scopes api api.read
//	ro        confidential, password + refresh_token, offline access
//	device    public, device code
func setupTestHandler(t *testing.T, config HandlerConfig) *testEnv {
	t.Helper()

	mux := http.NewServeMux()
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	store := mock.New()
	t.Cleanup(store.Stop)

	srv, err := server.New(store, &server.Config{
		Issuer:                ts.URL,
		SigningKey:            testSigningKey(),
		DevicePollingInterval: 1,
	}, nil, grants.NewPasswordGrantValidator(testutil.EqualCredentialsValidator()))
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}

	h := NewHandler(srv, config, nil)
	t.Cleanup(h.Stop)
	h.RegisterRoutes(mux)

	ro := testutil.NewConfidentialClient(t, "ro", testSecret,
		[]string{protocol.GrantTypePassword, protocol.GrantTypeRefreshToken},
		"openid", "api", "offline_access")
	ro.AllowOfflineAccess = true

	for _, c := range []*storage.Client{
		testutil.NewConfidentialClient(t, "service", testSecret,
			[]string{protocol.GrantTypeClientCredentials}, "api", "api.read"),
		ro,
		testutil.NewPublicClient("device", "openid", "api"),
	} {
		if err := store.SaveClient(context.Background(), c); err != nil {
			t.Fatalf("SaveClient(%s) error = %v", c.ClientID, err)
		}
	}

	return &testEnv{server: srv, handler: h, store: store, http: ts}
}

func (e *testEnv) postForm(t *testing.T, path string, form url.Values, clientID, secret string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, e.url(path), strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if clientID != "" {
		req.SetBasicAuth(clientID, secret)
	}

	resp, err := e.http.Client().Do(req)
	if err != nil {
		t.Fatalf("POST %s error = %v", path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func TestHandler_ClientCredentials(t *testing.T) {
	env := setupTestHandler(t, HandlerConfig{})

	cfg := clientcredentials.Config{
		ClientID:     "service",
		ClientSecret: testSecret,
		TokenURL:     env.url(server.DefaultTokenPath),
		Scopes:       []string{"api"},
		AuthStyle:    oauth2.AuthStyleInHeader,
	}

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, env.http.Client())
	tok, err := cfg.Token(ctx)
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok.AccessToken == "" {
		t.Error("expected an access token")
	}
	if tok.TokenType != protocol.TokenTypeBearer {
		t.Errorf("TokenType = %q, want Bearer", tok.TokenType)
	}
	if tok.RefreshToken != "" {
		t.Error("client_credentials must not issue a refresh token")
	}
	if scope, _ := tok.Extra("scope").(string); scope != "api" {
		t.Errorf("scope = %q, want api", scope)
	}
}

func TestHandler_ClientCredentials_PostBody(t *testing.T) {
	env := setupTestHandler(t, HandlerConfig{})

	cfg := clientcredentials.Config{
		ClientID:     "service",
		ClientSecret: testSecret,
		TokenURL:     env.url(server.DefaultTokenPath),
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, env.http.Client())
	if _, err := cfg.Token(ctx); err != nil {
		t.Fatalf("Token() error = %v", err)
	}
}

func TestHandler_PasswordGrantAndRefresh(t *testing.T) {
	env := setupTestHandler(t, HandlerConfig{})

	cfg := oauth2.Config{
		ClientID:     "ro",
		ClientSecret: testSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  env.url(server.DefaultTokenPath),
			AuthStyle: oauth2.AuthStyleInHeader,
		},
		Scopes: []string{"openid", "api", "offline_access"},
	}

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, env.http.Client())
	tok, err := cfg.PasswordCredentialsToken(ctx, "bob", "bob")
	if err != nil {
		t.Fatalf("PasswordCredentialsToken() error = %v", err)
	}
	if tok.RefreshToken == "" {
		t.Fatal("expected a refresh token for offline_access")
	}
	if idToken, _ := tok.Extra("id_token").(string); idToken == "" {
		t.Error("expected an ID token for openid")
	}

	refreshed, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken}).Token()
	if err != nil {
		t.Fatalf("refresh error = %v", err)
	}
	if refreshed.AccessToken == "" || refreshed.AccessToken == tok.AccessToken {
		t.Error("expected a new access token")
	}
	if refreshed.RefreshToken == tok.RefreshToken {
		t.Error("expected the refresh token to be rotated")
	}

	// The rotated token is gone
	_, err = cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken}).Token()
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected RetrieveError, got %v", err)
	}
	if rerr.ErrorCode != ErrorCodeInvalidGrant {
		t.Errorf("ErrorCode = %q, want invalid_grant", rerr.ErrorCode)
	}
}

func TestHandler_PasswordGrant_WrongPassword(t *testing.T) {
	env := setupTestHandler(t, HandlerConfig{})

	cfg := oauth2.Config{
		ClientID:     "ro",
		ClientSecret: testSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  env.url(server.DefaultTokenPath),
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, env.http.Client())
	_, err := cfg.PasswordCredentialsToken(ctx, "bob", "wrong")

	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected RetrieveError, got %v", err)
	}
	if rerr.Response.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rerr.Response.StatusCode)
	}
	if rerr.ErrorCode != ErrorCodeInvalidGrant {
		t.Errorf("ErrorCode = %q, want invalid_grant", rerr.ErrorCode)
	}
}

func TestHandler_DeviceFlow(t *testing.T) {
	env := setupTestHandler(t, HandlerConfig{})

	cfg := oauth2.Config{
		ClientID: "device",
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: env.url(server.DefaultDeviceAuthorizationPath),
			TokenURL:      env.url(server.DefaultTokenPath),
			AuthStyle:     oauth2.AuthStyleInParams,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, env.http.Client())

	da, err := cfg.DeviceAuth(ctx, oauth2.SetAuthURLParam("scope", "openid api"))
	if err != nil {
		t.Fatalf("DeviceAuth() error = %v", err)
	}
	if da.DeviceCode == "" || da.UserCode == "" {
		t.Fatal("expected device and user codes")
	}
	if da.VerificationURI != env.url(server.DefaultDeviceVerificationPath) {
		t.Errorf("VerificationURI = %q", da.VerificationURI)
	}
	if da.Interval != 1 {
		t.Errorf("Interval = %d, want 1", da.Interval)
	}

	if _, err := env.server.Devices().Approve(ctx, da.UserCode, device.Approval{Subject: "alice"}); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	tok, err := cfg.DeviceAccessToken(ctx, da)
	if err != nil {
		t.Fatalf("DeviceAccessToken() error = %v", err)
	}
	if tok.AccessToken == "" {
		t.Error("expected an access token")
	}
	if idToken, _ := tok.Extra("id_token").(string); idToken == "" {
		t.Error("expected an ID token for openid")
	}
}

func TestHandler_DevicePending(t *testing.T) {
	env := setupTestHandler(t, HandlerConfig{})

	resp := env.postForm(t, server.DefaultDeviceAuthorizationPath,
		url.Values{"client_id": {"device"}, "scope": {"api"}}, "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var da DeviceAuthorizationResponse
	if err := json.NewDecoder(resp.Body).Decode(&da); err != nil {
		t.Fatalf("decode: %v", err)
	}

	poll := url.Values{
		"grant_type":  {protocol.GrantTypeDeviceCode},
		"client_id":   {"device"},
		"device_code": {da.DeviceCode},
	}

	resp = env.postForm(t, server.DefaultTokenPath, poll, "", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if got := decodeError(t, resp).Error; got != ErrorCodeAuthorizationPending {
		t.Errorf("error = %q, want authorization_pending", got)
	}

	resp = env.postForm(t, server.DefaultTokenPath, poll, "", "")
	if got := decodeError(t, resp).Error; got != ErrorCodeSlowDown {
		t.Errorf("error = %q, want slow_down", got)
	}
}

func TestHandler_InvalidClient(t *testing.T) {
	env := setupTestHandler(t, HandlerConfig{})

	resp := env.postForm(t, server.DefaultTokenPath,
		url.Values{"grant_type": {protocol.GrantTypeClientCredentials}}, "service", "wrong")

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if got := resp.Header.Get("WWW-Authenticate"); !strings.HasPrefix(got, "Basic") {
		t.Errorf("WWW-Authenticate = %q, want a Basic challenge", got)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
	if got := decodeError(t, resp).Error; got != ErrorCodeInvalidClient {
		t.Errorf("error = %q, want invalid_client", got)
	}
}

func TestHandler_RequestValidation(t *testing.T) {
	env := setupTestHandler(t, HandlerConfig{})

	t.Run("method not allowed", func(t *testing.T) {
		resp, err := env.http.Client().Get(env.url(server.DefaultTokenPath))
		if err != nil {
			t.Fatalf("GET error = %v", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", resp.StatusCode)
		}
		if got := resp.Header.Get("Allow"); got != http.MethodPost {
			t.Errorf("Allow = %q, want POST", got)
		}
	})

	t.Run("json body", func(t *testing.T) {
		resp, err := env.http.Client().Post(env.url(server.DefaultTokenPath), "application/json",
			strings.NewReader(`{"grant_type":"client_credentials"}`))
		if err != nil {
			t.Fatalf("POST error = %v", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
		if got := decodeError(t, resp).Error; got != ErrorCodeInvalidRequest {
			t.Errorf("error = %q, want invalid_request", got)
		}
	})

	t.Run("unsupported grant type", func(t *testing.T) {
		resp := env.postForm(t, server.DefaultTokenPath,
			url.Values{"grant_type": {"implicit"}}, "service", testSecret)
		if got := decodeError(t, resp).Error; got != ErrorCodeUnsupportedGrantType {
			t.Errorf("error = %q, want unsupported_grant_type", got)
		}
	})
}

func TestHandler_RequestID(t *testing.T) {
	env := setupTestHandler(t, HandlerConfig{})

	req, _ := http.NewRequest(http.MethodGet, env.url(OpenIDConfigurationPath), nil)
	req.Header.Set("X-Request-ID", "upstream-id_1")
	resp, err := env.http.Client().Do(req)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if got := resp.Header.Get("X-Request-ID"); got != "upstream-id_1" {
		t.Errorf("X-Request-ID = %q, want upstream-id_1", got)
	}

	req, _ = http.NewRequest(http.MethodGet, env.url(OpenIDConfigurationPath), nil)
	req.Header.Set("X-Request-ID", "bad id!")
	resp2, err := env.http.Client().Do(req)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer func() { _ = resp2.Body.Close() }()

	if got := resp2.Header.Get("X-Request-ID"); got == "" || strings.Contains(got, " ") {
		t.Errorf("X-Request-ID = %q, want a generated id", got)
	}
}

func TestHandler_StoreFailure(t *testing.T) {
	env := setupTestHandler(t, HandlerConfig{})
	env.store.GetClientFunc = func(context.Context, string) (*storage.Client, error) {
		return nil, errors.New("connection refused")
	}

	resp := env.postForm(t, server.DefaultTokenPath,
		url.Values{"grant_type": {protocol.GrantTypeClientCredentials}}, "service", testSecret)

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	body := decodeError(t, resp)
	if body.Error != ErrorCodeServerError {
		t.Errorf("error = %q, want server_error", body.Error)
	}
	if strings.Contains(body.ErrorDescription, "connection refused") {
		t.Error("internal error details must not leak")
	}
}

func TestHandler_Revocation(t *testing.T) {
	env := setupTestHandler(t, HandlerConfig{})

	cfg := oauth2.Config{
		ClientID:     "ro",
		ClientSecret: testSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  env.url(server.DefaultTokenPath),
			AuthStyle: oauth2.AuthStyleInHeader,
		},
		Scopes: []string{"api", "offline_access"},
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, env.http.Client())
	tok, err := cfg.PasswordCredentialsToken(ctx, "bob", "bob")
	if err != nil {
		t.Fatalf("PasswordCredentialsToken() error = %v", err)
	}

	resp := env.postForm(t, server.DefaultRevocationPath, url.Values{
		"token":           {tok.RefreshToken},
		"token_type_hint": {"refresh_token"},
	}, "ro", testSecret)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	_, err = cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken}).Token()
	if err == nil {
		t.Fatal("expected the revoked refresh token to be rejected")
	}

	// Unknown tokens are answered with 200 too
	resp = env.postForm(t, server.DefaultRevocationPath,
		url.Values{"token": {"unknown"}}, "ro", testSecret)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	resp = env.postForm(t, server.DefaultRevocationPath, url.Values{}, "ro", testSecret)
	if got := decodeError(t, resp).Error; got != ErrorCodeInvalidRequest {
		t.Errorf("error = %q, want invalid_request", got)
	}
}

func TestHandler_Discovery(t *testing.T) {
	env := setupTestHandler(t, HandlerConfig{})

	for _, path := range []string{OpenIDConfigurationPath, AuthorizationServerMetadataPath} {
		resp, err := env.http.Client().Get(env.url(path))
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		var md AuthorizationServerMetadata
		err = json.NewDecoder(resp.Body).Decode(&md)
		_ = resp.Body.Close()
		if err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}

		if md.Issuer != env.http.URL {
			t.Errorf("%s: issuer = %q, want %q", path, md.Issuer, env.http.URL)
		}
		if md.TokenEndpoint != env.url(server.DefaultTokenPath) {
			t.Errorf("%s: token_endpoint = %q", path, md.TokenEndpoint)
		}
		if md.JWKSURI != env.url(server.DefaultJWKSPath) {
			t.Errorf("%s: jwks_uri = %q", path, md.JWKSURI)
		}
	}

	resp, err := env.http.Client().Get(env.url(server.DefaultJWKSPath))
	if err != nil {
		t.Fatalf("GET jwks error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var jwks jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		t.Fatalf("decode jwks: %v", err)
	}
	if len(jwks.Keys) != 1 {
		t.Fatalf("len(keys) = %d, want 1", len(jwks.Keys))
	}
	if !jwks.Keys[0].IsPublic() {
		t.Error("JWKS must only contain public keys")
	}
	if jwks.Keys[0].KeyID != env.server.Config().SigningKeyID {
		t.Errorf("kid = %q, want %q", jwks.Keys[0].KeyID, env.server.Config().SigningKeyID)
	}
}

func TestHandler_RateLimit(t *testing.T) {
	env := setupTestHandler(t, HandlerConfig{
		RateLimit: RateLimitConfig{Rate: 1, Burst: 1},
	})

	form := url.Values{"grant_type": {protocol.GrantTypeClientCredentials}}

	resp := env.postForm(t, server.DefaultTokenPath, form, "service", testSecret)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", resp.StatusCode)
	}

	resp = env.postForm(t, server.DefaultTokenPath, form, "service", testSecret)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("expected a Retry-After header")
	}
}

func TestHandler_CORS(t *testing.T) {
	env := setupTestHandler(t, HandlerConfig{
		CORS: CORSConfig{AllowedOrigins: []string{"https://app.example.com"}},
	})

	tests := []struct {
		name       string
		origin     string
		wantOrigin string
	}{
		{name: "allowed origin", origin: "https://app.example.com", wantOrigin: "https://app.example.com"},
		{name: "other origin", origin: "https://evil.example.com", wantOrigin: ""},
		{name: "no origin", origin: "", wantOrigin: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodOptions, env.url(server.DefaultTokenPath), nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			resp, err := env.http.Client().Do(req)
			if err != nil {
				t.Fatalf("OPTIONS error = %v", err)
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != http.StatusNoContent {
				t.Errorf("status = %d, want 204", resp.StatusCode)
			}
			if got := resp.Header.Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
		})
	}
}

func TestHandler_ProtocolErrorStatus(t *testing.T) {
	env := setupTestHandler(t, HandlerConfig{})

	tests := []struct {
		name       string
		perr       *OAuthError
		wantStatus int
	}{
		{name: "invalid_grant", perr: ErrInvalidGrant("bad"), wantStatus: http.StatusBadRequest},
		{name: "invalid_client", perr: ErrInvalidClient("bad"), wantStatus: http.StatusUnauthorized},
		{name: "temporarily_unavailable", perr: NewOAuthError(ErrorCodeTemporarilyUnavailable, ""), wantStatus: http.StatusServiceUnavailable},
		{name: "zero status", perr: &OAuthError{Code: ErrorCodeInvalidScope}, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			env.handler.writeProtocolError(context.Background(), w, endpointToken, tt.perr, time.Now())

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var body ErrorResponse
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error != tt.perr.Code {
				t.Errorf("error = %q, want %q", body.Error, tt.perr.Code)
			}
		})
	}
}
