package server

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/oidc-engine/device"
	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/internal/testutil"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/storage"
	"github.com/giantswarm/oidc-engine/storage/mock"
)

// ============================================================
// Request level checks
// ============================================================

func TestValidateTokenRequest_RequestChecks(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name     string
		clientID string
		secret   string
		form     url.Values
		wantCode string
	}{
		{
			name:     "wrong secret",
			clientID: "service",
			secret:   "wrong",
			form:     url.Values{"grant_type": {protocol.GrantTypeClientCredentials}},
			wantCode: protocol.ErrorCodeInvalidClient,
		},
		{
			name:     "unknown client",
			clientID: "nobody",
			secret:   testSecret,
			form:     url.Values{"grant_type": {protocol.GrantTypeClientCredentials}},
			wantCode: protocol.ErrorCodeInvalidClient,
		},
		{
			name:     "missing grant type",
			clientID: "service",
			secret:   testSecret,
			form:     url.Values{},
			wantCode: protocol.ErrorCodeInvalidRequest,
		},
		{
			name:     "unsupported grant type",
			clientID: "service",
			secret:   testSecret,
			form:     url.Values{"grant_type": {"urn:example:unknown"}},
			wantCode: protocol.ErrorCodeUnsupportedGrantType,
		},
		{
			name:     "grant type not allowed for client",
			clientID: "service",
			secret:   testSecret,
			form:     url.Values{"grant_type": {protocol.GrantTypePassword}, "username": {"bob"}, "password": {"bob"}},
			wantCode: protocol.ErrorCodeUnauthorizedClient,
		},
		{
			name:     "malformed scope",
			clientID: "service",
			secret:   testSecret,
			form:     url.Values{"grant_type": {protocol.GrantTypeClientCredentials}, "scope": {"api \"quoted\""}},
			wantCode: protocol.ErrorCodeInvalidScope,
		},
		{
			name:     "scope not allowed for client",
			clientID: "service",
			secret:   testSecret,
			form:     url.Values{"grant_type": {protocol.GrantTypeClientCredentials}, "scope": {"api admin"}},
			wantCode: protocol.ErrorCodeInvalidScope,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts.expectProtocolError(t, basicRequest(tt.clientID, tt.secret, tt.form), tt.wantCode)
		})
	}
}

func TestValidateTokenRequest_UnknownClientAndBadSecretAreIndistinguishable(t *testing.T) {
	ts := setupTestServer(t)
	form := url.Values{"grant_type": {protocol.GrantTypeClientCredentials}}

	_, unknown, _ := ts.ValidateTokenRequest(context.Background(), basicRequest("nobody", testSecret, form))
	_, badSecret, _ := ts.ValidateTokenRequest(context.Background(), basicRequest("service", "wrong", form))

	if unknown == nil || badSecret == nil {
		t.Fatal("both requests should fail")
	}
	if *unknown != *badSecret {
		t.Errorf("errors differ: %+v vs %+v", unknown, badSecret)
	}
}

func TestValidateTokenRequest_StoreFaultIsFatal(t *testing.T) {
	store := mock.New()
	t.Cleanup(store.Stop)
	store.GetClientFunc = func(context.Context, string) (*storage.Client, error) {
		return nil, errors.New("connection refused")
	}

	srv, err := New(store, testConfig(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, perr, err := srv.ValidateTokenRequest(context.Background(),
		basicRequest("service", testSecret, url.Values{"grant_type": {protocol.GrantTypeClientCredentials}}))
	if err == nil {
		t.Fatal("store fault should be returned as error")
	}
	if perr != nil {
		t.Errorf("store fault should not produce a protocol error, got %v", perr)
	}
}

// ============================================================
// Client Credentials
// ============================================================

func TestClientCredentials(t *testing.T) {
	ts := setupTestServer(t)

	t.Run("defaults to all allowed scopes", func(t *testing.T) {
		resp := ts.requestToken(t, basicRequest("service", testSecret,
			url.Values{"grant_type": {protocol.GrantTypeClientCredentials}}))

		if resp.TokenType != protocol.TokenTypeBearer {
			t.Errorf("TokenType = %q", resp.TokenType)
		}
		if resp.Scope != "api api.read" {
			t.Errorf("Scope = %q, want %q", resp.Scope, "api api.read")
		}
		if resp.ExpiresIn != 3600 {
			t.Errorf("ExpiresIn = %d, want 3600", resp.ExpiresIn)
		}
		if resp.RefreshToken != "" || resp.IDToken != "" {
			t.Error("client_credentials must not issue refresh or ID tokens")
		}
	})

	t.Run("requested subset", func(t *testing.T) {
		resp := ts.requestToken(t, basicRequest("service", testSecret,
			url.Values{"grant_type": {protocol.GrantTypeClientCredentials}, "scope": {"api.read"}}))
		if resp.Scope != "api.read" {
			t.Errorf("Scope = %q, want api.read", resp.Scope)
		}
	})

	t.Run("openid is rejected", func(t *testing.T) {
		client := testutil.NewConfidentialClient(t, "service-oidc", testSecret,
			[]string{protocol.GrantTypeClientCredentials}, "openid", "api")
		ts.saveClient(t, client)

		ts.expectProtocolError(t, basicRequest("service-oidc", testSecret,
			url.Values{"grant_type": {protocol.GrantTypeClientCredentials}, "scope": {"openid api"}}),
			protocol.ErrorCodeInvalidScope)

		resp := ts.requestToken(t, basicRequest("service-oidc", testSecret,
			url.Values{"grant_type": {protocol.GrantTypeClientCredentials}}))
		if resp.Scope != "api" {
			t.Errorf("default scopes should exclude openid, got %q", resp.Scope)
		}
	})

	t.Run("public client is rejected", func(t *testing.T) {
		client := testutil.NewPublicClient("public-service", "api")
		client.AllowedGrantTypes = []string{protocol.GrantTypeClientCredentials}
		ts.saveClient(t, client)

		ts.expectProtocolError(t, publicRequest("public-service",
			url.Values{"grant_type": {protocol.GrantTypeClientCredentials}}),
			protocol.ErrorCodeUnauthorizedClient)
	})
}

// ============================================================
// Authorization Code
// ============================================================

// issueCode issues a PKCE-bound code for testSubject and returns it with its verifier
func (ts *testServer) issueCode(t *testing.T, scopes ...string) (code, verifier string) {
	t.Helper()
	challenge, verifier := testutil.GeneratePKCEPair()
	code, perr, err := ts.IssueAuthorizationCode(context.Background(), AuthorizationCodeRequest{
		ClientID:            "web",
		RedirectURI:         testRedirectURI,
		Scopes:              scopes,
		Subject:             testSubject,
		SessionID:           testSessionID,
		CodeChallenge:       challenge,
		CodeChallengeMethod: protocol.PKCEMethodS256,
		Nonce:               testNonce,
	})
	if err != nil || perr != nil {
		t.Fatalf("IssueAuthorizationCode() = %v, %v", perr, err)
	}
	return code, verifier
}

func codeExchange(code, verifier string) url.Values {
	return url.Values{
		"grant_type":    {protocol.GrantTypeAuthorizationCode},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	}
}

func TestAuthorizationCode_Exchange(t *testing.T) {
	ts := setupTestServer(t)
	code, verifier := ts.issueCode(t, "openid", "api", "offline_access")

	v, perr, err := ts.ValidateTokenRequest(context.Background(), basicRequest("web", testSecret, codeExchange(code, verifier)))
	if err != nil || perr != nil {
		t.Fatalf("ValidateTokenRequest() = %v, %v", perr, err)
	}
	if v.Subject() != testSubject {
		t.Errorf("Subject() = %q, want %q", v.Subject(), testSubject)
	}
	if v.AuthorizationCode() == nil || v.AuthorizationCode().Nonce != testNonce {
		t.Error("AuthorizationCode() should expose the consumed code")
	}
	if v.CodeVerifier() != verifier {
		t.Error("CodeVerifier() should expose the verifier")
	}

	resp, err := ts.ProcessTokenResponse(context.Background(), v)
	if err != nil {
		t.Fatalf("ProcessTokenResponse() error = %v", err)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" || resp.IDToken == "" {
		t.Errorf("expected access, refresh and ID tokens, got %+v", resp)
	}
	if resp.Scope != "openid api offline_access" {
		t.Errorf("Scope = %q", resp.Scope)
	}
}

func TestAuthorizationCode_Failures(t *testing.T) {
	ts := setupTestServer(t)

	t.Run("missing code", func(t *testing.T) {
		ts.expectProtocolError(t, basicRequest("web", testSecret,
			url.Values{"grant_type": {protocol.GrantTypeAuthorizationCode}}),
			protocol.ErrorCodeInvalidRequest)
	})

	t.Run("unknown code", func(t *testing.T) {
		ts.expectProtocolError(t, basicRequest("web", testSecret, codeExchange("unknown", "x")),
			protocol.ErrorCodeInvalidGrant)
	})

	t.Run("wrong verifier", func(t *testing.T) {
		code, _ := ts.issueCode(t, "api")
		_, other := testutil.GeneratePKCEPair()
		ts.expectProtocolError(t, basicRequest("web", testSecret, codeExchange(code, other)),
			protocol.ErrorCodeInvalidGrant)
	})

	t.Run("missing verifier", func(t *testing.T) {
		code, _ := ts.issueCode(t, "api")
		ts.expectProtocolError(t, basicRequest("web", testSecret, codeExchange(code, "")),
			protocol.ErrorCodeInvalidGrant)
	})

	t.Run("redirect uri mismatch", func(t *testing.T) {
		code, verifier := ts.issueCode(t, "api")
		form := codeExchange(code, verifier)
		form.Set("redirect_uri", "https://client.example.com/other")
		ts.expectProtocolError(t, basicRequest("web", testSecret, form), protocol.ErrorCodeInvalidGrant)
	})

	t.Run("code of another client", func(t *testing.T) {
		other := testutil.NewConfidentialClient(t, "web2", testSecret,
			[]string{protocol.GrantTypeAuthorizationCode}, "api")
		ts.saveClient(t, other)

		code, verifier := ts.issueCode(t, "api")
		ts.expectProtocolError(t, basicRequest("web2", testSecret, codeExchange(code, verifier)),
			protocol.ErrorCodeInvalidGrant)
	})

	t.Run("expired code", func(t *testing.T) {
		code, verifier := ts.issueCode(t, "api")
		ts.clock.Advance(301 * time.Second)
		ts.expectProtocolError(t, basicRequest("web", testSecret, codeExchange(code, verifier)),
			protocol.ErrorCodeInvalidGrant)
	})
}

func TestAuthorizationCode_ReuseRevokesIssuedTokens(t *testing.T) {
	ts := setupTestServer(t)
	reader, provider := testutil.NewMetricReader()
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true, MeterProvider: provider})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	ts.SetInstrumentation(inst)

	code, verifier := ts.issueCode(t, "openid", "api", "offline_access")
	first := ts.requestToken(t, basicRequest("web", testSecret, codeExchange(code, verifier)))

	ts.expectProtocolError(t, basicRequest("web", testSecret, codeExchange(code, verifier)),
		protocol.ErrorCodeInvalidGrant)

	ts.expectProtocolError(t, basicRequest("web", testSecret, url.Values{
		"grant_type":    {protocol.GrantTypeRefreshToken},
		"refresh_token": {first.RefreshToken},
	}), protocol.ErrorCodeInvalidGrant)

	if got := testutil.CounterValue(t, reader, "oauth.code.reuse_detected"); got != 1 {
		t.Errorf("oauth.code.reuse_detected = %d, want 1", got)
	}
}

func TestAuthorizationCode_ConcurrentExchangeHasOneWinner(t *testing.T) {
	ts := setupTestServer(t)
	code, verifier := ts.issueCode(t, "api")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, perr, err := ts.ValidateTokenRequest(context.Background(), basicRequest("web", testSecret, codeExchange(code, verifier)))
			if err == nil && perr == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("%d exchanges succeeded, want exactly 1", wins.Load())
	}
}

func TestIssueAuthorizationCode_Validation(t *testing.T) {
	ts := setupTestServer(t)
	challenge, _ := testutil.GeneratePKCEPair()

	plain := testutil.NewConfidentialClient(t, "plain", testSecret,
		[]string{protocol.GrantTypeAuthorizationCode}, "api")
	plain.AllowPlainTextPKCE = true
	ts.saveClient(t, plain)

	base := func() AuthorizationCodeRequest {
		return AuthorizationCodeRequest{
			ClientID:            "web",
			RedirectURI:         testRedirectURI,
			Scopes:              []string{"api"},
			Subject:             testSubject,
			CodeChallenge:       challenge,
			CodeChallengeMethod: protocol.PKCEMethodS256,
		}
	}

	tests := []struct {
		name     string
		modify   func(r *AuthorizationCodeRequest)
		wantCode string
	}{
		{"valid", func(*AuthorizationCodeRequest) {}, ""},
		{"unknown client", func(r *AuthorizationCodeRequest) { r.ClientID = "nobody" }, protocol.ErrorCodeInvalidRequest},
		{"grant not allowed", func(r *AuthorizationCodeRequest) { r.ClientID = "service" }, protocol.ErrorCodeUnauthorizedClient},
		{"unregistered redirect", func(r *AuthorizationCodeRequest) { r.RedirectURI = testRedirectURI + "/" }, protocol.ErrorCodeInvalidRequest},
		{"scope not allowed", func(r *AuthorizationCodeRequest) { r.Scopes = []string{"admin"} }, protocol.ErrorCodeInvalidScope},
		{"no scope", func(r *AuthorizationCodeRequest) { r.Scopes = nil }, protocol.ErrorCodeInvalidScope},
		{"pkce required", func(r *AuthorizationCodeRequest) { r.CodeChallenge = "" }, protocol.ErrorCodeInvalidRequest},
		{"plain not allowed", func(r *AuthorizationCodeRequest) { r.CodeChallengeMethod = protocol.PKCEMethodPlain }, protocol.ErrorCodeInvalidRequest},
		{"method defaults to plain", func(r *AuthorizationCodeRequest) { r.CodeChallengeMethod = "" }, protocol.ErrorCodeInvalidRequest},
		{"unknown method", func(r *AuthorizationCodeRequest) { r.CodeChallengeMethod = "S512" }, protocol.ErrorCodeInvalidRequest},
		{"plain allowed for client", func(r *AuthorizationCodeRequest) {
			r.ClientID = "plain"
			r.CodeChallengeMethod = protocol.PKCEMethodPlain
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base()
			tt.modify(&req)

			code, perr, err := ts.IssueAuthorizationCode(context.Background(), req)
			if err != nil {
				t.Fatalf("IssueAuthorizationCode() error = %v", err)
			}
			if tt.wantCode == "" {
				if perr != nil || code == "" {
					t.Fatalf("IssueAuthorizationCode() = %q, %v, want a code", code, perr)
				}
				return
			}
			if perr == nil || perr.Code != tt.wantCode {
				t.Fatalf("IssueAuthorizationCode() error = %v, want %s", perr, tt.wantCode)
			}
		})
	}

	if _, _, err := ts.IssueAuthorizationCode(context.Background(), AuthorizationCodeRequest{ClientID: "web"}); err == nil {
		t.Error("IssueAuthorizationCode() without subject should fail")
	}
}

func TestAuthorizationCode_PlainPKCE(t *testing.T) {
	ts := setupTestServer(t)
	client := testutil.NewConfidentialClient(t, "plain", testSecret,
		[]string{protocol.GrantTypeAuthorizationCode}, "api")
	client.AllowPlainTextPKCE = true
	ts.saveClient(t, client)

	_, verifier := testutil.GeneratePKCEPair()
	code, perr, err := ts.IssueAuthorizationCode(context.Background(), AuthorizationCodeRequest{
		ClientID:      "plain",
		RedirectURI:   testRedirectURI,
		Scopes:        []string{"api"},
		Subject:       testSubject,
		CodeChallenge: verifier,
	})
	if err != nil || perr != nil {
		t.Fatalf("IssueAuthorizationCode() = %v, %v", perr, err)
	}

	ts.requestToken(t, basicRequest("plain", testSecret, codeExchange(code, verifier)))
}

// ============================================================
// Refresh Token
// ============================================================

func refreshForm(token string, scope string) url.Values {
	form := url.Values{
		"grant_type":    {protocol.GrantTypeRefreshToken},
		"refresh_token": {token},
	}
	if scope != "" {
		form.Set("scope", scope)
	}
	return form
}

func TestRefreshToken_OneTimeRotation(t *testing.T) {
	ts := setupTestServer(t)
	code, verifier := ts.issueCode(t, "openid", "api", "offline_access")
	first := ts.requestToken(t, basicRequest("web", testSecret, codeExchange(code, verifier)))

	second := ts.requestToken(t, basicRequest("web", testSecret, refreshForm(first.RefreshToken, "")))
	if second.RefreshToken == "" || second.RefreshToken == first.RefreshToken {
		t.Fatalf("refresh should rotate the refresh token, got %q", second.RefreshToken)
	}
	if second.Scope != first.Scope {
		t.Errorf("Scope = %q, want original %q", second.Scope, first.Scope)
	}
	if second.IDToken == "" {
		t.Error("refresh with openid should issue an ID token")
	}

	// the old token is gone
	ts.expectProtocolError(t, basicRequest("web", testSecret, refreshForm(first.RefreshToken, "")),
		protocol.ErrorCodeInvalidGrant)

	// the rotated token keeps the original absolute expiry
	grant, err := ts.store.GetGrant(context.Background(),
		storage.HashHandle(second.RefreshToken, storage.GrantTypeRefreshToken))
	if err != nil {
		t.Fatalf("GetGrant() error = %v", err)
	}
	want := ts.clock.Now().Add(30 * 24 * time.Hour)
	if !grant.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", grant.ExpiresAt, want)
	}
	if grant.SessionID != testSessionID {
		t.Errorf("SessionID = %q, want %q", grant.SessionID, testSessionID)
	}
}

func TestRefreshToken_Reuse(t *testing.T) {
	ts := setupTestServer(t)
	web, err := ts.store.GetClient(context.Background(), "web")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	web.RefreshTokenUsage = storage.RefreshTokenReuse
	ts.saveClient(t, web)

	code, verifier := ts.issueCode(t, "api", "offline_access")
	first := ts.requestToken(t, basicRequest("web", testSecret, codeExchange(code, verifier)))

	for range 2 {
		resp := ts.requestToken(t, basicRequest("web", testSecret, refreshForm(first.RefreshToken, "")))
		if resp.RefreshToken != first.RefreshToken {
			t.Errorf("reusable refresh token changed to %q", resp.RefreshToken)
		}
	}
}

func TestRefreshToken_Scopes(t *testing.T) {
	ts := setupTestServer(t)
	code, verifier := ts.issueCode(t, "openid", "api", "offline_access")
	first := ts.requestToken(t, basicRequest("web", testSecret, codeExchange(code, verifier)))

	ts.expectProtocolError(t, basicRequest("web", testSecret, refreshForm(first.RefreshToken, "api profile")),
		protocol.ErrorCodeInvalidScope)

	narrowed := ts.requestToken(t, basicRequest("web", testSecret, refreshForm(first.RefreshToken, "api offline_access")))
	if narrowed.Scope != "api offline_access" {
		t.Errorf("Scope = %q, want narrowed scopes", narrowed.Scope)
	}
	if narrowed.IDToken != "" {
		t.Error("ID token issued without openid")
	}
}

func TestRefreshToken_NarrowedClientScopesKeepToken(t *testing.T) {
	ts := setupTestServer(t)
	code, verifier := ts.issueCode(t, "openid", "api", "offline_access")
	first := ts.requestToken(t, basicRequest("web", testSecret, codeExchange(code, verifier)))

	web, err := ts.store.GetClient(context.Background(), "web")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	allowed := web.AllowedScopes
	web.AllowedScopes = []string{"openid", "offline_access"}
	ts.saveClient(t, web)

	ts.expectProtocolError(t, basicRequest("web", testSecret, refreshForm(first.RefreshToken, "")),
		protocol.ErrorCodeInvalidScope)

	// the rejected refresh must not have rotated the token away
	if _, err := ts.store.GetGrant(context.Background(),
		storage.HashHandle(first.RefreshToken, storage.GrantTypeRefreshToken)); err != nil {
		t.Fatalf("refresh token removed by rejected request: %v", err)
	}

	web.AllowedScopes = allowed
	ts.saveClient(t, web)
	ts.requestToken(t, basicRequest("web", testSecret, refreshForm(first.RefreshToken, "")))
}

func TestRefreshToken_OtherClient(t *testing.T) {
	ts := setupTestServer(t)
	code, verifier := ts.issueCode(t, "api", "offline_access")
	first := ts.requestToken(t, basicRequest("web", testSecret, codeExchange(code, verifier)))

	other := testutil.NewConfidentialClient(t, "web2", testSecret,
		[]string{protocol.GrantTypeRefreshToken}, "api", "offline_access")
	other.AllowOfflineAccess = true
	ts.saveClient(t, other)

	ts.expectProtocolError(t, basicRequest("web2", testSecret, refreshForm(first.RefreshToken, "")),
		protocol.ErrorCodeInvalidGrant)

	// the failed attempt must not burn the token for its owner
	ts.requestToken(t, basicRequest("web", testSecret, refreshForm(first.RefreshToken, "")))
}

func TestRefreshToken_ConcurrentRotationHasOneWinner(t *testing.T) {
	ts := setupTestServer(t)
	code, verifier := ts.issueCode(t, "api", "offline_access")
	first := ts.requestToken(t, basicRequest("web", testSecret, codeExchange(code, verifier)))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, perr, err := ts.ValidateTokenRequest(context.Background(),
				basicRequest("web", testSecret, refreshForm(first.RefreshToken, "")))
			if err == nil && perr == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("%d refreshes succeeded, want exactly 1", wins.Load())
	}
}

// ============================================================
// Password and Extension Grants
// ============================================================

func TestPasswordGrant(t *testing.T) {
	ts := setupTestServer(t)

	v, perr, err := ts.ValidateTokenRequest(context.Background(), basicRequest("ro", testSecret, url.Values{
		"grant_type": {protocol.GrantTypePassword},
		"username":   {"bob"},
		"password":   {"bob"},
		"scope":      {"openid api offline_access"},
	}))
	if err != nil || perr != nil {
		t.Fatalf("ValidateTokenRequest() = %v, %v", perr, err)
	}
	if v.Subject() != "bob" {
		t.Errorf("Subject() = %q, want bob", v.Subject())
	}
	if v.Result().AuthenticationMethod() != protocol.AuthMethodPassword {
		t.Errorf("AuthenticationMethod() = %q", v.Result().AuthenticationMethod())
	}

	resp, err := ts.ProcessTokenResponse(context.Background(), v)
	if err != nil {
		t.Fatalf("ProcessTokenResponse() error = %v", err)
	}
	if resp.RefreshToken == "" || resp.IDToken == "" {
		t.Error("password grant with openid offline_access should issue refresh and ID tokens")
	}

	ts.expectProtocolError(t, basicRequest("ro", testSecret, url.Values{
		"grant_type": {protocol.GrantTypePassword},
		"username":   {"bob"},
		"password":   {"wrong"},
	}), protocol.ErrorCodeInvalidGrant)
}

func TestPasswordGrant_OfflineAccessRequiresPermission(t *testing.T) {
	ts := setupTestServer(t)
	client := testutil.NewConfidentialClient(t, "ro-online", testSecret,
		[]string{protocol.GrantTypePassword}, "api", "offline_access")
	ts.saveClient(t, client)

	ts.expectProtocolError(t, basicRequest("ro-online", testSecret, url.Values{
		"grant_type": {protocol.GrantTypePassword},
		"username":   {"bob"},
		"password":   {"bob"},
		"scope":      {"api offline_access"},
	}), protocol.ErrorCodeInvalidScope)

	resp := ts.requestToken(t, basicRequest("ro-online", testSecret, url.Values{
		"grant_type": {protocol.GrantTypePassword},
		"username":   {"bob"},
		"password":   {"bob"},
	}))
	if resp.Scope != "api" || resp.RefreshToken != "" {
		t.Errorf("default scopes should drop offline_access, got %q (refresh %q)", resp.Scope, resp.RefreshToken)
	}
}

func TestRegisteredGrants_ScopeCheckedBeforeGrantValidator(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name     string
		clientID string
		form     url.Values
	}{
		{
			name:     "password with wrong credentials",
			clientID: "ro",
			form: url.Values{
				"grant_type": {protocol.GrantTypePassword},
				"username":   {"bob"},
				"password":   {"wrong"},
				"scope":      {"admin"},
			},
		},
		{
			name:     "extension grant without credential",
			clientID: "custom",
			form: url.Values{
				"grant_type": {"custom"},
				"scope":      {"admin"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts.expectProtocolError(t, basicRequest(tt.clientID, testSecret, tt.form), protocol.ErrorCodeInvalidScope)
		})
	}
}

func TestExtensionGrant(t *testing.T) {
	ts := setupTestServer(t)

	v, perr, err := ts.ValidateTokenRequest(context.Background(), basicRequest("custom", testSecret, url.Values{
		"grant_type":        {"custom"},
		"custom_credential": {"custom credential"},
	}))
	if err != nil || perr != nil {
		t.Fatalf("ValidateTokenRequest() = %v, %v", perr, err)
	}
	if v.Subject() != "818727" {
		t.Errorf("Subject() = %q, want 818727", v.Subject())
	}

	ts.expectProtocolError(t, basicRequest("custom", testSecret, url.Values{"grant_type": {"custom"}}),
		protocol.ErrorCodeInvalidGrant)
}

// ============================================================
// Device Code
// ============================================================

func TestDeviceFlow_EndToEnd(t *testing.T) {
	ts := setupTestServer(t)
	ctx := context.Background()

	authz, perr, err := ts.ProcessDeviceAuthorization(ctx, publicRequest("device", url.Values{"scope": {"openid api"}}))
	if err != nil || perr != nil {
		t.Fatalf("ProcessDeviceAuthorization() = %v, %v", perr, err)
	}
	if authz.Interval != 5 || authz.ExpiresIn != 300 {
		t.Errorf("Interval/ExpiresIn = %d/%d, want 5/300", authz.Interval, authz.ExpiresIn)
	}
	if authz.VerificationURI != testIssuer+DefaultDeviceVerificationPath {
		t.Errorf("VerificationURI = %q", authz.VerificationURI)
	}

	poll := func() url.Values {
		return url.Values{
			"grant_type":  {protocol.GrantTypeDeviceCode},
			"device_code": {authz.DeviceCode},
		}
	}

	ts.expectProtocolError(t, publicRequest("device", poll()), protocol.ErrorCodeAuthorizationPending)

	ts.clock.Advance(2 * time.Second)
	ts.expectProtocolError(t, publicRequest("device", poll()), protocol.ErrorCodeSlowDown)

	if _, err := ts.Devices().Approve(ctx, authz.UserCode, device.Approval{Subject: testSubject, SessionID: testSessionID}); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	ts.clock.Advance(10 * time.Second)
	resp := ts.requestToken(t, publicRequest("device", poll()))
	if resp.TokenType != protocol.TokenTypeBearer || resp.AccessToken == "" {
		t.Errorf("unexpected token response %+v", resp)
	}
	if resp.IDToken == "" {
		t.Error("device flow with openid should issue an ID token")
	}
	if resp.Scope != "openid api" {
		t.Errorf("Scope = %q", resp.Scope)
	}

	ts.clock.Advance(10 * time.Second)
	ts.expectProtocolError(t, publicRequest("device", poll()), protocol.ErrorCodeExpiredToken)
}

func TestDeviceAuthorization_Failures(t *testing.T) {
	ts := setupTestServer(t)
	ctx := context.Background()

	_, perr, err := ts.ProcessDeviceAuthorization(ctx, publicRequest("device", url.Values{"scope": {"admin"}}))
	if err != nil || perr == nil || perr.Code != protocol.ErrorCodeInvalidScope {
		t.Errorf("scope not allowed: got %v, %v", perr, err)
	}

	_, perr, err = ts.ProcessDeviceAuthorization(ctx, basicRequest("service", testSecret, url.Values{}))
	if err != nil || perr == nil || perr.Code != protocol.ErrorCodeUnauthorizedClient {
		t.Errorf("client without device grant: got %v, %v", perr, err)
	}

	_, perr, err = ts.ProcessDeviceAuthorization(ctx, publicRequest("nobody", url.Values{}))
	if err != nil || perr == nil || perr.Code != protocol.ErrorCodeInvalidClient {
		t.Errorf("unknown client: got %v, %v", perr, err)
	}
}

func TestDeviceFlow_DeniedAndOtherClient(t *testing.T) {
	ts := setupTestServer(t)
	ctx := context.Background()

	other := testutil.NewPublicClient("device2", "api")
	ts.saveClient(t, other)

	authz, _, err := ts.ProcessDeviceAuthorization(ctx, publicRequest("device", url.Values{"scope": {"api"}}))
	if err != nil {
		t.Fatalf("ProcessDeviceAuthorization() error = %v", err)
	}
	form := url.Values{"grant_type": {protocol.GrantTypeDeviceCode}, "device_code": {authz.DeviceCode}}

	ts.expectProtocolError(t, publicRequest("device2", form), protocol.ErrorCodeInvalidGrant)

	if _, err := ts.Devices().Deny(ctx, authz.UserCode, "user declined"); err != nil {
		t.Fatalf("Deny() error = %v", err)
	}
	ts.expectProtocolError(t, publicRequest("device", form), protocol.ErrorCodeAccessDenied)
}
