package server

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/giantswarm/oidc-engine/clientauth"
	"github.com/giantswarm/oidc-engine/grants"
	"github.com/giantswarm/oidc-engine/internal/util"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/scope"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/storage"
)

// invalidGrant is the single description returned for rejected codes and refresh tokens.
// Details are logged at debug level only.
const invalidGrant = "invalid grant"

// ============================================================
// Authorization Code Grant
// ============================================================

// validateAuthorizationCodeGrant consumes the authorization code and checks its client,
// redirect URI and PKCE bindings. The token scopes are the scopes the user consented to
// when the code was issued; the scope parameter is ignored.
func (s *Server) validateAuthorizationCodeGrant(ctx context.Context, req *clientauth.Request, v *ValidatedTokenRequest) (*protocol.Error, error) {
	client := v.client
	code := req.Form.Get(protocol.ParamCode)
	if code == "" {
		return protocol.ErrInvalidRequest("code is required"), nil
	}
	v.codeVerifier = req.Form.Get(protocol.ParamCodeVerifier)

	// SECURITY: Atomically check and mark the authorization code as used.
	// Concurrent exchanges of the same code have exactly one winner.
	authCode, err := s.store.ConsumeAuthorizationCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeUsed) && authCode != nil {
			return s.handleCodeReuse(ctx, client, authCode)
		}
		if storage.IsNotFound(err) {
			s.logger.Debug("Authorization code validation failed",
				"reason", "unknown_or_expired",
				"client_id", client.ClientID,
				"code_prefix", util.SafeTruncate(code, 8))
			return protocol.ErrInvalidGrant(invalidGrant), nil
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	// Code is now marked as used - no other request can use it

	if authCode.ClientID != client.ClientID {
		s.logger.Debug("Authorization code validation failed",
			"reason", "client_id_mismatch",
			"expected_client_id", authCode.ClientID,
			"provided_client_id", client.ClientID,
			"code_prefix", util.SafeTruncate(code, 8))
		return protocol.ErrInvalidGrant(invalidGrant), nil
	}

	if authCode.RedirectURI != "" && authCode.RedirectURI != req.Form.Get(protocol.ParamRedirectURI) {
		s.logger.Debug("Authorization code validation failed",
			"reason", "redirect_uri_mismatch",
			"client_id", client.ClientID,
			"code_prefix", util.SafeTruncate(code, 8))
		return protocol.ErrInvalidGrant(invalidGrant), nil
	}

	if err := validatePKCE(client, authCode, v.codeVerifier); err != nil {
		s.metrics.RecordPKCEValidationFailed(ctx, authCode.CodeChallengeMethod)
		s.auditor.LogEvent(ctx, security.Event{
			Type:      security.EventPKCEValidationFailed,
			Subject:   authCode.Subject,
			ClientID:  client.ClientID,
			GrantType: v.grantType,
			Details: map[string]any{
				"reason": err.Error(),
			},
		})
		s.logger.Debug("PKCE validation failed", "client_id", client.ClientID, "reason", err.Error())
		return protocol.ErrInvalidGrant(invalidGrant), nil
	}

	v.authorizationCode = authCode
	v.scopes = slices.Clone(authCode.Scopes)
	v.result = grants.Success(authCode.Subject, authCode.AuthenticationMethod, authCode.Claims).
		WithSession(authCode.SessionID, authCode.AuthTime)
	return nil, nil
}

// handleCodeReuse answers a second exchange of the same code. A replayed code means the
// code may have been stolen, so everything the first exchange issued for the subject and
// client is revoked (OAuth 2.1 section 4.1.2).
func (s *Server) handleCodeReuse(ctx context.Context, client *storage.Client, authCode *storage.AuthorizationCode) (*protocol.Error, error) {
	s.metrics.RecordCodeReuseDetected(ctx)
	s.logger.Error("Authorization code reuse detected - revoking tokens",
		"client_id", authCode.ClientID,
		"presenting_client_id", client.ClientID,
		"oauth_spec", "OAuth 2.1 Section 4.1.2")

	revoked := 0
	if authCode.Subject != "" {
		for _, grantType := range []storage.GrantType{storage.GrantTypeRefreshToken, storage.GrantTypeReferenceToken} {
			n, err := s.store.RemoveAllGrants(ctx, storage.GrantFilter{
				Subject:  authCode.Subject,
				ClientID: authCode.ClientID,
				Type:     grantType,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to revoke tokens after code reuse: %w", err)
			}
			revoked += n
		}
	}

	s.auditor.LogEvent(ctx, security.Event{
		Type:      security.EventAuthorizationCodeReuseDetected,
		Subject:   authCode.Subject,
		ClientID:  authCode.ClientID,
		GrantType: protocol.GrantTypeAuthorizationCode,
		Details: map[string]any{
			"severity":       "critical",
			"action":         "tokens_revoked",
			"revoked_grants": revoked,
		},
	})

	return protocol.ErrInvalidGrant(invalidGrant), nil
}

// ============================================================
// Client Credentials Grant
// ============================================================

// validateClientCredentialsGrant issues tokens to the client itself. There is no user,
// so identity scopes are rejected and the subject is empty.
func (s *Server) validateClientCredentialsGrant(v *ValidatedTokenRequest, requested scope.ParsedScopesResult) (*protocol.Error, error) {
	if v.client.IsPublic() {
		return protocol.ErrUnauthorizedClient("public clients cannot use client_credentials"), nil
	}

	for _, name := range requested.Names() {
		if slices.Contains(identityScopes, name) {
			return protocol.ErrInvalidScope("identity scopes are not allowed for client_credentials"), nil
		}
	}

	if len(requested.Values) == 0 {
		v.scopes = defaultScopes(v.client, true)
	} else {
		v.scopes = requested.RawValues()
	}
	v.result = grants.Success("", "", nil)
	return nil, nil
}

// ============================================================
// Refresh Token Grant
// ============================================================

// validateRefreshTokenGrant checks a refresh token and, for one-time tokens, removes it.
// The removal is the rotation: of two concurrent requests with the same token, only the
// one that removes the grant succeeds.
func (s *Server) validateRefreshTokenGrant(ctx context.Context, req *clientauth.Request, v *ValidatedTokenRequest, requested scope.ParsedScopesResult) (*protocol.Error, error) {
	client := v.client
	token := req.Form.Get(protocol.ParamRefreshToken)
	if token == "" {
		return protocol.ErrInvalidRequest("refresh_token is required"), nil
	}

	key := storage.HashHandle(token, storage.GrantTypeRefreshToken)
	grant, err := s.store.GetGrant(ctx, key)
	if err != nil {
		if storage.IsNotFound(err) {
			s.logger.Debug("Refresh token validation failed",
				"reason", "unknown_or_expired",
				"client_id", client.ClientID,
				"token_prefix", util.SafeTruncate(token, 8))
			return protocol.ErrInvalidGrant(invalidGrant), nil
		}
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}

	if grant.ClientID != client.ClientID {
		s.logger.Debug("Refresh token validation failed",
			"reason", "client_id_mismatch",
			"expected_client_id", grant.ClientID,
			"provided_client_id", client.ClientID)
		return protocol.ErrInvalidGrant(invalidGrant), nil
	}

	// Down-scoping only: a refresh may narrow but never widen the original grant
	scopes := grant.Scopes
	if len(requested.Values) > 0 {
		if !isSubset(requested.RawValues(), grant.Scopes) {
			return protocol.ErrInvalidScope("requested scope exceeds the original grant"), nil
		}
		scopes = requested.RawValues()
	}

	// The client may have lost scopes since the grant was issued. Fail before rotating so
	// the refresh token survives the rejection.
	granted, perr := s.parseScopes(scopes)
	if perr != nil {
		return perr, nil
	}
	if perr = checkClientScopes(client, granted); perr != nil {
		return perr, nil
	}

	if client.RefreshTokenUsage != storage.RefreshTokenReuse {
		if _, err := s.store.RemoveGrant(ctx, key); err != nil {
			if storage.IsNotFound(err) {
				s.logger.Warn("Refresh token already rotated by a concurrent request",
					"client_id", client.ClientID,
					"token_prefix", util.SafeTruncate(token, 8))
				return protocol.ErrInvalidGrant(invalidGrant), nil
			}
			return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
		}
		s.auditor.LogEvent(ctx, security.Event{
			Type:      security.EventRefreshTokenRotated,
			Subject:   grant.Subject,
			ClientID:  client.ClientID,
			GrantType: v.grantType,
		})
	} else {
		v.refreshToken = token
	}

	v.refreshGrant = grant
	v.scopes = slices.Clone(scopes)
	v.result = grants.Success(grant.Subject, grant.AuthenticationMethod, grant.Claims).
		WithSession(grant.SessionID, grant.AuthTime)
	return nil, nil
}

// ============================================================
// Registered Grants (device code, password, extensions)
// ============================================================

// validateRegisteredGrant delegates to the validator registered for the grant type
func (s *Server) validateRegisteredGrant(ctx context.Context, req *clientauth.Request, v *ValidatedTokenRequest, requested scope.ParsedScopesResult) (*protocol.Error, error) {
	validator, perr := s.registry.Lookup(v.grantType)
	if perr != nil {
		return perr, nil
	}

	result, err := validator.Validate(ctx, &grants.Context{
		Client:    v.client,
		GrantType: v.grantType,
		Params:    req.Form,
		Scopes:    requested.RawValues(),
		Now:       v.requestedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("grant validator %q failed: %w", v.grantType, err)
	}
	if result.IsError() {
		return result.Error(), nil
	}

	switch {
	case result.GrantedScopes() != nil:
		v.scopes = result.GrantedScopes()
	case len(requested.Values) == 0:
		v.scopes = defaultScopes(v.client, false)
	default:
		v.scopes = requested.RawValues()
	}
	v.result = result
	return nil, nil
}
