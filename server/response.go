package server

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/internal/util"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/scope"
	"github.com/giantswarm/oidc-engine/storage"
)

// Token types recorded in metrics
const (
	tokenTypeAccessJWT       = "access_token_jwt"
	tokenTypeAccessReference = "access_token_reference"
	tokenTypeRefresh         = "refresh_token"
	tokenTypeIdentity        = "id_token"
)

// reservedClaims are set by the engine and never taken from grant result claims
var reservedClaims = []string{
	"iss", "sub", "aud", "exp", "iat", "nbf", "jti", "client_id", "scope",
	"sid", "auth_time", "amr", "cnf", "nonce", "at_hash", "azp",
}

// ProcessTokenResponse issues the tokens for a validated request: an access token, a
// refresh token when offline_access was granted to a user, and an ID token when openid
// was granted to a user.
func (s *Server) ProcessTokenResponse(ctx context.Context, v *ValidatedTokenRequest) (*protocol.TokenResponse, error) {
	ctx, span := s.tracer.Start(ctx, "server.process_token_response")
	defer span.End()
	instrumentation.AddTokenRequestAttributes(span, v.client.ClientID, v.grantType)

	now := s.now()
	accessLifetime := lifetime(v.client.AccessTokenLifetime, s.config.AccessTokenTTL)

	accessToken, err := s.createAccessToken(ctx, v, now, accessLifetime)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	resp := &protocol.TokenResponse{
		AccessToken: accessToken,
		TokenType:   protocol.TokenTypeBearer,
		ExpiresIn:   int64(accessLifetime / time.Second),
		Scope:       scope.Join(v.scopes),
	}

	if v.Subject() != "" && v.hasScope(protocol.ScopeOfflineAccess) {
		resp.RefreshToken, err = s.createRefreshToken(ctx, v, now)
		if err != nil {
			instrumentation.RecordError(span, err)
			return nil, err
		}
		s.metrics.RecordTokenIssued(ctx, tokenTypeRefresh, v.grantType)
	}

	if v.Subject() != "" && v.hasScope(protocol.ScopeOpenID) {
		resp.IDToken, err = s.createIdentityToken(v, now, accessToken)
		if err != nil {
			instrumentation.RecordError(span, err)
			return nil, err
		}
		s.metrics.RecordTokenIssued(ctx, tokenTypeIdentity, v.grantType)
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrAccessTokenType, string(accessTokenType(v.client))),
		attribute.Bool(instrumentation.AttrRefreshIssued, resp.RefreshToken != ""))
	instrumentation.SetSpanSuccess(span)

	s.auditor.LogTokenIssued(ctx, v.Subject(), v.client.ClientID, v.grantType, v.scopes, resp.RefreshToken != "")
	s.logger.Info("Issued tokens",
		"client_id", v.client.ClientID,
		"grant_type", v.grantType,
		"scope", resp.Scope,
		"refresh_issued", resp.RefreshToken != "",
		"id_token_issued", resp.IDToken != "")

	return resp, nil
}

// accessTokenType returns the client's access token type, JWT by default
func accessTokenType(client *storage.Client) storage.AccessTokenType {
	if client.AccessTokenType == storage.AccessTokenTypeReference {
		return storage.AccessTokenTypeReference
	}
	return storage.AccessTokenTypeJWT
}

// createAccessToken issues a JWT or a reference handle backed by a stored grant
func (s *Server) createAccessToken(ctx context.Context, v *ValidatedTokenRequest, now time.Time, ttl time.Duration) (string, error) {
	result := v.result

	if accessTokenType(v.client) == storage.AccessTokenTypeReference {
		handle := util.GenerateHandle()
		claims := result.Claims()
		if v.confirmation != "" {
			if claims == nil {
				claims = map[string]any{}
			}
			claims["cnf"] = map[string]any{"x5t#S256": v.confirmation}
		}
		grant := &storage.Grant{
			Key:                  storage.HashHandle(handle, storage.GrantTypeReferenceToken),
			Type:                 storage.GrantTypeReferenceToken,
			Subject:              result.Subject(),
			ClientID:             v.client.ClientID,
			SessionID:            result.SessionID(),
			Scopes:               slices.Clone(v.scopes),
			AuthenticationMethod: result.AuthenticationMethod(),
			AuthTime:             result.AuthTime(),
			Claims:               claims,
			CreatedAt:            now,
			ExpiresAt:            now.Add(ttl),
		}
		if err := s.store.StoreGrant(ctx, grant); err != nil {
			return "", fmt.Errorf("failed to store reference token: %w", err)
		}
		s.metrics.RecordTokenIssued(ctx, tokenTypeAccessReference, v.grantType)
		return handle, nil
	}

	claims := customClaims(result.Claims())
	claims["iss"] = s.config.Issuer
	claims["aud"] = s.config.AccessTokenAudience
	claims["iat"] = now.Unix()
	claims["nbf"] = now.Unix()
	claims["exp"] = now.Add(ttl).Unix()
	claims["jti"] = uuid.NewString()
	claims["client_id"] = v.client.ClientID
	if len(v.scopes) > 0 {
		claims["scope"] = scope.Join(v.scopes)
	}
	addSubjectClaims(claims, v)
	if v.confirmation != "" {
		claims["cnf"] = map[string]any{"x5t#S256": v.confirmation}
	}

	token, err := s.signer.sign(claims, jwtTypeAccessToken)
	if err != nil {
		return "", err
	}
	s.metrics.RecordTokenIssued(ctx, tokenTypeAccessJWT, v.grantType)
	return token, nil
}

// createRefreshToken issues a refresh token. A reusable token that was presented is
// returned unchanged. A rotated token keeps the absolute expiry of the grant it replaces.
func (s *Server) createRefreshToken(ctx context.Context, v *ValidatedTokenRequest, now time.Time) (string, error) {
	if v.refreshToken != "" {
		return v.refreshToken, nil
	}

	expiresAt := now.Add(lifetime(v.client.RefreshTokenLifetime, s.config.RefreshTokenTTL))
	if v.refreshGrant != nil && !v.refreshGrant.ExpiresAt.IsZero() {
		expiresAt = v.refreshGrant.ExpiresAt
	}

	result := v.result
	handle := util.GenerateHandle()
	grant := &storage.Grant{
		Key:                  storage.HashHandle(handle, storage.GrantTypeRefreshToken),
		Type:                 storage.GrantTypeRefreshToken,
		Subject:              result.Subject(),
		ClientID:             v.client.ClientID,
		SessionID:            result.SessionID(),
		Scopes:               slices.Clone(v.scopes),
		AuthenticationMethod: result.AuthenticationMethod(),
		AuthTime:             result.AuthTime(),
		Claims:               result.Claims(),
		CreatedAt:            now,
		ExpiresAt:            expiresAt,
	}
	if err := s.store.StoreGrant(ctx, grant); err != nil {
		return "", fmt.Errorf("failed to store refresh token: %w", err)
	}
	return handle, nil
}

// createIdentityToken issues an OpenID Connect ID token for the subject
func (s *Server) createIdentityToken(v *ValidatedTokenRequest, now time.Time, accessToken string) (string, error) {
	ttl := lifetime(v.client.IdentityTokenLifetime, s.config.IdentityTokenTTL)

	claims := customClaims(v.result.Claims())
	claims["iss"] = s.config.Issuer
	claims["aud"] = v.client.ClientID
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(ttl).Unix()
	claims["at_hash"] = accessTokenHash(accessToken)
	addSubjectClaims(claims, v)
	if v.authorizationCode != nil && v.authorizationCode.Nonce != "" {
		claims["nonce"] = v.authorizationCode.Nonce
	}

	return s.signer.sign(claims, jwtTypeJWT)
}

// customClaims copies the grant result claims, dropping the ones the engine sets
func customClaims(extra map[string]any) jwt.MapClaims {
	claims := jwt.MapClaims{}
	for k, v := range extra {
		if !slices.Contains(reservedClaims, k) {
			claims[k] = v
		}
	}
	return claims
}

// addSubjectClaims sets the claims describing the user behind the request
func addSubjectClaims(claims jwt.MapClaims, v *ValidatedTokenRequest) {
	result := v.result
	if result.Subject() == "" {
		return
	}
	claims["sub"] = result.Subject()
	if sid := result.SessionID(); sid != "" {
		claims["sid"] = sid
	}
	if authTime := result.AuthTime(); !authTime.IsZero() {
		claims["auth_time"] = authTime.Unix()
	}
	if method := result.AuthenticationMethod(); method != "" {
		claims["amr"] = []string{method}
	}
}
