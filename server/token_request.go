package server

import (
	"context"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oidc-engine/clientauth"
	"github.com/giantswarm/oidc-engine/grants"
	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/scope"
	"github.com/giantswarm/oidc-engine/storage"
)

// Token request results recorded in metrics
const (
	resultSuccess = "success"
	resultError   = "error"
)

// ValidatedTokenRequest is a token request that passed validation. It is built once by
// ValidateTokenRequest and only read afterwards.
type ValidatedTokenRequest struct {
	client       *storage.Client
	authMethod   string
	confirmation string
	grantType    string
	requestedAt  time.Time

	requestedScopes []string
	parsedScopes    scope.ParsedScopesResult
	scopes          []string

	result grants.Result

	codeVerifier      string
	authorizationCode *storage.AuthorizationCode
	refreshGrant      *storage.Grant
	refreshToken      string
}

// Client returns the authenticated client
func (v *ValidatedTokenRequest) Client() *storage.Client {
	return v.client
}

// Confirmation returns the x5t#S256 certificate confirmation when the client
// authenticated with a certificate, empty otherwise
func (v *ValidatedTokenRequest) Confirmation() string {
	return v.confirmation
}

// GrantType returns the validated grant type
func (v *ValidatedTokenRequest) GrantType() string {
	return v.grantType
}

// RequestedScopes returns the raw scope values of the request's scope parameter
func (v *ValidatedTokenRequest) RequestedScopes() []string {
	return slices.Clone(v.requestedScopes)
}

// ParsedScopes returns the structured form of Scopes
func (v *ValidatedTokenRequest) ParsedScopes() scope.ParsedScopesResult {
	return v.parsedScopes
}

// Scopes returns the scopes the tokens will carry
func (v *ValidatedTokenRequest) Scopes() []string {
	return slices.Clone(v.scopes)
}

// Result returns the grant validation result
func (v *ValidatedTokenRequest) Result() grants.Result {
	return v.result
}

// Subject returns the resolved subject; empty for client_credentials
func (v *ValidatedTokenRequest) Subject() string {
	return v.result.Subject()
}

// CodeVerifier returns the PKCE code_verifier of an authorization_code request
func (v *ValidatedTokenRequest) CodeVerifier() string {
	return v.codeVerifier
}

// AuthorizationCode returns the consumed authorization code of an authorization_code request
func (v *ValidatedTokenRequest) AuthorizationCode() *storage.AuthorizationCode {
	return v.authorizationCode
}

// RefreshGrant returns the grant behind the presented refresh token of a refresh_token request
func (v *ValidatedTokenRequest) RefreshGrant() *storage.Grant {
	return v.refreshGrant
}

// hasScope reports whether the granted scopes include name
func (v *ValidatedTokenRequest) hasScope(name string) bool {
	return slices.Contains(v.parsedScopes.Names(), name)
}

// ValidateTokenRequest authenticates the client and validates a token request:
// grant type support and permission, scopes, then the grant-specific rules.
//
// Protocol failures are returned as *protocol.Error; the error return is reserved for
// store faults and misconfiguration, which the caller answers with server_error.
func (s *Server) ValidateTokenRequest(ctx context.Context, req *clientauth.Request) (*ValidatedTokenRequest, *protocol.Error, error) {
	ctx, span := s.tracer.Start(ctx, "server.validate_token_request")
	defer span.End()

	v := &ValidatedTokenRequest{
		grantType:   req.Form.Get(protocol.ParamGrantType),
		requestedAt: s.now(),
	}

	perr, err := s.validateTokenRequest(ctx, req, v)

	clientID := ""
	if v.client != nil {
		clientID = v.client.ClientID
	}
	instrumentation.AddTokenRequestAttributes(span, clientID, v.grantType)

	switch {
	case err != nil:
		instrumentation.RecordError(span, err)
		s.metrics.RecordTokenRequest(ctx, v.grantType, resultError)
		s.logger.Error("Token request validation failed", "client_id", clientID, "grant_type", v.grantType, "error", err)
		return nil, nil, err
	case perr != nil:
		instrumentation.SetProtocolError(span, perr.Code)
		s.metrics.RecordTokenRequest(ctx, v.grantType, perr.Code)
		s.auditor.LogTokenRequestFailed(ctx, clientID, v.grantType, perr.Code, perr.Description)
		s.logger.Debug("Token request rejected",
			"client_id", clientID,
			"grant_type", v.grantType,
			"error", perr.Code,
			"description", perr.Description)
		return nil, perr, nil
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrAuthMethod, v.authMethod),
		attribute.Bool(instrumentation.AttrSubjectPresent, v.Subject() != ""),
		attribute.String(instrumentation.AttrScope, scope.Join(v.scopes)))
	if v.authorizationCode != nil && v.authorizationCode.CodeChallengeMethod != "" {
		instrumentation.SetSpanAttributes(span,
			attribute.String(instrumentation.AttrPKCEMethod, v.authorizationCode.CodeChallengeMethod))
	}
	if v.refreshGrant != nil {
		instrumentation.SetSpanAttributes(span,
			attribute.Bool(instrumentation.AttrRefreshRotated, v.refreshToken == ""))
	}
	instrumentation.SetSpanSuccess(span)
	s.metrics.RecordTokenRequest(ctx, v.grantType, resultSuccess)
	return v, nil, nil
}

func (s *Server) validateTokenRequest(ctx context.Context, req *clientauth.Request, v *ValidatedTokenRequest) (*protocol.Error, error) {
	authenticated, perr, err := s.authenticator.Authenticate(ctx, req)
	if err != nil || perr != nil {
		return perr, err
	}
	v.client = authenticated.Client
	v.confirmation = authenticated.Confirmation
	if authenticated.Secret != nil {
		v.authMethod = authenticated.Secret.Method
	}

	if v.grantType == "" {
		return protocol.ErrInvalidRequest("grant_type is required"), nil
	}
	if !s.isSupportedGrantType(v.grantType) {
		return protocol.ErrUnsupportedGrantType("grant type is not supported"), nil
	}
	if !v.client.AllowsGrantType(v.grantType) {
		return protocol.ErrUnauthorizedClient("client is not allowed to use this grant type"), nil
	}

	v.requestedScopes = scope.SplitScopeString(req.Form.Get(protocol.ParamScope))
	requested, perr := s.parseScopes(v.requestedScopes)
	if perr != nil {
		return perr, nil
	}

	// Code and device grants carry the scopes the user consented to and ignore the parameter
	if v.grantType != protocol.GrantTypeAuthorizationCode && v.grantType != protocol.GrantTypeDeviceCode {
		if perr = checkClientScopes(v.client, requested); perr != nil {
			return perr, nil
		}
	}

	switch v.grantType {
	case protocol.GrantTypeAuthorizationCode:
		perr, err = s.validateAuthorizationCodeGrant(ctx, req, v)
	case protocol.GrantTypeClientCredentials:
		perr, err = s.validateClientCredentialsGrant(v, requested)
	case protocol.GrantTypeRefreshToken:
		perr, err = s.validateRefreshTokenGrant(ctx, req, v, requested)
	default:
		perr, err = s.validateRegisteredGrant(ctx, req, v, requested)
	}
	if err != nil || perr != nil {
		return perr, err
	}

	// Whatever the grant decided, tokens never carry scopes the client may not request
	v.parsedScopes, perr = s.parseScopes(v.scopes)
	if perr != nil {
		return perr, nil
	}
	return checkClientScopes(v.client, v.parsedScopes), nil
}
