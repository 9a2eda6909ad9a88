package server

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oidc-engine/clientauth"
	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/internal/util"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/storage"
)

// ValidatedRevocationRequest is a revocation request from an authenticated client
type ValidatedRevocationRequest struct {
	client *storage.Client
	token  string
	hint   string
}

// Client returns the authenticated client
func (v *ValidatedRevocationRequest) Client() *storage.Client {
	return v.client
}

// TokenTypeHint returns the token_type_hint, empty when absent or unknown
func (v *ValidatedRevocationRequest) TokenTypeHint() string {
	return v.hint
}

// ValidateRevocationRequest authenticates the client and checks the token parameter
// (RFC 7009 section 2.1). Unknown token_type_hint values are ignored.
func (s *Server) ValidateRevocationRequest(ctx context.Context, req *clientauth.Request) (*ValidatedRevocationRequest, *protocol.Error, error) {
	authenticated, perr, err := s.authenticator.Authenticate(ctx, req)
	if err != nil || perr != nil {
		return nil, perr, err
	}

	token := req.Form.Get(protocol.ParamToken)
	if token == "" {
		return nil, protocol.ErrInvalidRequest("token is required"), nil
	}

	hint := req.Form.Get(protocol.ParamTokenTypeHint)
	switch hint {
	case protocol.TokenTypeHintAccessToken, protocol.TokenTypeHintRefreshToken:
	default:
		hint = ""
	}

	return &ValidatedRevocationRequest{
		client: authenticated.Client,
		token:  token,
		hint:   hint,
	}, nil, nil
}

// ProcessRevocation revokes the token of a validated request. Unknown tokens, tokens of
// other clients and JWT access tokens are left alone and the call still succeeds, so a
// client cannot probe for tokens it does not own.
//
// Revoking a refresh token also revokes the client's reference access tokens for the
// same subject.
func (s *Server) ProcessRevocation(ctx context.Context, v *ValidatedRevocationRequest) error {
	ctx, span := s.tracer.Start(ctx, "server.process_revocation")
	defer span.End()
	instrumentation.AddTokenRequestAttributes(span, v.client.ClientID, "")

	order := []storage.GrantType{storage.GrantTypeReferenceToken, storage.GrantTypeRefreshToken}
	if v.hint == protocol.TokenTypeHintRefreshToken {
		order = []storage.GrantType{storage.GrantTypeRefreshToken, storage.GrantTypeReferenceToken}
	}

	for _, grantType := range order {
		found, err := s.revokeGrant(ctx, v, grantType)
		if err != nil {
			instrumentation.RecordError(span, err)
			return err
		}
		if found {
			instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrTokenType, string(grantType)))
			instrumentation.SetSpanSuccess(span)
			return nil
		}
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrTokenType, "unknown"))
	s.metrics.RecordTokenRevoked(ctx, "unknown", false)
	s.logger.Debug("Revocation of unknown or self-contained token",
		"client_id", v.client.ClientID,
		"token_prefix", util.SafeTruncate(v.token, 8))
	instrumentation.SetSpanSuccess(span)
	return nil
}

// revokeGrant revokes the token if it is a live grant of grantType. It reports whether
// the token was recognized as that type.
func (s *Server) revokeGrant(ctx context.Context, v *ValidatedRevocationRequest, grantType storage.GrantType) (bool, error) {
	key := storage.HashHandle(v.token, grantType)
	grant, err := s.store.GetGrant(ctx, key)
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load %s: %w", grantType, err)
	}

	if grant.ClientID != v.client.ClientID {
		s.logger.Warn("Client attempted to revoke a token issued to another client",
			"client_id", v.client.ClientID,
			"token_client_id", grant.ClientID,
			"token_type", string(grantType))
		return true, nil
	}

	if _, err := s.store.RemoveGrant(ctx, key); err != nil && !storage.IsNotFound(err) {
		return false, fmt.Errorf("failed to revoke %s: %w", grantType, err)
	}

	if grantType == storage.GrantTypeRefreshToken && grant.Subject != "" {
		n, err := s.store.RemoveAllGrants(ctx, storage.GrantFilter{
			Subject:  grant.Subject,
			ClientID: grant.ClientID,
			Type:     storage.GrantTypeReferenceToken,
		})
		if err != nil {
			return false, fmt.Errorf("failed to revoke access tokens of refresh token: %w", err)
		}
		s.logger.Debug("Revoked reference tokens with refresh token", "client_id", grant.ClientID, "count", n)
	}

	s.metrics.RecordTokenRevoked(ctx, string(grantType), true)
	s.auditor.LogTokenRevoked(ctx, grant.Subject, grant.ClientID, string(grantType))
	return true, nil
}

// LookupAccessToken resolves a reference access token to its grant, so a resource server
// can validate opaque tokens. Unknown, expired and revoked tokens return an error
// satisfying storage.IsNotFound.
func (s *Server) LookupAccessToken(ctx context.Context, token string) (*storage.Grant, error) {
	if token == "" {
		return nil, storage.ErrGrantNotFound
	}
	grant, err := s.store.GetGrant(ctx, storage.HashHandle(token, storage.GrantTypeReferenceToken))
	if err != nil {
		return nil, err
	}
	if grant.IsExpired(s.now()) {
		return nil, storage.ErrGrantNotFound
	}
	return grant, nil
}
