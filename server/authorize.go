package server

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/giantswarm/oidc-engine/internal/util"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/storage"
)

// AuthorizationCodeRequest describes a completed authorization interaction. The host
// builds it after the user has logged in and consented.
type AuthorizationCodeRequest struct {
	ClientID    string
	RedirectURI string
	Scopes      []string

	// Subject is the authenticated user (required)
	Subject              string
	SessionID            string
	AuthenticationMethod string
	AuthTime             time.Time

	// CodeChallenge and CodeChallengeMethod are the PKCE parameters of the authorize
	// request. An empty method with a challenge means "plain" (RFC 7636 section 4.3).
	CodeChallenge       string
	CodeChallengeMethod string

	// Nonce is echoed in the ID token
	Nonce string

	// Claims are copied into the issued tokens
	Claims map[string]any
}

// IssueAuthorizationCode stores a new authorization code for a completed interaction and
// returns it. The request is checked against the client's registration the same way the
// authorize endpoint would: grant type, exact redirect URI, scopes and PKCE policy.
func (s *Server) IssueAuthorizationCode(ctx context.Context, req AuthorizationCodeRequest) (string, *protocol.Error, error) {
	if req.Subject == "" {
		return "", nil, fmt.Errorf("authorization code requires a subject")
	}

	client, err := s.store.GetClient(ctx, req.ClientID)
	if err != nil {
		if storage.IsNotFound(err) {
			return "", protocol.ErrInvalidRequest("unknown client"), nil
		}
		return "", nil, fmt.Errorf("failed to load client: %w", err)
	}
	if client.Disabled {
		return "", protocol.ErrInvalidRequest("unknown client"), nil
	}
	if !client.AllowsGrantType(protocol.GrantTypeAuthorizationCode) {
		return "", protocol.ErrUnauthorizedClient("client is not allowed to use the authorization code flow"), nil
	}

	// Exact string comparison, no normalization (OAuth 2.1 section 2.3.1)
	if !client.HasRedirectURI(req.RedirectURI) {
		return "", protocol.ErrInvalidRequest("redirect_uri is not registered for client"), nil
	}

	parsed, perr := s.parseScopes(req.Scopes)
	if perr != nil {
		return "", perr, nil
	}
	if len(parsed.Values) == 0 {
		return "", protocol.ErrInvalidScope("scope is required"), nil
	}
	if perr := checkClientScopes(client, parsed); perr != nil {
		return "", perr, nil
	}

	method := req.CodeChallengeMethod
	if req.CodeChallenge == "" {
		if client.RequirePKCE {
			return "", protocol.ErrInvalidRequest("code_challenge is required"), nil
		}
		method = ""
	} else {
		if method == "" {
			method = protocol.PKCEMethodPlain
		}
		if !pkceMethodAllowed(client, method) {
			return "", protocol.ErrInvalidRequest("transform algorithm not supported"), nil
		}
	}

	now := s.now()
	authTime := req.AuthTime
	if authTime.IsZero() {
		authTime = now
	}
	authMethod := req.AuthenticationMethod
	if authMethod == "" {
		authMethod = protocol.AuthMethodExternal
	}

	code := util.GenerateHandle()
	record := &storage.AuthorizationCode{
		Code:                 code,
		ClientID:             client.ClientID,
		Subject:              req.Subject,
		SessionID:            req.SessionID,
		RedirectURI:          req.RedirectURI,
		Scopes:               parsed.RawValues(),
		CodeChallenge:        req.CodeChallenge,
		CodeChallengeMethod:  method,
		Nonce:                req.Nonce,
		AuthenticationMethod: authMethod,
		AuthTime:             authTime,
		Claims:               maps.Clone(req.Claims),
		CreatedAt:            now,
		ExpiresAt:            now.Add(lifetime(client.AuthorizationCodeLifetime, s.config.AuthorizationCodeTTL)),
	}
	if err := s.store.SaveAuthorizationCode(ctx, record); err != nil {
		return "", nil, fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.auditor.LogEvent(ctx, security.Event{
		Type:      security.EventAuthorizationCodeIssued,
		Subject:   req.Subject,
		ClientID:  client.ClientID,
		GrantType: protocol.GrantTypeAuthorizationCode,
		Details: map[string]any{
			"scope":       slices.Clone(record.Scopes),
			"pkce_method": method,
		},
	})
	s.logger.Debug("Issued authorization code",
		"client_id", client.ClientID,
		"code_prefix", util.SafeTruncate(code, 8))

	return code, nil, nil
}
