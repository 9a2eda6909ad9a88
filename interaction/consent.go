package interaction

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/internal/util"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/server"
	"github.com/giantswarm/oidc-engine/storage"
)

// Authorization errors a UI may report when it refuses a request (OpenID Connect Core
// section 3.1.2.6)
const (
	ErrorAccessDenied             = "access_denied"
	ErrorInteractionRequired      = "interaction_required"
	ErrorLoginRequired            = "login_required"
	ErrorAccountSelectionRequired = "account_selection_required"
	ErrorConsentRequired          = "consent_required"
)

var authorizationErrors = []string{
	ErrorAccessDenied,
	ErrorInteractionRequired,
	ErrorLoginRequired,
	ErrorAccountSelectionRequired,
	ErrorConsentRequired,
}

// Subject is the authenticated user behind an interaction
type Subject struct {
	ID                   string
	SessionID            string
	AuthenticationMethod string
	AuthTime             time.Time
	Claims               map[string]any
}

// ConsentResponse is the user's answer on the consent page
type ConsentResponse struct {
	// ScopesValuesConsented must be a non-empty subset of the requested scopes
	ScopesValuesConsented []string

	// RememberConsent stores the consent so later requests can skip the prompt
	RememberConsent bool

	// Error, when set, denies the request with that authorization error
	Error            string
	ErrorDescription string
}

// Granted reports whether the user accepted the request
func (c ConsentResponse) Granted() bool {
	return c.Error == "" && len(c.ScopesValuesConsented) > 0
}

// AuthorizationResponse is where the UI sends the browser after consent
type AuthorizationResponse struct {
	RedirectURI string

	// Code is the issued authorization code; empty when the request was denied
	Code string
}

// UserGrant summarizes everything a user has granted to one client
type UserGrant struct {
	ClientID   string
	ClientName string
	Scopes     []string
	CreatedAt  time.Time
	ExpiresAt  time.Time // zero when any grant of the client never expires
}

// ============================================================
// Consent
// ============================================================

// GrantConsent completes an authorization request: it issues an authorization code for
// the consented scopes, optionally remembers the consent, and returns the redirect back
// to the client. A consent carrying an Error is handled as DenyAuthorization.
func (s *Service) GrantConsent(ctx context.Context, req *AuthorizationRequest, consent ConsentResponse, subject Subject) (*AuthorizationResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("authorization request is required")
	}
	if consent.Error != "" {
		return s.DenyAuthorization(ctx, req, consent.Error, consent.ErrorDescription)
	}
	if subject.ID == "" {
		return nil, fmt.Errorf("consent requires a subject")
	}

	ctx, span := s.tracer.Start(ctx, "interaction.grant_consent")
	defer span.End()
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, req.ClientID))

	scopes := util.Dedupe(consent.ScopesValuesConsented)
	if len(scopes) == 0 {
		return nil, fmt.Errorf("consent requires at least one scope")
	}
	for _, sc := range scopes {
		if !slices.Contains(req.Scopes, sc) {
			return nil, fmt.Errorf("consented scope %q was not requested", sc)
		}
	}

	code, perr, err := s.server.IssueAuthorizationCode(ctx, server.AuthorizationCodeRequest{
		ClientID:             req.ClientID,
		RedirectURI:          req.RedirectURI,
		Scopes:               scopes,
		Subject:              subject.ID,
		SessionID:            subject.SessionID,
		AuthenticationMethod: subject.AuthenticationMethod,
		AuthTime:             subject.AuthTime,
		CodeChallenge:        req.CodeChallenge,
		CodeChallengeMethod:  req.CodeChallengeMethod,
		Nonce:                req.Nonce,
		Claims:               subject.Claims,
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	if perr != nil {
		// The request was accepted when it was parked, so the client registration
		// changed in between. The redirect URI can no longer be trusted.
		instrumentation.SetProtocolError(span, perr.Code)
		return nil, fmt.Errorf("authorization request rejected: %w", perr)
	}

	if consent.RememberConsent {
		if err := s.rememberConsent(ctx, req.ClientID, scopes, subject); err != nil {
			instrumentation.RecordError(span, err)
			return nil, err
		}
	}

	s.removeAuthorizationContext(ctx, req.ID)
	s.auditor.LogConsent(ctx, security.EventConsentGranted, subject.ID, req.ClientID, scopes)
	instrumentation.SetSpanSuccess(span)

	redirect := util.AppendQuery(req.RedirectURI, protocol.ParamCode, code)
	if req.State != "" {
		redirect = util.AppendQuery(redirect, protocol.ParamState, req.State)
	}
	return &AuthorizationResponse{RedirectURI: redirect, Code: code}, nil
}

// DenyAuthorization refuses an authorization request and returns the error redirect
// back to the client. Unknown error codes are reported as access_denied.
func (s *Service) DenyAuthorization(ctx context.Context, req *AuthorizationRequest, authzError, description string) (*AuthorizationResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("authorization request is required")
	}
	if !slices.Contains(authorizationErrors, authzError) {
		authzError = ErrorAccessDenied
	}

	s.removeAuthorizationContext(ctx, req.ID)
	s.auditor.LogConsent(ctx, security.EventConsentDenied, "", req.ClientID, req.Scopes)
	s.logger.Info("Authorization request denied", "client_id", req.ClientID, "error", authzError)

	redirect := util.AppendQuery(req.RedirectURI, protocol.ParamError, authzError)
	if description != "" {
		redirect = util.AppendQuery(redirect, protocol.ParamErrorDescription, description)
	}
	if req.State != "" {
		redirect = util.AppendQuery(redirect, protocol.ParamState, req.State)
	}
	return &AuthorizationResponse{RedirectURI: redirect}, nil
}

// HasConsent reports whether subject has remembered consent for clientID covering
// every scope in scopes
func (s *Service) HasConsent(ctx context.Context, subject, clientID string, scopes []string) (bool, error) {
	grant, err := s.store.GetGrant(ctx, consentKey(subject, clientID))
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load consent: %w", err)
	}
	if grant.IsExpired(s.server.Now()) {
		return false, nil
	}
	for _, sc := range scopes {
		if !slices.Contains(grant.Scopes, sc) {
			return false, nil
		}
	}
	return true, nil
}

// rememberConsent stores or replaces the consent grant of subject for clientID
func (s *Service) rememberConsent(ctx context.Context, clientID string, scopes []string, subject Subject) error {
	now := s.server.Now()
	grant := &storage.Grant{
		Key:       consentKey(subject.ID, clientID),
		Type:      storage.GrantTypeConsent,
		Subject:   subject.ID,
		ClientID:  clientID,
		SessionID: subject.SessionID,
		Scopes:    slices.Clone(scopes),
		CreatedAt: now,
	}
	if s.config.ConsentLifetime > 0 {
		grant.ExpiresAt = now.Add(s.config.ConsentLifetime)
	}
	if err := s.store.StoreGrant(ctx, grant); err != nil {
		return fmt.Errorf("failed to store consent: %w", err)
	}
	return nil
}

// consentKey derives the single consent grant key of a subject and client
func consentKey(subject, clientID string) string {
	return storage.HashHandle(subject+"\x00"+clientID, storage.GrantTypeConsent)
}

func (s *Service) removeAuthorizationContext(ctx context.Context, requestID string) {
	if requestID == "" {
		return
	}
	if err := s.store.DeleteMessage(ctx, storage.MessageKindAuthorization, requestID); err != nil {
		s.logger.Warn("Failed to delete authorization context", "request_id", requestID, "error", err)
	}
}

// ============================================================
// Grant Management
// ============================================================

// GetAllUserGrants returns the user's live consents and tokens grouped by client
func (s *Service) GetAllUserGrants(ctx context.Context, subject string) ([]UserGrant, error) {
	if subject == "" {
		return nil, fmt.Errorf("subject is required")
	}

	grants, err := s.store.GetAllGrants(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to load grants: %w", err)
	}

	var out []UserGrant
	index := map[string]int{}
	for _, g := range grants {
		i, ok := index[g.ClientID]
		if !ok {
			index[g.ClientID] = len(out)
			out = append(out, UserGrant{
				ClientID:  g.ClientID,
				Scopes:    slices.Clone(g.Scopes),
				CreatedAt: g.CreatedAt,
				ExpiresAt: g.ExpiresAt,
			})
			continue
		}

		ug := &out[i]
		ug.Scopes = util.Dedupe(append(ug.Scopes, g.Scopes...))
		if g.CreatedAt.Before(ug.CreatedAt) {
			ug.CreatedAt = g.CreatedAt
		}
		switch {
		case g.ExpiresAt.IsZero():
			ug.ExpiresAt = time.Time{}
		case !ug.ExpiresAt.IsZero() && g.ExpiresAt.After(ug.ExpiresAt):
			ug.ExpiresAt = g.ExpiresAt
		}
	}

	for i := range out {
		client, err := s.store.GetClient(ctx, out[i].ClientID)
		switch {
		case err == nil:
			out[i].ClientName = client.ClientName
		case storage.IsNotFound(err):
		default:
			return nil, fmt.Errorf("failed to load client: %w", err)
		}
	}

	return out, nil
}

// RevokeUserConsent removes every consent and token of subject for clientID
func (s *Service) RevokeUserConsent(ctx context.Context, subject, clientID string) error {
	if subject == "" || clientID == "" {
		return fmt.Errorf("subject and client id are required")
	}

	n, err := s.store.RemoveAllGrants(ctx, storage.GrantFilter{Subject: subject, ClientID: clientID})
	if err != nil {
		return fmt.Errorf("failed to revoke grants: %w", err)
	}

	s.auditor.LogConsent(ctx, security.EventConsentRevoked, subject, clientID, nil)
	s.logger.Info("Revoked user consent", "client_id", clientID, "grants", n)
	return nil
}

// RevokeTokensForSession removes the consents and tokens subject obtained during
// sessionID, typically at logout
func (s *Service) RevokeTokensForSession(ctx context.Context, subject, sessionID string) error {
	if subject == "" || sessionID == "" {
		return fmt.Errorf("subject and session id are required")
	}

	n, err := s.store.RemoveAllGrants(ctx, storage.GrantFilter{Subject: subject, SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("failed to revoke session grants: %w", err)
	}

	s.auditor.LogConsent(ctx, security.EventConsentRevoked, subject, "", nil)
	s.logger.Info("Revoked session grants", "grants", n)
	return nil
}
