package interaction

import (
	"context"
	"fmt"
	"time"

	"github.com/giantswarm/oidc-engine/storage"
)

// AuthorizationRequest is a validated authorize request parked while the user logs in
// and consents
type AuthorizationRequest struct {
	ID                  string    `json:"id"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scopes              []string  `json:"scopes"`
	State               string    `json:"state,omitempty"`
	Nonce               string    `json:"nonce,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	UILocales           string    `json:"ui_locales,omitempty"`
	LoginHint           string    `json:"login_hint,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// ErrorMessage describes a failed request that could not be returned to the client
type ErrorMessage struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ClientID         string `json:"client_id,omitempty"`
	RedirectURI      string `json:"redirect_uri,omitempty"`
	RequestID        string `json:"request_id,omitempty"`
	UILocales        string `json:"ui_locales,omitempty"`
}

// LogoutMessage is what the host knows when a logout starts
type LogoutMessage struct {
	ClientID              string `json:"client_id,omitempty"`
	ClientName            string `json:"client_name,omitempty"`
	Subject               string `json:"subject,omitempty"`
	SessionID             string `json:"session_id,omitempty"`
	PostLogoutRedirectURI string `json:"post_logout_redirect_uri,omitempty"`
	State                 string `json:"state,omitempty"`
}

// LogoutRequest is the logout context shown to the user
type LogoutRequest struct {
	LogoutMessage

	// ShowSignoutPrompt is true when the logout was not initiated by a known client,
	// so the user should confirm it
	ShowSignoutPrompt bool
}

// ============================================================
// Authorization Context
// ============================================================

// CreateAuthorizationContext parks req and returns its request id
func (s *Service) CreateAuthorizationContext(ctx context.Context, req AuthorizationRequest) (string, error) {
	if req.ClientID == "" || req.RedirectURI == "" {
		return "", fmt.Errorf("authorization request requires client_id and redirect_uri")
	}
	req.CreatedAt = s.server.Now()

	id, err := s.saveMessage(ctx, storage.MessageKindAuthorization, req)
	if err != nil {
		return "", err
	}
	s.logger.Debug("Created authorization context", "request_id", id, "client_id", req.ClientID)
	return id, nil
}

// GetAuthorizationContext returns the parked request for requestID
func (s *Service) GetAuthorizationContext(ctx context.Context, requestID string) (*AuthorizationRequest, error) {
	var req AuthorizationRequest
	if err := s.loadMessage(ctx, storage.MessageKindAuthorization, requestID, &req); err != nil {
		return nil, err
	}
	req.ID = requestID
	return &req, nil
}

// ============================================================
// Error Context
// ============================================================

// CreateErrorContext stores msg for the error page and returns its id
func (s *Service) CreateErrorContext(ctx context.Context, msg ErrorMessage) (string, error) {
	if msg.Error == "" {
		return "", fmt.Errorf("error message requires an error code")
	}
	return s.saveMessage(ctx, storage.MessageKindError, msg)
}

// GetErrorContext returns the error message for errorID
func (s *Service) GetErrorContext(ctx context.Context, errorID string) (*ErrorMessage, error) {
	var msg ErrorMessage
	if err := s.loadMessage(ctx, storage.MessageKindError, errorID, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ============================================================
// Logout Context
// ============================================================

// CreateLogoutContext stores msg and returns a logout id for the logout page.
// A client-initiated logout resolves the client's display name.
func (s *Service) CreateLogoutContext(ctx context.Context, msg LogoutMessage) (string, error) {
	if msg.ClientID != "" && msg.ClientName == "" {
		client, err := s.store.GetClient(ctx, msg.ClientID)
		switch {
		case err == nil:
			msg.ClientName = client.ClientName
		case storage.IsNotFound(err):
			s.logger.Warn("Logout requested by unknown client", "client_id", msg.ClientID)
			msg.ClientID = ""
			msg.PostLogoutRedirectURI = ""
		default:
			return "", fmt.Errorf("failed to load client: %w", err)
		}
	}
	return s.saveMessage(ctx, storage.MessageKindLogout, msg)
}

// GetLogoutContext returns the logout request for logoutID. An empty or unknown id
// yields a prompt-only logout, since a user may always sign out.
func (s *Service) GetLogoutContext(ctx context.Context, logoutID string) (*LogoutRequest, error) {
	var msg LogoutMessage
	err := s.loadMessage(ctx, storage.MessageKindLogout, logoutID, &msg)
	if err != nil && !storage.IsNotFound(err) {
		return nil, err
	}

	return &LogoutRequest{
		LogoutMessage:     msg,
		ShowSignoutPrompt: msg.ClientID == "",
	}, nil
}
