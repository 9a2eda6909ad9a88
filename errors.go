package oauth

import (
	"github.com/giantswarm/oidc-engine/protocol"
)

// OAuth error codes, re-exported from the protocol package for hosts that only import
// the adapter.
const (
	ErrorCodeInvalidRequest         = protocol.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient          = protocol.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant           = protocol.ErrorCodeInvalidGrant
	ErrorCodeUnauthorizedClient     = protocol.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType   = protocol.ErrorCodeUnsupportedGrantType
	ErrorCodeInvalidScope           = protocol.ErrorCodeInvalidScope
	ErrorCodeAuthorizationPending   = protocol.ErrorCodeAuthorizationPending
	ErrorCodeSlowDown               = protocol.ErrorCodeSlowDown
	ErrorCodeExpiredToken           = protocol.ErrorCodeExpiredToken
	ErrorCodeAccessDenied           = protocol.ErrorCodeAccessDenied
	ErrorCodeUnsupportedTokenType   = protocol.ErrorCodeUnsupportedTokenType
	ErrorCodeServerError            = protocol.ErrorCodeServerError
	ErrorCodeTemporarilyUnavailable = protocol.ErrorCodeTemporarilyUnavailable
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError = protocol.Error

// NewOAuthError creates a new OAuth error with the status conventionally used for code
func NewOAuthError(code, description string) *OAuthError {
	return protocol.NewError(code, description)
}

// Common OAuth errors
var (
	ErrInvalidRequest       = protocol.ErrInvalidRequest
	ErrInvalidClient        = protocol.ErrInvalidClient
	ErrInvalidGrant         = protocol.ErrInvalidGrant
	ErrUnauthorizedClient   = protocol.ErrUnauthorizedClient
	ErrUnsupportedGrantType = protocol.ErrUnsupportedGrantType
	ErrInvalidScope         = protocol.ErrInvalidScope
	ErrAccessDenied         = protocol.ErrAccessDenied
	ErrServerError          = protocol.ErrServerError
)
