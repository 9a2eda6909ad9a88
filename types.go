package oauth

import (
	"github.com/giantswarm/oidc-engine/protocol"
)

// TokenResponse represents an OAuth 2.0 token response
type TokenResponse = protocol.TokenResponse

// DeviceAuthorizationResponse represents an RFC 8628 device authorization response
type DeviceAuthorizationResponse = protocol.DeviceAuthorizationResponse

// ErrorResponse represents an OAuth error response
type ErrorResponse = protocol.ErrorResponse

// AuthorizationServerMetadata represents the discovery document served by ServeMetadata
type AuthorizationServerMetadata = protocol.Metadata

// Well-known discovery paths, relative to the issuer
const (
	OpenIDConfigurationPath         = "/.well-known/openid-configuration"
	AuthorizationServerMetadataPath = "/.well-known/oauth-authorization-server"
)
