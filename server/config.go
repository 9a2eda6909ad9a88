package server

import (
	"crypto"
)

// Default endpoint paths, relative to the issuer
const (
	DefaultTokenPath               = "/connect/token"
	DefaultDeviceAuthorizationPath = "/connect/deviceauthorization"
	DefaultRevocationPath          = "/connect/revocation"
	DefaultJWKSPath                = "/.well-known/openid-configuration/jwks"
	DefaultDeviceVerificationPath  = "/device"
)

// Config holds the engine configuration. It is built once at startup; New applies
// defaults to a copy and the server never changes it afterwards.
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// IdentityTokenTTL is how long ID tokens are valid
	IdentityTokenTTL int64 // seconds, default: 300 (5 minutes)

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 300 (5 minutes)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 2592000 (30 days)

	// DeviceCodeTTL is how long device authorizations are valid
	DeviceCodeTTL int64 // seconds, default: 300 (5 minutes)

	// DevicePollingInterval is the minimum interval between device token polls
	DevicePollingInterval int64 // seconds, default: 5

	// DeviceSlowDownIncrement is added to a device authorization's polling interval each
	// time the client polls too fast. The interval never decreases.
	DeviceSlowDownIncrement int64 // seconds, default: 5

	// DeviceUserCodeType is the default user code type (default: "Base20")
	DeviceUserCodeType string

	// DeviceVerificationURI is where users enter device user codes
	// Default: Issuer + "/device"
	DeviceVerificationURI string

	// AuthorizationEndpoint is the host's authorize endpoint, published in discovery
	// metadata only. The engine does not serve it.
	AuthorizationEndpoint string

	// TokenEndpoint, DeviceAuthorizationEndpoint, RevocationEndpoint and JWKSURI are the
	// published endpoint URLs. Defaults are the Default*Path constants under Issuer.
	TokenEndpoint               string
	DeviceAuthorizationEndpoint string
	RevocationEndpoint          string
	JWKSURI                     string

	// AccessTokenAudience is the aud claim of JWT access tokens
	// Default: Issuer + "/resources"
	AccessTokenAudience string

	// ClientAssertionAudiences are accepted aud values of private_key_jwt assertions
	// Default: Issuer and TokenEndpoint
	ClientAssertionAudiences []string

	// ParameterizedScopes are scope names that accept a ":parameter" suffix
	// (e.g. "transaction" for "transaction:42")
	ParameterizedScopes []string

	// SigningKey signs JWT access tokens and ID tokens (required).
	// *rsa.PrivateKey signs with RS256, *ecdsa.PrivateKey (P-256) with ES256.
	SigningKey crypto.Signer

	// SigningKeyID is published as the JWK kid and set in token headers
	// Default: the RFC 7638 thumbprint of the public key
	SigningKeyID string

	// AllowInsecureHTTP allows an http:// issuer on hosts other than localhost
	// WARNING: Only for testing; tokens are exposed on the network
	AllowInsecureHTTP bool // default: false

	// ClockSkewGracePeriod is the tolerated clock skew when checking client assertions
	ClockSkewGracePeriod int64 // seconds, default: 5
}

// applySecureDefaults fills in zero values
func applySecureDefaults(config *Config) *Config {
	applyTimeDefaults(config)
	applyEndpointDefaults(config)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.IdentityTokenTTL == 0 {
		config.IdentityTokenTTL = 300 // 5 minutes
	}
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 300 // 5 minutes
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 2592000 // 30 days
	}
	if config.DeviceCodeTTL == 0 {
		config.DeviceCodeTTL = 300
	}
	if config.DevicePollingInterval == 0 {
		config.DevicePollingInterval = 5
	}
	if config.DeviceSlowDownIncrement == 0 {
		config.DeviceSlowDownIncrement = 5
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5
	}
}

// applyEndpointDefaults derives endpoint URLs from the issuer
func applyEndpointDefaults(config *Config) {
	issuer := config.Issuer
	if config.TokenEndpoint == "" {
		config.TokenEndpoint = issuer + DefaultTokenPath
	}
	if config.DeviceAuthorizationEndpoint == "" {
		config.DeviceAuthorizationEndpoint = issuer + DefaultDeviceAuthorizationPath
	}
	if config.RevocationEndpoint == "" {
		config.RevocationEndpoint = issuer + DefaultRevocationPath
	}
	if config.JWKSURI == "" {
		config.JWKSURI = issuer + DefaultJWKSPath
	}
	if config.DeviceVerificationURI == "" {
		config.DeviceVerificationURI = issuer + DefaultDeviceVerificationPath
	}
	if config.AccessTokenAudience == "" {
		config.AccessTokenAudience = issuer + "/resources"
	}
	if len(config.ClientAssertionAudiences) == 0 {
		config.ClientAssertionAudiences = []string{issuer, config.TokenEndpoint}
	}
}
