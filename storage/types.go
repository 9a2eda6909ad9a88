package storage

import (
	"crypto/sha256"
	"encoding/base64"
	"slices"
	"time"
)

// ClientType distinguishes clients that can keep a secret from those that cannot
type ClientType string

const (
	// ClientTypeConfidential clients must authenticate with a secret (default)
	ClientTypeConfidential ClientType = "confidential"

	// ClientTypePublic clients authenticate with client_id only
	ClientTypePublic ClientType = "public"
)

// AccessTokenType selects how access tokens are issued for a client
type AccessTokenType string

const (
	// AccessTokenTypeJWT issues self-contained signed JWTs (default)
	AccessTokenTypeJWT AccessTokenType = "jwt"

	// AccessTokenTypeReference issues opaque handles backed by a stored grant
	AccessTokenTypeReference AccessTokenType = "reference"
)

// RefreshTokenUsage controls refresh token rotation
type RefreshTokenUsage string

const (
	// RefreshTokenOneTime rotates the refresh token on every use (default)
	RefreshTokenOneTime RefreshTokenUsage = "one_time"

	// RefreshTokenReuse keeps the refresh token valid until it expires
	RefreshTokenReuse RefreshTokenUsage = "reuse"
)

// Client is a registered OAuth client. The engine loads it per request and never mutates it.
type Client struct {
	ClientID   string
	ClientName string
	ClientType ClientType
	Disabled   bool

	// Secrets are tried in order; any non-expired compatible secret may match
	Secrets []Secret

	AllowedGrantTypes []string
	AllowedScopes     []string
	RedirectURIs      []string

	RequirePKCE        bool
	AllowPlainTextPKCE bool
	AllowOfflineAccess bool

	AccessTokenType   AccessTokenType
	RefreshTokenUsage RefreshTokenUsage

	// Zero lifetimes fall back to server defaults
	AccessTokenLifetime       time.Duration
	IdentityTokenLifetime     time.Duration
	AuthorizationCodeLifetime time.Duration
	RefreshTokenLifetime      time.Duration
	DeviceCodeLifetime        time.Duration

	// PollingInterval overrides the device flow polling interval
	PollingInterval time.Duration

	// UserCodeType selects the device flow user code generator
	UserCodeType string

	CreatedAt time.Time
}

// IsPublic reports whether the client authenticates without a secret
func (c *Client) IsPublic() bool {
	return c.ClientType == ClientTypePublic
}

// AllowsGrantType reports whether grantType is in the client's allowed grant types
func (c *Client) AllowsGrantType(grantType string) bool {
	return slices.Contains(c.AllowedGrantTypes, grantType)
}

// AllowsScope reports whether scope is in the client's allowed scopes
func (c *Client) AllowsScope(scope string) bool {
	return slices.Contains(c.AllowedScopes, scope)
}

// HasRedirectURI reports whether uri is registered, using exact string comparison
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// SecretType identifies the kind of credential a Secret holds
type SecretType string

const (
	// SecretTypeSharedSecret holds a hashed shared secret (bcrypt or base64 SHA-256/512)
	SecretTypeSharedSecret SecretType = "SharedSecret"

	// SecretTypeX509Thumbprint holds a hex certificate thumbprint (SHA-1 or SHA-256)
	SecretTypeX509Thumbprint SecretType = "X509Thumbprint"

	// SecretTypeX509Name holds a certificate subject distinguished name
	SecretTypeX509Name SecretType = "X509Name"

	// SecretTypeJSONWebKey holds a public JWK or JWK set used to verify client assertions
	SecretTypeJSONWebKey SecretType = "JWK"
)

// Secret is a typed credential record owned by a client
type Secret struct {
	Type        SecretType
	Value       string
	Description string
	Expiration  time.Time // zero means no expiration
}

// IsExpired reports whether the secret has expired at now
func (s Secret) IsExpired(now time.Time) bool {
	return !s.Expiration.IsZero() && !now.Before(s.Expiration)
}

// AuthorizationCode is an issued authorization code
type AuthorizationCode struct {
	Code                 string
	ClientID             string
	Subject              string
	SessionID            string
	RedirectURI          string
	Scopes               []string
	CodeChallenge        string
	CodeChallengeMethod  string
	Nonce                string
	AuthenticationMethod string
	AuthTime             time.Time
	Claims               map[string]any
	CreatedAt            time.Time
	ExpiresAt            time.Time
	Used                 bool
}

// DeviceStatus is the state of a device authorization
type DeviceStatus string

const (
	DeviceStatusPending    DeviceStatus = "pending"
	DeviceStatusAuthorized DeviceStatus = "authorized"
	DeviceStatusDenied     DeviceStatus = "denied"
	DeviceStatusExpired    DeviceStatus = "expired"
	DeviceStatusConsumed   DeviceStatus = "consumed"
)

// DeviceAuthorization tracks one device authorization request (RFC 8628)
type DeviceAuthorization struct {
	DeviceCode string
	UserCode   string
	ClientID   string
	Scopes     []string

	CreatedAt    time.Time
	ExpiresAt    time.Time
	Interval     time.Duration // interval currently in force; never decreases
	LastPolledAt time.Time

	Status DeviceStatus

	// Set when the user completes the interaction
	Subject              string
	SessionID            string
	AuthorizedScopes     []string
	AuthenticationMethod string
	AuthTime             time.Time
	DenialReason         string
}

// IsExpired reports whether the authorization's lifetime has elapsed at now
func (d *DeviceAuthorization) IsExpired(now time.Time) bool {
	return !now.Before(d.ExpiresAt)
}

// StatusAt returns the effective status at now: lifetime expiry overrides pending,
// authorized and denied.
func (d *DeviceAuthorization) StatusAt(now time.Time) DeviceStatus {
	if d.Status != DeviceStatusConsumed && d.IsExpired(now) {
		return DeviceStatusExpired
	}
	return d.Status
}

// DeviceCompletion carries the outcome of the user interaction for a device authorization
type DeviceCompletion struct {
	Status               DeviceStatus // DeviceStatusAuthorized or DeviceStatusDenied
	Subject              string
	SessionID            string
	Scopes               []string
	AuthenticationMethod string
	AuthTime             time.Time
	DenialReason         string
}

// GrantType classifies persisted grants
type GrantType string

const (
	GrantTypeConsent        GrantType = "user_consent"
	GrantTypeRefreshToken   GrantType = "refresh_token"
	GrantTypeReferenceToken GrantType = "reference_token"
)

// Grant is a persisted grant: consent, refresh token or reference access token.
type Grant struct {
	Key       string
	Type      GrantType
	Subject   string
	ClientID  string
	SessionID string
	Scopes    []string

	AuthenticationMethod string
	AuthTime             time.Time
	Claims               map[string]any

	CreatedAt time.Time
	ExpiresAt time.Time // zero means no expiration
}

// IsExpired reports whether the grant has expired at now
func (g *Grant) IsExpired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && !now.Before(g.ExpiresAt)
}

// GrantFilter selects grants for bulk removal
type GrantFilter struct {
	Subject   string
	ClientID  string
	SessionID string
	Type      GrantType
}

// Matches reports whether g satisfies the filter
func (f GrantFilter) Matches(g *Grant) bool {
	if f.Subject != "" && g.Subject != f.Subject {
		return false
	}
	if f.ClientID != "" && g.ClientID != f.ClientID {
		return false
	}
	if f.SessionID != "" && g.SessionID != f.SessionID {
		return false
	}
	if f.Type != "" && g.Type != f.Type {
		return false
	}
	return true
}

// HashHandle derives the storage key for a token handle so raw tokens are never
// persisted. The grant type is mixed in so a refresh token can never be looked up as
// a reference token.
func HashHandle(handle string, grantType GrantType) string {
	sum := sha256.Sum256([]byte(string(grantType) + ":" + handle))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// MessageKind classifies interaction messages
type MessageKind string

const (
	MessageKindAuthorization MessageKind = "authorization"
	MessageKindError         MessageKind = "error"
	MessageKindLogout        MessageKind = "logout"
)

// Message is an opaque interaction message addressed by kind and id
type Message struct {
	ID        string
	Kind      MessageKind
	Data      []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}
