package protocol

// Grant types accepted at the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypePassword          = "password"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

// Token types and revocation hints
const (
	TokenTypeBearer = "Bearer"

	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// Scopes with protocol meaning
const (
	ScopeOpenID        = "openid"
	ScopeOfflineAccess = "offline_access"
)

// PKCE code challenge methods (RFC 7636)
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// Client assertion type for private_key_jwt (RFC 7523)
const ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer" //nolint:gosec // G101: identifier, not a credential

// Form parameter names used at the token, device authorization and revocation endpoints
const (
	ParamGrantType           = "grant_type"
	ParamClientID            = "client_id"
	ParamClientSecret        = "client_secret"
	ParamClientAssertion     = "client_assertion"
	ParamClientAssertionType = "client_assertion_type"
	ParamScope               = "scope"
	ParamCode                = "code"
	ParamRedirectURI         = "redirect_uri"
	ParamCodeVerifier        = "code_verifier"
	ParamRefreshToken        = "refresh_token"
	ParamUsername            = "username"
	ParamPassword            = "password"
	ParamDeviceCode          = "device_code"
	ParamToken               = "token"
	ParamTokenTypeHint       = "token_type_hint"
)

// Authorization response parameters, used when redirecting back to the client
const (
	ParamState            = "state"
	ParamError            = "error"
	ParamErrorDescription = "error_description"
)

// Authentication methods reported in grant results and the amr claim
const (
	AuthMethodPassword = "pwd"
	AuthMethodExternal = "external"
)
