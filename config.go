package oauth

import (
	"crypto"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joeshaw/envdecode"

	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/server"
	"github.com/giantswarm/oidc-engine/storage/valkey"
)

// HandlerConfig holds the HTTP adapter configuration
// Structured using composition like the engine configuration
type HandlerConfig struct {
	// Rate limiting configuration
	RateLimit RateLimitConfig

	// CORS settings for browser-based clients
	CORS CORSConfig
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// MaxEntries bounds the number of tracked IPs (default: 10000)
	MaxEntries int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of reverse proxies in front of the server.
	// The client IP is taken that many entries from the right of X-Forwarded-For.
	TrustedProxyCount int
}

// CORSConfig holds Cross-Origin Resource Sharing settings
type CORSConfig struct {
	// AllowedOrigins lists origins allowed to call the endpoints. Empty disables CORS.
	// "*" allows every origin and is only meant for development.
	AllowedOrigins []string

	// AllowCredentials sets Access-Control-Allow-Credentials
	AllowCredentials bool

	// MaxAge is the preflight cache duration in seconds (default: 3600)
	MaxAge int
}

// EnvConfig is the deployment configuration read from OAUTH_* environment variables.
// Zero TTLs fall back to the engine defaults.
type EnvConfig struct {
	Issuer                string `env:"OAUTH_ISSUER,required"`
	AuthorizationEndpoint string `env:"OAUTH_AUTHORIZATION_ENDPOINT"`
	AllowInsecureHTTP     bool   `env:"OAUTH_ALLOW_INSECURE_HTTP"`

	AccessTokenTTL        int64  `env:"OAUTH_ACCESS_TOKEN_TTL"`
	IdentityTokenTTL      int64  `env:"OAUTH_IDENTITY_TOKEN_TTL"`
	AuthorizationCodeTTL  int64  `env:"OAUTH_AUTHORIZATION_CODE_TTL"`
	RefreshTokenTTL       int64  `env:"OAUTH_REFRESH_TOKEN_TTL"`
	DeviceCodeTTL         int64  `env:"OAUTH_DEVICE_CODE_TTL"`
	DevicePollingInterval int64  `env:"OAUTH_DEVICE_POLLING_INTERVAL"`
	DeviceUserCodeType    string `env:"OAUTH_DEVICE_USER_CODE_TYPE"`

	// ParameterizedScopes is a semicolon separated list
	ParameterizedScopes []string `env:"OAUTH_PARAMETERIZED_SCOPES"`

	// SigningKeyFile points to a PEM encoded RSA or P-256 ECDSA private key
	SigningKeyFile string `env:"OAUTH_SIGNING_KEY_FILE"`
	SigningKeyID   string `env:"OAUTH_SIGNING_KEY_ID"`

	RateLimitRate     int  `env:"OAUTH_RATE_LIMIT_RATE,default=10"`
	RateLimitBurst    int  `env:"OAUTH_RATE_LIMIT_BURST,default=20"`
	TrustProxy        bool `env:"OAUTH_TRUST_PROXY"`
	TrustedProxyCount int  `env:"OAUTH_TRUSTED_PROXY_COUNT,default=1"`

	CORSAllowedOrigins   []string `env:"OAUTH_CORS_ALLOWED_ORIGINS"`
	CORSAllowCredentials bool     `env:"OAUTH_CORS_ALLOW_CREDENTIALS"`

	AuditLogging bool `env:"OAUTH_AUDIT_LOGGING,default=true"`

	ValkeyAddress   string `env:"OAUTH_VALKEY_ADDRESS"`
	ValkeyPassword  string `env:"OAUTH_VALKEY_PASSWORD"`
	ValkeyDB        int    `env:"OAUTH_VALKEY_DB"`
	ValkeyKeyPrefix string `env:"OAUTH_VALKEY_KEY_PREFIX,default=oidc:"`

	// EncryptionKey is a base64 encoded AES-256 key sealing Valkey records at rest
	EncryptionKey string `env:"OAUTH_ENCRYPTION_KEY"`
}

// LoadConfigFromEnv decodes an EnvConfig from the process environment
func LoadConfigFromEnv() (*EnvConfig, error) {
	var cfg EnvConfig
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}
	return &cfg, nil
}

// ServerConfig builds the engine configuration. The signing key is read from
// SigningKeyFile; hosts holding the key elsewhere set server.Config.SigningKey themselves.
func (c *EnvConfig) ServerConfig() (*server.Config, error) {
	cfg := &server.Config{
		Issuer:                c.Issuer,
		AuthorizationEndpoint: c.AuthorizationEndpoint,
		AllowInsecureHTTP:     c.AllowInsecureHTTP,
		AccessTokenTTL:        c.AccessTokenTTL,
		IdentityTokenTTL:      c.IdentityTokenTTL,
		AuthorizationCodeTTL:  c.AuthorizationCodeTTL,
		RefreshTokenTTL:       c.RefreshTokenTTL,
		DeviceCodeTTL:         c.DeviceCodeTTL,
		DevicePollingInterval: c.DevicePollingInterval,
		DeviceUserCodeType:    c.DeviceUserCodeType,
		ParameterizedScopes:   c.ParameterizedScopes,
		SigningKeyID:          c.SigningKeyID,
	}

	if c.SigningKeyFile != "" {
		key, err := LoadSigningKey(c.SigningKeyFile)
		if err != nil {
			return nil, err
		}
		cfg.SigningKey = key
	}

	return cfg, nil
}

// HandlerConfig builds the HTTP adapter configuration
func (c *EnvConfig) HandlerConfig() HandlerConfig {
	return HandlerConfig{
		RateLimit: RateLimitConfig{
			Rate:              c.RateLimitRate,
			Burst:             c.RateLimitBurst,
			TrustProxy:        c.TrustProxy,
			TrustedProxyCount: c.TrustedProxyCount,
		},
		CORS: CORSConfig{
			AllowedOrigins:   c.CORSAllowedOrigins,
			AllowCredentials: c.CORSAllowCredentials,
		},
	}
}

// ValkeyConfig builds the Valkey store configuration. It returns false when no
// address is configured and the host should fall back to in-memory storage.
func (c *EnvConfig) ValkeyConfig() (valkey.Config, bool, error) {
	if c.ValkeyAddress == "" {
		return valkey.Config{}, false, nil
	}

	cfg := valkey.Config{
		Address:   c.ValkeyAddress,
		Password:  c.ValkeyPassword,
		DB:        c.ValkeyDB,
		KeyPrefix: c.ValkeyKeyPrefix,
	}

	if c.EncryptionKey != "" {
		key, err := security.KeyFromBase64(c.EncryptionKey)
		if err != nil {
			return valkey.Config{}, false, fmt.Errorf("invalid OAUTH_ENCRYPTION_KEY: %w", err)
		}
		enc, err := security.NewEncryptor(key)
		if err != nil {
			return valkey.Config{}, false, fmt.Errorf("failed to create encryptor: %w", err)
		}
		cfg.Encryptor = enc
	}

	return cfg, true, nil
}

// LoadSigningKey reads a PEM encoded RSA or ECDSA private key
func LoadSigningKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}

	if key, err := jwt.ParseRSAPrivateKeyFromPEM(data); err == nil {
		return key, nil
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("signing key is neither an RSA nor an ECDSA private key")
	}
	return key, nil
}
