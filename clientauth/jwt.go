package clientauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/oidc-engine/storage"
)

const (
	// ReplayPurposeClientAssertion namespaces assertion jti values in the replay cache
	ReplayPurposeClientAssertion = "client_assertion"

	// DefaultMaxAssertionLifetime bounds exp - iat of accepted assertions
	DefaultMaxAssertionLifetime = 10 * time.Minute

	// DefaultAssertionLeeway is the clock skew tolerated on exp/nbf/iat
	DefaultAssertionLeeway = 30 * time.Second
)

// DefaultAssertionAlgorithms are the signature algorithms accepted for client assertions
var DefaultAssertionAlgorithms = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512"}

// PrivateKeyJWTConfig configures PrivateKeyJWTValidator
type PrivateKeyJWTConfig struct {
	// Audiences are the accepted aud values, typically the issuer and token endpoint URL (required)
	Audiences []string

	// ReplayCache records jti values until the assertion expires (required)
	ReplayCache storage.ReplayCache

	// Algorithms restricts accepted signature algorithms (default: DefaultAssertionAlgorithms)
	Algorithms []string

	// MaxLifetime bounds exp - iat (default: DefaultMaxAssertionLifetime)
	MaxLifetime time.Duration

	// Leeway is the tolerated clock skew (default: DefaultAssertionLeeway)
	Leeway time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// PrivateKeyJWTValidator validates signed client assertions (RFC 7523 section 3) against
// the client's JWK secrets. A secret value holds either a single public JWK or a JWK set.
type PrivateKeyJWTValidator struct {
	cfg PrivateKeyJWTConfig
}

// NewPrivateKeyJWTValidator creates a validator
func NewPrivateKeyJWTValidator(cfg PrivateKeyJWTConfig) (*PrivateKeyJWTValidator, error) {
	if len(cfg.Audiences) == 0 {
		return nil, fmt.Errorf("private_key_jwt validation requires at least one audience")
	}
	if cfg.ReplayCache == nil {
		return nil, fmt.Errorf("private_key_jwt validation requires a replay cache")
	}
	if len(cfg.Algorithms) == 0 {
		cfg.Algorithms = DefaultAssertionAlgorithms
	}
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = DefaultMaxAssertionLifetime
	}
	if cfg.Leeway <= 0 {
		cfg.Leeway = DefaultAssertionLeeway
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &PrivateKeyJWTValidator{cfg: cfg}, nil
}

// Validate implements SecretValidator
func (v *PrivateKeyJWTValidator) Validate(ctx context.Context, secrets []storage.Secret, parsed *ParsedSecret) (ValidationResult, error) {
	if parsed.Type != ParsedSecretTypeJWTBearer {
		return ValidationResult{}, nil
	}

	assertion, ok := parsed.Credential.(string)
	if !ok {
		return ValidationResult{}, fmt.Errorf("client assertion credential has type %T, want string", parsed.Credential)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.Algorithms),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithIssuer(parsed.ID),
		jwt.WithSubject(parsed.ID),
		jwt.WithLeeway(v.cfg.Leeway),
		jwt.WithTimeFunc(v.cfg.Now),
	)

	for _, s := range secrets {
		if s.Type != storage.SecretTypeJSONWebKey {
			continue
		}

		kf, err := keyfuncFromSecret(s.Value)
		if err != nil {
			v.cfg.Logger.Warn("Skipping unusable JWK client secret",
				"client_id", parsed.ID,
				"description", s.Description,
				"error", err)
			continue
		}

		claims := &jwt.RegisteredClaims{}
		if _, err := parser.ParseWithClaims(assertion, claims, kf.Keyfunc); err != nil {
			v.cfg.Logger.Debug("Client assertion did not verify", "client_id", parsed.ID, "error", err)
			continue
		}

		return v.checkClaims(ctx, parsed.ID, claims)
	}

	return ValidationResult{}, nil
}

// checkClaims enforces audience, lifetime and single use of a verified assertion
func (v *PrivateKeyJWTValidator) checkClaims(ctx context.Context, clientID string, claims *jwt.RegisteredClaims) (ValidationResult, error) {
	if !slices.ContainsFunc(claims.Audience, func(aud string) bool { return slices.Contains(v.cfg.Audiences, aud) }) {
		v.cfg.Logger.Debug("Client assertion audience mismatch", "client_id", clientID, "aud", claims.Audience)
		return ValidationResult{}, nil
	}

	if claims.ID == "" {
		v.cfg.Logger.Debug("Client assertion has no jti", "client_id", clientID)
		return ValidationResult{}, nil
	}

	expiresAt := claims.ExpiresAt.Time
	if claims.IssuedAt != nil && expiresAt.Sub(claims.IssuedAt.Time) > v.cfg.MaxLifetime {
		v.cfg.Logger.Debug("Client assertion lifetime too long", "client_id", clientID)
		return ValidationResult{}, nil
	}

	// SECURITY: Each assertion may be used once. The replay entry lives until the
	// assertion could no longer verify.
	added, err := v.cfg.ReplayCache.AddIfAbsent(ctx, ReplayPurposeClientAssertion, clientID+":"+claims.ID, expiresAt.Add(v.cfg.Leeway))
	if err != nil {
		return ValidationResult{}, fmt.Errorf("failed to record client assertion: %w", err)
	}
	if !added {
		v.cfg.Logger.Warn("Client assertion replay detected", "client_id", clientID)
		return ValidationResult{}, nil
	}

	return ValidationResult{Success: true}, nil
}

// keyfuncFromSecret builds a key lookup from a JWK or JWK set secret value. Private keys
// are rejected.
func keyfuncFromSecret(value string) (keyfunc.Keyfunc, error) {
	var probe struct {
		Keys json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal([]byte(value), &probe); err != nil {
		return nil, fmt.Errorf("secret is not JSON: %w", err)
	}

	var set jose.JSONWebKeySet
	if probe.Keys != nil {
		if err := json.Unmarshal([]byte(value), &set); err != nil {
			return nil, fmt.Errorf("invalid JWK set: %w", err)
		}
	} else {
		var key jose.JSONWebKey
		if err := key.UnmarshalJSON([]byte(value)); err != nil {
			return nil, fmt.Errorf("invalid JWK: %w", err)
		}
		set.Keys = []jose.JSONWebKey{key}
	}

	for _, k := range set.Keys {
		if !k.IsPublic() {
			return nil, fmt.Errorf("JWK %q is not a public key", k.KeyID)
		}
	}

	raw, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("failed to encode JWK set: %w", err)
	}
	return keyfunc.NewJWKSetJSON(raw)
}
