package clientauth

import (
	"context"
	"crypto/sha1" //nolint:gosec // G505: SHA-1 thumbprints are part of the certificate binding format
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oidc-engine/storage"
)

// dummyHash is compared when a client has no shared secret so that the response time
// does not reveal it. It is the bcrypt hash of "test".
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// ValidationResult is the outcome of a secret validator
type ValidationResult struct {
	Success bool

	// Confirmation is an optional proof-of-possession value (e.g. x5t#S256 thumbprint)
	Confirmation string
}

// SecretValidator checks a parsed credential against a client's secrets. A validator
// returns an unsuccessful result, without comparing anything, for parsed types it does
// not handle. The error return is reserved for programming errors.
type SecretValidator interface {
	Validate(ctx context.Context, secrets []storage.Secret, parsed *ParsedSecret) (ValidationResult, error)
}

// ============================================================
// Validator Chain
// ============================================================

// ValidatorChain runs validators in order and stops at the first success
type ValidatorChain struct {
	validators []SecretValidator
	now        func() time.Time
	logger     *slog.Logger
}

// NewValidatorChain creates a chain. now and logger may be nil.
func NewValidatorChain(now func() time.Time, logger *slog.Logger, validators ...SecretValidator) *ValidatorChain {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ValidatorChain{validators: validators, now: now, logger: logger}
}

// Validate filters out expired secrets and runs each validator in order
func (c *ValidatorChain) Validate(ctx context.Context, secrets []storage.Secret, parsed *ParsedSecret) (ValidationResult, error) {
	now := c.now()

	live := make([]storage.Secret, 0, len(secrets))
	for _, s := range secrets {
		if s.IsExpired(now) {
			c.logger.Debug("Skipping expired client secret",
				"client_id", parsed.ID,
				"secret_type", s.Type,
				"description", s.Description)
			continue
		}
		live = append(live, s)
	}

	for _, v := range c.validators {
		result, err := v.Validate(ctx, live, parsed)
		if err != nil {
			return ValidationResult{}, err
		}
		if result.Success {
			return result, nil
		}
	}

	c.logger.Debug("No client secret matched",
		"client_id", parsed.ID,
		"parsed_type", parsed.Type,
		"candidate_secrets", len(live))
	return ValidationResult{}, nil
}

// ============================================================
// Shared Secret
// ============================================================

// SharedSecretValidator compares a plaintext secret with stored hashes. Stored values
// are bcrypt hashes, or base64 encoded SHA-256 or SHA-512 digests.
type SharedSecretValidator struct{}

// Validate implements SecretValidator
func (SharedSecretValidator) Validate(_ context.Context, secrets []storage.Secret, parsed *ParsedSecret) (ValidationResult, error) {
	if parsed.Type != ParsedSecretTypeSharedSecret {
		return ValidationResult{}, nil
	}

	presented, ok := parsed.Credential.(string)
	if !ok {
		return ValidationResult{}, fmt.Errorf("shared secret credential has type %T, want string", parsed.Credential)
	}

	compared := false
	for _, s := range secrets {
		if s.Type != storage.SecretTypeSharedSecret {
			continue
		}
		compared = true
		if sharedSecretMatches(s.Value, presented) {
			return ValidationResult{Success: true}, nil
		}
	}

	// SECURITY: Always perform a bcrypt comparison so timing does not reveal whether
	// the client has a shared secret at all
	if !compared {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(presented))
	}

	return ValidationResult{}, nil
}

func sharedSecretMatches(stored, presented string) bool {
	if strings.HasPrefix(stored, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(presented)) == nil
	}

	sum256 := sha256.Sum256([]byte(presented))
	sum512 := sha512.Sum512([]byte(presented))

	match256 := subtle.ConstantTimeCompare([]byte(stored), []byte(base64.StdEncoding.EncodeToString(sum256[:])))
	match512 := subtle.ConstantTimeCompare([]byte(stored), []byte(base64.StdEncoding.EncodeToString(sum512[:])))
	return match256|match512 == 1
}

// HashSharedSecret returns the base64 SHA-256 digest form accepted by SharedSecretValidator
func HashSharedSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// ============================================================
// X.509 Certificates
// ============================================================

// certificateFrom extracts the certificate of an X509Certificate credential.
// A different credential type for that parsed type is a programming error.
func certificateFrom(parsed *ParsedSecret) (*x509.Certificate, error) {
	cert, ok := parsed.Credential.(*x509.Certificate)
	if !ok || cert == nil {
		return nil, fmt.Errorf("certificate credential has type %T, want *x509.Certificate", parsed.Credential)
	}
	return cert, nil
}

// CertificateConfirmation returns the x5t#S256 confirmation of cert (RFC 8705)
func CertificateConfirmation(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// X509ThumbprintValidator compares the hash of the DER certificate with stored hex
// thumbprints (SHA-1 or SHA-256) as binary values
type X509ThumbprintValidator struct{}

// Validate implements SecretValidator
func (X509ThumbprintValidator) Validate(_ context.Context, secrets []storage.Secret, parsed *ParsedSecret) (ValidationResult, error) {
	if parsed.Type != ParsedSecretTypeX509Certificate {
		return ValidationResult{}, nil
	}

	cert, err := certificateFrom(parsed)
	if err != nil {
		return ValidationResult{}, err
	}

	sha1Sum := sha1.Sum(cert.Raw) //nolint:gosec // G401: thumbprint comparison, not a signature
	sha256Sum := sha256.Sum256(cert.Raw)

	for _, s := range secrets {
		if s.Type != storage.SecretTypeX509Thumbprint {
			continue
		}

		want, err := hex.DecodeString(strings.ReplaceAll(strings.TrimSpace(s.Value), ":", ""))
		if err != nil {
			continue
		}

		var got []byte
		switch len(want) {
		case sha1.Size:
			got = sha1Sum[:]
		case sha256.Size:
			got = sha256Sum[:]
		default:
			continue
		}

		if subtle.ConstantTimeCompare(got, want) == 1 {
			return ValidationResult{Success: true, Confirmation: CertificateConfirmation(cert)}, nil
		}
	}

	return ValidationResult{}, nil
}

// X509NameValidator compares the certificate subject distinguished name with stored names
// using ordinal string equality: no case folding and no normalization
type X509NameValidator struct{}

// Validate implements SecretValidator
func (X509NameValidator) Validate(_ context.Context, secrets []storage.Secret, parsed *ParsedSecret) (ValidationResult, error) {
	if parsed.Type != ParsedSecretTypeX509Certificate {
		return ValidationResult{}, nil
	}

	cert, err := certificateFrom(parsed)
	if err != nil {
		return ValidationResult{}, err
	}

	subject := cert.Subject.String()
	for _, s := range secrets {
		if s.Type != storage.SecretTypeX509Name {
			continue
		}
		if s.Value == subject {
			return ValidationResult{Success: true, Confirmation: CertificateConfirmation(cert)}, nil
		}
	}

	return ValidationResult{}, nil
}
