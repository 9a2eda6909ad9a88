package testutil

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oidc-engine/grants"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/storage"
)

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// HashSecret returns a bcrypt hash of secret at minimum cost, for fast tests
func HashSecret(t *testing.T, secret string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt.GenerateFromPassword() error = %v", err)
	}
	return string(hash)
}

// NewConfidentialClient creates a client authenticating with a shared secret and allowed
// to use grantTypes with the given scopes.
func NewConfidentialClient(t *testing.T, clientID, secret string, grantTypes []string, scopes ...string) *storage.Client {
	t.Helper()
	return &storage.Client{
		ClientID:   clientID,
		ClientName: clientID,
		ClientType: storage.ClientTypeConfidential,
		Secrets: []storage.Secret{
			{Type: storage.SecretTypeSharedSecret, Value: HashSecret(t, secret)},
		},
		AllowedGrantTypes: grantTypes,
		AllowedScopes:     scopes,
		RedirectURIs:      []string{"https://client.example.com/callback"},
		CreatedAt:         time.Now(),
	}
}

// NewPublicClient creates a public client (no secret) for the device flow
func NewPublicClient(clientID string, scopes ...string) *storage.Client {
	return &storage.Client{
		ClientID:          clientID,
		ClientName:        clientID,
		ClientType:        storage.ClientTypePublic,
		AllowedGrantTypes: []string{protocol.GrantTypeDeviceCode},
		AllowedScopes:     scopes,
		CreatedAt:         time.Now(),
	}
}

// GeneratePKCEPair returns an S256 code challenge and its verifier
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

// NewTestCertificate creates a self-signed ECDSA client certificate with the given subject
func NewTestCertificate(t *testing.T, subject pkix.Name) *x509.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey() error = %v", err)
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		t.Fatalf("rand.Int() error = %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      subject,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("x509.CreateCertificate() error = %v", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("x509.ParseCertificate() error = %v", err)
	}
	return cert
}

// NewMetricReader returns a manual reader and a meter provider exporting to it
func NewMetricReader() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	return reader, sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
}

// CounterValue sums all data points of the int64 counter name
func CounterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// EqualCredentialsValidator accepts any username whose password equals the username
func EqualCredentialsValidator() grants.ResourceOwnerPasswordValidatorFunc {
	return func(_ context.Context, username, password string, _ *storage.Client) (grants.Result, error) {
		if username != password {
			return grants.Failure(protocol.ErrorCodeInvalidGrant, "invalid username or password"), nil
		}
		return grants.Success(username, protocol.AuthMethodPassword, nil), nil
	}
}

// CustomCredentialGrant is an extension grant that accepts any request carrying a
// custom_credential parameter and resolves it to a fixed subject
func CustomCredentialGrant(grantType string) grants.ExtensionGrant {
	return grants.ExtensionGrant{
		Type: grantType,
		Func: func(_ context.Context, gc *grants.Context) (grants.Result, error) {
			if gc.Param("custom_credential") == "" {
				return grants.Failure(protocol.ErrorCodeInvalidGrant, "invalid custom credential"), nil
			}
			return grants.Success("818727", "custom", nil), nil
		},
	}
}
