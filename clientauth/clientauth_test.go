package clientauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // test vectors for SHA-1 thumbprints
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-engine/internal/testutil"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/storage"
	"github.com/giantswarm/oidc-engine/storage/memory"
)

const testAudience = "https://issuer.example.com/connect/token"

func newStore(t *testing.T, clients ...*storage.Client) *memory.Store {
	t.Helper()
	store := memory.New()
	t.Cleanup(store.Stop)
	for _, c := range clients {
		require.NoError(t, store.SaveClient(context.Background(), c))
	}
	return store
}

func newAuthenticator(t *testing.T, store storage.ClientStore, validators ...SecretValidator) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator(Config{Clients: store, Validators: validators})
	require.NoError(t, err)
	return a
}

func basicRequest(clientID, secret string) *Request {
	h := http.Header{}
	raw := url.QueryEscape(clientID) + ":" + url.QueryEscape(secret)
	h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(raw)))
	return &Request{Form: url.Values{}, Header: h}
}

func postRequest(form url.Values) *Request {
	return &Request{Form: form, Header: http.Header{}}
}

func sha256Secret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func TestParsers(t *testing.T) {
	t.Run("basic decodes form-encoded parts", func(t *testing.T) {
		parsed := BasicAuthParser{}.Parse(basicRequest("my client", "p@ss:word"))
		require.NotNil(t, parsed)
		assert.Equal(t, "my client", parsed.ID)
		assert.Equal(t, "p@ss:word", parsed.Credential)
		assert.Equal(t, ParsedSecretTypeSharedSecret, parsed.Type)
	})

	t.Run("basic with empty secret is no secret", func(t *testing.T) {
		parsed := BasicAuthParser{}.Parse(basicRequest("public", ""))
		require.NotNil(t, parsed)
		assert.Equal(t, ParsedSecretTypeNoSecret, parsed.Type)
	})

	t.Run("basic ignores other schemes", func(t *testing.T) {
		h := http.Header{}
		h.Set("Authorization", "Bearer abc")
		assert.Nil(t, BasicAuthParser{}.Parse(&Request{Form: url.Values{}, Header: h}))
	})

	t.Run("post body", func(t *testing.T) {
		parsed := PostBodyParser{}.Parse(postRequest(url.Values{"client_id": {"c"}, "client_secret": {"s"}}))
		require.NotNil(t, parsed)
		assert.Equal(t, MethodClientSecretPost, parsed.Method)

		parsed = PostBodyParser{}.Parse(postRequest(url.Values{"client_id": {"c"}}))
		require.NotNil(t, parsed)
		assert.Equal(t, ParsedSecretTypeNoSecret, parsed.Type)

		assert.Nil(t, PostBodyParser{}.Parse(postRequest(url.Values{})))
	})

	t.Run("certificate requires client_id", func(t *testing.T) {
		cert := testutil.NewTestCertificate(t, pkix.Name{CommonName: "client"})
		req := &Request{Form: url.Values{}, Header: http.Header{}, PeerCertificates: []*x509.Certificate{cert}}
		assert.Nil(t, ClientCertificateParser{}.Parse(req))

		req.Form.Set("client_id", "mtls")
		parsed := ClientCertificateParser{}.Parse(req)
		require.NotNil(t, parsed)
		assert.Same(t, cert, parsed.Credential)
	})
}

func TestAuthenticate_SharedSecrets(t *testing.T) {
	sha512Sum := sha512.Sum512([]byte("secret-512"))

	store := newStore(t,
		testutil.NewConfidentialClient(t, "bcrypt", "secret", nil),
		&storage.Client{
			ClientID: "hashed",
			Secrets: []storage.Secret{
				{Type: storage.SecretTypeSharedSecret, Value: sha256Secret("old"), Expiration: time.Now().Add(-time.Hour)},
				{Type: storage.SecretTypeSharedSecret, Value: sha256Secret("secret-256")},
				{Type: storage.SecretTypeSharedSecret, Value: base64.StdEncoding.EncodeToString(sha512Sum[:])},
			},
		},
	)
	auth := newAuthenticator(t, store)

	tests := []struct {
		name    string
		req     *Request
		wantOK  bool
		wantMth string
	}{
		{name: "bcrypt basic", req: basicRequest("bcrypt", "secret"), wantOK: true, wantMth: MethodClientSecretBasic},
		{name: "bcrypt post", req: postRequest(url.Values{"client_id": {"bcrypt"}, "client_secret": {"secret"}}), wantOK: true, wantMth: MethodClientSecretPost},
		{name: "sha256", req: basicRequest("hashed", "secret-256"), wantOK: true, wantMth: MethodClientSecretBasic},
		{name: "sha512", req: basicRequest("hashed", "secret-512"), wantOK: true, wantMth: MethodClientSecretBasic},
		{name: "expired secret", req: basicRequest("hashed", "old")},
		{name: "wrong secret", req: basicRequest("bcrypt", "nope")},
		{name: "confidential without secret", req: postRequest(url.Values{"client_id": {"bcrypt"}})},
		{name: "unknown client", req: basicRequest("ghost", "secret")},
		{name: "no credentials", req: postRequest(url.Values{})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, perr, err := auth.Authenticate(context.Background(), tt.req)
			require.NoError(t, err)

			if !tt.wantOK {
				require.Nil(t, client)
				require.NotNil(t, perr)
				assert.Equal(t, protocol.ErrorCodeInvalidClient, perr.Code)
				assert.Equal(t, http.StatusUnauthorized, perr.Status)
				return
			}

			require.Nil(t, perr)
			require.NotNil(t, client)
			assert.Equal(t, tt.wantMth, client.Secret.Method)
		})
	}
}

func TestAuthenticate_FailuresAreIndistinguishable(t *testing.T) {
	store := newStore(t, testutil.NewConfidentialClient(t, "known", "secret", nil))
	auth := newAuthenticator(t, store)

	_, unknown, err := auth.Authenticate(context.Background(), basicRequest("unknown", "secret"))
	require.NoError(t, err)
	_, wrong, err := auth.Authenticate(context.Background(), basicRequest("known", "wrong"))
	require.NoError(t, err)

	require.NotNil(t, unknown)
	require.NotNil(t, wrong)
	assert.Equal(t, unknown.Code, wrong.Code)
	assert.Equal(t, unknown.Description, wrong.Description)
}

func TestAuthenticate_DisabledClient(t *testing.T) {
	client := testutil.NewConfidentialClient(t, "off", "secret", nil)
	client.Disabled = true
	auth := newAuthenticator(t, newStore(t, client))

	got, perr, err := auth.Authenticate(context.Background(), basicRequest("off", "secret"))
	require.NoError(t, err)
	assert.Nil(t, got)
	require.NotNil(t, perr)
	assert.Equal(t, protocol.ErrorCodeInvalidClient, perr.Code)
}

func TestAuthenticate_ConflictingClientIDs(t *testing.T) {
	auth := newAuthenticator(t, newStore(t, testutil.NewConfidentialClient(t, "a", "secret", nil)))

	req := basicRequest("a", "secret")
	req.Form.Set("client_id", "b")

	_, perr, err := auth.Authenticate(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, perr)
	assert.Equal(t, protocol.ErrorCodeInvalidClient, perr.Code)
}

func TestAuthenticate_PublicClient(t *testing.T) {
	auth := newAuthenticator(t, newStore(t, testutil.NewPublicClient("device")))

	got, perr, err := auth.Authenticate(context.Background(), postRequest(url.Values{"client_id": {"device"}}))
	require.NoError(t, err)
	require.Nil(t, perr)
	assert.Equal(t, "device", got.Client.ClientID)
	assert.Equal(t, ParsedSecretTypeNoSecret, got.Secret.Type)
}

func TestAuthenticate_Certificates(t *testing.T) {
	cert := testutil.NewTestCertificate(t, pkix.Name{CommonName: "client.example.com", Organization: []string{"Example"}})
	sha1Sum := sha1.Sum(cert.Raw) //nolint:gosec // test vector
	sha256Sum := sha256.Sum256(cert.Raw)

	tests := []struct {
		name   string
		secret storage.Secret
		wantOK bool
	}{
		{name: "sha1 thumbprint", secret: storage.Secret{Type: storage.SecretTypeX509Thumbprint, Value: strings.ToUpper(hex.EncodeToString(sha1Sum[:]))}, wantOK: true},
		{name: "sha256 thumbprint", secret: storage.Secret{Type: storage.SecretTypeX509Thumbprint, Value: hex.EncodeToString(sha256Sum[:])}, wantOK: true},
		{name: "wrong thumbprint", secret: storage.Secret{Type: storage.SecretTypeX509Thumbprint, Value: strings.Repeat("ab", sha256.Size)}},
		{name: "subject name", secret: storage.Secret{Type: storage.SecretTypeX509Name, Value: cert.Subject.String()}, wantOK: true},
		{name: "subject name is case sensitive", secret: storage.Secret{Type: storage.SecretTypeX509Name, Value: strings.ToLower(cert.Subject.String())}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t, &storage.Client{ClientID: "mtls", Secrets: []storage.Secret{tt.secret}})
			auth := newAuthenticator(t, store)

			req := &Request{Form: url.Values{"client_id": {"mtls"}}, Header: http.Header{}, PeerCertificates: []*x509.Certificate{cert}}
			got, perr, err := auth.Authenticate(context.Background(), req)
			require.NoError(t, err)

			if !tt.wantOK {
				require.NotNil(t, perr)
				return
			}
			require.Nil(t, perr)
			assert.Equal(t, MethodTLSClientAuth, got.Secret.Method)
			assert.Equal(t, base64.RawURLEncoding.EncodeToString(sha256Sum[:]), got.Confirmation)
		})
	}
}

func TestCertificateValidators_RejectWrongCredentialType(t *testing.T) {
	parsed := &ParsedSecret{ID: "mtls", Type: ParsedSecretTypeX509Certificate, Credential: "not a certificate"}
	secrets := []storage.Secret{{Type: storage.SecretTypeX509Name, Value: "CN=x"}}

	_, err := X509NameValidator{}.Validate(context.Background(), secrets, parsed)
	assert.Error(t, err)

	_, err = X509ThumbprintValidator{}.Validate(context.Background(), secrets, parsed)
	assert.Error(t, err)
}

func TestHashSharedSecret(t *testing.T) {
	assert.Equal(t, sha256Secret("secret"), HashSharedSecret("secret"))
}

// ============================================================
// private_key_jwt
// ============================================================

func newSigningKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	jwk := jose.JSONWebKey{Key: &key.PublicKey, KeyID: "key-1", Algorithm: "RS256", Use: "sig"}
	raw, err := jwk.MarshalJSON()
	require.NoError(t, err)
	return key, string(raw)
}

func signAssertion(t *testing.T, key *rsa.PrivateKey, clientID, audience string, iat time.Time, lifetime time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    clientID,
		Subject:   clientID,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(iat),
		ExpiresAt: jwt.NewNumericDate(iat.Add(lifetime)),
		ID:        uuid.NewString(),
	})
	token.Header["kid"] = "key-1"
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func assertionRequest(assertion string) *Request {
	return postRequest(url.Values{
		"client_assertion_type": {protocol.ClientAssertionTypeJWTBearer},
		"client_assertion":      {assertion},
	})
}

func TestAuthenticate_PrivateKeyJWT(t *testing.T) {
	key, jwk := newSigningKey(t)
	store := newStore(t, &storage.Client{
		ClientID: "jwt-client",
		Secrets:  []storage.Secret{{Type: storage.SecretTypeJSONWebKey, Value: jwk}},
	})

	jwtValidator, err := NewPrivateKeyJWTValidator(PrivateKeyJWTConfig{
		Audiences:   []string{testAudience},
		ReplayCache: store,
	})
	require.NoError(t, err)
	auth := newAuthenticator(t, store, jwtValidator)

	t.Run("valid assertion then replay", func(t *testing.T) {
		assertion := signAssertion(t, key, "jwt-client", testAudience, time.Now(), time.Minute)

		got, perr, err := auth.Authenticate(context.Background(), assertionRequest(assertion))
		require.NoError(t, err)
		require.Nil(t, perr)
		assert.Equal(t, MethodPrivateKeyJWT, got.Secret.Method)

		_, perr, err = auth.Authenticate(context.Background(), assertionRequest(assertion))
		require.NoError(t, err)
		require.NotNil(t, perr)
		assert.Equal(t, protocol.ErrorCodeInvalidClient, perr.Code)
	})

	t.Run("wrong audience", func(t *testing.T) {
		assertion := signAssertion(t, key, "jwt-client", "https://elsewhere.example.com", time.Now(), time.Minute)
		_, perr, err := auth.Authenticate(context.Background(), assertionRequest(assertion))
		require.NoError(t, err)
		require.NotNil(t, perr)
	})

	t.Run("expired", func(t *testing.T) {
		assertion := signAssertion(t, key, "jwt-client", testAudience, time.Now().Add(-time.Hour), time.Minute)
		_, perr, err := auth.Authenticate(context.Background(), assertionRequest(assertion))
		require.NoError(t, err)
		require.NotNil(t, perr)
	})

	t.Run("lifetime too long", func(t *testing.T) {
		assertion := signAssertion(t, key, "jwt-client", testAudience, time.Now(), time.Hour)
		_, perr, err := auth.Authenticate(context.Background(), assertionRequest(assertion))
		require.NoError(t, err)
		require.NotNil(t, perr)
	})

	t.Run("signed by another key", func(t *testing.T) {
		other, _ := newSigningKey(t)
		assertion := signAssertion(t, other, "jwt-client", testAudience, time.Now(), time.Minute)
		_, perr, err := auth.Authenticate(context.Background(), assertionRequest(assertion))
		require.NoError(t, err)
		require.NotNil(t, perr)
	})
}

func TestNewPrivateKeyJWTValidator_RequiresConfig(t *testing.T) {
	_, err := NewPrivateKeyJWTValidator(PrivateKeyJWTConfig{ReplayCache: memory.New()})
	assert.Error(t, err)

	_, err = NewPrivateKeyJWTValidator(PrivateKeyJWTConfig{Audiences: []string{testAudience}})
	assert.Error(t, err)
}

func TestKeyfuncFromSecret_RejectsPrivateKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	raw, err := jose.JSONWebKey{Key: key, KeyID: "private"}.MarshalJSON()
	require.NoError(t, err)

	_, err = keyfuncFromSecret(string(raw))
	assert.Error(t, err)
}
