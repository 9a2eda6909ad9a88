package clientauth

import (
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/oidc-engine/protocol"
)

// maxCredentialLength bounds client_id and client_secret values
const maxCredentialLength = 4096

// SecretParser extracts a credential from a request. It returns nil when the request
// carries no credential of its kind.
type SecretParser interface {
	// Method returns the authentication method name the parser handles
	Method() string

	// Parse extracts the credential
	Parse(req *Request) *ParsedSecret
}

// DefaultParsers returns the parsers in their default order. PostBodyParser is last so
// a bare client_id only counts when nothing stronger was presented.
func DefaultParsers() []SecretParser {
	return []SecretParser{
		BasicAuthParser{},
		JWTAssertionParser{},
		ClientCertificateParser{},
		PostBodyParser{},
	}
}

// ============================================================
// Basic Authentication
// ============================================================

// BasicAuthParser parses client_secret_basic credentials (RFC 6749 section 2.3.1).
// Both parts are form-urlencoded before being base64 encoded.
type BasicAuthParser struct{}

// Method implements SecretParser
func (BasicAuthParser) Method() string { return MethodClientSecretBasic }

// Parse implements SecretParser
func (BasicAuthParser) Parse(req *Request) *ParsedSecret {
	header := req.Header.Get("Authorization")
	scheme, encoded, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Basic") {
		return nil
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil
	}

	rawID, rawSecret, found := strings.Cut(string(decoded), ":")
	if !found {
		return nil
	}

	clientID, err := url.QueryUnescape(rawID)
	if err != nil || clientID == "" || len(clientID) > maxCredentialLength {
		return nil
	}
	secret, err := url.QueryUnescape(rawSecret)
	if err != nil || len(secret) > maxCredentialLength {
		return nil
	}

	if secret == "" {
		return &ParsedSecret{ID: clientID, Type: ParsedSecretTypeNoSecret, Method: MethodNone}
	}
	return &ParsedSecret{
		ID:         clientID,
		Credential: secret,
		Type:       ParsedSecretTypeSharedSecret,
		Method:     MethodClientSecretBasic,
	}
}

// ============================================================
// POST Body
// ============================================================

// PostBodyParser parses client_id and client_secret form parameters. A client_id without
// a secret yields a NoSecret credential for public clients.
type PostBodyParser struct{}

// Method implements SecretParser
func (PostBodyParser) Method() string { return MethodClientSecretPost }

// Parse implements SecretParser
func (PostBodyParser) Parse(req *Request) *ParsedSecret {
	clientID := req.Form.Get(protocol.ParamClientID)
	if clientID == "" || len(clientID) > maxCredentialLength {
		return nil
	}

	secret := req.Form.Get(protocol.ParamClientSecret)
	if secret == "" {
		return &ParsedSecret{ID: clientID, Type: ParsedSecretTypeNoSecret, Method: MethodNone}
	}
	if len(secret) > maxCredentialLength {
		return nil
	}

	return &ParsedSecret{
		ID:         clientID,
		Credential: secret,
		Type:       ParsedSecretTypeSharedSecret,
		Method:     MethodClientSecretPost,
	}
}

// ============================================================
// Client Certificate
// ============================================================

// ClientCertificateParser pairs the TLS client certificate with the client_id parameter
// (RFC 8705 tls_client_auth).
type ClientCertificateParser struct{}

// Method implements SecretParser
func (ClientCertificateParser) Method() string { return MethodTLSClientAuth }

// Parse implements SecretParser
func (ClientCertificateParser) Parse(req *Request) *ParsedSecret {
	if len(req.PeerCertificates) == 0 {
		return nil
	}

	clientID := req.Form.Get(protocol.ParamClientID)
	if clientID == "" || len(clientID) > maxCredentialLength {
		return nil
	}

	return &ParsedSecret{
		ID:         clientID,
		Credential: req.PeerCertificates[0],
		Type:       ParsedSecretTypeX509Certificate,
		Method:     MethodTLSClientAuth,
	}
}

// ============================================================
// JWT Client Assertion
// ============================================================

// JWTAssertionParser parses private_key_jwt client assertions (RFC 7523). The client id
// comes from client_id when present, otherwise from the unverified sub claim; the
// signature is checked later by PrivateKeyJWTValidator.
type JWTAssertionParser struct{}

// Method implements SecretParser
func (JWTAssertionParser) Method() string { return MethodPrivateKeyJWT }

// Parse implements SecretParser
func (JWTAssertionParser) Parse(req *Request) *ParsedSecret {
	if req.Form.Get(protocol.ParamClientAssertionType) != protocol.ClientAssertionTypeJWTBearer {
		return nil
	}

	assertion := req.Form.Get(protocol.ParamClientAssertion)
	if assertion == "" || len(assertion) > 4*maxCredentialLength {
		return nil
	}

	clientID := req.Form.Get(protocol.ParamClientID)
	if clientID == "" {
		claims := jwt.RegisteredClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(assertion, &claims); err != nil {
			return nil
		}
		clientID = claims.Subject
	}
	if clientID == "" || len(clientID) > maxCredentialLength {
		return nil
	}

	return &ParsedSecret{
		ID:         clientID,
		Credential: assertion,
		Type:       ParsedSecretTypeJWTBearer,
		Method:     MethodPrivateKeyJWT,
	}
}
