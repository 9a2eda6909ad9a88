package clientauth

import (
	"crypto/x509"
	"net/http"
	"net/url"

	"github.com/giantswarm/oidc-engine/storage"
)

// Parsed secret types
const (
	// ParsedSecretTypeNoSecret means only a client_id was presented
	ParsedSecretTypeNoSecret = "NoSecret"

	// ParsedSecretTypeSharedSecret carries a plaintext shared secret
	ParsedSecretTypeSharedSecret = "SharedSecret"

	// ParsedSecretTypeX509Certificate carries the TLS client certificate
	ParsedSecretTypeX509Certificate = "X509Certificate"

	// ParsedSecretTypeJWTBearer carries a signed client assertion (RFC 7523)
	ParsedSecretTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
)

// Token endpoint authentication methods (RFC 8414 registry names)
const (
	MethodClientSecretBasic = "client_secret_basic"
	MethodClientSecretPost  = "client_secret_post"
	MethodPrivateKeyJWT     = "private_key_jwt"
	MethodTLSClientAuth     = "tls_client_auth"
	MethodNone              = "none"
)

// ParsedSecret is a credential extracted from a request before the client is looked up.
// It is never persisted.
type ParsedSecret struct {
	// ID is the client identifier the credential claims
	ID string

	// Credential is a string for shared secrets and assertions, *x509.Certificate for certificates
	Credential any

	// Type is one of the ParsedSecretType constants
	Type string

	// Method is the token endpoint authentication method that produced the credential
	Method string

	Properties map[string]string
}

// Request is the transport-independent view of an authenticating request
type Request struct {
	// Form holds the POST body parameters
	Form url.Values

	// Header holds the request headers
	Header http.Header

	// PeerCertificates holds the verified TLS client certificate chain, leaf first
	PeerCertificates []*x509.Certificate
}

// RequestFromHTTP builds a Request from an HTTP request whose form has been parsed
func RequestFromHTTP(r *http.Request) *Request {
	req := &Request{
		Form:   r.PostForm,
		Header: r.Header,
	}
	if r.TLS != nil {
		req.PeerCertificates = r.TLS.PeerCertificates
	}
	return req
}

// AuthenticatedClient is the result of a successful authentication
type AuthenticatedClient struct {
	Client *storage.Client
	Secret *ParsedSecret

	// Confirmation is the proof-of-possession confirmation (x5t#S256) for certificate
	// authentication, empty otherwise
	Confirmation string
}
