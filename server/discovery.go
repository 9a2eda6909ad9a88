package server

import (
	"github.com/go-jose/go-jose/v4"

	"github.com/giantswarm/oidc-engine/clientauth"
	"github.com/giantswarm/oidc-engine/protocol"
)

// tokenEndpointAuthMethods are the client authentication methods the engine accepts
var tokenEndpointAuthMethods = []string{
	clientauth.MethodClientSecretBasic,
	clientauth.MethodClientSecretPost,
	clientauth.MethodPrivateKeyJWT,
	clientauth.MethodTLSClientAuth,
}

// Metadata returns the discovery document (RFC 8414, OpenID Connect Discovery 1.0)
func (s *Server) Metadata() *protocol.Metadata {
	return &protocol.Metadata{
		Issuer:                            s.config.Issuer,
		AuthorizationEndpoint:             s.config.AuthorizationEndpoint,
		TokenEndpoint:                     s.config.TokenEndpoint,
		DeviceAuthorizationEndpoint:       s.config.DeviceAuthorizationEndpoint,
		RevocationEndpoint:                s.config.RevocationEndpoint,
		JWKSURI:                           s.config.JWKSURI,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               s.supportedGrantTypes(),
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{s.signer.alg},
		TokenEndpointAuthMethodsSupported: tokenEndpointAuthMethods,
		TokenEndpointAuthSigningAlgValues: clientauth.DefaultAssertionAlgorithms,
		CodeChallengeMethodsSupported:     []string{protocol.PKCEMethodS256, protocol.PKCEMethodPlain},
		TLSClientCertificateBoundTokens:   true,
		RevocationEndpointAuthMethods:     tokenEndpointAuthMethods,
	}
}

// JWKS returns the public keys that verify the engine's tokens
func (s *Server) JWKS() jose.JSONWebKeySet {
	return s.signer.jwks()
}

// SigningAlgorithm returns the JWS algorithm of issued tokens (RS256 or ES256)
func (s *Server) SigningAlgorithm() string {
	return s.signer.alg
}
