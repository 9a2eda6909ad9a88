package server

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// JWT header types
const (
	// jwtTypeAccessToken marks JWT access tokens (RFC 9068)
	jwtTypeAccessToken = "at+jwt"

	// jwtTypeJWT marks identity tokens
	jwtTypeJWT = "JWT"
)

// signer signs access and identity tokens with the configured key
type signer struct {
	key    crypto.Signer
	keyID  string
	alg    string
	method jwt.SigningMethod
}

// newSigner picks the signing algorithm for key. An empty keyID is replaced by the
// RFC 7638 thumbprint of the public key.
func newSigner(key crypto.Signer, keyID string) (*signer, error) {
	var method jwt.SigningMethod
	switch key.(type) {
	case *rsa.PrivateKey:
		method = jwt.SigningMethodRS256
	case *ecdsa.PrivateKey:
		method = jwt.SigningMethodES256
	default:
		return nil, fmt.Errorf("unsupported signing key type %T", key)
	}

	if keyID == "" {
		jwk := jose.JSONWebKey{Key: key.Public()}
		thumbprint, err := jwk.Thumbprint(crypto.SHA256)
		if err != nil {
			return nil, fmt.Errorf("failed to compute signing key thumbprint: %w", err)
		}
		keyID = base64.RawURLEncoding.EncodeToString(thumbprint)
	}

	return &signer{
		key:    key,
		keyID:  keyID,
		alg:    method.Alg(),
		method: method,
	}, nil
}

// sign serializes claims as a compact JWS
func (s *signer) sign(claims jwt.MapClaims, typ string) (string, error) {
	token := jwt.NewWithClaims(s.method, claims)
	token.Header["kid"] = s.keyID
	token.Header["typ"] = typ

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// jwks returns the public signing key as a JWK set
func (s *signer) jwks() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       s.key.Public(),
			KeyID:     s.keyID,
			Algorithm: s.alg,
			Use:       "sig",
		}},
	}
}

// accessTokenHash computes the at_hash claim: the left half of the SHA-256 hash of the
// access token, base64url encoded. Both supported algorithms use SHA-256.
func accessTokenHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}
