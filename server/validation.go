package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"slices"

	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/scope"
	"github.com/giantswarm/oidc-engine/storage"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
)

// identityScopes may never be granted to a client acting on its own behalf
var identityScopes = []string{protocol.ScopeOpenID, protocol.ScopeOfflineAccess}

// pkceMethodAllowed reports whether client may use method as code_challenge_method
func pkceMethodAllowed(client *storage.Client, method string) bool {
	switch method {
	case protocol.PKCEMethodS256:
		return true
	case protocol.PKCEMethodPlain:
		return client.AllowPlainTextPKCE
	default:
		return false
	}
}

// validateCodeVerifier checks the format of a code_verifier
func validateCodeVerifier(verifier string) error {
	// RFC 7636: code_verifier must be 43-128 characters
	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters (RFC 7636)", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters (RFC 7636)", MaxCodeVerifierLength)
	}

	// RFC 7636: code_verifier can only contain [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~"
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}
	return nil
}

// validatePKCE checks the code_verifier against the challenge stored with code.
// PKCE is required when the code carries a challenge or the client requires it.
// The returned error is internal detail; callers answer with invalid_grant.
func validatePKCE(client *storage.Client, code *storage.AuthorizationCode, verifier string) error {
	if code.CodeChallenge == "" {
		if client.RequirePKCE {
			return fmt.Errorf("client requires PKCE but the authorization code has no code_challenge")
		}
		if verifier != "" {
			return fmt.Errorf("code_verifier sent for an authorization code without code_challenge")
		}
		return nil
	}

	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}
	if err := validateCodeVerifier(verifier); err != nil {
		return err
	}

	var computedChallenge string
	switch code.CodeChallengeMethod {
	case protocol.PKCEMethodS256:
		hash := sha256.Sum256([]byte(verifier))
		computedChallenge = base64.RawURLEncoding.EncodeToString(hash[:])
	case protocol.PKCEMethodPlain:
		if !client.AllowPlainTextPKCE {
			return fmt.Errorf("'%s' code_challenge_method is not allowed for this client", protocol.PKCEMethodPlain)
		}
		computedChallenge = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", code.CodeChallengeMethod)
	}

	// Constant-time comparison to prevent timing attacks
	if subtle.ConstantTimeCompare([]byte(computedChallenge), []byte(code.CodeChallenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

// parseScopes parses raw scope values, failing with invalid_scope on any invalid value
func (s *Server) parseScopes(raw []string) (scope.ParsedScopesResult, *protocol.Error) {
	parsed := s.scopes.Parse(raw)
	if !parsed.Succeeded() {
		return parsed, protocol.ErrInvalidScope("invalid scope value")
	}
	return parsed, nil
}

// checkClientScopes verifies that every parsed scope is allowed for client.
// offline_access additionally requires AllowOfflineAccess.
//
// SECURITY: The error does not reveal which scope was rejected to prevent enumeration
// of a client's allowed scopes.
func checkClientScopes(client *storage.Client, parsed scope.ParsedScopesResult) *protocol.Error {
	for _, v := range parsed.Values {
		if !client.AllowsScope(v.ParsedName) {
			return protocol.ErrInvalidScope("client is not authorized for one or more requested scopes")
		}
		if v.ParsedName == protocol.ScopeOfflineAccess && !client.AllowOfflineAccess {
			return protocol.ErrInvalidScope("client is not authorized for one or more requested scopes")
		}
	}
	return nil
}

// defaultScopes returns the scopes a request without a scope parameter receives: every
// scope the client may request, minus offline_access unless offline access is allowed
// and minus identity scopes when excludeIdentity is set.
func defaultScopes(client *storage.Client, excludeIdentity bool) []string {
	out := make([]string, 0, len(client.AllowedScopes))
	for _, sc := range client.AllowedScopes {
		if sc == protocol.ScopeOfflineAccess && !client.AllowOfflineAccess {
			continue
		}
		if excludeIdentity && slices.Contains(identityScopes, sc) {
			continue
		}
		out = append(out, sc)
	}
	return out
}

// isSubset reports whether every value of requested appears in granted
func isSubset(requested, granted []string) bool {
	for _, r := range requested {
		if !slices.Contains(granted, r) {
			return false
		}
	}
	return true
}
