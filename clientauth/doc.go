// Package clientauth authenticates OAuth clients at the token, device authorization and
// revocation endpoints.
//
// Authentication runs in two steps. A SecretParser extracts a ParsedSecret from the
// request (Basic header, POST body, client certificate or JWT client assertion). The
// Authenticator then loads the client and asks a ValidatorChain whether any of the
// client's non-expired secrets matches.
//
// Every failure visible to the caller is the same invalid_client error. The specific
// reason is logged at debug level and recorded by the security auditor.
package clientauth
