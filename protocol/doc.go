// Package protocol holds the OAuth 2.0 / OpenID Connect wire contract shared by every
// part of the engine: grant type identifiers, the error taxonomy returned at the token,
// device authorization and revocation endpoints, and the JSON response bodies.
//
// The package has no dependencies on the rest of the module so validators, stores and
// the HTTP adapter can all speak the same vocabulary without import cycles.
package protocol
