package grants

import (
	"maps"
	"slices"
	"time"

	"github.com/giantswarm/oidc-engine/protocol"
)

// Result is the outcome of a grant validator: either a success carrying the subject,
// or a failure carrying a protocol error code. The zero value is a failure with
// invalid_grant.
type Result struct {
	success              bool
	subject              string
	authenticationMethod string
	claims               map[string]any

	// Set by grants that carry an earlier user interaction (device code)
	grantedScopes []string
	sessionID     string
	authTime      time.Time

	errorCode        string
	errorDescription string
}

// Success builds a successful result. An empty subject is allowed for grants that
// act on behalf of the client itself.
func Success(subject, authenticationMethod string, claims map[string]any) Result {
	return Result{
		success:              true,
		subject:              subject,
		authenticationMethod: authenticationMethod,
		claims:               maps.Clone(claims),
	}
}

// Failure builds a failed result. An empty code means invalid_grant.
func Failure(code, description string) Result {
	if code == "" {
		code = protocol.ErrorCodeInvalidGrant
	}
	return Result{errorCode: code, errorDescription: description}
}

// FailureFrom builds a failed result from a protocol error
func FailureFrom(err *protocol.Error) Result {
	return Failure(err.Code, err.Description)
}

// IsError reports whether the result is a failure
func (r Result) IsError() bool {
	return !r.success
}

// Subject returns the resolved subject; empty on failure
func (r Result) Subject() string {
	return r.subject
}

// AuthenticationMethod returns how the subject authenticated (e.g. "pwd")
func (r Result) AuthenticationMethod() string {
	return r.authenticationMethod
}

// Claims returns a copy of the additional claims
func (r Result) Claims() map[string]any {
	return maps.Clone(r.claims)
}

// Error returns the protocol error of a failed result, nil on success
func (r Result) Error() *protocol.Error {
	if r.success {
		return nil
	}
	code := r.errorCode
	if code == "" {
		code = protocol.ErrorCodeInvalidGrant
	}
	return protocol.NewError(code, r.errorDescription)
}

// WithGrantedScopes returns a copy of a successful result whose token scopes are scopes
// instead of the requested ones. It is used when the user consented to a narrower set.
func (r Result) WithGrantedScopes(scopes []string) Result {
	if r.success {
		r.grantedScopes = slices.Clone(scopes)
	}
	return r
}

// GrantedScopes returns the scopes set by WithGrantedScopes, nil otherwise
func (r Result) GrantedScopes() []string {
	return slices.Clone(r.grantedScopes)
}

// WithSession returns a copy of a successful result bound to a login session
func (r Result) WithSession(sessionID string, authTime time.Time) Result {
	if r.success {
		r.sessionID = sessionID
		r.authTime = authTime
	}
	return r
}

// SessionID returns the login session of the subject, if known
func (r Result) SessionID() string {
	return r.sessionID
}

// AuthTime returns when the subject authenticated, zero if unknown
func (r Result) AuthTime() time.Time {
	return r.authTime
}
