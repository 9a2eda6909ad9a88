package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth error codes (RFC 6749 section 5.2, RFC 8628 section 3.5, RFC 7009 section 2.2.1).
// The values are returned verbatim on the wire.
const (
	ErrorCodeInvalidRequest         = "invalid_request"
	ErrorCodeInvalidClient          = "invalid_client"
	ErrorCodeInvalidGrant           = "invalid_grant"
	ErrorCodeUnauthorizedClient     = "unauthorized_client"
	ErrorCodeUnsupportedGrantType   = "unsupported_grant_type"
	ErrorCodeInvalidScope           = "invalid_scope"
	ErrorCodeAuthorizationPending   = "authorization_pending"
	ErrorCodeSlowDown               = "slow_down"
	ErrorCodeExpiredToken           = "expired_token"
	ErrorCodeAccessDenied           = "access_denied"
	ErrorCodeUnsupportedTokenType   = "unsupported_token_type"
	ErrorCodeServerError            = "server_error"
	ErrorCodeTemporarilyUnavailable = "temporarily_unavailable"
)

// Error is a protocol-level failure. It is the only error shape that leaves the engine
// towards a client; anything else is a fatal fault that the host answers with server_error.
type Error struct {
	Code        string // OAuth error code (e.g., "invalid_grant")
	Description string // Optional human-readable description
	Status      int    // HTTP status code used by the wire adapter
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Response converts the error into its JSON body.
func (e *Error) Response() ErrorResponse {
	return ErrorResponse{
		Error:            e.Code,
		ErrorDescription: e.Description,
	}
}

// NewError creates a protocol error with the status code conventionally used for code.
func NewError(code, description string) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Status:      StatusForCode(code),
	}
}

// StatusForCode maps an error code to its HTTP status. invalid_client is answered with
// 401, server faults with 500 and 503, everything else with 400.
func StatusForCode(code string) int {
	switch code {
	case ErrorCodeInvalidClient:
		return http.StatusUnauthorized
	case ErrorCodeServerError:
		return http.StatusInternalServerError
	case ErrorCodeTemporarilyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// AsError extracts a *Error from err, if there is one in its chain.
func AsError(err error) (*Error, bool) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

// HasCode reports whether err is a protocol error with the given code.
func HasCode(err error, code string) bool {
	perr, ok := AsError(err)
	return ok && perr.Code == code
}

// Constructors for the taxonomy. They exist so call sites read like the RFC text.
var (
	// ErrInvalidRequest indicates a missing or malformed parameter
	ErrInvalidRequest = func(desc string) *Error { return NewError(ErrorCodeInvalidRequest, desc) }

	// ErrInvalidClient indicates client authentication failed. Callers must not reveal
	// which check failed.
	ErrInvalidClient = func(desc string) *Error { return NewError(ErrorCodeInvalidClient, desc) }

	// ErrInvalidGrant indicates the grant (code, refresh token, credentials) is invalid
	ErrInvalidGrant = func(desc string) *Error { return NewError(ErrorCodeInvalidGrant, desc) }

	// ErrUnauthorizedClient indicates the client may not use the grant type
	ErrUnauthorizedClient = func(desc string) *Error { return NewError(ErrorCodeUnauthorizedClient, desc) }

	// ErrUnsupportedGrantType indicates no validator is registered for the grant type
	ErrUnsupportedGrantType = func(desc string) *Error { return NewError(ErrorCodeUnsupportedGrantType, desc) }

	// ErrInvalidScope indicates a requested scope is malformed or not allowed
	ErrInvalidScope = func(desc string) *Error { return NewError(ErrorCodeInvalidScope, desc) }

	// ErrAuthorizationPending indicates the device authorization has not been decided yet
	ErrAuthorizationPending = func(desc string) *Error { return NewError(ErrorCodeAuthorizationPending, desc) }

	// ErrSlowDown indicates the client polled before its interval elapsed
	ErrSlowDown = func(desc string) *Error { return NewError(ErrorCodeSlowDown, desc) }

	// ErrExpiredToken indicates the device code is unknown, expired or already used
	ErrExpiredToken = func(desc string) *Error { return NewError(ErrorCodeExpiredToken, desc) }

	// ErrAccessDenied indicates the user denied the request
	ErrAccessDenied = func(desc string) *Error { return NewError(ErrorCodeAccessDenied, desc) }

	// ErrUnsupportedTokenType indicates the revocation hint names an unsupported token type
	ErrUnsupportedTokenType = func(desc string) *Error { return NewError(ErrorCodeUnsupportedTokenType, desc) }

	// ErrServerError indicates a fault the client cannot fix
	ErrServerError = func(desc string) *Error { return NewError(ErrorCodeServerError, desc) }
)
