package security

import (
	"context"
	"regexp"

	"github.com/google/uuid"
)

// RequestIDHeader is the HTTP header carrying request ids
const RequestIDHeader = "X-Request-ID"

type requestIDContextKey struct{}

// requestIDPattern accepts upstream ids made of safe characters only, preventing header
// injection through echoed ids.
var requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// RequestIDFrom returns upstream if it is a well-formed id, otherwise a new random id.
func RequestIDFrom(upstream string) string {
	if requestIDPattern.MatchString(upstream) {
		return upstream
	}
	return uuid.NewString()
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if requestID, ok := ctx.Value(requestIDContextKey{}).(string); ok {
		return requestID
	}
	return ""
}
