package security

import "net/http"

// SetTokenResponseHeaders sets the headers every token, device authorization and
// revocation response must carry (RFC 6749 section 5.1).
func SetTokenResponseHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "no-referrer")
}
