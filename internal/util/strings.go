// Package util provides small helpers shared across the engine's packages.
package util

import (
	"net/url"
	"slices"
	"strings"

	"golang.org/x/oauth2"
)

// SafeTruncate truncates s to maxLen bytes without panicking. It is used when logging
// token-like values, where only a prefix may be shown.
//
//	SafeTruncate("very-long-token-abc123", 8) // "very-lon"
//	SafeTruncate("short", 10)                  // "short"
//	SafeTruncate("test", -1)                   // ""
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL removes trailing slashes so issuer URLs compare equal with or without them
func NormalizeURL(u string) string {
	return strings.TrimRight(u, "/")
}

// AppendQuery adds key=value to the query of rawURL. An unparsable rawURL is returned
// unchanged.
func AppendQuery(rawURL, key, value string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

// GenerateHandle returns a new unguessable token handle: 32 random bytes, base64url encoded.
func GenerateHandle() string {
	return oauth2.GenerateVerifier()
}

// Dedupe returns values with duplicates removed, keeping first occurrences in order
func Dedupe(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
