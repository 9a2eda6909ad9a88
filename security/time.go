package security

import "time"

// DefaultClockSkewGracePeriod is the default tolerance applied when checking lifetimes
// that were set by another party (client assertions). Lifetimes the engine sets itself
// are checked without grace.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsExpiredAt reports whether expiresAt has passed at now, allowing gracePeriod of skew.
// A zero expiresAt never expires.
func IsExpiredAt(now, expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}

// IsTokenExpired checks if a token is expired now with the default clock skew grace period
func IsTokenExpired(expiresAt time.Time) bool {
	return IsExpiredAt(time.Now(), expiresAt, DefaultClockSkewGracePeriod)
}

// SecondsUntil returns the whole seconds from now until t, rounded up, never negative.
// Used for expires_in values on the wire.
func SecondsUntil(now, t time.Time) int64 {
	d := t.Sub(now)
	if d <= 0 {
		return 0
	}
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
