// Package security provides security-related functionality for the protocol engine.
//
// # Audit Logging
//
// Auditor writes "security_audit" records through log/slog. Subjects and user codes are
// hashed (first 16 hex characters of SHA-256) so audit logs can correlate events without
// holding identifiers in clear text. Event names are the Event* constants.
//
// # Rate Limiting
//
// RateLimiter provides per-identifier token bucket limiting (golang.org/x/time/rate)
// with a bounded number of tracked identifiers. When MaxEntries is reached the least
// recently used identifier is evicted; idle identifiers are swept periodically.
//
//	limiter := security.NewRateLimiter(security.RateLimiterConfig{
//	    RequestsPerSecond: 10,
//	    Burst:             20,
//	})
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//	    // answer 429
//	}
//
// # Encryption at Rest
//
// Encryptor seals stored payloads with AES-256-GCM, binding each payload to the key it is
// stored under. A disabled Encryptor (empty key) passes data through unchanged.
package security
