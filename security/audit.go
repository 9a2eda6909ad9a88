// Package security provides the security plumbing of the protocol engine: audit
// logging with hashed identifiers, per-identifier rate limiting, encryption of stored
// payloads, response headers and client IP extraction.
package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"
)

// Auditor handles security event logging with PII protection.
// Subjects are hashed; client ids are not secret and are logged as-is.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	now     func() time.Time
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// SetClock replaces the time source used to stamp events
func (a *Auditor) SetClock(now func() time.Time) {
	if now != nil {
		a.now = now
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	Subject   string
	ClientID  string
	GrantType string
	IPAddress string
	RequestID string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(ctx context.Context, event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = a.now()
	if event.RequestID == "" {
		event.RequestID = GetRequestID(ctx)
	}

	attrs := []any{
		"event_type", event.Type,
		"subject_hash", hashForLogging(event.Subject),
		"client_id", event.ClientID,
		"timestamp", event.Timestamp,
	}
	if event.GrantType != "" {
		attrs = append(attrs, "grant_type", event.GrantType)
	}
	if event.IPAddress != "" {
		attrs = append(attrs, "ip_address", event.IPAddress)
	}
	if event.RequestID != "" {
		attrs = append(attrs, "request_id", event.RequestID)
	}
	if len(event.Details) > 0 {
		attrs = append(attrs, "details", event.Details)
	}

	a.logger.InfoContext(ctx, "security_audit", attrs...)
}

// LogClientAuthFailure logs a failed client authentication. reason is internal detail
// and is never returned to the client.
func (a *Auditor) LogClientAuthFailure(ctx context.Context, clientID, reason string) {
	a.LogEvent(ctx, Event{
		Type:     EventClientAuthFailure,
		ClientID: clientID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogTokenIssued logs when tokens are issued
func (a *Auditor) LogTokenIssued(ctx context.Context, subject, clientID, grantType string, scopes []string, refreshIssued bool) {
	a.LogEvent(ctx, Event{
		Type:      EventTokenIssued,
		Subject:   subject,
		ClientID:  clientID,
		GrantType: grantType,
		Details: map[string]any{
			"scope":          strings.Join(scopes, " "),
			"refresh_issued": refreshIssued,
		},
	})
}

// LogTokenRequestFailed logs a token request rejected with a protocol error
func (a *Auditor) LogTokenRequestFailed(ctx context.Context, clientID, grantType, errorCode, detail string) {
	a.LogEvent(ctx, Event{
		Type:      EventTokenRequestFailed,
		ClientID:  clientID,
		GrantType: grantType,
		Details: map[string]any{
			"error":  errorCode,
			"detail": detail,
		},
	})
}

// LogTokenRevoked logs when a token is revoked
func (a *Auditor) LogTokenRevoked(ctx context.Context, subject, clientID, tokenType string) {
	a.LogEvent(ctx, Event{
		Type:     EventTokenRevoked,
		Subject:  subject,
		ClientID: clientID,
		Details: map[string]any{
			"token_type": tokenType,
		},
	})
}

// LogDeviceEvent logs a device flow transition
func (a *Auditor) LogDeviceEvent(ctx context.Context, eventType, subject, clientID, userCode string) {
	a.LogEvent(ctx, Event{
		Type:     eventType,
		Subject:  subject,
		ClientID: clientID,
		Details: map[string]any{
			"user_code_hash": hashForLogging(userCode),
		},
	})
}

// LogConsent logs consent being granted, denied or revoked
func (a *Auditor) LogConsent(ctx context.Context, eventType, subject, clientID string, scopes []string) {
	a.LogEvent(ctx, Event{
		Type:     eventType,
		Subject:  subject,
		ClientID: clientID,
		Details: map[string]any{
			"scope": strings.Join(scopes, " "),
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ctx context.Context, ipAddress, endpoint string) {
	a.LogEvent(ctx, Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details: map[string]any{
			"endpoint": endpoint,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
