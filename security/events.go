package security

// Event type constants for security audit logging.
const (
	// Client authentication

	// EventClientAuthFailure is logged when a client fails to authenticate
	EventClientAuthFailure = "client_auth_failure"

	// EventClientAssertionReplay is logged when a client assertion jti is presented twice
	EventClientAssertionReplay = "client_assertion_replay"

	// Token lifecycle

	// EventTokenIssued is logged when a token response is produced
	EventTokenIssued = "token_issued"

	// EventTokenRequestFailed is logged when a token request is rejected with a protocol error
	EventTokenRequestFailed = "token_request_failed"

	// EventTokenRevoked is logged when a token is revoked at the revocation endpoint
	EventTokenRevoked = "token_revoked"

	// EventRefreshTokenRotated is logged when a refresh token is exchanged and replaced
	EventRefreshTokenRotated = "refresh_token_rotated" //nolint:gosec // G101: event name, not a credential

	// EventAuthorizationCodeIssued is logged when the host issues an authorization code
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when a consumed code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventPKCEValidationFailed is logged when the code_verifier does not match
	EventPKCEValidationFailed = "pkce_validation_failed"

	// Device flow

	// EventDeviceAuthorizationIssued is logged when device and user codes are issued
	EventDeviceAuthorizationIssued = "device_authorization_issued"

	// EventDeviceAuthorizationApproved is logged when the user approves a device
	EventDeviceAuthorizationApproved = "device_authorization_approved"

	// EventDeviceAuthorizationDenied is logged when the user denies a device
	EventDeviceAuthorizationDenied = "device_authorization_denied"

	// EventDeviceCodeConsumed is logged when a device code is exchanged for tokens
	EventDeviceCodeConsumed = "device_code_consumed"

	// EventDevicePollingTooFast is logged when a device is told to slow down
	EventDevicePollingTooFast = "device_polling_too_fast"

	// Consent

	// EventConsentGranted is logged when a user grants consent
	EventConsentGranted = "consent_granted"

	// EventConsentDenied is logged when a user denies an authorization request
	EventConsentDenied = "consent_denied"

	// EventConsentRevoked is logged when consent is revoked for a client or session
	EventConsentRevoked = "consent_revoked"

	// Abuse

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"
)
