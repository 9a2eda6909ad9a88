package storage

import (
	"context"
	"time"
)

// ClientStore provides read access to registered client configuration.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// GetClient retrieves a client by ID. Returns ErrClientNotFound if it does not exist.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// SaveClient creates or replaces a client
	SaveClient(ctx context.Context, client *Client) error
}

// GrantStore persists grants: refresh tokens, reference access tokens and consent.
// Keys are opaque; the engine stores hashed handles, never raw tokens.
type GrantStore interface {
	// StoreGrant creates or replaces a grant
	StoreGrant(ctx context.Context, grant *Grant) error

	// GetGrant retrieves a grant by key. Expired grants are reported as ErrGrantNotFound.
	GetGrant(ctx context.Context, key string) (*Grant, error)

	// RemoveGrant atomically retrieves and deletes a grant.
	// SECURITY: Exactly one concurrent caller receives the grant; every other caller gets
	// ErrGrantNotFound. Refresh token rotation depends on this.
	RemoveGrant(ctx context.Context, key string) (*Grant, error)

	// GetAllGrants returns all live grants for a subject
	GetAllGrants(ctx context.Context, subject string) ([]*Grant, error)

	// RemoveAllGrants deletes every grant matching the filter and returns how many were removed.
	// An empty filter field matches any value; Subject is required.
	RemoveAllGrants(ctx context.Context, filter GrantFilter) (int, error)
}

// AuthorizationCodeStore persists issued authorization codes.
type AuthorizationCodeStore interface {
	// SaveAuthorizationCode saves an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically checks that a code is unused and marks it used.
	// Returns ErrAuthorizationCodeNotFound for unknown or expired codes, and the code
	// together with ErrAuthorizationCodeUsed when it was already consumed.
	// SECURITY: This operation MUST be atomic to prevent concurrent code exchange.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// DeviceFlowStore persists device authorizations (RFC 8628).
type DeviceFlowStore interface {
	// SaveDeviceAuthorization stores a new authorization. Returns ErrUserCodeExists when the
	// user code is already taken by a live authorization.
	SaveDeviceAuthorization(ctx context.Context, auth *DeviceAuthorization) error

	// GetDeviceAuthorization retrieves an authorization by device code
	GetDeviceAuthorization(ctx context.Context, deviceCode string) (*DeviceAuthorization, error)

	// GetDeviceAuthorizationByUserCode retrieves an authorization by user code
	GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*DeviceAuthorization, error)

	// RecordDevicePoll stores the time of the latest poll and the interval now in force
	RecordDevicePoll(ctx context.Context, deviceCode string, polledAt time.Time, interval time.Duration) error

	// CompleteDeviceAuthorization atomically moves a pending authorization identified by
	// user code to authorized or denied. Returns ErrInvalidTransition if it is not pending.
	CompleteDeviceAuthorization(ctx context.Context, userCode string, completion DeviceCompletion) (*DeviceAuthorization, error)

	// ConsumeDeviceAuthorization atomically moves an authorized authorization to consumed
	// and returns it. Returns ErrInvalidTransition if it is not authorized.
	// SECURITY: Exactly one concurrent caller may succeed.
	ConsumeDeviceAuthorization(ctx context.Context, deviceCode string) (*DeviceAuthorization, error)
}

// ReplayCache records one-time identifiers (e.g. client assertion jti values).
type ReplayCache interface {
	// AddIfAbsent atomically records key under purpose until expiresAt.
	// Returns false if the key is already present.
	AddIfAbsent(ctx context.Context, purpose, key string, expiresAt time.Time) (bool, error)
}

// MessageStore persists opaque interaction messages exchanged with the UI layer.
type MessageStore interface {
	// SaveMessage stores a message
	SaveMessage(ctx context.Context, msg *Message) error

	// GetMessage retrieves a message. Returns ErrMessageNotFound if missing or expired.
	GetMessage(ctx context.Context, kind MessageKind, id string) (*Message, error)

	// DeleteMessage removes a message. Deleting a missing message is not an error.
	DeleteMessage(ctx context.Context, kind MessageKind, id string) error
}

// Store is the union of every store interface, implemented by storage/memory and storage/valkey.
type Store interface {
	ClientStore
	GrantStore
	AuthorizationCodeStore
	DeviceFlowStore
	ReplayCache
	MessageStore
}
