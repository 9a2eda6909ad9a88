package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound is the root of every "record does not exist" error. Expired records are
// reported as not found.
var ErrNotFound = errors.New("not found")

// Sentinel errors returned by store implementations. Use errors.Is to test for them.
var (
	ErrClientNotFound              = fmt.Errorf("client %w", ErrNotFound)
	ErrGrantNotFound               = fmt.Errorf("grant %w", ErrNotFound)
	ErrAuthorizationCodeNotFound   = fmt.Errorf("authorization code %w", ErrNotFound)
	ErrDeviceAuthorizationNotFound = fmt.Errorf("device authorization %w", ErrNotFound)
	ErrMessageNotFound             = fmt.Errorf("message %w", ErrNotFound)

	// ErrAuthorizationCodeUsed is returned with the code record when a code is presented
	// a second time, so callers can revoke what the first exchange issued.
	ErrAuthorizationCodeUsed = errors.New("authorization code already used")

	// ErrUserCodeExists is returned when a new device authorization collides with a live
	// user code. Callers generate a new user code and retry.
	ErrUserCodeExists = errors.New("user code already exists")

	// ErrInvalidTransition is returned when a device authorization is not in the state
	// an operation requires (e.g., approving a denied authorization, consuming a pending one).
	ErrInvalidTransition = errors.New("invalid device authorization state transition")
)

// IsNotFound reports whether err means the record does not exist (or has expired).
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
