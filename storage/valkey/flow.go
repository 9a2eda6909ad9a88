package valkey

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/giantswarm/oidc-engine/internal/util"
	"github.com/giantswarm/oidc-engine/storage"
)

// ============================================================
// AuthorizationCodeStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code until it expires
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	c := *code
	c.Used = false
	if err := s.putRecord(ctx, s.codeKey(code.Code), &c, code.ExpiresAt); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}
	return nil
}

// ConsumeAuthorizationCode atomically marks an unused code as used.
// SECURITY: The used marker is claimed with SET NX, so only ONE concurrent request can succeed.
// The code record is returned with ErrAuthorizationCodeUsed on reuse so the caller can revoke.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()
	start := time.Now()

	authCode, err := s.consumeAuthorizationCode(ctx, code)
	if !errors.Is(err, storage.ErrAuthorizationCodeUsed) {
		s.recordStorageOperation(ctx, span, "consume_authorization_code", err, start)
	}
	return authCode, err
}

func (s *Store) consumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	var authCode storage.AuthorizationCode
	if err := s.getRecord(ctx, s.codeKey(code), &authCode, storage.ErrAuthorizationCodeNotFound); err != nil {
		return nil, err
	}
	if !s.now().Before(authCode.ExpiresAt) {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	res, err := s.eval(ctx, luaSetIfAbsent, []string{s.codeUsedKey(code)}, "1",
		strconv.FormatInt(s.millisUntil(authCode.ExpiresAt), 10))
	if err != nil {
		return nil, err
	}
	claimed, err := res.int64()
	if err != nil {
		return nil, fmt.Errorf("failed to claim authorization code: %w", err)
	}

	if claimed == 0 {
		authCode.Used = true
		return &authCode, storage.ErrAuthorizationCodeUsed
	}

	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return &authCode, nil
}

// ============================================================
// DeviceFlowStore Implementation
// ============================================================

// SaveDeviceAuthorization stores a new device authorization and reserves its user code
func (s *Store) SaveDeviceAuthorization(ctx context.Context, auth *storage.DeviceAuthorization) error {
	if auth == nil || auth.DeviceCode == "" || auth.UserCode == "" {
		return fmt.Errorf("invalid device authorization")
	}

	recordKey := s.deviceKey(auth.DeviceCode)
	sealed, err := s.sealRecord(recordKey, auth)
	if err != nil {
		return err
	}

	status := auth.Status
	if status == "" {
		status = storage.DeviceStatusPending
	}

	res, err := s.eval(ctx, luaSaveDeviceAuthorization,
		[]string{s.userCodeKey(auth.UserCode), recordKey, s.deviceStateKey(auth.DeviceCode)},
		auth.DeviceCode,
		sealed,
		strconv.FormatInt(s.millisUntil(auth.ExpiresAt), 10),
		strconv.FormatInt(s.millisUntil(auth.ExpiresAt.Add(s.deviceRetention)), 10),
		string(status),
		strconv.FormatInt(auth.Interval.Milliseconds(), 10),
	)
	if err != nil {
		return fmt.Errorf("failed to save device authorization: %w", err)
	}

	saved, err := res.int64()
	if err != nil {
		return fmt.Errorf("failed to save device authorization: %w", err)
	}
	if saved == 0 {
		return storage.ErrUserCodeExists
	}
	return nil
}

// GetDeviceAuthorization retrieves an authorization by device code
func (s *Store) GetDeviceAuthorization(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	ctx, span := s.startStorageSpan(ctx, "get_device_authorization")
	defer span.End()
	start := time.Now()

	auth, err := s.loadDeviceAuthorization(ctx, deviceCode)
	s.recordStorageOperation(ctx, span, "get_device_authorization", err, start)
	return auth, err
}

// GetDeviceAuthorizationByUserCode retrieves an authorization by user code
func (s *Store) GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	deviceCode, err := s.client.Do(ctx, s.client.B().Get().Key(s.userCodeKey(userCode)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrDeviceAuthorizationNotFound
		}
		return nil, fmt.Errorf("failed to resolve user code: %w", err)
	}
	return s.loadDeviceAuthorization(ctx, deviceCode)
}

// loadDeviceAuthorization reads the sealed record and overlays the mutable state hash
func (s *Store) loadDeviceAuthorization(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	var auth storage.DeviceAuthorization
	if err := s.getRecord(ctx, s.deviceKey(deviceCode), &auth, storage.ErrDeviceAuthorizationNotFound); err != nil {
		return nil, err
	}

	state, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.deviceStateKey(deviceCode)).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("failed to get device state: %w", err)
	}
	if len(state) == 0 {
		return nil, storage.ErrDeviceAuthorizationNotFound
	}

	auth.Status = storage.DeviceStatus(state["status"])
	if ms, err := strconv.ParseInt(state["interval_ms"], 10, 64); err == nil && ms > 0 {
		auth.Interval = time.Duration(ms) * time.Millisecond
	}
	if ms, err := strconv.ParseInt(state["last_polled_at"], 10, 64); err == nil && ms > 0 {
		auth.LastPolledAt = time.UnixMilli(ms)
	} else {
		auth.LastPolledAt = time.Time{}
	}
	return &auth, nil
}

// RecordDevicePoll stores the latest poll time and interval. The interval never decreases.
func (s *Store) RecordDevicePoll(ctx context.Context, deviceCode string, polledAt time.Time, interval time.Duration) error {
	res, err := s.eval(ctx, luaRecordDevicePoll, []string{s.deviceStateKey(deviceCode)},
		strconv.FormatInt(polledAt.UnixMilli(), 10),
		strconv.FormatInt(interval.Milliseconds(), 10),
	)
	if err != nil {
		return fmt.Errorf("failed to record device poll: %w", err)
	}

	ok, err := res.int64()
	if err != nil {
		return fmt.Errorf("failed to record device poll: %w", err)
	}
	if ok == 0 {
		return storage.ErrDeviceAuthorizationNotFound
	}
	return nil
}

// CompleteDeviceAuthorization atomically moves a pending authorization to authorized or denied
func (s *Store) CompleteDeviceAuthorization(ctx context.Context, userCode string, completion storage.DeviceCompletion) (*storage.DeviceAuthorization, error) {
	if completion.Status != storage.DeviceStatusAuthorized && completion.Status != storage.DeviceStatusDenied {
		return nil, fmt.Errorf("%w: cannot complete with status %q", storage.ErrInvalidTransition, completion.Status)
	}

	ctx, span := s.startStorageSpan(ctx, "complete_device_authorization")
	defer span.End()
	start := time.Now()

	auth, err := s.completeDeviceAuthorization(ctx, userCode, completion)
	s.recordStorageOperation(ctx, span, "complete_device_authorization", err, start)
	return auth, err
}

func (s *Store) completeDeviceAuthorization(ctx context.Context, userCode string, completion storage.DeviceCompletion) (*storage.DeviceAuthorization, error) {
	auth, err := s.GetDeviceAuthorizationByUserCode(ctx, userCode)
	if err != nil {
		return nil, err
	}
	if status := auth.StatusAt(s.now()); status != storage.DeviceStatusPending {
		return nil, fmt.Errorf("%w: authorization is %s", storage.ErrInvalidTransition, status)
	}

	auth.Status = completion.Status
	auth.Subject = completion.Subject
	auth.SessionID = completion.SessionID
	auth.AuthorizedScopes = slices.Clone(completion.Scopes)
	auth.AuthenticationMethod = completion.AuthenticationMethod
	auth.AuthTime = completion.AuthTime
	auth.DenialReason = completion.DenialReason

	recordKey := s.deviceKey(auth.DeviceCode)
	sealed, err := s.sealRecord(recordKey, auth)
	if err != nil {
		return nil, err
	}

	if err := s.transitionDevice(ctx, auth.DeviceCode, storage.DeviceStatusPending, completion.Status, sealed); err != nil {
		return nil, err
	}
	return auth, nil
}

// ConsumeDeviceAuthorization atomically moves an authorized authorization to consumed.
// SECURITY: The status compare-and-set runs in a Lua script, so only ONE poll can succeed.
func (s *Store) ConsumeDeviceAuthorization(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_device_authorization")
	defer span.End()
	start := time.Now()

	auth, err := s.consumeDeviceAuthorization(ctx, deviceCode)
	s.recordStorageOperation(ctx, span, "consume_device_authorization", err, start)
	return auth, err
}

func (s *Store) consumeDeviceAuthorization(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	auth, err := s.loadDeviceAuthorization(ctx, deviceCode)
	if err != nil {
		return nil, err
	}
	if status := auth.StatusAt(s.now()); status != storage.DeviceStatusAuthorized {
		return nil, fmt.Errorf("%w: authorization is %s", storage.ErrInvalidTransition, status)
	}

	if err := s.transitionDevice(ctx, deviceCode, storage.DeviceStatusAuthorized, storage.DeviceStatusConsumed, ""); err != nil {
		return nil, err
	}

	s.logger.Debug("Consumed device authorization",
		"device_code_prefix", util.SafeTruncate(deviceCode, tokenIDLogLength),
		"client_id", auth.ClientID)

	auth.Status = storage.DeviceStatusConsumed
	return auth, nil
}

// transitionDevice compare-and-sets the device status
func (s *Store) transitionDevice(ctx context.Context, deviceCode string, from, to storage.DeviceStatus, sealed string) error {
	res, err := s.eval(ctx, luaDeviceTransition,
		[]string{s.deviceStateKey(deviceCode), s.deviceKey(deviceCode)},
		string(from), string(to), sealed,
	)
	if err != nil {
		return fmt.Errorf("failed to update device authorization: %w", err)
	}

	result, err := res.string()
	if err != nil {
		return fmt.Errorf("failed to update device authorization: %w", err)
	}

	switch {
	case result == "OK":
		return nil
	case result == "NOT_FOUND":
		return storage.ErrDeviceAuthorizationNotFound
	case strings.HasPrefix(result, "STATE:"):
		return fmt.Errorf("%w: authorization is %s", storage.ErrInvalidTransition, strings.TrimPrefix(result, "STATE:"))
	default:
		return fmt.Errorf("unexpected script result %q", result)
	}
}
