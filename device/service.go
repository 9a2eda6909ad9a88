package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/internal/util"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/storage"
)

const (
	// DefaultLifetime is how long a device authorization stays valid
	DefaultLifetime = 300 * time.Second

	// DefaultInterval is the minimum polling interval handed to clients
	DefaultInterval = 5 * time.Second

	// DefaultSlowDownIncrement is added to the interval on every slow_down answer
	DefaultSlowDownIncrement = 5 * time.Second

	// DefaultMaxUserCodeAttempts bounds retries on user code collisions
	DefaultMaxUserCodeAttempts = 10

	// codeLogLength is how much of a device or user code may appear in logs
	codeLogLength = 8
)

// Poll outcomes recorded in metrics and spans
const (
	outcomeSuccess = "success"
)

// Config configures the device authorization service
type Config struct {
	// Store persists device authorizations (required)
	Store storage.DeviceFlowStore

	// VerificationURI is where users enter the user code (required)
	VerificationURI string

	// UserCodes holds the user code generators (default: NewUserCodeService())
	UserCodes *UserCodeService

	// DefaultUserCodeType is used when the client does not choose one (default: Base20)
	DefaultUserCodeType string

	// Lifetime of a device authorization (default: DefaultLifetime)
	Lifetime time.Duration

	// Interval is the initial polling interval (default: DefaultInterval)
	Interval time.Duration

	// SlowDownIncrement is added to the interval whenever a client polls too fast
	// (default: DefaultSlowDownIncrement). The interval never decreases.
	SlowDownIncrement time.Duration

	// MaxUserCodeAttempts bounds user code collision retries (default: DefaultMaxUserCodeAttempts)
	MaxUserCodeAttempts int

	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
	Now             func() time.Time
}

// Service implements the device authorization state machine (RFC 8628):
// pending -> authorized | denied | expired, authorized -> consumed.
type Service struct {
	cfg     Config
	store   storage.DeviceFlowStore
	codes   *UserCodeService
	auditor *security.Auditor
	metrics *instrumentation.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a device authorization service
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("device flow store is required")
	}
	if cfg.VerificationURI == "" {
		return nil, fmt.Errorf("verification URI is required")
	}

	if cfg.UserCodes == nil {
		cfg.UserCodes = NewUserCodeService()
	}
	if cfg.DefaultUserCodeType == "" {
		cfg.DefaultUserCodeType = UserCodeTypeBase20
	}
	if _, err := cfg.UserCodes.Generator(cfg.DefaultUserCodeType); err != nil {
		return nil, err
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.SlowDownIncrement <= 0 {
		cfg.SlowDownIncrement = DefaultSlowDownIncrement
	}
	if cfg.MaxUserCodeAttempts <= 0 {
		cfg.MaxUserCodeAttempts = DefaultMaxUserCodeAttempts
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	inst := cfg.Instrumentation
	if inst == nil {
		inst = instrumentation.NewNoop()
	}

	return &Service{
		cfg:     cfg,
		store:   cfg.Store,
		codes:   cfg.UserCodes,
		auditor: cfg.Auditor,
		metrics: inst.Metrics(),
		tracer:  inst.Tracer("device"),
		logger:  logger,
		now:     now,
	}, nil
}

// ============================================================
// Device Authorization Request
// ============================================================

// Authorize creates a pending device authorization for client and scopes. The caller has
// already authenticated the client and validated the scopes.
func (s *Service) Authorize(ctx context.Context, client *storage.Client, scopes []string) (*storage.DeviceAuthorization, error) {
	ctx, span := s.tracer.Start(ctx, "device.authorize")
	defer span.End()
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ClientID))

	codeType := client.UserCodeType
	if codeType == "" {
		codeType = s.cfg.DefaultUserCodeType
	}
	gen, err := s.codes.Generator(codeType)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	lifetime := s.cfg.Lifetime
	if client.DeviceCodeLifetime > 0 {
		lifetime = client.DeviceCodeLifetime
	}
	interval := s.cfg.Interval
	if client.PollingInterval > interval {
		interval = client.PollingInterval
	}

	now := s.now()
	auth := &storage.DeviceAuthorization{
		// 32 random bytes, base64url encoded
		DeviceCode: oauth2.GenerateVerifier(),
		ClientID:   client.ClientID,
		Scopes:     slices.Clone(scopes),
		CreatedAt:  now,
		ExpiresAt:  now.Add(lifetime),
		Interval:   interval,
		Status:     storage.DeviceStatusPending,
	}

	for attempt := 1; ; attempt++ {
		auth.UserCode, err = gen.Generate()
		if err != nil {
			instrumentation.RecordError(span, err)
			return nil, err
		}

		err = s.store.SaveDeviceAuthorization(ctx, auth)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrUserCodeExists) {
			instrumentation.RecordError(span, err)
			return nil, fmt.Errorf("failed to save device authorization: %w", err)
		}
		if attempt >= s.cfg.MaxUserCodeAttempts {
			err = fmt.Errorf("no free user code after %d attempts: %w", attempt, err)
			instrumentation.RecordError(span, err)
			return nil, err
		}
		s.logger.Debug("User code collision, retrying", "attempt", attempt, "user_code_type", codeType)
	}

	s.metrics.RecordDeviceAuthorization(ctx, codeType)
	s.auditor.LogDeviceEvent(ctx, security.EventDeviceAuthorizationIssued, "", client.ClientID, auth.UserCode)
	s.logger.Info("Issued device authorization",
		"client_id", client.ClientID,
		"device_code_prefix", util.SafeTruncate(auth.DeviceCode, codeLogLength),
		"expires_at", auth.ExpiresAt)

	instrumentation.SetSpanSuccess(span)
	return auth, nil
}

// Response builds the device authorization endpoint response for auth
func (s *Service) Response(auth *storage.DeviceAuthorization) *protocol.DeviceAuthorizationResponse {
	return &protocol.DeviceAuthorizationResponse{
		DeviceCode:              auth.DeviceCode,
		UserCode:                auth.UserCode,
		VerificationURI:         s.cfg.VerificationURI,
		VerificationURIComplete: util.AppendQuery(s.cfg.VerificationURI, "user_code", auth.UserCode),
		ExpiresIn:               security.SecondsUntil(s.now(), auth.ExpiresAt),
		Interval:                int64(auth.Interval / time.Second),
	}
}

// ============================================================
// Token Polling
// ============================================================

// Poll answers a device code token request. On success the authorization has been
// consumed and is returned; every other outcome is a protocol error.
//
// Checks run in a fixed order: unknown code, client binding, expiry, polling rate,
// then status. An expired authorization answers expired_token whatever its status.
func (s *Service) Poll(ctx context.Context, clientID, deviceCode string) (*storage.DeviceAuthorization, *protocol.Error, error) {
	ctx, span := s.tracer.Start(ctx, "device.poll")
	defer span.End()
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, clientID))

	auth, perr, err := s.poll(ctx, clientID, deviceCode)
	switch {
	case err != nil:
		instrumentation.RecordError(span, err)
	case perr != nil:
		instrumentation.SetProtocolError(span, perr.Code)
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrDeviceOutcome, perr.Code))
		s.metrics.RecordDevicePoll(ctx, perr.Code)
	default:
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrDeviceOutcome, outcomeSuccess))
		instrumentation.SetSpanSuccess(span)
		s.metrics.RecordDevicePoll(ctx, outcomeSuccess)
	}
	return auth, perr, err
}

func (s *Service) poll(ctx context.Context, clientID, deviceCode string) (*storage.DeviceAuthorization, *protocol.Error, error) {
	auth, err := s.store.GetDeviceAuthorization(ctx, deviceCode)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, protocol.ErrExpiredToken("device code is unknown or expired"), nil
		}
		return nil, nil, fmt.Errorf("failed to load device authorization: %w", err)
	}

	if auth.ClientID != clientID {
		s.logger.Warn("Device code presented by another client",
			"client_id", clientID,
			"device_code_prefix", util.SafeTruncate(deviceCode, codeLogLength))
		return nil, protocol.ErrInvalidGrant("device code was issued to another client"), nil
	}

	now := s.now()
	status := auth.StatusAt(now)
	if status == storage.DeviceStatusExpired || status == storage.DeviceStatusConsumed {
		return nil, protocol.ErrExpiredToken("device code has expired"), nil
	}

	interval := auth.Interval
	if !auth.LastPolledAt.IsZero() && now.Sub(auth.LastPolledAt) < interval {
		interval += s.cfg.SlowDownIncrement
		if err := s.store.RecordDevicePoll(ctx, deviceCode, now, interval); err != nil {
			return nil, nil, fmt.Errorf("failed to record device poll: %w", err)
		}
		s.auditor.LogDeviceEvent(ctx, security.EventDevicePollingTooFast, "", clientID, auth.UserCode)
		return nil, protocol.ErrSlowDown(fmt.Sprintf("polling too fast, wait at least %d seconds", int64(interval/time.Second))), nil
	}

	if err := s.store.RecordDevicePoll(ctx, deviceCode, now, interval); err != nil {
		return nil, nil, fmt.Errorf("failed to record device poll: %w", err)
	}

	switch status {
	case storage.DeviceStatusDenied:
		return nil, protocol.ErrAccessDenied("the user denied the authorization request"), nil
	case storage.DeviceStatusPending:
		return nil, protocol.ErrAuthorizationPending("the user has not yet completed the authorization"), nil
	}

	// SECURITY: Consumption is the store's atomic authorized -> consumed transition.
	// Exactly one concurrent poll wins; the others see the code as used.
	consumed, err := s.store.ConsumeDeviceAuthorization(ctx, deviceCode)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) || storage.IsNotFound(err) {
			return nil, protocol.ErrExpiredToken("device code has already been used"), nil
		}
		return nil, nil, fmt.Errorf("failed to consume device authorization: %w", err)
	}

	s.auditor.LogDeviceEvent(ctx, security.EventDeviceCodeConsumed, consumed.Subject, clientID, consumed.UserCode)
	return consumed, nil, nil
}

// ============================================================
// User Interaction
// ============================================================

// Approval is the outcome of a successful user interaction
type Approval struct {
	Subject              string
	SessionID            string
	AuthenticationMethod string
	AuthTime             time.Time

	// Scopes the user consented to; must be a subset of the requested scopes.
	// Empty means all requested scopes.
	Scopes []string
}

// Lookup returns the pending authorization for user input such as "abcd efgh".
// Unknown, expired and already completed codes are reported as not found.
func (s *Service) Lookup(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	auth, err := s.find(ctx, userCode)
	if err != nil {
		return nil, err
	}
	if auth.StatusAt(s.now()) != storage.DeviceStatusPending {
		return nil, storage.ErrDeviceAuthorizationNotFound
	}
	return auth, nil
}

func (s *Service) find(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	code := s.codes.Normalize(userCode)
	if code == "" {
		return nil, storage.ErrDeviceAuthorizationNotFound
	}
	return s.store.GetDeviceAuthorizationByUserCode(ctx, code)
}

// Approve moves a pending authorization to authorized. It returns an error wrapping
// storage.ErrInvalidTransition if the authorization is no longer pending.
func (s *Service) Approve(ctx context.Context, userCode string, approval Approval) (*storage.DeviceAuthorization, error) {
	if approval.Subject == "" {
		return nil, fmt.Errorf("approval requires a subject")
	}

	auth, err := s.find(ctx, userCode)
	if err != nil {
		return nil, err
	}

	scopes := approval.Scopes
	if len(scopes) == 0 {
		scopes = auth.Scopes
	}
	for _, sc := range scopes {
		if !slices.Contains(auth.Scopes, sc) {
			return nil, fmt.Errorf("approved scope %q was not requested", sc)
		}
	}

	authTime := approval.AuthTime
	if authTime.IsZero() {
		authTime = s.now()
	}
	method := approval.AuthenticationMethod
	if method == "" {
		method = protocol.AuthMethodExternal
	}

	completed, err := s.store.CompleteDeviceAuthorization(ctx, auth.UserCode, storage.DeviceCompletion{
		Status:               storage.DeviceStatusAuthorized,
		Subject:              approval.Subject,
		SessionID:            approval.SessionID,
		Scopes:               scopes,
		AuthenticationMethod: method,
		AuthTime:             authTime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to approve device authorization: %w", err)
	}

	s.auditor.LogDeviceEvent(ctx, security.EventDeviceAuthorizationApproved, approval.Subject, completed.ClientID, completed.UserCode)
	return completed, nil
}

// Deny moves a pending authorization to denied
func (s *Service) Deny(ctx context.Context, userCode, reason string) (*storage.DeviceAuthorization, error) {
	auth, err := s.find(ctx, userCode)
	if err != nil {
		return nil, err
	}

	completed, err := s.store.CompleteDeviceAuthorization(ctx, auth.UserCode, storage.DeviceCompletion{
		Status:       storage.DeviceStatusDenied,
		DenialReason: reason,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to deny device authorization: %w", err)
	}

	s.auditor.LogDeviceEvent(ctx, security.EventDeviceAuthorizationDenied, "", completed.ClientID, completed.UserCode)
	return completed, nil
}
