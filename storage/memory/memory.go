// Package memory provides an in-memory implementation of all storage interfaces.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/internal/util"
	"github.com/giantswarm/oidc-engine/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging handles
	tokenIDLogLength = 8

	// storageType is reported on spans
	storageType = "memory"
)

// Store is an in-memory implementation of storage.Store.
// A single mutex serialises writers, which makes every check-then-set operation atomic.
type Store struct {
	mu sync.RWMutex

	clients     map[string]*storage.Client
	grants      map[string]*storage.Grant
	authCodes   map[string]*storage.AuthorizationCode
	devices     map[string]*storage.DeviceAuthorization // device code -> authorization
	userCodes   map[string]string                       // user code -> device code
	replay      map[string]time.Time                    // purpose:key -> expiry
	messages    map[string]*storage.Message             // kind:id -> message
	retainCodes time.Duration

	now func() time.Time

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	clientsCount atomic.Int64
	grantsCount  atomic.Int64
	codesCount   atomic.Int64
	devicesCount atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.ClientStore            = (*Store)(nil)
	_ storage.GrantStore             = (*Store)(nil)
	_ storage.AuthorizationCodeStore = (*Store)(nil)
	_ storage.DeviceFlowStore        = (*Store)(nil)
	_ storage.ReplayCache            = (*Store)(nil)
	_ storage.MessageStore           = (*Store)(nil)
	_ storage.Store                  = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		grants:          make(map[string]*storage.Grant),
		authCodes:       make(map[string]*storage.AuthorizationCode),
		devices:         make(map[string]*storage.DeviceAuthorization),
		userCodes:       make(map[string]string),
		replay:          make(map[string]time.Time),
		messages:        make(map[string]*storage.Message),
		retainCodes:     5 * time.Minute,
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetClock replaces the time source used for expiry checks. It must share the clock
// of the engine when tests control time.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.refreshCountersLocked()
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.clientsCount.Load() },
			func() int64 { return s.grantsCount.Load() },
			func() int64 { return s.codesCount.Load() },
			func() int64 { return s.devicesCount.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop stops the background cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// refreshCountersLocked syncs the atomic counters. Must be called with mu held.
func (s *Store) refreshCountersLocked() {
	s.clientsCount.Store(int64(len(s.clients)))
	s.grantsCount.Store(int64(len(s.grants)))
	s.codesCount.Store(int64(len(s.authCodes)))
	s.devicesCount.Store(int64(len(s.devices)))
}

// ============================================================
// ClientStore Implementation
// ============================================================

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	start := time.Now()

	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	var err error
	if !ok {
		err = storage.ErrClientNotFound
	}
	s.recordStorageOperation(ctx, span, "get_client", err, start)
	if err != nil {
		return nil, err
	}
	return cloneClient(client), nil
}

// SaveClient creates or replaces a client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[client.ClientID] = cloneClient(client)
	s.clientsCount.Store(int64(len(s.clients)))

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// ============================================================
// GrantStore Implementation
// ============================================================

// StoreGrant creates or replaces a grant
func (s *Store) StoreGrant(ctx context.Context, grant *storage.Grant) error {
	if grant == nil || grant.Key == "" {
		return fmt.Errorf("invalid grant")
	}

	ctx, span := s.startStorageSpan(ctx, "store_grant")
	defer span.End()
	start := time.Now()

	s.mu.Lock()
	s.grants[grant.Key] = cloneGrant(grant)
	s.grantsCount.Store(int64(len(s.grants)))
	s.mu.Unlock()

	s.recordStorageOperation(ctx, span, "store_grant", nil, start)
	return nil
}

// GetGrant retrieves a live grant by key
func (s *Store) GetGrant(ctx context.Context, key string) (*storage.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	grant, ok := s.grants[key]
	if !ok || grant.IsExpired(s.now()) {
		return nil, storage.ErrGrantNotFound
	}
	return cloneGrant(grant), nil
}

// RemoveGrant atomically retrieves and deletes a grant. Exactly one caller wins.
func (s *Store) RemoveGrant(ctx context.Context, key string) (*storage.Grant, error) {
	ctx, span := s.startStorageSpan(ctx, "remove_grant")
	defer span.End()
	start := time.Now()

	s.mu.Lock()
	grant, ok := s.grants[key]
	if ok {
		delete(s.grants, key)
		s.grantsCount.Store(int64(len(s.grants)))
	}
	s.mu.Unlock()

	var err error
	if !ok || grant.IsExpired(s.now()) {
		err = storage.ErrGrantNotFound
	}
	s.recordStorageOperation(ctx, span, "remove_grant", err, start)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Removed grant",
		"key_prefix", util.SafeTruncate(key, tokenIDLogLength),
		"type", grant.Type)
	return grant, nil
}

// GetAllGrants returns all live grants for a subject, oldest first
func (s *Store) GetAllGrants(ctx context.Context, subject string) ([]*storage.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var out []*storage.Grant
	for _, g := range s.grants {
		if g.Subject == subject && !g.IsExpired(now) {
			out = append(out, cloneGrant(g))
		}
	}
	slices.SortFunc(out, func(a, b *storage.Grant) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// RemoveAllGrants deletes grants matching the filter
func (s *Store) RemoveAllGrants(ctx context.Context, filter storage.GrantFilter) (int, error) {
	if filter.Subject == "" {
		return 0, fmt.Errorf("grant filter requires a subject")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, g := range s.grants {
		if filter.Matches(g) {
			delete(s.grants, key)
			removed++
		}
	}
	s.grantsCount.Store(int64(len(s.grants)))

	s.logger.Debug("Removed grants",
		"client_id", filter.ClientID,
		"type", filter.Type,
		"count", removed)
	return removed, nil
}

// ============================================================
// AuthorizationCodeStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *code
	c.Scopes = slices.Clone(code.Scopes)
	s.authCodes[code.Code] = &c
	s.codesCount.Store(int64(len(s.authCodes)))
	return nil
}

// ConsumeAuthorizationCode atomically marks an unused code as used
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()
	start := time.Now()

	s.mu.Lock() // write lock for atomic check-and-set
	defer s.mu.Unlock()

	authCode, ok := s.authCodes[code]
	if !ok || !s.now().Before(authCode.ExpiresAt) {
		s.recordStorageOperation(ctx, span, "consume_authorization_code", storage.ErrAuthorizationCodeNotFound, start)
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	c := *authCode
	if authCode.Used {
		// Reuse: return the record so the caller can revoke what the first exchange issued
		return &c, storage.ErrAuthorizationCodeUsed
	}

	authCode.Used = true
	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	s.recordStorageOperation(ctx, span, "consume_authorization_code", nil, start)
	return &c, nil
}

// ============================================================
// DeviceFlowStore Implementation
// ============================================================

// SaveDeviceAuthorization stores a new device authorization
func (s *Store) SaveDeviceAuthorization(ctx context.Context, auth *storage.DeviceAuthorization) error {
	if auth == nil || auth.DeviceCode == "" || auth.UserCode == "" {
		return fmt.Errorf("invalid device authorization")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.userCodes[auth.UserCode]; ok {
		if d, live := s.devices[existing]; live && !d.IsExpired(s.now()) {
			return storage.ErrUserCodeExists
		}
	}

	s.devices[auth.DeviceCode] = cloneDevice(auth)
	s.userCodes[auth.UserCode] = auth.DeviceCode
	s.devicesCount.Store(int64(len(s.devices)))
	return nil
}

// GetDeviceAuthorization retrieves an authorization by device code
func (s *Store) GetDeviceAuthorization(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	ctx, span := s.startStorageSpan(ctx, "get_device_authorization")
	defer span.End()
	start := time.Now()

	s.mu.RLock()
	d, ok := s.devices[deviceCode]
	s.mu.RUnlock()

	var err error
	if !ok {
		err = storage.ErrDeviceAuthorizationNotFound
	}
	s.recordStorageOperation(ctx, span, "get_device_authorization", err, start)
	if err != nil {
		return nil, err
	}
	return cloneDevice(d), nil
}

// GetDeviceAuthorizationByUserCode retrieves an authorization by user code
func (s *Store) GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	deviceCode, ok := s.userCodes[userCode]
	if !ok {
		return nil, storage.ErrDeviceAuthorizationNotFound
	}
	d, ok := s.devices[deviceCode]
	if !ok {
		return nil, storage.ErrDeviceAuthorizationNotFound
	}
	return cloneDevice(d), nil
}

// RecordDevicePoll stores the latest poll time and interval. The interval never decreases.
func (s *Store) RecordDevicePoll(ctx context.Context, deviceCode string, polledAt time.Time, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceCode]
	if !ok {
		return storage.ErrDeviceAuthorizationNotFound
	}
	d.LastPolledAt = polledAt
	if interval > d.Interval {
		d.Interval = interval
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

	s.mu.Lock()
	defer s.mu.Unlock()

	deviceCode, ok := s.userCodes[userCode]
	d := s.devices[deviceCode]
	if !ok || d == nil {
		s.recordStorageOperation(ctx, span, "complete_device_authorization", storage.ErrDeviceAuthorizationNotFound, start)
		return nil, storage.ErrDeviceAuthorizationNotFound
	}
	if d.StatusAt(s.now()) != storage.DeviceStatusPending {
		return nil, fmt.Errorf("%w: authorization is %s", storage.ErrInvalidTransition, d.StatusAt(s.now()))
	}

	d.Status = completion.Status
	d.Subject = completion.Subject
	d.SessionID = completion.SessionID
	d.AuthorizedScopes = slices.Clone(completion.Scopes)
	d.AuthenticationMethod = completion.AuthenticationMethod
	d.AuthTime = completion.AuthTime
	d.DenialReason = completion.DenialReason

	s.recordStorageOperation(ctx, span, "complete_device_authorization", nil, start)
	return cloneDevice(d), nil
}

// ConsumeDeviceAuthorization atomically moves an authorized authorization to consumed
func (s *Store) ConsumeDeviceAuthorization(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_device_authorization")
	defer span.End()
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceCode]
	if !ok {
		s.recordStorageOperation(ctx, span, "consume_device_authorization", storage.ErrDeviceAuthorizationNotFound, start)
		return nil, storage.ErrDeviceAuthorizationNotFound
	}
	if d.StatusAt(s.now()) != storage.DeviceStatusAuthorized {
		return nil, fmt.Errorf("%w: authorization is %s", storage.ErrInvalidTransition, d.StatusAt(s.now()))
	}

	d.Status = storage.DeviceStatusConsumed
	s.logger.Debug("Consumed device authorization",
		"device_code_prefix", util.SafeTruncate(deviceCode, tokenIDLogLength),
		"client_id", d.ClientID)

	s.recordStorageOperation(ctx, span, "consume_device_authorization", nil, start)
	return cloneDevice(d), nil
}

// ============================================================
// ReplayCache Implementation
// ============================================================

// AddIfAbsent records purpose:key until expiresAt; returns false on replay
func (s *Store) AddIfAbsent(ctx context.Context, purpose, key string, expiresAt time.Time) (bool, error) {
	id := purpose + ":" + key

	s.mu.Lock()
	defer s.mu.Unlock()

	if exp, ok := s.replay[id]; ok && s.now().Before(exp) {
		return false, nil
	}
	s.replay[id] = expiresAt
	return true, nil
}

// ============================================================
// MessageStore Implementation
// ============================================================

// SaveMessage stores an interaction message
func (s *Store) SaveMessage(ctx context.Context, msg *storage.Message) error {
	if msg == nil || msg.ID == "" {
		return fmt.Errorf("invalid message")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := *msg
	m.Data = slices.Clone(msg.Data)
	s.messages[messageKey(msg.Kind, msg.ID)] = &m
	return nil
}

// GetMessage retrieves a live message
func (s *Store) GetMessage(ctx context.Context, kind storage.MessageKind, id string) (*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[messageKey(kind, id)]
	if !ok || (!m.ExpiresAt.IsZero() && !s.now().Before(m.ExpiresAt)) {
		return nil, storage.ErrMessageNotFound
	}
	out := *m
	out.Data = slices.Clone(m.Data)
	return &out, nil
}

// DeleteMessage removes a message
func (s *Store) DeleteMessage(ctx context.Context, kind storage.MessageKind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, messageKey(kind, id))
	return nil
}

func messageKey(kind storage.MessageKind, id string) string {
	return string(kind) + ":" + id
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.Cleanup()
		}
	}
}

// Cleanup removes expired records. Used authorization codes are kept until they expire
// so reuse can still be detected; consumed and expired device authorizations are kept
// for the code-retention window so late polls still get expired_token rather than a
// store error.
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0

	for key, g := range s.grants {
		if g.IsExpired(now) {
			delete(s.grants, key)
			removed++
		}
	}
	for code, c := range s.authCodes {
		if !now.Before(c.ExpiresAt) {
			delete(s.authCodes, code)
			removed++
		}
	}
	for deviceCode, d := range s.devices {
		if now.After(d.ExpiresAt.Add(s.retainCodes)) {
			delete(s.devices, deviceCode)
			if s.userCodes[d.UserCode] == deviceCode {
				delete(s.userCodes, d.UserCode)
			}
			removed++
		}
	}
	for id, exp := range s.replay {
		if !now.Before(exp) {
			delete(s.replay, id)
		}
	}
	for id, m := range s.messages {
		if !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt) {
			delete(s.messages, id)
		}
	}

	s.refreshCountersLocked()

	if removed > 0 {
		s.logger.Debug("Cleaned up expired records", "count", removed)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, storageType)
	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status.
// Not-found results are expected outcomes and are not recorded as span errors.
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	result := "success"
	switch {
	case err == nil:
		instrumentation.SetSpanSuccess(span)
	case storage.IsNotFound(err):
		result = "not_found"
		span.SetAttributes(attribute.Bool("storage.not_found", true))
	default:
		result = "error"
		instrumentation.RecordError(span, err)
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}

// ============================================================
// Copy helpers
// ============================================================

func cloneClient(c *storage.Client) *storage.Client {
	out := *c
	out.Secrets = slices.Clone(c.Secrets)
	out.AllowedGrantTypes = slices.Clone(c.AllowedGrantTypes)
	out.AllowedScopes = slices.Clone(c.AllowedScopes)
	out.RedirectURIs = slices.Clone(c.RedirectURIs)
	return &out
}

func cloneGrant(g *storage.Grant) *storage.Grant {
	out := *g
	out.Scopes = slices.Clone(g.Scopes)
	if g.Claims != nil {
		out.Claims = make(map[string]any, len(g.Claims))
		for k, v := range g.Claims {
			out.Claims[k] = v
		}
	}
	return &out
}

func cloneDevice(d *storage.DeviceAuthorization) *storage.DeviceAuthorization {
	out := *d
	out.Scopes = slices.Clone(d.Scopes)
	out.AuthorizedScopes = slices.Clone(d.AuthorizedScopes)
	return &out
}
