package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oidc:"

	// DefaultDeviceRetention keeps expired and consumed device authorizations around so
	// late polls still resolve to expired_token
	DefaultDeviceRetention = 5 * time.Minute

	// tokenIDLogLength is the number of characters to include when logging handles
	tokenIDLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxRecordSize is the maximum size of a serialized record (64KB)
	MaxRecordSize = 64 * 1024

	storageType = "valkey"
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oidc:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// Encryptor optionally seals records at rest
	Encryptor *security.Encryptor

	// DeviceRetention is how long device authorizations outlive their expiry
	DeviceRetention time.Duration
}

// Store is a Valkey-backed implementation of storage.Store.
type Store struct {
	client          valkeygo.Client
	prefix          string
	logger          *slog.Logger
	deviceRetention time.Duration
	now             func() time.Time

	// Access must be synchronized via encryptorMu
	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
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

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	s := NewWithClient(client, cfg)
	s.logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", s.prefix)
	return s, nil
}

// NewWithClient wraps an existing client. Address, Password, DB and TLS in cfg are ignored.
func NewWithClient(client valkeygo.Client, cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retention := cfg.DeviceRetention
	if retention <= 0 {
		retention = DefaultDeviceRetention
	}

	return &Store{
		client:          client,
		prefix:          prefix,
		logger:          logger,
		deviceRetention: retention,
		now:             time.Now,
		encryptor:       cfg.Encryptor,
	}
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetClock replaces the time source used for expiry checks and TTLs.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetInstrumentation enables tracing and storage metrics.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// SetEncryptor sets the record encryptor for encryption at rest.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc.IsEnabled() {
		s.logger.Info("Record encryption at rest enabled for Valkey storage")
	}
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// ============================================================
// Record Helpers
// ============================================================

// sealRecord marshals v and seals it bound to key
func (s *Store) sealRecord(key string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	if len(data) > MaxRecordSize {
		return "", fmt.Errorf("record exceeds maximum size of %d bytes", MaxRecordSize)
	}

	sealed, err := s.getEncryptor().Seal(data, key)
	if err != nil {
		return "", fmt.Errorf("failed to seal record: %w", err)
	}
	return string(sealed), nil
}

// openRecord opens a sealed record stored under key into v
func (s *Store) openRecord(key, raw string, v any) error {
	data, err := s.getEncryptor().Open([]byte(raw), key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return nil
}

// putRecord stores a sealed record with an optional expiry (zero means none)
func (s *Store) putRecord(ctx context.Context, key string, v any, expiresAt time.Time) error {
	value, err := s.sealRecord(key, v)
	if err != nil {
		return err
	}

	cmd := s.client.B().Set().Key(key).Value(value).Build()
	if !expiresAt.IsZero() {
		cmd = s.client.B().Set().Key(key).Value(value).Ex(s.ttlUntil(expiresAt)).Build()
	}
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to store record: %w", err)
	}
	return nil
}

// getRecord loads a sealed record. Returns notFound when the key does not exist.
func (s *Store) getRecord(ctx context.Context, key string, v any, notFound error) error {
	raw, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return notFound
		}
		return fmt.Errorf("failed to get record: %w", err)
	}
	return s.openRecord(key, raw, v)
}

// ttlUntil returns the TTL to reach t, rounded up to whole seconds and at least one second
func (s *Store) ttlUntil(t time.Time) time.Duration {
	d := t.Sub(s.now())
	if d < time.Second {
		return time.Second
	}
	if rem := d % time.Second; rem != 0 {
		d += time.Second - rem
	}
	return d
}

// millisUntil returns the TTL to reach t in milliseconds, at least 1
func (s *Store) millisUntil(t time.Time) int64 {
	ms := t.Sub(s.now()).Milliseconds()
	if ms < 1 {
		return 1
	}
	return ms
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// ============================================================
// Key Helpers
// ============================================================

func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

func (s *Store) grantKey(key string) string {
	return fmt.Sprintf("%sgrant:%s", s.prefix, key)
}

func (s *Store) subjectGrantsKey(subject string) string {
	return fmt.Sprintf("%sgrants:subject:%s", s.prefix, subject)
}

func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

func (s *Store) codeUsedKey(code string) string {
	return fmt.Sprintf("%scode:used:%s", s.prefix, code)
}

func (s *Store) deviceKey(deviceCode string) string {
	return fmt.Sprintf("%sdevice:%s", s.prefix, deviceCode)
}

func (s *Store) deviceStateKey(deviceCode string) string {
	return fmt.Sprintf("%sdevice:state:%s", s.prefix, deviceCode)
}

func (s *Store) userCodeKey(userCode string) string {
	return fmt.Sprintf("%sdevice:user:%s", s.prefix, userCode)
}

func (s *Store) replayKey(purpose, key string) string {
	return fmt.Sprintf("%sreplay:%s:%s", s.prefix, purpose, key)
}

func (s *Store) messageKey(kind storage.MessageKind, id string) string {
	return fmt.Sprintf("%smessage:%s:%s", s.prefix, kind, id)
}

// ============================================================
// Instrumentation Helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, storageType)
	return ctx, span
}

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
