package interaction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-engine/device"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/server"
	"github.com/giantswarm/oidc-engine/storage"
)

const (
	// DefaultMessageLifetime bounds how long authorization, error and logout messages live
	DefaultMessageLifetime = 10 * time.Minute

	// DefaultAuthorizeCallbackPath is the host path the login page returns to
	DefaultAuthorizeCallbackPath = "/connect/authorize/callback"
)

// Config configures the interaction service
type Config struct {
	// MessageLifetime is how long stored messages stay readable (default: 10 minutes)
	MessageLifetime time.Duration

	// ConsentLifetime bounds remembered consent. Zero keeps consent until revoked.
	ConsentLifetime time.Duration

	// ReturnPaths are the local paths a login page may return to
	// Default: DefaultAuthorizeCallbackPath
	ReturnPaths []string

	// Logger for service operations (default: the server's logger)
	Logger *slog.Logger
}

// Service implements the interaction operations on top of a protocol engine
type Service struct {
	server  *server.Server
	store   storage.Store
	devices *device.Service
	auditor *security.Auditor
	tracer  trace.Tracer
	logger  *slog.Logger
	config  Config
}

// New creates an interaction service for srv
func New(srv *server.Server, config Config) (*Service, error) {
	if srv == nil {
		return nil, fmt.Errorf("server is required")
	}
	if config.MessageLifetime <= 0 {
		config.MessageLifetime = DefaultMessageLifetime
	}
	if config.ConsentLifetime < 0 {
		return nil, fmt.Errorf("consent lifetime must not be negative")
	}
	if len(config.ReturnPaths) == 0 {
		config.ReturnPaths = []string{DefaultAuthorizeCallbackPath}
	}
	if config.Logger == nil {
		config.Logger = srv.Logger()
	}

	return &Service{
		server:  srv,
		store:   srv.Store(),
		devices: srv.Devices(),
		auditor: srv.Auditor(),
		tracer:  srv.Instrumentation().Tracer("interaction"),
		logger:  config.Logger,
		config:  config,
	}, nil
}

// ============================================================
// Message Storage
// ============================================================

// saveMessage stores v as JSON under a new id
func (s *Service) saveMessage(ctx context.Context, kind storage.MessageKind, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s message: %w", kind, err)
	}

	now := s.server.Now()
	msg := &storage.Message{
		ID:        uuid.NewString(),
		Kind:      kind,
		Data:      data,
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.MessageLifetime),
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return "", fmt.Errorf("failed to save %s message: %w", kind, err)
	}
	return msg.ID, nil
}

// loadMessage decodes the message kind/id into v. Missing and expired messages return
// an error satisfying storage.IsNotFound.
func (s *Service) loadMessage(ctx context.Context, kind storage.MessageKind, id string, v any) error {
	if id == "" {
		return storage.ErrMessageNotFound
	}
	msg, err := s.store.GetMessage(ctx, kind, id)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s message: %w", kind, err)
	}
	return nil
}
