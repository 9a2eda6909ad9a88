package server

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-engine/clientauth"
	"github.com/giantswarm/oidc-engine/device"
	"github.com/giantswarm/oidc-engine/grants"
	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/internal/util"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/scope"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/storage"
)

// builtinGrantTypes are validated by the server itself rather than through the registry,
// because they consume or rotate records the server owns.
var builtinGrantTypes = []string{
	protocol.GrantTypeAuthorizationCode,
	protocol.GrantTypeClientCredentials,
	protocol.GrantTypeRefreshToken,
}

// Server is the protocol engine. It validates token, device authorization and revocation
// requests and generates their responses. It holds no per-request state and is safe for
// concurrent use once configured.
type Server struct {
	store  storage.Store
	config *Config
	logger *slog.Logger

	auditor         *security.Auditor
	instrumentation *instrumentation.Instrumentation
	metrics         *instrumentation.Metrics
	tracer          trace.Tracer
	now             func() time.Time

	authenticator *clientauth.Authenticator
	scopes        *scope.Parser
	devices       *device.Service
	registry      *grants.Registry
	validators    []grants.Validator
	signer        *signer
}

// New creates a protocol engine backed by store. validators handle grant types beyond
// the built-in authorization_code, client_credentials, refresh_token and device code
// grants (e.g. grants.NewPasswordGrantValidator or a grants.ExtensionGrant).
//
// config is copied; the caller's value is never modified.
func New(store storage.Store, config *Config, logger *slog.Logger, validators ...grants.Validator) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := *config
	cfg.Issuer = util.NormalizeURL(cfg.Issuer)
	cfg.ClientAssertionAudiences = slices.Clone(cfg.ClientAssertionAudiences)
	cfg.ParameterizedScopes = slices.Clone(cfg.ParameterizedScopes)
	applySecureDefaults(&cfg)

	if err := validateConfig(&cfg, logger); err != nil {
		return nil, err
	}

	for _, v := range validators {
		if v != nil && slices.Contains(builtinGrantTypes, v.GrantType()) {
			return nil, fmt.Errorf("grant type %q is built in and cannot be replaced", v.GrantType())
		}
	}

	sig, err := newSigner(cfg.SigningKey, cfg.SigningKeyID)
	if err != nil {
		return nil, err
	}
	cfg.SigningKeyID = sig.keyID

	srv := &Server{
		store:           store,
		config:          &cfg,
		logger:          logger,
		instrumentation: instrumentation.NewNoop(),
		now:             time.Now,
		validators:      validators,
		signer:          sig,
	}
	if err := srv.build(); err != nil {
		return nil, err
	}

	logger.Info("OAuth protocol engine configured",
		"issuer", cfg.Issuer,
		"grant_types", srv.supportedGrantTypes(),
		"signing_alg", sig.alg,
		"kid", sig.keyID)

	return srv, nil
}

// build (re)creates the components that capture the auditor, instrumentation and clock
func (s *Server) build() error {
	s.metrics = s.instrumentation.Metrics()
	s.tracer = s.instrumentation.Tracer("server")

	jwtValidator, err := clientauth.NewPrivateKeyJWTValidator(clientauth.PrivateKeyJWTConfig{
		Audiences:   s.config.ClientAssertionAudiences,
		ReplayCache: s.store,
		Leeway:      time.Duration(s.config.ClockSkewGracePeriod) * time.Second,
		Now:         s.now,
		Logger:      s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create client assertion validator: %w", err)
	}

	s.authenticator, err = clientauth.NewAuthenticator(clientauth.Config{
		Clients: s.store,
		Validators: []clientauth.SecretValidator{
			clientauth.SharedSecretValidator{},
			clientauth.X509ThumbprintValidator{},
			clientauth.X509NameValidator{},
			jwtValidator,
		},
		Auditor:         s.auditor,
		Instrumentation: s.instrumentation,
		Logger:          s.logger,
		Now:             s.now,
	})
	if err != nil {
		return fmt.Errorf("failed to create client authenticator: %w", err)
	}

	s.scopes = scope.NewParser(scope.ParserConfig{
		ParameterizedScopes: s.config.ParameterizedScopes,
		Logger:              s.logger,
	})

	s.devices, err = device.NewService(device.Config{
		Store:               s.store,
		VerificationURI:     s.config.DeviceVerificationURI,
		DefaultUserCodeType: s.config.DeviceUserCodeType,
		Lifetime:            time.Duration(s.config.DeviceCodeTTL) * time.Second,
		Interval:            time.Duration(s.config.DevicePollingInterval) * time.Second,
		SlowDownIncrement:   time.Duration(s.config.DeviceSlowDownIncrement) * time.Second,
		Auditor:             s.auditor,
		Instrumentation:     s.instrumentation,
		Logger:              s.logger,
		Now:                 s.now,
	})
	if err != nil {
		return fmt.Errorf("failed to create device flow service: %w", err)
	}

	registered := append([]grants.Validator{device.NewCodeExchangeValidator(s.devices)}, s.validators...)
	s.registry, err = grants.NewRegistry(registered...)
	if err != nil {
		return fmt.Errorf("failed to register grant validators: %w", err)
	}

	return nil
}

// rebuild is used by the setters, which run at startup on an already valid configuration
func (s *Server) rebuild() {
	if err := s.build(); err != nil {
		s.logger.Error("Failed to rebuild protocol engine components", "error", err)
	}
}

// SetAuditor sets the security auditor. Call before serving requests.
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.auditor = aud
	s.rebuild()
}

// SetInstrumentation sets the OpenTelemetry instrumentation. Call before serving requests.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		inst = instrumentation.NewNoop()
	}
	s.instrumentation = inst
	s.rebuild()
}

// SetClock replaces the time source. Call before serving requests.
func (s *Server) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.now = now
	s.rebuild()
}

// Config returns the effective configuration. The returned value must not be modified.
func (s *Server) Config() *Config {
	return s.config
}

// Logger returns the server's logger
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// Auditor returns the security auditor, which may be nil
func (s *Server) Auditor() *security.Auditor {
	return s.auditor
}

// Instrumentation returns the server's instrumentation
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.instrumentation
}

// Store returns the backing store
func (s *Server) Store() storage.Store {
	return s.store
}

// Devices returns the device authorization service, used by the interaction layer
func (s *Server) Devices() *device.Service {
	return s.devices
}

// Scopes returns the scope parser
func (s *Server) Scopes() *scope.Parser {
	return s.scopes
}

// Now returns the current time of the server's clock
func (s *Server) Now() time.Time {
	return s.now()
}

// supportedGrantTypes returns the built-in and registered grant types
func (s *Server) supportedGrantTypes() []string {
	out := slices.Clone(builtinGrantTypes)
	out = append(out, s.registry.GrantTypes()...)
	slices.Sort(out)
	return out
}

// isSupportedGrantType reports whether any validator handles grantType
func (s *Server) isSupportedGrantType(grantType string) bool {
	return slices.Contains(builtinGrantTypes, grantType) || s.registry.Has(grantType)
}

// lifetime returns the client's override or the configured default in seconds
func lifetime(clientValue time.Duration, defaultSeconds int64) time.Duration {
	if clientValue > 0 {
		return clientValue
	}
	return time.Duration(defaultSeconds) * time.Second
}
