package clientauth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/storage"
)

// errClientAuthFailed is the single description returned for every authentication failure
const errClientAuthFailed = "client authentication failed"

// Config configures an Authenticator
type Config struct {
	// Clients is the client store (required)
	Clients storage.ClientStore

	// Parsers are tried in order (default: DefaultParsers())
	Parsers []SecretParser

	// Validators run in order (default: shared secret, X.509 thumbprint, X.509 name)
	Validators []SecretValidator

	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
	Now             func() time.Time
}

// Authenticator authenticates clients
type Authenticator struct {
	clients storage.ClientStore
	parsers []SecretParser
	chain   *ValidatorChain
	auditor *security.Auditor
	metrics *instrumentation.Metrics
	logger  *slog.Logger
}

// NewAuthenticator creates an authenticator
func NewAuthenticator(cfg Config) (*Authenticator, error) {
	if cfg.Clients == nil {
		return nil, fmt.Errorf("client store is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	parsers := cfg.Parsers
	if len(parsers) == 0 {
		parsers = DefaultParsers()
	}

	validators := cfg.Validators
	if len(validators) == 0 {
		validators = []SecretValidator{SharedSecretValidator{}, X509ThumbprintValidator{}, X509NameValidator{}}
	}

	inst := cfg.Instrumentation
	if inst == nil {
		inst = instrumentation.NewNoop()
	}

	return &Authenticator{
		clients: cfg.Clients,
		parsers: parsers,
		chain:   NewValidatorChain(cfg.Now, logger, validators...),
		auditor: cfg.Auditor,
		metrics: inst.Metrics(),
		logger:  logger,
	}, nil
}

// Authenticate parses the request credential, loads the client and validates the
// credential against the client's secrets.
//
// The *protocol.Error return is always invalid_client and never reveals which check
// failed. The error return is reserved for store faults and programming errors.
func (a *Authenticator) Authenticate(ctx context.Context, req *Request) (*AuthenticatedClient, *protocol.Error, error) {
	parsed, perr := a.parse(ctx, req)
	if perr != nil {
		return nil, perr, nil
	}

	client, err := a.clients.GetClient(ctx, parsed.ID)
	if err != nil {
		if storage.IsNotFound(err) {
			// SECURITY: Run the validators anyway so timing does not reveal unknown clients
			if _, verr := a.chain.Validate(ctx, nil, parsed); verr != nil {
				return nil, nil, verr
			}
			return nil, a.fail(ctx, parsed, "unknown client"), nil
		}
		return nil, nil, fmt.Errorf("failed to load client: %w", err)
	}

	if client.Disabled {
		return nil, a.fail(ctx, parsed, "client disabled"), nil
	}

	if client.IsPublic() {
		a.metrics.RecordClientAuthentication(ctx, MethodNone, true)
		return &AuthenticatedClient{Client: client, Secret: parsed}, nil, nil
	}

	if parsed.Type == ParsedSecretTypeNoSecret {
		return nil, a.fail(ctx, parsed, "confidential client presented no secret"), nil
	}

	result, err := a.chain.Validate(ctx, client.Secrets, parsed)
	if err != nil {
		return nil, nil, fmt.Errorf("secret validation failed: %w", err)
	}
	if !result.Success {
		return nil, a.fail(ctx, parsed, "no secret matched"), nil
	}

	a.metrics.RecordClientAuthentication(ctx, parsed.Method, true)
	a.logger.Debug("Client authenticated", "client_id", client.ClientID, "method", parsed.Method)

	return &AuthenticatedClient{
		Client:       client,
		Secret:       parsed,
		Confirmation: result.Confirmation,
	}, nil, nil
}

// parse runs the parsers. The first parser that finds a credential wins; client ids
// from the other sources must agree with it.
func (a *Authenticator) parse(ctx context.Context, req *Request) (*ParsedSecret, *protocol.Error) {
	var found *ParsedSecret

	for _, p := range a.parsers {
		parsed := p.Parse(req)
		if parsed == nil {
			continue
		}
		if found == nil {
			found = parsed
			continue
		}
		if parsed.ID != found.ID {
			return nil, a.fail(ctx, found, "conflicting client identifiers")
		}
	}

	if found == nil {
		a.metrics.RecordClientAuthentication(ctx, MethodNone, false)
		a.auditor.LogClientAuthFailure(ctx, "", "no client credentials")
		return nil, protocol.ErrInvalidClient(errClientAuthFailed)
	}

	return found, nil
}

func (a *Authenticator) fail(ctx context.Context, parsed *ParsedSecret, reason string) *protocol.Error {
	a.logger.Debug("Client authentication failed", "client_id", parsed.ID, "method", parsed.Method, "reason", reason)
	a.metrics.RecordClientAuthentication(ctx, parsed.Method, false)
	a.auditor.LogClientAuthFailure(ctx, parsed.ID, reason)
	return protocol.ErrInvalidClient(errClientAuthFailed)
}
