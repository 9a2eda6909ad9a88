package oauth_test

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"

	oauth "github.com/giantswarm/oidc-engine"
	"github.com/giantswarm/oidc-engine/grants"
	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/server"
	"github.com/giantswarm/oidc-engine/storage"
	"github.com/giantswarm/oidc-engine/storage/memory"
	"github.com/giantswarm/oidc-engine/storage/valkey"
)

// Wires the engine from OAUTH_* environment variables and mounts it on a mux.
func ExampleLoadConfigFromEnv() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	env, err := oauth.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	inst := instrumentation.NewNoop()

	var store storage.Store
	valkeyConfig, useValkey, err := env.ValkeyConfig()
	if err != nil {
		log.Fatalf("Invalid storage configuration: %v", err)
	}
	if useValkey {
		valkeyConfig.Logger = logger
		vs, err := valkey.New(valkeyConfig)
		if err != nil {
			log.Fatalf("Failed to connect to Valkey: %v", err)
		}
		defer vs.Close()
		vs.SetInstrumentation(inst)
		store = vs
	} else {
		ms := memory.New()
		defer ms.Stop()
		store = ms
	}

	serverConfig, err := env.ServerConfig()
	if err != nil {
		log.Fatalf("Invalid engine configuration: %v", err)
	}

	// Resource owner password credentials, checked by the host's user directory
	users := grants.ResourceOwnerPasswordValidatorFunc(lookupUser)

	srv, err := server.New(store, serverConfig, logger, grants.NewPasswordGrantValidator(users))
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	srv.SetAuditor(security.NewAuditor(logger, env.AuditLogging))
	srv.SetInstrumentation(inst)

	handler := oauth.NewHandler(srv, env.HandlerConfig(), logger)
	defer handler.Stop()

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
}

func lookupUser(_ context.Context, username, password string, _ *storage.Client) (grants.Result, error) {
	if username == "" || password != os.Getenv("DEMO_PASSWORD") {
		return grants.Failure(protocol.ErrorCodeInvalidGrant, "invalid username or password"), nil
	}
	return grants.Success(username, protocol.AuthMethodPassword, nil), nil
}
