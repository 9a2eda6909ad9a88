// Package oauth is the HTTP wire adapter of the OIDC engine.
//
// The protocol engine in the server package works on transport-independent requests.
// Handler translates HTTP requests into those, and engine results into responses with
// the status codes, headers and JSON bodies the OAuth RFCs require. The host owns the
// HTTP server and the router:
//
//	srv, _ := server.New(store, cfg, logger)
//	h := oauth.NewHandler(srv, oauth.HandlerConfig{}, logger)
//	defer h.Stop()
//
//	mux := http.NewServeMux()
//	h.RegisterRoutes(mux)
//
// EnvConfig and LoadConfigFromEnv read a deployment configuration from OAUTH_*
// environment variables.
package oauth
