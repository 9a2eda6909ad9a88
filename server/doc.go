// Package server implements the protocol engine of the authorization server.
//
// The Server validates token requests and generates token responses, starts device
// authorizations, revokes tokens and issues authorization codes for hosts that run
// the user interaction. It does not listen on a port; the root package adapts it to
// net/http.
//
// The Server delegates to specialized packages:
//   - Client authentication (clientauth package)
//   - Scope parsing (scope package)
//   - Grant validators for password, device code and extension grants (grants, device)
//   - Clients, grants, codes and device authorizations (storage package)
//   - Audit logging (security package) and OpenTelemetry (instrumentation package)
//
// A token request goes through two steps:
//
//	validated, perr, err := srv.ValidateTokenRequest(ctx, clientauth.RequestFromHTTP(r))
//	if err != nil {
//	    // store fault: answer server_error
//	}
//	if perr != nil {
//	    // protocol error: answer perr.Status with perr.Response()
//	}
//	resp, err := srv.ProcessTokenResponse(ctx, validated)
//
// Example setup:
//
//	store := memory.New()
//	config := &server.Config{
//	    Issuer:     "https://auth.example.com",
//	    SigningKey: key,
//	}
//
//	srv, err := server.New(store, config, logger,
//	    grants.NewPasswordGrantValidator(users),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
