// Package interaction is the bridge between the host's login and consent UI and the
// protocol engine.
//
// The UI never sees protocol state directly. It receives opaque ids (request, error and
// logout ids, device user codes), resolves them through a Service and reports the
// user's decision back:
//
//	svc, err := interaction.New(srv, interaction.Config{})
//
//	// authorize endpoint: park the request and send the browser to the login page
//	id, err := svc.CreateAuthorizationContext(ctx, req)
//
//	// consent page
//	req, err := svc.GetAuthorizationContext(ctx, id)
//	resp, err := svc.GrantConsent(ctx, req, interaction.ConsentResponse{
//		ScopesValuesConsented: req.Scopes,
//		RememberConsent:       true,
//	}, interaction.Subject{ID: "alice", SessionID: sid})
//	http.Redirect(w, r, resp.RedirectURI, http.StatusFound)
//
// Messages are stored in the engine's storage.MessageStore with a bounded lifetime and
// are single use where the flow requires it.
package interaction
