package server

import (
	"context"
	"fmt"

	"github.com/giantswarm/oidc-engine/clientauth"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/scope"
)

// ProcessDeviceAuthorization handles a device authorization request (RFC 8628 section 3.1):
// it authenticates the client, validates the requested scopes and starts a pending
// device authorization.
func (s *Server) ProcessDeviceAuthorization(ctx context.Context, req *clientauth.Request) (*protocol.DeviceAuthorizationResponse, *protocol.Error, error) {
	authenticated, perr, err := s.authenticator.Authenticate(ctx, req)
	if err != nil || perr != nil {
		return nil, perr, err
	}
	client := authenticated.Client

	if !client.AllowsGrantType(protocol.GrantTypeDeviceCode) {
		return nil, protocol.ErrUnauthorizedClient("client is not allowed to use the device flow"), nil
	}

	requested, perr := s.parseScopes(scope.SplitScopeString(req.Form.Get(protocol.ParamScope)))
	if perr != nil {
		return nil, perr, nil
	}
	scopes := requested.RawValues()
	if len(scopes) == 0 {
		scopes = defaultScopes(client, false)
		if requested, perr = s.parseScopes(scopes); perr != nil {
			return nil, perr, nil
		}
	}
	if perr := checkClientScopes(client, requested); perr != nil {
		return nil, perr, nil
	}

	auth, err := s.devices.Authorize(ctx, client, scopes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start device authorization: %w", err)
	}
	return s.devices.Response(auth), nil, nil
}
