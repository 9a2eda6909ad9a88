package device

import (
	"context"

	"github.com/giantswarm/oidc-engine/grants"
	"github.com/giantswarm/oidc-engine/protocol"
)

// CodeExchangeValidator is the grant validator for the device code grant. It delegates
// to Service.Poll and carries the consented scopes and session into the result.
type CodeExchangeValidator struct {
	service *Service
}

var _ grants.Validator = (*CodeExchangeValidator)(nil)

// NewCodeExchangeValidator creates the device code grant validator
func NewCodeExchangeValidator(service *Service) *CodeExchangeValidator {
	return &CodeExchangeValidator{service: service}
}

// GrantType implements grants.Validator
func (v *CodeExchangeValidator) GrantType() string {
	return protocol.GrantTypeDeviceCode
}

// Validate implements grants.Validator
func (v *CodeExchangeValidator) Validate(ctx context.Context, gc *grants.Context) (grants.Result, error) {
	deviceCode := gc.Param(protocol.ParamDeviceCode)
	if deviceCode == "" {
		return grants.FailureFrom(protocol.ErrInvalidRequest("device_code is required")), nil
	}

	auth, perr, err := v.service.Poll(ctx, gc.Client.ClientID, deviceCode)
	if err != nil {
		return grants.Result{}, err
	}
	if perr != nil {
		return grants.FailureFrom(perr), nil
	}

	return grants.Success(auth.Subject, auth.AuthenticationMethod, nil).
		WithGrantedScopes(auth.AuthorizedScopes).
		WithSession(auth.SessionID, auth.AuthTime), nil
}
