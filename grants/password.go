package grants

import (
	"context"

	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/storage"
)

// ResourceOwnerPasswordValidator checks a username and password. Implementations return
// a Failure result for bad credentials.
type ResourceOwnerPasswordValidator interface {
	ValidateCredentials(ctx context.Context, username, password string, client *storage.Client) (Result, error)
}

// ResourceOwnerPasswordValidatorFunc adapts a function to ResourceOwnerPasswordValidator
type ResourceOwnerPasswordValidatorFunc func(ctx context.Context, username, password string, client *storage.Client) (Result, error)

// ValidateCredentials calls f
func (f ResourceOwnerPasswordValidatorFunc) ValidateCredentials(ctx context.Context, username, password string, client *storage.Client) (Result, error) {
	return f(ctx, username, password, client)
}

// PasswordGrantValidator handles the resource owner password credentials grant
type PasswordGrantValidator struct {
	users ResourceOwnerPasswordValidator
}

var _ Validator = (*PasswordGrantValidator)(nil)

// NewPasswordGrantValidator creates a password grant validator delegating to users
func NewPasswordGrantValidator(users ResourceOwnerPasswordValidator) *PasswordGrantValidator {
	return &PasswordGrantValidator{users: users}
}

// GrantType implements Validator
func (v *PasswordGrantValidator) GrantType() string {
	return protocol.GrantTypePassword
}

// Validate implements Validator
func (v *PasswordGrantValidator) Validate(ctx context.Context, gc *Context) (Result, error) {
	username := gc.Param(protocol.ParamUsername)
	if username == "" {
		return Failure(protocol.ErrorCodeInvalidGrant, "username is missing"), nil
	}

	result, err := v.users.ValidateCredentials(ctx, username, gc.Param(protocol.ParamPassword), gc.Client)
	if err != nil {
		return Result{}, err
	}
	if result.IsError() {
		return result, nil
	}
	if result.Subject() == "" {
		return Failure(protocol.ErrorCodeInvalidGrant, "credential validator returned no subject"), nil
	}
	if result.AuthenticationMethod() == "" {
		result.authenticationMethod = protocol.AuthMethodPassword
	}
	return result, nil
}
