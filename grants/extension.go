package grants

import "context"

// ExtensionGrant adapts a function to Validator for a custom grant type string
type ExtensionGrant struct {
	Type string
	Func func(ctx context.Context, gc *Context) (Result, error)
}

var _ Validator = ExtensionGrant{}

// GrantType implements Validator
func (e ExtensionGrant) GrantType() string {
	return e.Type
}

// Validate implements Validator
func (e ExtensionGrant) Validate(ctx context.Context, gc *Context) (Result, error) {
	return e.Func(ctx, gc)
}
