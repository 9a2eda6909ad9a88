// Package grants defines the grant validator strategy and its registry.
//
// A validator resolves the subject of a token request for one grant type. Expected
// business failures (wrong password, unknown credential) are returned as Failure
// results; the error return is reserved for store faults and misconfiguration.
package grants

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/storage"
)

// Context is the input of a grant validator
type Context struct {
	// Client is the authenticated client
	Client *storage.Client

	// GrantType is the requested grant type
	GrantType string

	// Params holds the raw form parameters of the token request
	Params url.Values

	// Scopes are the requested scope values
	Scopes []string

	// Now is the request time
	Now time.Time
}

// Param returns a single form parameter
func (c *Context) Param(name string) string {
	return c.Params.Get(name)
}

// Validator validates the grant-specific part of a token request
type Validator interface {
	// GrantType returns the grant type string this validator handles
	GrantType() string

	// Validate resolves the subject for the request
	Validate(ctx context.Context, gc *Context) (Result, error)
}

// Registry maps grant type strings to validators. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]Validator
}

// NewRegistry creates a registry holding validators
func NewRegistry(validators ...Validator) (*Registry, error) {
	r := &Registry{validators: make(map[string]Validator)}
	for _, v := range validators {
		if err := r.Register(v); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a validator. Registering the same grant type twice is an error.
func (r *Registry) Register(v Validator) error {
	if v == nil || v.GrantType() == "" {
		return fmt.Errorf("grant validator must declare a grant type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.validators[v.GrantType()]; exists {
		return fmt.Errorf("grant validator for %q already registered", v.GrantType())
	}
	r.validators[v.GrantType()] = v
	return nil
}

// Lookup returns the validator for grantType or unsupported_grant_type
func (r *Registry) Lookup(grantType string) (Validator, *protocol.Error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.validators[grantType]
	if !ok {
		return nil, protocol.ErrUnsupportedGrantType(fmt.Sprintf("grant type %q is not supported", grantType))
	}
	return v, nil
}

// Has reports whether a validator is registered for grantType
func (r *Registry) Has(grantType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.validators[grantType]
	return ok
}

// GrantTypes returns the registered grant types, sorted
func (r *Registry) GrantTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.validators))
	for gt := range r.validators {
		out = append(out, gt)
	}
	slices.Sort(out)
	return out
}
