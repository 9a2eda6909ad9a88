// Package mock provides a storage.Store double for testing failure paths.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/oidc-engine/storage"
	"github.com/giantswarm/oidc-engine/storage/memory"
)

// Store is a storage.Store backed by an in-memory store. Set a Func field to override
// the corresponding method, for example to inject backend failures.
type Store struct {
	*memory.Store

	GetClientFunc                  func(ctx context.Context, clientID string) (*storage.Client, error)
	StoreGrantFunc                 func(ctx context.Context, grant *storage.Grant) error
	RemoveGrantFunc                func(ctx context.Context, key string) (*storage.Grant, error)
	ConsumeAuthorizationCodeFunc   func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	SaveDeviceAuthorizationFunc    func(ctx context.Context, auth *storage.DeviceAuthorization) error
	ConsumeDeviceAuthorizationFunc func(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error)
	AddIfAbsentFunc                func(ctx context.Context, purpose, key string, expiresAt time.Time) (bool, error)

	mu         sync.Mutex
	callCounts map[string]int
}

var _ storage.Store = (*Store)(nil)

// New creates a mock store over a fresh in-memory store. Call Stop when done.
func New() *Store {
	return &Store{
		Store:      memory.New(),
		callCounts: make(map[string]int),
	}
}

// CallCount returns how many times method was called
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

func (m *Store) record(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts[method]++
}

// GetClient implements storage.ClientStore
func (m *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.record("GetClient")
	if m.GetClientFunc != nil {
		return m.GetClientFunc(ctx, clientID)
	}
	return m.Store.GetClient(ctx, clientID)
}

// StoreGrant implements storage.GrantStore
func (m *Store) StoreGrant(ctx context.Context, grant *storage.Grant) error {
	m.record("StoreGrant")
	if m.StoreGrantFunc != nil {
		return m.StoreGrantFunc(ctx, grant)
	}
	return m.Store.StoreGrant(ctx, grant)
}

// RemoveGrant implements storage.GrantStore
func (m *Store) RemoveGrant(ctx context.Context, key string) (*storage.Grant, error) {
	m.record("RemoveGrant")
	if m.RemoveGrantFunc != nil {
		return m.RemoveGrantFunc(ctx, key)
	}
	return m.Store.RemoveGrant(ctx, key)
}

// ConsumeAuthorizationCode implements storage.AuthorizationCodeStore
func (m *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	m.record("ConsumeAuthorizationCode")
	if m.ConsumeAuthorizationCodeFunc != nil {
		return m.ConsumeAuthorizationCodeFunc(ctx, code)
	}
	return m.Store.ConsumeAuthorizationCode(ctx, code)
}

// SaveDeviceAuthorization implements storage.DeviceFlowStore
func (m *Store) SaveDeviceAuthorization(ctx context.Context, auth *storage.DeviceAuthorization) error {
	m.record("SaveDeviceAuthorization")
	if m.SaveDeviceAuthorizationFunc != nil {
		return m.SaveDeviceAuthorizationFunc(ctx, auth)
	}
	return m.Store.SaveDeviceAuthorization(ctx, auth)
}

// ConsumeDeviceAuthorization implements storage.DeviceFlowStore
func (m *Store) ConsumeDeviceAuthorization(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	m.record("ConsumeDeviceAuthorization")
	if m.ConsumeDeviceAuthorizationFunc != nil {
		return m.ConsumeDeviceAuthorizationFunc(ctx, deviceCode)
	}
	return m.Store.ConsumeDeviceAuthorization(ctx, deviceCode)
}

// AddIfAbsent implements storage.ReplayCache
func (m *Store) AddIfAbsent(ctx context.Context, purpose, key string, expiresAt time.Time) (bool, error) {
	m.record("AddIfAbsent")
	if m.AddIfAbsentFunc != nil {
		return m.AddIfAbsentFunc(ctx, purpose, key, expiresAt)
	}
	return m.Store.AddIfAbsent(ctx, purpose, key, expiresAt)
}
