// Package storage defines the persistence boundary of the protocol engine.
//
// The engine never owns persistence. It reaches clients, grants, authorization codes,
// device authorizations, replay records and interaction messages through the narrow
// interfaces declared here:
//   - ClientStore: registered client configuration, looked up by client id
//   - GrantStore: persisted grants (refresh tokens, reference access tokens, consent)
//   - AuthorizationCodeStore: issued authorization codes with single-use consumption
//   - DeviceFlowStore: device authorizations and their state transitions
//   - ReplayCache: one-time identifiers such as client assertion jti values
//   - MessageStore: opaque interaction messages (authorization, error, logout contexts)
//
// Implementations MUST provide atomic check-then-set for the operations documented as
// such (ConsumeAuthorizationCode, RemoveGrant, CompleteDeviceAuthorization,
// ConsumeDeviceAuthorization, AddIfAbsent). The engine relies on them for exactly-once
// semantics and does no locking of its own.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development, tests and single instances
//   - storage/valkey: Valkey/Redis-compatible distributed storage using Lua scripts
//   - storage/mock: Function-field doubles for injecting store faults in tests
package storage
