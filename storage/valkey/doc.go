// Package valkey provides a Valkey storage backend for the OIDC engine.
//
// Valkey is a high-performance key-value store that is wire-compatible with Redis.
// The Store type implements [storage.Store], making it suitable for deployments that
// run several engine instances against shared state.
//
// # Key Schema
//
// All keys use a configurable prefix (default "oidc:"):
//
//	{prefix}client:{clientID}            -> sealed JSON(Client)
//	{prefix}grant:{key}                  -> sealed JSON(Grant) (with TTL)
//	{prefix}grants:subject:{subject}     -> SET of grant keys
//	{prefix}code:{code}                  -> sealed JSON(AuthorizationCode) (with TTL)
//	{prefix}code:used:{code}             -> "1" once the code was exchanged
//	{prefix}device:{deviceCode}          -> sealed JSON(DeviceAuthorization) (with TTL)
//	{prefix}device:state:{deviceCode}    -> HASH status, last_polled_at, interval_ms
//	{prefix}device:user:{userCode}       -> deviceCode (TTL = device code lifetime)
//	{prefix}replay:{purpose}:{key}       -> "1" (with TTL)
//	{prefix}message:{kind}:{id}          -> sealed JSON(Message) (with TTL)
//
// # Atomic Operations
//
// Records may be encrypted at rest, so Lua scripts never decode them. State that
// must change atomically lives in plaintext companion keys:
//
//   - ConsumeAuthorizationCode claims code:used with SET NX
//   - RemoveGrant reads and deletes the grant in one script
//   - device status transitions compare-and-set the state hash
//   - SaveDeviceAuthorization reserves the user code with SET NX
//   - AddIfAbsent records replay identifiers with SET NX PX
//
// Multi-key scripts assume a single node or a primary/replica deployment.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "oidc:",
//	})
//
// # Encryption at Rest
//
// When an encryptor is configured every record is sealed with AES-256-GCM and bound
// to its key, so a record copied under a different key fails to open:
//
//	key, _ := security.GenerateKey()
//	enc, _ := security.NewEncryptor(key)
//	store.SetEncryptor(enc)
package valkey
