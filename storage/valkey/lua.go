package valkey

import (
	"context"
	"fmt"

	valkeygo "github.com/valkey-io/valkey-go"
)

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// Records may be sealed, so scripts operate on opaque values and plaintext
// companion keys only.

// luaGetAndDelete atomically reads and deletes a key.
//
// KEYS[1] = record key
//
// Returns the value, or nil if the key does not exist.
const luaGetAndDelete = `
local data = redis.call('GET', KEYS[1])
if not data then
    return false
end
redis.call('DEL', KEYS[1])
return data
`

// luaSetIfAbsent sets a key only if it does not exist.
//
// KEYS[1] = key
// ARGV[1] = value
// ARGV[2] = TTL in milliseconds
//
// Returns 1 if the key was set, 0 if it already existed.
const luaSetIfAbsent = `
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
    return 1
end
return 0
`

// luaSaveDeviceAuthorization reserves the user code and stores a new device
// authorization with its state hash.
//
// KEYS[1] = user code key
// KEYS[2] = device record key
// KEYS[3] = device state key
// ARGV[1] = device code
// ARGV[2] = sealed record
// ARGV[3] = user code TTL in milliseconds (device code lifetime)
// ARGV[4] = record TTL in milliseconds (lifetime plus retention)
// ARGV[5] = initial status
// ARGV[6] = interval in milliseconds
//
// Returns 1 on success, 0 if the user code is taken.
const luaSaveDeviceAuthorization = `
if not redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[3]) then
    return 0
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[4])
redis.call('DEL', KEYS[3])
redis.call('HSET', KEYS[3], 'status', ARGV[5], 'interval_ms', ARGV[6], 'last_polled_at', '0')
redis.call('PEXPIRE', KEYS[3], ARGV[4])
return 1
`

// luaDeviceTransition compare-and-sets the device status and optionally replaces
// the record.
//
// KEYS[1] = device state key
// KEYS[2] = device record key
// ARGV[1] = expected status
// ARGV[2] = new status
// ARGV[3] = replacement sealed record, or empty to keep the record
//
// Returns "OK", "NOT_FOUND", or "STATE:<current status>".
const luaDeviceTransition = `
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
    return 'NOT_FOUND'
end
if status ~= ARGV[1] then
    return 'STATE:' .. status
end
redis.call('HSET', KEYS[1], 'status', ARGV[2])
if ARGV[3] ~= '' then
    redis.call('SET', KEYS[2], ARGV[3], 'KEEPTTL')
end
return 'OK'
`

// luaRecordDevicePoll records the latest poll time and raises the interval.
// The interval never decreases.
//
// KEYS[1] = device state key
// ARGV[1] = poll time in Unix milliseconds
// ARGV[2] = interval in milliseconds
//
// Returns 1 on success, 0 if the authorization does not exist.
const luaRecordDevicePoll = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 0
end
redis.call('HSET', KEYS[1], 'last_polled_at', ARGV[1])
local current = tonumber(redis.call('HGET', KEYS[1], 'interval_ms') or '0')
if tonumber(ARGV[2]) > current then
    redis.call('HSET', KEYS[1], 'interval_ms', ARGV[2])
end
return 1
`

// eval runs a script and returns its raw result
func (s *Store) eval(ctx context.Context, script string, keys []string, args ...string) (*evalResult, error) {
	res := s.client.Do(ctx,
		s.client.B().Eval().Script(script).
			Numkeys(int64(len(keys))).
			Key(keys...).
			Arg(args...).
			Build(),
	)
	if err := res.Error(); err != nil && !isNilError(err) {
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}
	return &evalResult{res: res}, nil
}

// evalResult wraps a script reply
type evalResult struct {
	res valkeygo.ValkeyResult
}

// isNil reports whether the script returned false
func (r *evalResult) isNil() bool {
	return isNilError(r.res.Error())
}

func (r *evalResult) int64() (int64, error) {
	return r.res.AsInt64()
}

func (r *evalResult) string() (string, error) {
	return r.res.ToString()
}
