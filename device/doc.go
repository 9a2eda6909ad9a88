// Package device implements the OAuth 2.0 device authorization grant (RFC 8628).
//
// Service issues device and user codes, answers token polls and records the user's
// decision. Each authorization moves through these states:
//
//	pending -> authorized -> consumed
//	pending -> denied
//	pending -> expired (time)
//
// Polls are answered in a fixed order: an unknown code gives expired_token, a code of
// another client gives invalid_grant, an expired code gives expired_token whatever its
// status, a poll within the current interval gives slow_down and raises the interval
// by Config.SlowDownIncrement (it never goes back down), then denied gives
// access_denied, pending gives authorization_pending and authorized is consumed.
//
// Consumption relies on the store's atomic authorized -> consumed transition, so two
// concurrent polls on one authorized code yield exactly one token.
package device
