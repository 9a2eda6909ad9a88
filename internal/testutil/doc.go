// Package testutil provides test fixtures shared across packages: a controllable clock,
// client and certificate generators, PKCE pairs and OpenTelemetry metric readers.
package testutil
