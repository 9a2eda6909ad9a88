// Package util provides common helpers used across the engine.
//
// Key utilities:
//   - SafeTruncate: Safely truncates strings for logging sensitive data
//   - GenerateHandle: Creates unguessable token and code handles
//   - Dedupe: Order-preserving de-duplication of scope lists
package util
