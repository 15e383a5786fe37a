// Package registry holds the authoritative agent set and authenticates
// bearer tokens against it.
//
// The set is loaded from the upstream configuration endpoint with a local
// file fallback at bootstrap, and refreshed on an interval. Each refresh
// builds a complete new token index and swaps it in atomically; a failed
// refresh keeps the previous index serving. Token revocation is implicit:
// the next refresh drops the entry and the next Authenticate call fails.
package registry
