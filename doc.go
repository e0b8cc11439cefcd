// Package tokencore implements the token and session security core of an
// authentication service: issuance and validation of signed access tokens,
// single-use rotation of opaque refresh tokens, token blacklisting, and
// per-principal concurrent-session limits.
//
// The package is designed for concurrent server workloads: Authority and
// Validator methods are safe to call from multiple goroutines after
// initialization through [Builder.Build].
//
// # Architecture boundaries
//
// tokencore is the public surface. It exposes [Authority], [Validator],
// [Builder], [Config], and value types (TokenPair, MetricsSnapshot,
// SecurityEvent). Token encoding lives in the token subpackage; durable
// refresh-token state lives behind the ledger.Store interface with
// in-memory, Redis, and PostgreSQL adapters. Identity lookup, transport,
// and routing stay outside this module.
//
// # Correctness contract
//
// Refresh-token consumption is exactly-once: when N callers race on the
// same secret, one observes success and N-1 observe a single opaque
// invalid-token failure. That guarantee is delegated to the storage
// adapter as one atomic conditional transition, never a read followed by
// a write. Validate is the hot path and performs no storage round-trips;
// blacklist membership is an in-memory read-locked lookup.
package tokencore
