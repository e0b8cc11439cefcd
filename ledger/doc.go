// Package ledger is the single-use consumption and rotation engine for
// refresh tokens. Every refresh secret is persisted only as a SHA-256
// hash inside a Record whose lifecycle is Active -> Consumed/Revoked
// (terminal) or Active -> Expired (time-checked, never written). The one
// hard guarantee lives in Store.AtomicConsumeByHash: no matter how many
// goroutines or processes race on the same secret, exactly one observes
// the Active -> Revoked transition.
//
// Adapters: MemoryStore (in this package), redisstore (Lua
// compare-and-swap), and pgstore (single conditional UPDATE).
package ledger
