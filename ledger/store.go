package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrNotConsumed is returned by AtomicConsumeByHash when zero records
// changed state: the hash matched nothing, or the record was already
// revoked or expired. The causes are deliberately indistinguishable.
var ErrNotConsumed = errors.New("refresh record not consumed")

// ErrUnavailable wraps transient storage failures. Callers may retry;
// it is never folded into ErrNotConsumed.
var ErrUnavailable = errors.New("ledger store unavailable")

// Store is the persistence boundary of the ledger. The core never issues
// raw storage queries; everything goes through these operations.
//
// AtomicConsumeByHash carries the exactly-once guarantee: it must be one
// atomic conditional transition at the storage engine (a single
// conditional UPDATE, a Lua script, a guarded compare-and-swap), never a
// fetch followed by a write, which reintroduces the race this interface
// exists to prevent. Implementations must leave the record either fully
// transitioned or untouched; a partial state is a bug.
type Store interface {
	// InsertRecord persists a new record. The record arrives complete,
	// including its per-principal version.
	InsertRecord(ctx context.Context, rec *Record) error

	// AtomicConsumeByHash flips the record matching hash to revoked with
	// the given reason, only if it is currently non-revoked and
	// non-expired at now. Exactly one concurrent caller gets the record
	// back; everyone else gets ErrNotConsumed.
	AtomicConsumeByHash(ctx context.Context, hash [32]byte, reason string, now time.Time) (*Record, error)

	// FindByHash is a read-only lookup used by the reuse heuristic. It
	// returns nil without error when no record matches.
	FindByHash(ctx context.Context, hash [32]byte) (*Record, error)

	// RevokeByHash marks the matching record revoked regardless of its
	// current state. Revoking an already-revoked or missing record is a
	// no-op, not an error.
	RevokeByHash(ctx context.Context, hash [32]byte, reason string, now time.Time) error

	// RevokeAllForPrincipal revokes every non-revoked record owned by the
	// principal and returns how many were affected.
	RevokeAllForPrincipal(ctx context.Context, principalID, reason string, now time.Time) (int, error)

	// LatestVersion returns the highest version ever issued for the
	// principal, zero when none exists.
	LatestVersion(ctx context.Context, principalID string) (int64, error)

	// DeleteExpiredBefore is the retention sweep: it physically removes
	// records whose expiry predates the cutoff and returns the count.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error)
}
