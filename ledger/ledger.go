package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sigilium/tokencore/internal"
)

// ReasonRotated marks records consumed by a successful rotation, as
// opposed to explicit revocation. The reuse heuristic keys off it.
const ReasonRotated = "rotated"

// Clock abstracts current time; any type with Now() time.Time satisfies it.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Ledger issues and consumes refresh-token records on top of a Store.
// All methods are safe for concurrent use; the exactly-once property of
// Consume is inherited from the adapter.
type Ledger struct {
	store Store
	ttl   time.Duration
	clock Clock
}

// New wraps store with the given record lifetime.
func New(store Store, ttl time.Duration, clock Clock) *Ledger {
	if clock == nil {
		clock = systemClock{}
	}
	return &Ledger{store: store, ttl: ttl, clock: clock}
}

// Store hashes secret and persists a new record for principalID with the
// next per-principal version. parentID links the record into its rotation
// lineage and is empty for login-issued records. The returned record ID
// is the only identifier callers ever see; the secret itself is gone once
// this call returns.
func (l *Ledger) Store(ctx context.Context, principalID string, secret [internal.SecretSize]byte, device, ip, parentID string) (string, error) {
	version, err := l.store.LatestVersion(ctx, principalID)
	if err != nil {
		return "", err
	}

	now := l.clock.Now()
	rec := &Record{
		ID:          uuid.NewString(),
		SecretHash:  internal.HashSecret(secret),
		PrincipalID: principalID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(l.ttl),
		Device:      device,
		IP:          ip,
		Version:     version + 1,
		ParentID:    parentID,
	}

	if err := l.store.InsertRecord(ctx, rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// Consume atomically transitions the record for secret from Active to
// Revoked and returns it. Exactly one concurrent caller succeeds; every
// other outcome (race loss, replay, expiry, unknown secret) is the same
// ErrNotConsumed. Storage failures pass through wrapped in
// ErrUnavailable and are never reported as consumption.
func (l *Ledger) Consume(ctx context.Context, secret [internal.SecretSize]byte) (*Record, error) {
	return l.store.AtomicConsumeByHash(ctx, internal.HashSecret(secret), ReasonRotated, l.clock.Now())
}

// ReuseSignal inspects, read-only, whether a failed consume hit a record
// that was already consumed by rotation while its lineage is otherwise
// still valid. That pattern is the token-theft signature: a legitimate
// client holds the chain tip, so presenting an interior record means a
// second party replayed it. The result is used internally only and never
// surfaced to the caller of the refresh.
func (l *Ledger) ReuseSignal(ctx context.Context, secret [internal.SecretSize]byte) (string, bool) {
	rec, err := l.store.FindByHash(ctx, internal.HashSecret(secret))
	if err != nil || rec == nil {
		return "", false
	}
	if !rec.Revoked || rec.Expired(l.clock.Now()) {
		return "", false
	}
	if rec.RevokeReason == ReasonRotated || rec.ParentID != "" {
		return rec.PrincipalID, true
	}
	return "", false
}

// Revoke marks the record for secret revoked. Revoking twice, or
// revoking a secret that never existed, is a silent no-op.
func (l *Ledger) Revoke(ctx context.Context, secret [internal.SecretSize]byte, reason string) error {
	return l.store.RevokeByHash(ctx, internal.HashSecret(secret), reason, l.clock.Now())
}

// RevokeAll revokes every non-revoked record for the principal and
// returns how many were affected.
func (l *Ledger) RevokeAll(ctx context.Context, principalID, reason string) (int, error) {
	return l.store.RevokeAllForPrincipal(ctx, principalID, reason, l.clock.Now())
}

// SweepExpired physically removes records whose expiry predates cutoff.
// This is the only path that deletes records.
func (l *Ledger) SweepExpired(ctx context.Context, cutoff time.Time) (int, error) {
	return l.store.DeleteExpiredBefore(ctx, cutoff)
}
