package ledger

import "time"

// Record is the durable state of one refresh token. The plaintext secret
// never appears here; records are addressed by SecretHash. Records are
// mutated only to flip the revocation fields and LastUsedAt, and are
// physically deleted only by the retention sweep.
type Record struct {
	ID          string
	SecretHash  [32]byte
	PrincipalID string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	LastUsedAt  time.Time
	Device      string
	IP          string
	// Version increases monotonically per principal and tracks the
	// rotation generation.
	Version      int64
	Revoked      bool
	RevokedAt    time.Time
	RevokeReason string
	// ParentID links to the record consumed by the rotation that created
	// this one, forming the token lineage used for reuse detection.
	ParentID string
}

// Expired reports whether the record has passed its expiry at now.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Active reports whether the record can still be consumed at now.
func (r *Record) Active(now time.Time) bool {
	return !r.Revoked && !r.Expired(now)
}
