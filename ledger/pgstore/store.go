// Package pgstore is the PostgreSQL-backed ledger.Store. Consumption is
// a single conditional UPDATE ... RETURNING, so concurrent callers race
// at the row lock and exactly one sees an affected row.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sigilium/tokencore/ledger"
)

// Schema documents the table this adapter expects; migrations are owned
// by the embedding service.
const Schema = `
CREATE TABLE IF NOT EXISTS refresh_tokens (
    id            UUID PRIMARY KEY,
    secret_hash   BYTEA NOT NULL UNIQUE,
    principal_id  TEXT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL,
    expires_at    TIMESTAMPTZ NOT NULL,
    last_used_at  TIMESTAMPTZ,
    device        TEXT NOT NULL DEFAULT '',
    ip            TEXT NOT NULL DEFAULT '',
    version       BIGINT NOT NULL,
    revoked       BOOLEAN NOT NULL DEFAULT FALSE,
    revoked_at    TIMESTAMPTZ,
    reason        TEXT NOT NULL DEFAULT '',
    parent_id     UUID
);
CREATE INDEX IF NOT EXISTS refresh_tokens_principal_idx ON refresh_tokens (principal_id);
`

const recordColumns = `id, secret_hash, principal_id, created_at, expires_at,
	COALESCE(last_used_at, 'epoch'::timestamptz), device, ip, version,
	revoked, COALESCE(revoked_at, 'epoch'::timestamptz), reason,
	COALESCE(parent_id::text, '')`

// Store runs all queries against a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an existing pool; the pool's lifecycle stays with the
// caller.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) InsertRecord(ctx context.Context, rec *ledger.Record) error {
	query := `
		INSERT INTO refresh_tokens
			(id, secret_hash, principal_id, created_at, expires_at, device, ip, version, revoked, parent_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, '')::uuid)`

	_, err := s.pool.Exec(ctx, query,
		rec.ID,
		rec.SecretHash[:],
		rec.PrincipalID,
		rec.CreatedAt,
		rec.ExpiresAt,
		rec.Device,
		rec.IP,
		rec.Version,
		rec.Revoked,
		rec.ParentID,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
	}
	return nil
}

// AtomicConsumeByHash is the core transition: one conditional UPDATE, no
// prior read. Zero affected rows means not-consumed, whatever the cause.
func (s *Store) AtomicConsumeByHash(ctx context.Context, hash [32]byte, reason string, now time.Time) (*ledger.Record, error) {
	query := `
		UPDATE refresh_tokens
		SET revoked = TRUE, revoked_at = $2, reason = $3, last_used_at = $2
		WHERE secret_hash = $1 AND revoked = FALSE AND expires_at > $2
		RETURNING ` + recordColumns

	rec, err := scanRecord(s.pool.QueryRow(ctx, query, hash[:], now, reason))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrNotConsumed
		}
		return nil, fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
	}
	return rec, nil
}

func (s *Store) FindByHash(ctx context.Context, hash [32]byte) (*ledger.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM refresh_tokens WHERE secret_hash = $1`

	rec, err := scanRecord(s.pool.QueryRow(ctx, query, hash[:]))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
	}
	return rec, nil
}

func (s *Store) RevokeByHash(ctx context.Context, hash [32]byte, reason string, now time.Time) error {
	query := `
		UPDATE refresh_tokens
		SET revoked = TRUE, revoked_at = $2, reason = $3
		WHERE secret_hash = $1 AND revoked = FALSE`

	if _, err := s.pool.Exec(ctx, query, hash[:], now, reason); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) RevokeAllForPrincipal(ctx context.Context, principalID, reason string, now time.Time) (int, error) {
	query := `
		UPDATE refresh_tokens
		SET revoked = TRUE, revoked_at = $2, reason = $3
		WHERE principal_id = $1 AND revoked = FALSE`

	tag, err := s.pool.Exec(ctx, query, principalID, now, reason)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) LatestVersion(ctx context.Context, principalID string) (int64, error) {
	query := `SELECT COALESCE(MAX(version), 0) FROM refresh_tokens WHERE principal_id = $1`

	var version int64
	if err := s.pool.QueryRow(ctx, query, principalID).Scan(&version); err != nil {
		return 0, fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
	}
	return version, nil
}

func (s *Store) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
	}
	return int(tag.RowsAffected()), nil
}

func scanRecord(row pgx.Row) (*ledger.Record, error) {
	var (
		rec  ledger.Record
		hash []byte
	)
	err := row.Scan(
		&rec.ID,
		&hash,
		&rec.PrincipalID,
		&rec.CreatedAt,
		&rec.ExpiresAt,
		&rec.LastUsedAt,
		&rec.Device,
		&rec.IP,
		&rec.Version,
		&rec.Revoked,
		&rec.RevokedAt,
		&rec.RevokeReason,
		&rec.ParentID,
	)
	if err != nil {
		return nil, err
	}
	copy(rec.SecretHash[:], hash)
	return &rec, nil
}
