package ledger

import (
	"context"
	"encoding/hex"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used by tests and single-node
// embeddings. The consume transition runs entirely under the store mutex,
// which is the per-record locking the atomicity contract asks for when no
// datastore-native conditional update is available.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]*Record // keyed by hex(SecretHash)
	versions map[string]int64   // principalID -> highest version
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*Record),
		versions: make(map[string]int64),
	}
}

func hashKey(hash [32]byte) string {
	return hex.EncodeToString(hash[:])
}

func (s *MemoryStore) InsertRecord(_ context.Context, rec *Record) error {
	cp := *rec

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[hashKey(rec.SecretHash)] = &cp
	if cp.Version > s.versions[cp.PrincipalID] {
		s.versions[cp.PrincipalID] = cp.Version
	}
	return nil
}

func (s *MemoryStore) AtomicConsumeByHash(_ context.Context, hash [32]byte, reason string, now time.Time) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[hashKey(hash)]
	if !ok || !rec.Active(now) {
		return nil, ErrNotConsumed
	}

	rec.Revoked = true
	rec.RevokedAt = now
	rec.RevokeReason = reason
	rec.LastUsedAt = now

	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) FindByHash(_ context.Context, hash [32]byte) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[hashKey(hash)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) RevokeByHash(_ context.Context, hash [32]byte, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[hashKey(hash)]
	if !ok || rec.Revoked {
		return nil
	}
	rec.Revoked = true
	rec.RevokedAt = now
	rec.RevokeReason = reason
	return nil
}

func (s *MemoryStore) RevokeAllForPrincipal(_ context.Context, principalID, reason string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, rec := range s.records {
		if rec.PrincipalID != principalID || rec.Revoked {
			continue
		}
		rec.Revoked = true
		rec.RevokedAt = now
		rec.RevokeReason = reason
		count++
	}
	return count, nil
}

func (s *MemoryStore) LatestVersion(_ context.Context, principalID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versions[principalID], nil
}

func (s *MemoryStore) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, rec := range s.records {
		if rec.ExpiresAt.Before(cutoff) {
			delete(s.records, key)
			removed++
		}
	}
	return removed, nil
}
