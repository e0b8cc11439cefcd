package redisstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sigilium/tokencore/internal"
	"github.com/sigilium/tokencore/ledger"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewStore(client, "tc"), mr
}

func testRecord(t *testing.T, principalID string, version int64, ttl time.Duration) (*ledger.Record, [internal.SecretSize]byte) {
	t.Helper()

	secret, err := internal.NewRefreshSecret()
	if err != nil {
		t.Fatalf("NewRefreshSecret failed: %v", err)
	}

	now := time.Now()
	rec := &ledger.Record{
		ID:          uuid.NewString(),
		SecretHash:  internal.HashSecret(secret),
		PrincipalID: principalID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		Device:      "ua",
		IP:          "203.0.113.1",
		Version:     version,
	}
	return rec, secret
}

func TestStoreInsertAndFind(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	rec, _ := testRecord(t, "alice", 1, time.Hour)
	if err := store.InsertRecord(ctx, rec); err != nil {
		t.Fatalf("InsertRecord failed: %v", err)
	}

	got, err := store.FindByHash(ctx, rec.SecretHash)
	if err != nil {
		t.Fatalf("FindByHash failed: %v", err)
	}
	if got == nil {
		t.Fatal("record not found")
	}
	if got.ID != rec.ID || got.PrincipalID != "alice" || got.Version != 1 {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.Revoked {
		t.Fatal("fresh record marked revoked")
	}

	version, err := store.LatestVersion(ctx, "alice")
	if err != nil {
		t.Fatalf("LatestVersion failed: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}
}

func TestStoreFindUnknownHash(t *testing.T) {
	store, _ := newTestStore(t)

	var hash [32]byte
	rec, err := store.FindByHash(context.Background(), hash)
	if err != nil {
		t.Fatalf("FindByHash failed: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record, got %+v", rec)
	}
}

func TestStoreConsumeTransition(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	rec, _ := testRecord(t, "alice", 1, time.Hour)
	if err := store.InsertRecord(ctx, rec); err != nil {
		t.Fatalf("InsertRecord failed: %v", err)
	}

	got, err := store.AtomicConsumeByHash(ctx, rec.SecretHash, ledger.ReasonRotated, time.Now())
	if err != nil {
		t.Fatalf("AtomicConsumeByHash failed: %v", err)
	}
	if got.ID != rec.ID {
		t.Fatalf("record id mismatch: %q vs %q", got.ID, rec.ID)
	}
	if !got.Revoked || got.RevokeReason != ledger.ReasonRotated {
		t.Fatalf("consumed record not marked rotated: %+v", got)
	}

	// the second attempt loses
	if _, err := store.AtomicConsumeByHash(ctx, rec.SecretHash, ledger.ReasonRotated, time.Now()); !errors.Is(err, ledger.ErrNotConsumed) {
		t.Fatalf("expected ErrNotConsumed on replay, got %v", err)
	}
}

func TestStoreConsumeUnknownAndExpired(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	var missing [32]byte
	if _, err := store.AtomicConsumeByHash(ctx, missing, ledger.ReasonRotated, time.Now()); !errors.Is(err, ledger.ErrNotConsumed) {
		t.Fatalf("expected ErrNotConsumed for unknown hash, got %v", err)
	}

	rec, _ := testRecord(t, "alice", 1, time.Hour)
	if err := store.InsertRecord(ctx, rec); err != nil {
		t.Fatalf("InsertRecord failed: %v", err)
	}
	past := rec.ExpiresAt.Add(time.Minute)
	if _, err := store.AtomicConsumeByHash(ctx, rec.SecretHash, ledger.ReasonRotated, past); !errors.Is(err, ledger.ErrNotConsumed) {
		t.Fatalf("expected ErrNotConsumed for expired record, got %v", err)
	}
}

func TestStoreConsumeExactlyOnceUnderContention(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	rec, _ := testRecord(t, "alice", 1, time.Hour)
	if err := store.InsertRecord(ctx, rec); err != nil {
		t.Fatalf("InsertRecord failed: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)

	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := store.AtomicConsumeByHash(ctx, rec.SecretHash, ledger.ReasonRotated, time.Now())
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	success := 0
	for err := range results {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ledger.ErrNotConsumed) {
			t.Fatalf("unexpected consume error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly one winner, got %d", success)
	}
}

func TestStoreRevokeIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	rec, _ := testRecord(t, "alice", 1, time.Hour)
	if err := store.InsertRecord(ctx, rec); err != nil {
		t.Fatalf("InsertRecord failed: %v", err)
	}

	now := time.Now()
	if err := store.RevokeByHash(ctx, rec.SecretHash, "logout", now); err != nil {
		t.Fatalf("RevokeByHash failed: %v", err)
	}
	if err := store.RevokeByHash(ctx, rec.SecretHash, "logout", now); err != nil {
		t.Fatalf("second RevokeByHash failed: %v", err)
	}

	var missing [32]byte
	if err := store.RevokeByHash(ctx, missing, "logout", now); err != nil {
		t.Fatalf("RevokeByHash of unknown hash failed: %v", err)
	}

	got, err := store.FindByHash(ctx, rec.SecretHash)
	if err != nil {
		t.Fatalf("FindByHash failed: %v", err)
	}
	if !got.Revoked || got.RevokeReason != "logout" {
		t.Fatalf("record not revoked: %+v", got)
	}
}

func TestStoreRevokeAllForPrincipal(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		rec, _ := testRecord(t, "alice", i, time.Hour)
		if err := store.InsertRecord(ctx, rec); err != nil {
			t.Fatalf("InsertRecord failed: %v", err)
		}
	}
	bob, _ := testRecord(t, "bob", 1, time.Hour)
	if err := store.InsertRecord(ctx, bob); err != nil {
		t.Fatalf("InsertRecord failed: %v", err)
	}

	count, err := store.RevokeAllForPrincipal(ctx, "alice", "suspected_compromise", time.Now())
	if err != nil {
		t.Fatalf("RevokeAllForPrincipal failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 revoked, got %d", count)
	}

	count, err = store.RevokeAllForPrincipal(ctx, "alice", "suspected_compromise", time.Now())
	if err != nil {
		t.Fatalf("RevokeAllForPrincipal failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 revoked on repeat, got %d", count)
	}

	got, err := store.FindByHash(ctx, bob.SecretHash)
	if err != nil {
		t.Fatalf("FindByHash failed: %v", err)
	}
	if got.Revoked {
		t.Fatal("bob's record revoked by alice's revoke-all")
	}
}

func TestStoreVersionHighWaterMark(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	version, err := store.LatestVersion(ctx, "alice")
	if err != nil {
		t.Fatalf("LatestVersion failed: %v", err)
	}
	if version != 0 {
		t.Fatalf("expected 0 for unknown principal, got %d", version)
	}

	recHigh, _ := testRecord(t, "alice", 5, time.Hour)
	if err := store.InsertRecord(ctx, recHigh); err != nil {
		t.Fatalf("InsertRecord failed: %v", err)
	}
	recLow, _ := testRecord(t, "alice", 2, time.Hour)
	if err := store.InsertRecord(ctx, recLow); err != nil {
		t.Fatalf("InsertRecord failed: %v", err)
	}

	version, err = store.LatestVersion(ctx, "alice")
	if err != nil {
		t.Fatalf("LatestVersion failed: %v", err)
	}
	if version != 5 {
		t.Fatalf("expected high-water mark 5, got %d", version)
	}
}

func TestStoreDeleteExpiredBefore(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	old, _ := testRecord(t, "alice", 1, -time.Hour)
	if err := store.InsertRecord(ctx, old); err != nil {
		t.Fatalf("InsertRecord failed: %v", err)
	}
	fresh, _ := testRecord(t, "alice", 2, time.Hour)
	if err := store.InsertRecord(ctx, fresh); err != nil {
		t.Fatalf("InsertRecord failed: %v", err)
	}

	removed, err := store.DeleteExpiredBefore(ctx, time.Now())
	if err != nil {
		t.Fatalf("DeleteExpiredBefore failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 record removed, got %d", removed)
	}

	gone, err := store.FindByHash(ctx, old.SecretHash)
	if err != nil {
		t.Fatalf("FindByHash failed: %v", err)
	}
	if gone != nil {
		t.Fatal("expired record survived the sweep")
	}

	kept, err := store.FindByHash(ctx, fresh.SecretHash)
	if err != nil {
		t.Fatalf("FindByHash failed: %v", err)
	}
	if kept == nil {
		t.Fatal("live record deleted by the sweep")
	}
}

func TestStoreUnavailableWrapsErrors(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()

	rec, _ := testRecord(t, "alice", 1, time.Hour)
	if err := store.InsertRecord(context.Background(), rec); !errors.Is(err, ledger.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := store.FindByHash(context.Background(), rec.SecretHash); !errors.Is(err, ledger.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
