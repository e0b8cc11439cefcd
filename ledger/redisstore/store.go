// Package redisstore is the Redis-backed ledger.Store. The consume
// transition runs inside a single Lua script, so the check-and-flip is
// one atomic unit on the server and the exactly-once guarantee holds
// across processes sharing the Redis instance.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sigilium/tokencore/internal"
	"github.com/sigilium/tokencore/ledger"
)

const (
	consumeStatusNotFound int64 = 0
	consumeStatusRevoked  int64 = 1
	consumeStatusExpired  int64 = 2
	consumeStatusConsumed int64 = 3
)

const consumeScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local reason = ARGV[2]

if redis.call("EXISTS", key) == 0 then
  return {0}
end
if redis.call("HGET", key, "revoked") == "1" then
  return {1}
end
local expires = tonumber(redis.call("HGET", key, "expires_at") or "0")
if expires <= now then
  return {2}
end

redis.call("HSET", key,
  "revoked", "1",
  "revoked_at", ARGV[1],
  "reason", reason,
  "last_used_at", ARGV[1])
return {3, redis.call("HGETALL", key)}
`

var consumeLua = redis.NewScript(consumeScript)

const insertScript = `
redis.call("HSET", KEYS[1], unpack(ARGV, 3))
redis.call("SADD", KEYS[2], ARGV[1])
local cur = tonumber(redis.call("GET", KEYS[3]) or "0")
local v = tonumber(ARGV[2])
if v > cur then
  redis.call("SET", KEYS[3], ARGV[2])
end
return 1
`

var insertLua = redis.NewScript(insertScript)

const revokeScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if redis.call("HGET", KEYS[1], "revoked") == "1" then
  return 0
end
redis.call("HSET", KEYS[1], "revoked", "1", "revoked_at", ARGV[1], "reason", ARGV[2])
return 1
`

var revokeLua = redis.NewScript(revokeScript)

const revokeAllScript = `
local members = redis.call("SMEMBERS", KEYS[1])
local prefix = ARGV[1]
local count = 0
for _, m in ipairs(members) do
  local key = prefix .. m
  if redis.call("EXISTS", key) == 1 and redis.call("HGET", key, "revoked") ~= "1" then
    redis.call("HSET", key, "revoked", "1", "revoked_at", ARGV[2], "reason", ARGV[3])
    count = count + 1
  end
end
return count
`

var revokeAllLua = redis.NewScript(revokeAllScript)

// Store keeps each record as a Redis hash keyed by the hex of its secret
// hash, plus a per-principal set of record keys and a per-principal
// version high-water mark.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates a Store under the given key namespace; prefix defaults
// to "tc".
func NewStore(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "tc"
	}
	return &Store{redis: client, prefix: prefix}
}

func (s *Store) recordKey(hashHex string) string {
	return s.prefix + ":rec:" + hashHex
}

func (s *Store) recordPrefix() string {
	return s.prefix + ":rec:"
}

func (s *Store) principalKey(principalID string) string {
	return s.prefix + ":pr:" + principalID
}

func (s *Store) versionKey(principalID string) string {
	return s.prefix + ":ver:" + principalID
}

func (s *Store) InsertRecord(ctx context.Context, rec *ledger.Record) error {
	hashHex := internal.HashKey(rec.SecretHash)

	args := []interface{}{
		hashHex,
		rec.Version,
		"id", rec.ID,
		"principal_id", rec.PrincipalID,
		"created_at", rec.CreatedAt.Unix(),
		"expires_at", rec.ExpiresAt.Unix(),
		"device", rec.Device,
		"ip", rec.IP,
		"version", rec.Version,
		"revoked", boolField(rec.Revoked),
		"parent_id", rec.ParentID,
	}

	keys := []string{
		s.recordKey(hashHex),
		s.principalKey(rec.PrincipalID),
		s.versionKey(rec.PrincipalID),
	}
	if err := insertLua.Run(ctx, s.redis, keys, args...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) AtomicConsumeByHash(ctx context.Context, hash [32]byte, reason string, now time.Time) (*ledger.Record, error) {
	key := s.recordKey(internal.HashKey(hash))

	result, err := consumeLua.Run(ctx, s.redis, []string{key}, now.Unix(), reason).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: invalid consume script response", ledger.ErrUnavailable)
	}
	status, ok := parts[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid consume script status", ledger.ErrUnavailable)
	}

	switch status {
	case consumeStatusNotFound, consumeStatusRevoked, consumeStatusExpired:
		// indistinguishable to the caller by contract
		return nil, ledger.ErrNotConsumed
	case consumeStatusConsumed:
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: missing consumed record payload", ledger.ErrUnavailable)
		}
		fields, ok := parts[1].([]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: invalid consumed record payload", ledger.ErrUnavailable)
		}
		rec, err := recordFromFlat(fields, hash)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
		}
		return rec, nil
	default:
		return nil, fmt.Errorf("%w: unknown consume script status", ledger.ErrUnavailable)
	}
}

func (s *Store) FindByHash(ctx context.Context, hash [32]byte) (*ledger.Record, error) {
	fields, err := s.redis.HGetAll(ctx, s.recordKey(internal.HashKey(hash))).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	rec, err := recordFromMap(fields, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
	}
	return rec, nil
}

func (s *Store) RevokeByHash(ctx context.Context, hash [32]byte, reason string, now time.Time) error {
	key := s.recordKey(internal.HashKey(hash))
	if err := revokeLua.Run(ctx, s.redis, []string{key}, now.Unix(), reason).Err(); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) RevokeAllForPrincipal(ctx context.Context, principalID, reason string, now time.Time) (int, error) {
	result, err := revokeAllLua.Run(
		ctx,
		s.redis,
		[]string{s.principalKey(principalID)},
		s.recordPrefix(),
		now.Unix(),
		reason,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
	}
	return result, nil
}

func (s *Store) LatestVersion(ctx context.Context, principalID string) (int64, error) {
	version, err := s.redis.Get(ctx, s.versionKey(principalID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
	}
	return version, nil
}

// DeleteExpiredBefore scans record keys and removes those expired before
// cutoff. This is a retention sweep, not a hot-path operation; the scan
// is O(n) by design.
func (s *Store) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var (
		cursor  uint64
		removed int
	)

	for {
		keys, next, err := s.redis.Scan(ctx, cursor, s.recordPrefix()+"*", 1000).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
		}

		for _, key := range keys {
			fields, err := s.redis.HMGet(ctx, key, "expires_at", "principal_id").Result()
			if err != nil {
				return removed, fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
			}
			expires := parseFieldInt(fields[0])
			if expires == 0 || expires >= cutoff.Unix() {
				continue
			}

			principalID, _ := fields[1].(string)
			member := key[len(s.recordPrefix()):]
			_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				if principalID != "" {
					pipe.SRem(ctx, s.principalKey(principalID), member)
				}
				return nil
			})
			if err != nil {
				return removed, fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
			}
			removed++
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return removed, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func recordFromFlat(flat []interface{}, hash [32]byte) (*ledger.Record, error) {
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, kok := flat[i].(string)
		v, vok := flat[i+1].(string)
		if !kok || !vok {
			return nil, errors.New("invalid record field pair")
		}
		fields[k] = v
	}
	return recordFromMap(fields, hash)
}

func recordFromMap(fields map[string]string, hash [32]byte) (*ledger.Record, error) {
	if fields["id"] == "" || fields["principal_id"] == "" {
		return nil, errors.New("record missing identity fields")
	}

	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return nil, errors.New("record has invalid version")
	}

	rec := &ledger.Record{
		ID:           fields["id"],
		SecretHash:   hash,
		PrincipalID:  fields["principal_id"],
		CreatedAt:    unixField(fields["created_at"]),
		ExpiresAt:    unixField(fields["expires_at"]),
		LastUsedAt:   unixField(fields["last_used_at"]),
		Device:       fields["device"],
		IP:           fields["ip"],
		Version:      version,
		Revoked:      fields["revoked"] == "1",
		RevokedAt:    unixField(fields["revoked_at"]),
		RevokeReason: fields["reason"],
		ParentID:     fields["parent_id"],
	}
	return rec, nil
}

func unixField(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil || sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func parseFieldInt(value interface{}) int64 {
	s, ok := value.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
