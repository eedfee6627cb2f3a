package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyStore implements IdempotencyStore on Redis. Reserve is a
// SETNX of a pending entry, so kernels in different processes sharing one
// Redis never both claim a key. A reservation left by a process that died
// before recording keeps the key claimed until the ttl lapses.
type RedisIdempotencyStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisIdempotencyStore creates a new store backed by Redis.
// A zero ttl keeps entries forever.
func NewRedisIdempotencyStore(addr, password string, db int, ttl time.Duration) *RedisIdempotencyStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisIdempotencyStoreFromClient(rdb, ttl)
}

// NewRedisIdempotencyStoreFromClient wraps an existing client.
func NewRedisIdempotencyStoreFromClient(client *redis.Client, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, prefix: "exoarmur:idempotency:", ttl: ttl}
}

// Ping checks connectivity.
func (s *RedisIdempotencyStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *RedisIdempotencyStore) Close() error {
	return s.client.Close()
}

func (s *RedisIdempotencyStore) Lookup(ctx context.Context, key string) (*IdempotencyEntry, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency lookup %s: %w", key, err)
	}
	var e IdempotencyEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("idempotency entry %s corrupt: %w", key, err)
	}
	return &e, true, nil
}

func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key, intentID string) (bool, error) {
	marker, err := pendingMarker(intentID)
	if err != nil {
		return false, err
	}
	claimed, err := s.client.SetNX(ctx, s.prefix+key, marker, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency reserve %s: %w", key, err)
	}
	return claimed, nil
}

// releaseScript deletes KEYS[1] only while it still holds the pending marker.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

func (s *RedisIdempotencyStore) Release(ctx context.Context, key, intentID string) error {
	marker, err := pendingMarker(intentID)
	if err != nil {
		return err
	}
	if err := releaseScript.Run(ctx, s.client, []string{s.prefix + key}, marker).Err(); err != nil {
		return fmt.Errorf("idempotency release %s: %w", key, err)
	}
	return nil
}

// recordScript sets KEYS[1] to ARGV[1] when it is unset or holds the pending
// marker ARGV[2]. ARGV[3] is the ttl in milliseconds, 0 for none.
var recordScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and cur ~= ARGV[2] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

func (s *RedisIdempotencyStore) Record(ctx context.Context, key string, entry IdempotencyEntry) (bool, error) {
	entry.Pending = false
	raw, err := json.Marshal(entry)
	if err != nil {
		return false, err
	}
	marker, err := pendingMarker(entry.IntentID)
	if err != nil {
		return false, err
	}
	n, err := recordScript.Run(ctx, s.client, []string{s.prefix + key}, raw, marker, s.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("idempotency record %s: %w", key, err)
	}
	return n == 1, nil
}

func pendingMarker(intentID string) ([]byte, error) {
	return json.Marshal(IdempotencyEntry{IntentID: intentID, Pending: true})
}
