package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backend stores the cooldown deadline.
type Backend interface {
	// Deadline returns the current cooldown deadline (zero if none).
	Deadline(ctx context.Context) (time.Time, error)

	// Extend moves the deadline to until unless it is already later.
	Extend(ctx context.Context, until time.Time) error
}

// MemoryBackend keeps the deadline in process memory.
type MemoryBackend struct {
	mu    sync.Mutex
	until time.Time
}

// NewMemoryBackend creates an in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Deadline implements Backend.
func (b *MemoryBackend) Deadline(ctx context.Context) (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.until, nil
}

// Extend implements Backend.
func (b *MemoryBackend) Extend(ctx context.Context, until time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if until.After(b.until) {
		b.until = until
	}
	return nil
}

// extendScript only ever moves the deadline forward and lets the key
// expire together with the cooldown.
var extendScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local nxt = tonumber(ARGV[1])
if nxt > cur then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
return 0
`)

// RedisBackend shares the deadline between processes through Redis.
type RedisBackend struct {
	redis *redis.Client
	key   string
}

// NewRedisBackend creates a Redis-backed backend.
func NewRedisBackend(redisClient *redis.Client) *RedisBackend {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisBackend{
		redis: redisClient,
		key:   RedisKeyCooldownUntil,
	}
}

// Deadline implements Backend.
func (b *RedisBackend) Deadline(ctx context.Context) (time.Time, error) {
	ms, err := b.redis.Get(ctx, b.key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("get cooldown deadline: %w", err)
	}
	return time.UnixMilli(ms), nil
}

// Extend implements Backend.
func (b *RedisBackend) Extend(ctx context.Context, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	ttlMs := ttl.Milliseconds()
	if ttlMs < 1 {
		ttlMs = 1
	}
	err := extendScript.Run(ctx, b.redis, []string{b.key},
		strconv.FormatInt(until.UnixMilli(), 10),
		strconv.FormatInt(ttlMs, 10),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("store cooldown deadline in redis: %w", err)
	}
	return nil
}
