// Package progresscache caches computed progress snapshots in Redis.
package progresscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"thesis/api/internal/progress"
)

const defaultTTL = 5 * time.Minute

// Cache stores snapshots per research project and local calendar date, so a
// cached snapshot never outlives the day its deadline math was done for.
//
// Every Invalidate bumps the project's generation. A reader takes the
// generation before computing and passes it to Set, which stores nothing if
// a write has invalidated the project in the meantime.
type Cache interface {
	Generation(ctx context.Context, researchID string) (int64, error)
	Get(ctx context.Context, researchID, localDate string) (progress.Snapshot, bool, error)
	Set(ctx context.Context, researchID, localDate string, generation int64, snapshot progress.Snapshot) error
	Invalidate(ctx context.Context, researchID string) error
}

// setIfCurrent writes the snapshot field only while the generation key
// still holds the reader's value. A missing key counts as generation 0.
var setIfCurrent = redis.NewScript(`
local current = redis.call('GET', KEYS[1]) or '0'
if current ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
redis.call('EXPIRE', KEYS[2], ARGV[4])
return 1
`)

// RedisCache keeps one hash per research project, one field per local date,
// next to a generation counter that lives without expiry.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to redisURL and verifies the connection.
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisCacheWithClient(client, ttl), nil
}

// NewRedisCacheWithClient wraps an existing client.
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisCache{
		client: client,
		prefix: "progress:",
		ttl:    ttl,
	}
}

// Both keys share a hash tag so the script stays in one cluster slot.
func (c *RedisCache) key(researchID string) string {
	return c.prefix + "{" + researchID + "}"
}

func (c *RedisCache) generationKey(researchID string) string {
	return c.key(researchID) + ":gen"
}

func (c *RedisCache) Generation(ctx context.Context, researchID string) (int64, error) {
	generation, err := c.client.Get(ctx, c.generationKey(researchID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read progress generation: %w", err)
	}
	return generation, nil
}

func (c *RedisCache) Get(ctx context.Context, researchID, localDate string) (progress.Snapshot, bool, error) {
	raw, err := c.client.HGet(ctx, c.key(researchID), localDate).Result()
	if errors.Is(err, redis.Nil) {
		return progress.Snapshot{}, false, nil
	}
	if err != nil {
		return progress.Snapshot{}, false, fmt.Errorf("read cached progress: %w", err)
	}
	var snapshot progress.Snapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return progress.Snapshot{}, false, fmt.Errorf("unmarshal cached progress: %w", err)
	}
	return snapshot, true, nil
}

// Set caches snapshot unless the project was invalidated after generation
// was read. A skipped write is not an error.
func (c *RedisCache) Set(ctx context.Context, researchID, localDate string, generation int64, snapshot progress.Snapshot) error {
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	ttlSeconds := max(int64(c.ttl/time.Second), 1)
	keys := []string{c.generationKey(researchID), c.key(researchID)}
	if err := setIfCurrent.Run(ctx, c.client, keys, strconv.FormatInt(generation, 10), localDate, string(encoded), ttlSeconds).Err(); err != nil {
		return fmt.Errorf("cache progress: %w", err)
	}
	return nil
}

// Invalidate bumps the generation and drops every cached date.
func (c *RedisCache) Invalidate(ctx context.Context, researchID string) error {
	pipe := c.client.TxPipeline()
	pipe.Incr(ctx, c.generationKey(researchID))
	pipe.Del(ctx, c.key(researchID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("invalidate progress: %w", err)
	}
	return nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Nop is used when no Redis is configured.
type Nop struct{}

func (Nop) Get(context.Context, string, string) (progress.Snapshot, bool, error) {
	return progress.Snapshot{}, false, nil
}

func (Nop) Generation(context.Context, string) (int64, error) { return 0, nil }

func (Nop) Set(context.Context, string, string, int64, progress.Snapshot) error { return nil }

func (Nop) Invalidate(context.Context, string) error { return nil }
