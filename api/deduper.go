package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper records processed idempotency keys so a retried request is not
// applied twice.
type Deduper interface {
	Add(ctx context.Context, userID, key string) (bool, error)
	Remove(ctx context.Context, userID, key string) error
}

// RedisDeduper stores processed idempotency keys in Redis so all instances
// share one view of which requests have been applied.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(userID, key string) string {
	return fmt.Sprintf("dedup:%s:%s", userID, key)
}

// Add records the key if it does not already exist. It returns true when
// the key was newly added.
func (r *RedisDeduper) Add(ctx context.Context, userID, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(userID, key), 1, r.ttl).Result()
}

// Remove deletes a previously recorded key so the caller may retry after a
// downstream failure.
func (r *RedisDeduper) Remove(ctx context.Context, userID, key string) error {
	return r.client.Del(ctx, r.key(userID, key)).Err()
}
