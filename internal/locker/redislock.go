// Package locker provides a Redis-backed TTL lock for sweep jobs, for
// deployments where the scheduler runs outside the database's reach.
package locker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/merchkit/loyalty/pkg/loyalty"
)

const lockKeyPrefix = "loyalty:joblock:"

// RedisLocker implements loyalty.Locker with SET NX PX. The Redis key TTL
// reclaims locks from crashed holders.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker wires a RedisLocker.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// Acquire takes the named lock or reports ErrLockHeld.
func (locker *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) error {
	acquired, err := locker.client.SetNX(ctx, lockKeyPrefix+name, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return fmt.Errorf("redis lock acquire: %w", err)
	}
	if !acquired {
		return loyalty.ErrLockHeld
	}
	return nil
}

// Release drops the named lock.
func (locker *RedisLocker) Release(ctx context.Context, name string) error {
	if err := locker.client.Del(ctx, lockKeyPrefix+name).Err(); err != nil {
		return fmt.Errorf("redis lock release: %w", err)
	}
	return nil
}
