// Package cache stores web-search outcomes in Redis so repeated queries skip
// the upstream search APIs.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/abdhe/mirage/pkg/search"
)

const keyPrefix = "search_cache:"

// RedisCache wraps a Redis client for storing and retrieving search outcomes.
// It implements search.Store.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ search.Store = (*RedisCache)(nil)

// NewRedisCache creates a new Redis-backed search cache.
func NewRedisCache(addr, password string, db int, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		ttl: ttl,
	}
}

// Key returns the Redis key for query. Queries differing only in case or
// surrounding space share a key.
func Key(query string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(query))))
	return keyPrefix + hex.EncodeToString(sum[:16])
}

// Get retrieves a cached outcome. A miss returns nil without error.
func (r *RedisCache) Get(ctx context.Context, query string) (*search.Outcome, error) {
	val, err := r.client.Get(ctx, Key(query)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis_cache: get: %w", err)
	}

	var out search.Outcome
	if err := json.Unmarshal([]byte(val), &out); err != nil {
		return nil, fmt.Errorf("redis_cache: unmarshal: %w", err)
	}
	return &out, nil
}

// Set stores an outcome with the configured TTL.
func (r *RedisCache) Set(ctx context.Context, query string, out search.Outcome) error {
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("redis_cache: marshal: %w", err)
	}

	if err := r.client.Set(ctx, Key(query), string(data), r.ttl).Err(); err != nil {
		return fmt.Errorf("redis_cache: set: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisCache) Close() error {
	return r.client.Close()
}
