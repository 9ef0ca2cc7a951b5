// Package cache is the key/value collaborator used to memoize monitoring
// snapshots. The scheduler only needs Get/Set with a TTL; correctness never
// depends on the cache being present or healthy.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a TTL'd byte store.
type Cache interface {
	// Get returns the value and whether the key was present and unexpired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores the value with a time-to-live.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

// Redis backs the cache with a Redis instance.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(rdb *redis.Client) *Redis { return &Redis{rdb: rdb} }

func (c *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *Redis) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, val, ttl).Err()
}

// Memory is the in-process fallback used when no Redis address is configured.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	val       []byte
	expiresAt time.Time
}

func NewMemory() *Memory { return &Memory{entries: make(map[string]memEntry)} }

func (c *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return e.val, true, nil
}

func (c *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	c.mu.Lock()
	c.entries[key] = memEntry{val: val, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}
