// Package cache memoizes worker responses for capabilities that opt in.
//
// Entries are keyed by worker id and request fingerprint and expire after a
// per-capability TTL. Two backends exist: an in-process map bounded by
// capacity, and Redis for sharing a cache between router instances.
package cache

import (
	"context"
	"fmt"
	"time"
)

// Cache stores response payloads with a TTL.
type Cache interface {
	// Get returns the cached value. ok is false on a miss or expired entry.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key.
	Delete(ctx context.Context, key string) error

	// Clear removes every entry owned by this cache.
	Clear(ctx context.Context) error

	// Stats returns current counters.
	Stats(ctx context.Context) (*Stats, error)

	// Close releases backend resources.
	Close() error
}

// Stats provides cache statistics.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
	MaxSize   int   `json:"max_size,omitempty"`
}

// Key builds the cache key for a worker and request fingerprint.
func Key(workerID, fingerprint string) string {
	return workerID + ":" + fingerprint
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Backend  string
	Capacity int
	Redis    RedisConfig
}

// Open builds the configured backend.
func Open(ctx context.Context, opts Options) (Cache, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemoryCache(opts.Capacity), nil
	case BackendRedis:
		return NewRedisCache(ctx, opts.Redis)
	default:
		return nil, fmt.Errorf("unknown cache backend %q (valid: memory, redis)", opts.Backend)
	}
}
