// Package cachemanager provides the TTL caches the runtime leans on: event
// deduplication, retained event outcomes, and calendar snapshots that would
// otherwise be re-read from disk on every consult.
package cachemanager

import (
	"context"
	"time"
)

// Defaults applied when a caller has no specific retention requirement.
const (
	DefaultExpiration      = 10 * time.Minute
	DefaultCleanupInterval = 30 * time.Minute
)

// CacheManager is a TTL key/value cache. Implementations are safe for
// concurrent use.
type CacheManager[K ~string, V any] interface {
	Get(ctx context.Context, key K) (V, bool)
	// GetWithRefresh behaves like Get but re-arms the entry's TTL on a hit.
	GetWithRefresh(ctx context.Context, key K, ttl time.Duration) (V, bool)
	Set(ctx context.Context, key K, value V, ttl time.Duration)
	Delete(ctx context.Context, keys ...K) error
	Flush(ctx context.Context) error
}
