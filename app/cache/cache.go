package cache

// Package cache is the uniform retrieve-through contract used for upstream auth
// tokens, shallow tag pages and namespace blacklists. Backend errors never
// surface to callers, they degrade to a cache miss.

import (
	"context"
	"time"
)

// Key names one cacheable value together with its TTL.
type Key struct {
	Name       string
	Expiration time.Duration
}

// Loader produces the value on a cache miss. It is invoked exactly once from
// the caller's perspective; no cross-process singleflight is guaranteed.
type Loader func(ctx context.Context) (interface{}, error)

// ShouldCache decides whether a freshly loaded value is worth storing.
// DefaultShouldCache stores anything non-nil.
type ShouldCache func(value interface{}) bool

// DefaultShouldCache caches every non-nil loader result.
func DefaultShouldCache(value interface{}) bool { return value != nil }

// Cache is the retrieve-through contract. Evict drops a key ahead of its TTL,
// used when a cached value is known stale (an upstream rejected a token).
type Cache interface {
	Retrieve(ctx context.Context, key Key, loader Loader, shouldCache ShouldCache) (interface{}, error)
	Evict(ctx context.Context, key Key)
}

// Noop never stores anything, every retrieve invokes the loader.
type Noop struct{}

// NewNoop makes a cache which always misses.
func NewNoop() *Noop { return &Noop{} }

// Retrieve invokes the loader directly.
func (n *Noop) Retrieve(ctx context.Context, _ Key, loader Loader, _ ShouldCache) (interface{}, error) {
	return loader(ctx)
}

// Evict does nothing, Noop holds nothing.
func (n *Noop) Evict(_ context.Context, _ Key) {}
