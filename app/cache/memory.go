package cache

import (
	"context"

	lru "github.com/go-pkgz/expirable-cache"
	log "github.com/go-pkgz/lgr"
)

// Memory is the in-process backend over go-pkgz/expirable-cache with per-key
// expiration. Suitable for single-process deployments and tests.
type Memory struct {
	backend lru.Cache
}

// NewMemory makes an in-process cache bounded by maxKeys.
func NewMemory(maxKeys int) (*Memory, error) {
	backend, err := lru.NewCache(lru.MaxKeys(maxKeys))
	if err != nil {
		return nil, err
	}
	return &Memory{backend: backend}, nil
}

// Retrieve looks the key up, on miss invokes the loader and stores the result
// with the key's TTL when shouldCache approves it.
func (m *Memory) Retrieve(ctx context.Context, key Key, loader Loader, shouldCache ShouldCache) (interface{}, error) {
	if v, ok := m.backend.Get(key.Name); ok {
		return v, nil
	}

	v, err := loader(ctx)
	if err != nil {
		return nil, err
	}

	if shouldCache == nil {
		shouldCache = DefaultShouldCache
	}
	if shouldCache(v) {
		m.backend.Set(key.Name, v, key.Expiration)
	} else {
		log.Printf("[DEBUG] skip caching %s, value rejected by should-cache predicate", key.Name)
	}
	return v, nil
}

// Evict drops the key immediately.
func (m *Memory) Evict(_ context.Context, key Key) {
	m.backend.Invalidate(key.Name)
}
