package cache

import (
	"context"
	"encoding/json"

	log "github.com/go-pkgz/lgr"
	"github.com/redis/go-redis/v9"
)

// Redis is the distributed backend with a JSON codec. Values which are plain
// strings short-circuit the codec and are stored raw. Any backend failure is
// logged and treated as a cache miss, the loader result is still returned.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// Retrieve implements the retrieve-through contract over redis.
func (r *Redis) Retrieve(ctx context.Context, key Key, loader Loader, shouldCache ShouldCache) (interface{}, error) {
	raw, err := r.client.Get(ctx, key.Name).Result()
	switch {
	case err == nil:
		return decode(raw), nil
	case err != redis.Nil:
		log.Printf("[DEBUG] redis cache get %s failed, fall through to loader: %v", key.Name, err)
	}

	v, errLoad := loader(ctx)
	if errLoad != nil {
		return nil, errLoad
	}

	if shouldCache == nil {
		shouldCache = DefaultShouldCache
	}
	if !shouldCache(v) {
		return v, nil
	}

	encoded, errEncode := encode(v)
	if errEncode != nil {
		log.Printf("[DEBUG] failed to encode cache value for %s: %v", key.Name, errEncode)
		return v, nil
	}
	if errSet := r.client.Set(ctx, key.Name, encoded, key.Expiration).Err(); errSet != nil {
		log.Printf("[DEBUG] redis cache set %s failed: %v", key.Name, errSet)
	}
	return v, nil
}

// Evict drops the key, failures only logged.
func (r *Redis) Evict(ctx context.Context, key Key) {
	if err := r.client.Del(ctx, key.Name).Err(); err != nil {
		log.Printf("[DEBUG] redis cache del %s failed: %v", key.Name, err)
	}
}

// encode marshals everything except plain strings, which are stored raw.
func encode(v interface{}) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// decode tries the JSON codec first and degrades to the raw string, which keeps
// string values round-tripping without a marker byte.
func decode(raw string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	if _, ok := v.(string); ok {
		// a JSON-quoted string was stored by the codec path
		return v
	}
	if v == nil {
		return raw
	}
	return v
}
