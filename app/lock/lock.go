package lock

// Package lock provides the redis-backed advisory lock used by sensitive
// periodic workers (repository GC, blob-upload cleanup, namespace deletion).
// Holders pick a TTL of expected work plus padding up front and tolerate being
// preempted on overrun; the lock is never extended silently.

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotAcquired is returned when the named lock is held elsewhere.
var ErrLockNotAcquired = errors.New("global lock not acquired")

const lockKeyPrefix = "global_lock:"

// release only deletes the key when the stored owner token still matches, a
// preempted holder must not release a successor's lock
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// GlobalLock is one named advisory lock instance. Not safe for concurrent use
// by multiple goroutines, each should construct its own.
type GlobalLock struct {
	client redis.UniversalClient
	name   string
	ttl    time.Duration
	owner  string
}

// New makes a lock handle for the given name and TTL.
func New(client redis.UniversalClient, name string, ttl time.Duration) *GlobalLock {
	return &GlobalLock{client: client, name: name, ttl: ttl}
}

// Acquire tries to take the lock once. It does not block waiting for a holder.
func (l *GlobalLock) Acquire(ctx context.Context) (bool, error) {
	token := make([]byte, 16)
	if _, err := rand.Read(token); err != nil {
		return false, errors.Wrap(err, "failed to generate lock owner token")
	}
	l.owner = hex.EncodeToString(token)

	ok, err := l.client.SetNX(ctx, lockKeyPrefix+l.name, l.owner, l.ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "failed to acquire lock %s", l.name)
	}
	return ok, nil
}

// Release gives the lock up. Releasing a lock lost to TTL expiry is a no-op.
func (l *GlobalLock) Release(ctx context.Context) {
	if l.owner == "" {
		return
	}
	if err := releaseScript.Run(ctx, l.client, []string{lockKeyPrefix + l.name}, l.owner).Err(); err != nil && err != redis.Nil {
		log.Printf("[DEBUG] failed to release lock %s: %v", l.name, err)
	}
	l.owner = ""
}

// WithLock runs fn under the named lock, returning ErrLockNotAcquired when the
// lock is held elsewhere.
func WithLock(ctx context.Context, client redis.UniversalClient, name string, ttl time.Duration, fn func(ctx context.Context) error) error {
	l := New(client, name, ttl)
	ok, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockNotAcquired
	}
	defer l.Release(ctx)
	return fn(ctx)
}
