// Package pullmetrics counts tag and manifest pulls in redis and periodically
// folds the counters into the durable statistics tables. The hot path does one
// scripted hash update per pull, the request never waits on the database.
package pullmetrics

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "pull_events:repo:"

// incrScript bumps one pull counter hash atomically. The timestamp only moves
// forward, concurrent pulls may land out of order.
var incrScript = redis.NewScript(`
local ts = tonumber(ARGV[1])
if not ts then
	return redis.error_reply("last_pull_timestamp must be numeric")
end
local count = redis.call("HINCRBY", KEYS[1], "pull_count", 1)
local last = tonumber(redis.call("HGET", KEYS[1], "last_pull_timestamp"))
if not last or ts > last then
	redis.call("HSET", KEYS[1], "last_pull_timestamp", ARGV[1])
end
redis.call("HSET", KEYS[1], "method", ARGV[2])
return count
`)

// Recorder writes pull counters on the registry's read path.
type Recorder struct {
	client redis.UniversalClient
	l      log.L
}

// NewRecorder makes a recorder over the given redis client.
func NewRecorder(client redis.UniversalClient, l log.L) *Recorder {
	if l == nil {
		l = log.Default()
	}
	return &Recorder{client: client, l: l}
}

// TagPulled counts one pull of a tag resolving to the given manifest digest.
func (r *Recorder) TagPulled(ctx context.Context, repoID int64, tagName string, dgst digest.Digest, method string) error {
	if repoID <= 0 || tagName == "" || dgst == "" {
		return errors.Errorf("invalid pull event: repo %d, tag %q, digest %q", repoID, tagName, dgst)
	}
	key := tagKey(repoID, tagName, dgst)
	return errors.Wrapf(r.bump(ctx, key, method), "failed to count tag pull %s", key)
}

// ManifestPulled counts one pull of a manifest by digest.
func (r *Recorder) ManifestPulled(ctx context.Context, repoID int64, dgst digest.Digest, method string) error {
	if repoID <= 0 || dgst == "" {
		return errors.Errorf("invalid pull event: repo %d, digest %q", repoID, dgst)
	}
	key := digestKey(repoID, dgst)
	return errors.Wrapf(r.bump(ctx, key, method), "failed to count manifest pull %s", key)
}

func (r *Recorder) bump(ctx context.Context, key, method string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return incrScript.Run(ctx, r.client, []string{key}, now, method).Err()
}

func tagKey(repoID int64, tagName string, dgst digest.Digest) string {
	return fmt.Sprintf("%s%d:tag:%s:%s", keyPrefix, repoID, tagName, dgst)
}

func digestKey(repoID int64, dgst digest.Digest) string {
	return fmt.Sprintf("%s%d:digest:%s", keyPrefix, repoID, dgst)
}

// pullKey is one parsed counter key.
type pullKey struct {
	repoID  int64
	tagName string // empty for digest keys
	dgst    digest.Digest
}

// parsePullKey splits a counter key back into its coordinates. Tag names
// cannot contain colons, the digest always carries exactly one.
func parsePullKey(key string) (pullKey, error) {
	rest, ok := strings.CutPrefix(key, keyPrefix)
	if !ok {
		return pullKey{}, errors.Errorf("key %q is not a pull counter", key)
	}
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) != 3 {
		return pullKey{}, errors.Errorf("malformed pull counter key %q", key)
	}
	repoID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || repoID <= 0 {
		return pullKey{}, errors.Errorf("bad repository id in pull counter key %q", key)
	}

	k := pullKey{repoID: repoID}
	switch parts[1] {
	case "digest":
		k.dgst, err = digest.Parse(parts[2])
	case "tag":
		name, rawDigest, found := strings.Cut(parts[2], ":")
		if !found || name == "" {
			return pullKey{}, errors.Errorf("malformed tag pull counter key %q", key)
		}
		k.tagName = name
		k.dgst, err = digest.Parse(rawDigest)
	default:
		return pullKey{}, errors.Errorf("unknown pull counter kind %q in key %q", parts[1], key)
	}
	if err != nil {
		return pullKey{}, errors.Wrapf(err, "bad digest in pull counter key %q", key)
	}
	return k, nil
}
