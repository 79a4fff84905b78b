package pullmetrics

import (
	"context"
	"strconv"

	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"

	"github.com/ocistack/stevedore/app/store"
)

// deleteBatchSize bounds one DEL call during the post-flush cleanup.
const deleteBatchSize = 100

// scanBatchSize is the COUNT hint for the keyspace scan.
const scanBatchSize = 100

// pullStatsStore is the slice of the storage engine the flusher consumes.
type pullStatsStore interface {
	UpsertTagPullStatistics(ctx context.Context, rows []store.TagPullStatistics) error
	UpsertManifestPullStatistics(ctx context.Context, rows []store.ManifestPullStatistics) error
}

// Flusher drains the redis pull counters into the statistics tables.
type Flusher struct {
	client redis.UniversalClient
	eng    pullStatsStore
	l      log.L
}

// NewFlusher makes a flusher over the given redis client and engine.
func NewFlusher(client redis.UniversalClient, eng pullStatsStore, l log.L) *Flusher {
	if l == nil {
		l = log.Default()
	}
	return &Flusher{client: client, eng: eng, l: l}
}

// Flush scans the counter keyspace, bulk-upserts both statistics tables and
// deletes the flushed keys. Keys are only deleted after the database write
// succeeded, a failed flush retries the same counters next period. A pull
// counted between the read and the delete is lost, the projection is a
// statistic rather than a ledger.
func (f *Flusher) Flush(ctx context.Context) error {
	var tagRows []store.TagPullStatistics
	var manifestRows []store.ManifestPullStatistics
	var flushed []string

	iter := f.client.Scan(ctx, 0, keyPrefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		parsed, err := parsePullKey(key)
		if err != nil {
			// a key nothing can ever flush only wastes memory
			f.l.Logf("[WARN] dropping unparsable pull counter %s: %v", key, err)
			flushed = append(flushed, key)
			continue
		}

		fields, err := f.client.HGetAll(ctx, key).Result()
		if err != nil {
			return errors.Wrapf(err, "failed to read pull counter %s", key)
		}
		count, _ := strconv.ParseInt(fields["pull_count"], 10, 64)
		lastPull, _ := strconv.ParseInt(fields["last_pull_timestamp"], 10, 64)
		if count <= 0 {
			flushed = append(flushed, key)
			continue
		}

		if parsed.tagName != "" {
			tagRows = append(tagRows, store.TagPullStatistics{RepositoryID: parsed.repoID,
				TagName: parsed.tagName, ManifestDigest: parsed.dgst.String(),
				PullCount: count, LastPullMs: lastPull})
		} else {
			manifestRows = append(manifestRows, store.ManifestPullStatistics{RepositoryID: parsed.repoID,
				ManifestDigest: parsed.dgst.String(), PullCount: count, LastPullMs: lastPull})
		}
		flushed = append(flushed, key)
	}
	if err := iter.Err(); err != nil {
		return errors.Wrap(err, "failed to scan pull counters")
	}

	// counters referencing repositories deleted since the pull still flush,
	// repository purge removes their statistics rows
	if err := f.eng.UpsertTagPullStatistics(ctx, tagRows); err != nil {
		return errors.Wrap(err, "failed to flush tag pull statistics")
	}
	if err := f.eng.UpsertManifestPullStatistics(ctx, manifestRows); err != nil {
		return errors.Wrap(err, "failed to flush manifest pull statistics")
	}

	for _, batch := range lo.Chunk(flushed, deleteBatchSize) {
		if err := f.client.Del(ctx, batch...).Err(); err != nil {
			return errors.Wrap(err, "failed to delete flushed pull counters")
		}
	}

	if len(flushed) > 0 {
		f.l.Logf("[INFO] flushed %d pull counters (%d tag rows, %d manifest rows)",
			len(flushed), len(tagRows), len(manifestRows))
	}
	return nil
}
