package embedded

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"

	"github.com/ocistack/stevedore/app/store"
)

// UpsertTagPullStatistics folds flushed redis tag counters into the durable
// projection. Counts add up, the last-pull timestamp keeps the max.
func (e *Embedded) UpsertTagPullStatistics(ctx context.Context, statRows []store.TagPullStatistics) error {
	if len(statRows) == 0 {
		return nil
	}
	return e.inTx(ctx, func(tx *sql.Tx) error {
		stmt := fmt.Sprintf(
			`INSERT INTO %s (repository_id, tag_name, manifest_digest, pull_count, last_pull_ms) values(?, ?, ?, ?, ?)
			 ON CONFLICT(repository_id, tag_name) DO UPDATE SET
				pull_count = pull_count + excluded.pull_count,
				manifest_digest = excluded.manifest_digest,
				last_pull_ms = MAX(last_pull_ms, excluded.last_pull_ms)`, tagStatsTable)
		for _, row := range statRows {
			if _, err := tx.ExecContext(ctx, stmt, row.RepositoryID, row.TagName, row.ManifestDigest, row.PullCount, row.LastPullMs); err != nil {
				return errors.Wrapf(err, "failed to upsert tag pull stats for %s", row.TagName)
			}
		}
		return nil
	})
}

// UpsertManifestPullStatistics folds flushed redis digest counters into the
// durable projection.
func (e *Embedded) UpsertManifestPullStatistics(ctx context.Context, statRows []store.ManifestPullStatistics) error {
	if len(statRows) == 0 {
		return nil
	}
	return e.inTx(ctx, func(tx *sql.Tx) error {
		stmt := fmt.Sprintf(
			`INSERT INTO %s (repository_id, manifest_digest, pull_count, last_pull_ms) values(?, ?, ?, ?)
			 ON CONFLICT(repository_id, manifest_digest) DO UPDATE SET
				pull_count = pull_count + excluded.pull_count,
				last_pull_ms = MAX(last_pull_ms, excluded.last_pull_ms)`, manifestStatsTable)
		for _, row := range statRows {
			if _, err := tx.ExecContext(ctx, stmt, row.RepositoryID, row.ManifestDigest, row.PullCount, row.LastPullMs); err != nil {
				return errors.Wrapf(err, "failed to upsert manifest pull stats for %s", row.ManifestDigest)
			}
		}
		return nil
	})
}
