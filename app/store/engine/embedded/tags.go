package embedded

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/ocistack/stevedore/app/store"
	"github.com/ocistack/stevedore/app/store/engine"
)

const tagColumns = "id, repository_id, name, manifest_id, lifetime_start_ms, lifetime_end_ms, reversion, hidden"

func scanTag(row interface{ Scan(...interface{}) error }) (t store.Tag, err error) {
	var reversion, hidden int
	err = row.Scan(&t.ID, &t.RepositoryID, &t.Name, &t.ManifestID, &t.LifetimeStartMs, &t.LifetimeEndMs, &reversion, &hidden)
	t.Reversion = reversion != 0
	t.Hidden = hidden != 0
	return t, err
}

// GetRepoTag fetches the alive visible tag for a repo and name.
func (e *Embedded) GetRepoTag(ctx context.Context, repoID int64, name string) (store.Tag, error) {
	t, err := scanTag(e.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE repository_id = ? AND name = ? AND hidden = 0 AND `+aliveTagClause,
		tagColumns, tagsTable), repoID, name, nowMs()))
	if err == sql.ErrNoRows {
		return t, engine.ErrNotFound
	}
	return t, errors.Wrapf(err, "failed to get tag %s", name)
}

// FindMatchingTag returns the first alive tag matching any of the candidate
// names, in lifetime order. The legacy manifest builder resolves parent images
// this way.
func (e *Embedded) FindMatchingTag(ctx context.Context, repoID int64, names []string) (store.Tag, error) {
	if len(names) == 0 {
		return store.Tag{}, engine.ErrNotFound
	}
	args := make([]interface{}, 0, len(names)+2)
	args = append(args, repoID)
	placeholders := ""
	for i, n := range names {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, n)
	}
	args = append(args, nowMs())

	t, err := scanTag(e.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE repository_id = ? AND name IN (%s) AND hidden = 0 AND `+aliveTagClause+`
		 ORDER BY lifetime_start_ms DESC LIMIT 1`,
		tagColumns, tagsTable, placeholders), args...))
	if err == sql.ErrNoRows {
		return t, engine.ErrNotFound
	}
	return t, errors.Wrap(err, "failed to find matching tag")
}

// GetMostRecentTag returns the newest alive visible tag of the repository.
func (e *Embedded) GetMostRecentTag(ctx context.Context, repoID int64) (store.Tag, error) {
	t, err := scanTag(e.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE repository_id = ? AND hidden = 0 AND `+aliveTagClause+`
		 ORDER BY lifetime_start_ms DESC LIMIT 1`,
		tagColumns, tagsTable), repoID, nowMs()))
	if err == sql.ErrNoRows {
		return t, engine.ErrNotFound
	}
	return t, errors.Wrap(err, "failed to get most recent tag")
}

// LookupActiveRepositoryTags pages through the alive visible tags of a
// repository by ascending tag id. Callers pass the last seen id as startID.
func (e *Embedded) LookupActiveRepositoryTags(ctx context.Context, repoID, startID int64, limit int) ([]store.ShallowTag, error) {
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT t.id, t.name, t.lifetime_start_ms, t.lifetime_end_ms, m.digest
		 FROM %s t INNER JOIN %s m ON m.id = t.manifest_id
		 WHERE t.repository_id = ? AND t.id > ? AND t.hidden = 0 AND `+aliveTagClause+`
		 ORDER BY t.id LIMIT ?`,
		tagsTable, manifestsTable), repoID, startID, nowMs(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active tags")
	}
	defer func() { _ = rows.Close() }()

	var result []store.ShallowTag
	for rows.Next() {
		var t store.ShallowTag
		if err = rows.Scan(&t.ID, &t.Name, &t.LifetimeStartMs, &t.LifetimeEndMs, &t.ManifestDigest); err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// ListRepositoryTagHistory lists tag rows newest-first, closed rows included
// unless the filter says otherwise.
func (e *Embedded) ListRepositoryTagHistory(ctx context.Context, repoID int64, filter engine.TagHistoryFilter) ([]store.TagHistoryEntry, error) {
	query := fmt.Sprintf(
		`SELECT t.id, t.repository_id, t.name, t.manifest_id, t.lifetime_start_ms, t.lifetime_end_ms, t.reversion, t.hidden, m.digest
		 FROM %s t INNER JOIN %s m ON m.id = t.manifest_id
		 WHERE t.repository_id = ? AND t.hidden = 0`, tagsTable, manifestsTable)
	args := []interface{}{repoID}

	if filter.TagName != "" {
		query += " AND t.name = ?"
		args = append(args, filter.TagName)
	}
	if filter.ActiveOnly {
		query += " AND " + aliveTagClause
		args = append(args, nowMs())
	}
	if filter.SinceMs > 0 {
		query += " AND t.lifetime_start_ms >= ?"
		args = append(args, filter.SinceMs)
	}

	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	query += " ORDER BY t.lifetime_start_ms DESC, t.id DESC LIMIT ? OFFSET ?"
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tag history")
	}
	defer func() { _ = rows.Close() }()

	var result []store.TagHistoryEntry
	for rows.Next() {
		var entry store.TagHistoryEntry
		var reversion, hidden int
		if err = rows.Scan(&entry.Tag.ID, &entry.Tag.RepositoryID, &entry.Tag.Name, &entry.Tag.ManifestID,
			&entry.Tag.LifetimeStartMs, &entry.Tag.LifetimeEndMs, &reversion, &hidden, &entry.ManifestDigest); err != nil {
			return nil, err
		}
		entry.Tag.Reversion = reversion != 0
		entry.Tag.Hidden = hidden != 0
		result = append(result, entry)
	}
	return result, rows.Err()
}

// RetargetTag points a tag at a manifest. The previous alive row closes and the
// new one opens inside the same transaction so readers never observe two alive
// rows for the name.
func (e *Embedded) RetargetTag(ctx context.Context, repoID int64, name string, manifestID int64, isReversion bool) (t store.Tag, err error) {
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		t, err = e.retargetTagTx(ctx, tx, repoID, name, manifestID, isReversion, false, nil)
		return err
	})
	return t, err
}

// retargetTagTx is the shared closed-then-open primitive. endMs sets an
// explicit expiration on the new row, nil means unbounded.
func (e *Embedded) retargetTagTx(ctx context.Context, tx *sql.Tx, repoID int64, name string, manifestID int64,
	isReversion, hidden bool, endMs *int64) (store.Tag, error) {

	now := nowMs()
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET lifetime_end_ms = ? WHERE repository_id = ? AND name = ? AND `+aliveTagClause, tagsTable),
		now, repoID, name, now); err != nil {
		return store.Tag{}, errors.Wrapf(err, "failed to close previous tag %s", name)
	}

	res, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (repository_id, name, manifest_id, lifetime_start_ms, lifetime_end_ms, reversion, hidden)
		 values(?, ?, ?, ?, ?, ?, ?)`, tagsTable),
		repoID, name, manifestID, now, endMs, boolToInt(isReversion), boolToInt(hidden))
	if err != nil {
		return store.Tag{}, errors.Wrapf(err, "failed to insert tag %s", name)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return store.Tag{}, err
	}

	t := store.Tag{ID: id, RepositoryID: repoID, Name: name, ManifestID: manifestID,
		LifetimeStartMs: now, LifetimeEndMs: endMs, Reversion: isReversion, Hidden: hidden}
	return t, nil
}

// DeleteTag closes the alive row for a name and returns it. Deleting a missing
// or already expired tag reports ErrTagDoesNotExist.
func (e *Embedded) DeleteTag(ctx context.Context, repoID int64, name string) (t store.Tag, err error) {
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		now := nowMs()
		t, err = scanTag(tx.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT %s FROM %s WHERE repository_id = ? AND name = ? AND hidden = 0 AND `+aliveTagClause,
			tagColumns, tagsTable), repoID, name, now))
		if err == sql.ErrNoRows {
			return store.ErrTagDoesNotExist
		}
		if err != nil {
			return errors.Wrapf(err, "failed to lookup tag %s for delete", name)
		}
		_, err = tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET lifetime_end_ms = ? WHERE id = ?`, tagsTable), now, t.ID)
		if err == nil {
			t.LifetimeEndMs = &now
		}
		return errors.Wrapf(err, "failed to delete tag %s", name)
	})
	if err != nil {
		return store.Tag{}, err
	}
	return t, nil
}

// DeleteTagsForManifest closes every alive tag pointing at the manifest and
// returns the count.
func (e *Embedded) DeleteTagsForManifest(ctx context.Context, manifestID int64) (int64, error) {
	now := nowMs()
	res, err := e.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET lifetime_end_ms = ? WHERE manifest_id = ? AND `+aliveTagClause, tagsTable),
		now, manifestID, now)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete tags for manifest")
	}
	return res.RowsAffected()
}

// ChangeRepositoryTagExpiration sets or clears the expiration of a single tag.
func (e *Embedded) ChangeRepositoryTagExpiration(ctx context.Context, tagID int64, endMs *int64) error {
	res, err := e.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET lifetime_end_ms = ? WHERE id = ?`, tagsTable), endMs, tagID)
	if err != nil {
		return errors.Wrap(err, "failed to change tag expiration")
	}
	return noRowsAsNotFound(res)
}

// SetTagsExpirationForManifest pushes the expiration of every alive tag of the
// manifest out to now+expiration. The proxy cache renews cached content this
// way on successful upstream revalidation.
func (e *Embedded) SetTagsExpirationForManifest(ctx context.Context, manifestID int64, expiration time.Duration) error {
	now := nowMs()
	endMs := now + expiration.Milliseconds()
	_, err := e.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET lifetime_end_ms = ? WHERE manifest_id = ? AND lifetime_end_ms IS NOT NULL AND lifetime_end_ms > ?`,
		tagsTable), endMs, manifestID, now)
	return errors.Wrap(err, "failed to set tags expiration for manifest")
}

// HasExpiredTag reports whether the name has at least one closed row and no
// alive one. The proxy cache distinguishes expired-cached from never-cached.
func (e *Embedded) HasExpiredTag(ctx context.Context, repoID int64, name string) (bool, error) {
	var expired bool
	now := nowMs()
	err := e.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT EXISTS (SELECT 1 FROM %s WHERE repository_id = ? AND name = ? AND lifetime_end_ms IS NOT NULL AND lifetime_end_ms <= ?)
		 AND NOT EXISTS (SELECT 1 FROM %s WHERE repository_id = ? AND name = ? AND `+aliveTagClause+`)`,
		tagsTable, tagsTable), repoID, name, now, repoID, name, now).Scan(&expired)
	return expired, errors.Wrap(err, "failed to check for expired tag")
}

// TagNamesForManifest returns up to limit alive visible tag names targeting the
// manifest, for notification payloads.
func (e *Embedded) TagNamesForManifest(ctx context.Context, manifestID int64, limit int) ([]string, error) {
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT name FROM %s WHERE manifest_id = ? AND hidden = 0 AND `+aliveTagClause+` ORDER BY id LIMIT ?`,
		tagsTable), manifestID, nowMs(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tag names for manifest")
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// RenewTagAndParents extends the expiration of a tag and of the temp tags
// keeping its manifest's list parents alive, so a renewed child never outlives
// the index it belongs to.
func (e *Embedded) RenewTagAndParents(ctx context.Context, tagID int64, endMs int64) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		t, err := scanTag(tx.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, tagColumns, tagsTable), tagID))
		if err == sql.ErrNoRows {
			return engine.ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "failed to lookup tag for renewal")
		}

		if _, err = tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET lifetime_end_ms = ? WHERE id = ? AND lifetime_end_ms IS NOT NULL AND lifetime_end_ms < ?`,
			tagsTable), endMs, t.ID, endMs); err != nil {
			return errors.Wrap(err, "failed to renew tag")
		}

		// only bump parent tags forward, never shorten them
		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET lifetime_end_ms = ? WHERE lifetime_end_ms IS NOT NULL AND lifetime_end_ms < ? AND manifest_id IN (
				SELECT manifest_id FROM %s WHERE child_manifest_id = ?)`,
			tagsTable, manifestChildrenTable), endMs, endMs, t.ManifestID)
		return errors.Wrap(err, "failed to renew parent tags")
	})
}

// NamespaceTagsByNearestExpiry lists the expiring tags of a namespace, soonest
// first. The quota pruner evicts in this order.
func (e *Embedded) NamespaceTagsByNearestExpiry(ctx context.Context, namespaceID int64) ([]store.Tag, error) {
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT t.id, t.repository_id, t.name, t.manifest_id, t.lifetime_start_ms, t.lifetime_end_ms, t.reversion, t.hidden
		 FROM %s t INNER JOIN %s r ON r.id = t.repository_id
		 WHERE r.namespace_id = ? AND t.lifetime_end_ms IS NOT NULL AND t.lifetime_end_ms > ?
		 ORDER BY t.lifetime_end_ms ASC`,
		tagsTable, repositoriesTable), namespaceID, nowMs())
	if err != nil {
		return nil, errors.Wrap(err, "failed to list namespace tags by expiry")
	}
	defer func() { _ = rows.Close() }()

	var result []store.Tag
	for rows.Next() {
		t, errScan := scanTag(rows)
		if errScan != nil {
			return nil, errScan
		}
		result = append(result, t)
	}
	return result, rows.Err()
}
