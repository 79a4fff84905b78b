package embedded

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/ocistack/stevedore/app/store"
	"github.com/ocistack/stevedore/app/store/engine"
)

// CreateNamespace inserts a namespace row and backfills its id.
func (e *Embedded) CreateNamespace(ctx context.Context, ns *store.Namespace) error {
	regions, err := json.Marshal(ns.Regions)
	if err != nil {
		return errors.Wrap(err, "failed to marshal namespace regions")
	}
	blacklist, err := json.Marshal(ns.RegionBlacklist)
	if err != nil {
		return errors.Wrap(err, "failed to marshal namespace region blacklist")
	}

	res, err := e.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (name, regions, region_blacklist, quota_limit_bytes, marked_for_deletion) values(?, ?, ?, ?, ?)`, namespacesTable),
		ns.Name, string(regions), string(blacklist), ns.QuotaLimitBytes, boolToInt(ns.MarkedForDeletion))
	if err != nil {
		return errors.Wrapf(err, "failed to insert namespace %s", ns.Name)
	}
	ns.ID, err = res.LastInsertId()
	return err
}

// LookupNamespace fetches a namespace by name.
func (e *Embedded) LookupNamespace(ctx context.Context, name string) (ns store.Namespace, err error) {
	var regions, blacklist string
	var marked int
	err = e.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, name, regions, region_blacklist, quota_limit_bytes, marked_for_deletion FROM %s WHERE name = ?`, namespacesTable),
		name).Scan(&ns.ID, &ns.Name, &regions, &blacklist, &ns.QuotaLimitBytes, &marked)
	if err == sql.ErrNoRows {
		return ns, engine.ErrNotFound
	}
	if err != nil {
		return ns, errors.Wrapf(err, "failed to lookup namespace %s", name)
	}
	ns.MarkedForDeletion = marked != 0
	if err = json.Unmarshal([]byte(regions), &ns.Regions); err != nil {
		return ns, errors.Wrap(err, "failed to unmarshal namespace regions")
	}
	if err = json.Unmarshal([]byte(blacklist), &ns.RegionBlacklist); err != nil {
		return ns, errors.Wrap(err, "failed to unmarshal namespace region blacklist")
	}
	return ns, nil
}

// NamespaceUsedBytes sums the compressed size of every manifest targeted by an
// alive tag inside the namespace. The proxy cache quota check reads this.
func (e *Embedded) NamespaceUsedBytes(ctx context.Context, namespaceID int64) (int64, error) {
	var used sql.NullInt64
	err := e.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT SUM(m.layers_compressed_size) FROM %s m
		 WHERE m.id IN (
			SELECT DISTINCT t.manifest_id FROM %s t
			INNER JOIN %s r ON r.id = t.repository_id
			WHERE r.namespace_id = ? AND `+aliveTagClause+`)`,
		manifestsTable, tagsTable, repositoriesTable),
		namespaceID, nowMs()).Scan(&used)
	if err != nil {
		return 0, errors.Wrap(err, "failed to compute namespace used bytes")
	}
	return used.Int64, nil
}

// MarkNamespaceForDeletion flips the deletion flag, the namespace GC worker
// picks marked rows up from its queue.
func (e *Embedded) MarkNamespaceForDeletion(ctx context.Context, namespaceID int64) error {
	res, err := e.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET marked_for_deletion = 1 WHERE id = ?`, namespacesTable), namespaceID)
	if err != nil {
		return errors.Wrap(err, "failed to mark namespace for deletion")
	}
	return noRowsAsNotFound(res)
}

// PurgeNamespace removes the namespace row itself. All repositories must have
// been purged before.
func (e *Embedded) PurgeNamespace(ctx context.Context, namespaceID int64) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		var count int64
		if err := tx.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE namespace_id = ?`, repositoriesTable), namespaceID).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			return errors.Errorf("namespace %d still owns %d repositories", namespaceID, count)
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, namespacesTable), namespaceID)
		return err
	})
}

// CreateRepository inserts a repository row and backfills its id.
func (e *Embedded) CreateRepository(ctx context.Context, repo *store.Repository) error {
	if repo.Visibility == "" {
		repo.Visibility = store.VisibilityPrivate
	}
	if repo.State == "" {
		repo.State = store.StateNormal
	}
	res, err := e.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (namespace_id, name, visibility, state, description) values(?, ?, ?, ?, ?)`, repositoriesTable),
		repo.NamespaceID, repo.Name, string(repo.Visibility), string(repo.State), repo.Description)
	if err != nil {
		return errors.Wrapf(err, "failed to insert repository %s", repo.Name)
	}
	repo.ID, err = res.LastInsertId()
	return err
}

// LookupRepository fetches a repository by namespace and name.
func (e *Embedded) LookupRepository(ctx context.Context, namespace, name string) (repo store.Repository, err error) {
	err = e.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT r.id, r.namespace_id, n.name, r.name, r.visibility, r.state, r.description
		 FROM %s r INNER JOIN %s n ON n.id = r.namespace_id
		 WHERE n.name = ? AND r.name = ?`, repositoriesTable, namespacesTable),
		namespace, name).Scan(&repo.ID, &repo.NamespaceID, &repo.Namespace, &repo.Name, &repo.Visibility, &repo.State, &repo.Description)
	if err == sql.ErrNoRows {
		return repo, engine.ErrNotFound
	}
	return repo, errors.Wrapf(err, "failed to lookup repository %s/%s", namespace, name)
}

// GetRepository fetches a repository by id.
func (e *Embedded) GetRepository(ctx context.Context, repoID int64) (repo store.Repository, err error) {
	err = e.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT r.id, r.namespace_id, n.name, r.name, r.visibility, r.state, r.description
		 FROM %s r INNER JOIN %s n ON n.id = r.namespace_id
		 WHERE r.id = ?`, repositoriesTable, namespacesTable),
		repoID).Scan(&repo.ID, &repo.NamespaceID, &repo.Namespace, &repo.Name, &repo.Visibility, &repo.State, &repo.Description)
	if err == sql.ErrNoRows {
		return repo, engine.ErrNotFound
	}
	return repo, errors.Wrapf(err, "failed to get repository %d", repoID)
}

// FindRepositoryWithGarbage samples uniformly over repositories holding at
// least one orphan manifest candidate.
func (e *Embedded) FindRepositoryWithGarbage(ctx context.Context) (repo store.Repository, err error) {
	err = e.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT r.id, r.namespace_id, n.name, r.name, r.visibility, r.state, r.description
		 FROM %s r INNER JOIN %s n ON n.id = r.namespace_id
		 WHERE r.state <> 'marked_for_deletion' AND EXISTS (
			SELECT 1 FROM %s m WHERE m.repository_id = r.id
			AND NOT EXISTS (SELECT 1 FROM %s t WHERE t.manifest_id = m.id AND `+aliveTagClause+`)
			AND NOT EXISTS (SELECT 1 FROM %s c WHERE c.child_manifest_id = m.id))
		 ORDER BY RANDOM() LIMIT 1`,
		repositoriesTable, namespacesTable, manifestsTable, tagsTable, manifestChildrenTable),
		nowMs()).Scan(&repo.ID, &repo.NamespaceID, &repo.Namespace, &repo.Name, &repo.Visibility, &repo.State, &repo.Description)
	if err == sql.ErrNoRows {
		return repo, engine.ErrNotFound
	}
	return repo, errors.Wrap(err, "failed to sample repository with garbage")
}

// MarkRepositoryForDeletion hides the repository from lookups, the queue-driven
// delete worker purges it later.
func (e *Embedded) MarkRepositoryForDeletion(ctx context.Context, repoID int64) error {
	res, err := e.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET state = 'marked_for_deletion' WHERE id = ?`, repositoriesTable), repoID)
	if err != nil {
		return errors.Wrap(err, "failed to mark repository for deletion")
	}
	return noRowsAsNotFound(res)
}

// PurgeRepository removes every row the repository owns: tags, manifest links,
// manifests, labels, uploads, temp links and finally the repository itself.
// Shared blobs are left for the blob GC.
func (e *Embedded) PurgeRepository(ctx context.Context, repoID int64) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		statements := []string{
			fmt.Sprintf(`DELETE FROM %s WHERE manifest_id IN (SELECT id FROM %s WHERE repository_id = ?)`, labelsTable, manifestsTable),
			fmt.Sprintf(`DELETE FROM %s WHERE repository_id = ?`, tagsTable),
			fmt.Sprintf(`DELETE FROM %s WHERE repository_id = ?`, manifestBlobsTable),
			fmt.Sprintf(`DELETE FROM %s WHERE repository_id = ?`, manifestChildrenTable),
			fmt.Sprintf(`DELETE FROM %s WHERE repository_id = ?`, manifestsTable),
			fmt.Sprintf(`DELETE FROM %s WHERE repository_id = ?`, uploadedBlobsTable),
			fmt.Sprintf(`DELETE FROM %s WHERE repository_id = ?`, blobUploadsTable),
			fmt.Sprintf(`DELETE FROM %s WHERE repository_id = ?`, notificationsTable),
			fmt.Sprintf(`DELETE FROM %s WHERE repository_id = ?`, tagStatsTable),
			fmt.Sprintf(`DELETE FROM %s WHERE repository_id = ?`, manifestStatsTable),
			fmt.Sprintf(`DELETE FROM %s WHERE repository_id = ?`, repositoryMirrorsTable),
			fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, repositoriesTable),
		}
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt, repoID); err != nil {
				return errors.Wrapf(err, "failed to purge repository %d", repoID)
			}
		}
		return nil
	})
}

// ListRepositories returns every repository of a namespace.
func (e *Embedded) ListRepositories(ctx context.Context, namespaceID int64) ([]store.Repository, error) {
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT r.id, r.namespace_id, n.name, r.name, r.visibility, r.state, r.description
		 FROM %s r INNER JOIN %s n ON n.id = r.namespace_id WHERE r.namespace_id = ? ORDER BY r.id`,
		repositoriesTable, namespacesTable), namespaceID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list repositories")
	}
	defer func() { _ = rows.Close() }()

	var result []store.Repository
	for rows.Next() {
		var repo store.Repository
		if err = rows.Scan(&repo.ID, &repo.NamespaceID, &repo.Namespace, &repo.Name, &repo.Visibility, &repo.State, &repo.Description); err != nil {
			return nil, err
		}
		result = append(result, repo)
	}
	return result, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func noRowsAsNotFound(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return engine.ErrNotFound
	}
	return nil
}
