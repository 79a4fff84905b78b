package embedded

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/ocistack/stevedore/app/store"
	"github.com/ocistack/stevedore/app/store/engine"
)

const manifestColumns = "id, repository_id, digest, media_type, bytes, layers_compressed_size, config_media_type, subject, artifact_type"

func scanManifest(row interface{ Scan(...interface{}) error }) (m store.Manifest, err error) {
	var dgst string
	err = row.Scan(&m.ID, &m.RepositoryID, &dgst, &m.MediaType, &m.Bytes, &m.LayersCompressedSize, &m.ConfigMediaType, &m.SubjectDigest, &m.ArtifactType)
	if err != nil {
		return m, err
	}
	m.Digest = digest.Digest(dgst)
	return m, nil
}

// LookupManifestByDigest fetches a manifest row by (repo, digest). With
// allowDead=false only manifests reachable from an alive tag (directly or via
// a list parent) are returned. requireAvailable additionally rejects
// placeholder rows which have no bytes yet.
func (e *Embedded) LookupManifestByDigest(ctx context.Context, repoID int64, dgst digest.Digest, allowDead, requireAvailable bool) (store.Manifest, error) {
	m, err := scanManifest(e.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE repository_id = ? AND digest = ?`, manifestColumns, manifestsTable),
		repoID, dgst.String()))
	if err == sql.ErrNoRows {
		return m, engine.ErrNotFound
	}
	if err != nil {
		return m, errors.Wrapf(err, "failed to lookup manifest %s", dgst)
	}

	if !allowDead {
		alive, errAlive := e.manifestIsAlive(ctx, m.ID)
		if errAlive != nil {
			return m, errAlive
		}
		if !alive {
			return store.Manifest{}, engine.ErrNotFound
		}
	}
	if requireAvailable && m.IsPlaceholder() {
		return store.Manifest{}, engine.ErrNotFound
	}
	return m, nil
}

// manifestIsAlive reports whether an alive tag references the manifest directly
// or through a list parent.
func (e *Embedded) manifestIsAlive(ctx context.Context, manifestID int64) (bool, error) {
	var alive bool
	now := nowMs()
	err := e.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT EXISTS (
			SELECT 1 FROM %s t WHERE t.manifest_id = ? AND `+aliveTagClause+`
			UNION ALL
			SELECT 1 FROM %s c INNER JOIN %s t ON t.manifest_id = c.manifest_id
			WHERE c.child_manifest_id = ? AND `+aliveTagClause+`)`,
		tagsTable, manifestChildrenTable, tagsTable),
		manifestID, now, manifestID, now).Scan(&alive)
	return alive, errors.Wrap(err, "failed to check manifest liveness")
}

// GetManifestForTag fetches the manifest a tag targets.
func (e *Embedded) GetManifestForTag(ctx context.Context, tag store.Tag) (store.Manifest, error) {
	m, err := scanManifest(e.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, manifestColumns, manifestsTable), tag.ManifestID))
	if err == sql.ErrNoRows {
		return m, engine.ErrNotFound
	}
	return m, errors.Wrapf(err, "failed to get manifest for tag %s", tag.Name)
}

// CreateManifestAndRetargetTag looks the manifest up or creates it with its
// blob and child links, then retargets the tag, all inside one transaction.
// Observers never see the tag pointing at a half-built manifest.
func (e *Embedded) CreateManifestAndRetargetTag(ctx context.Context, create engine.ManifestCreate, tagName string) (m store.Manifest, t store.Tag, err error) {
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		m, err = e.lookupOrCreateManifestTx(ctx, tx, create)
		if err != nil {
			return err
		}
		t, err = e.retargetTagTx(ctx, tx, m.RepositoryID, tagName, m.ID, false, false, nil)
		return err
	})
	if err != nil {
		return store.Manifest{}, store.Tag{}, err
	}
	return m, t, nil
}

// CreateManifestWithTempTag creates the manifest with a hidden expiring tag
// which keeps it alive until a real tag or a parent link shows up. The proxy
// cache uses this for placeholder children and digest-only pulls.
func (e *Embedded) CreateManifestWithTempTag(ctx context.Context, create engine.ManifestCreate, expiration time.Duration) (m store.Manifest, t store.Tag, err error) {
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		m, err = e.lookupOrCreateManifestTx(ctx, tx, create)
		if err != nil {
			return err
		}
		endMs := nowMs() + expiration.Milliseconds()
		t, err = e.retargetTagTx(ctx, tx, m.RepositoryID, tempTagName(m.Digest), m.ID, false, true, &endMs)
		return err
	})
	if err != nil {
		return store.Manifest{}, store.Tag{}, err
	}
	return m, t, nil
}

func tempTagName(dgst digest.Digest) string {
	return "$temp-" + dgst.Hex()[:12]
}

func (e *Embedded) lookupOrCreateManifestTx(ctx context.Context, tx *sql.Tx, create engine.ManifestCreate) (store.Manifest, error) {
	src := create.Manifest

	m, err := scanManifest(tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE repository_id = ? AND digest = ?`, manifestColumns, manifestsTable),
		src.RepositoryID, src.Digest.String()))
	if err == nil {
		return m, nil
	}
	if err != sql.ErrNoRows {
		return m, errors.Wrap(err, "failed to lookup manifest for create")
	}

	// a nil slice binds as NULL which the NOT NULL DEFAULT x'' column rejects,
	// placeholders store empty bytes
	rawBytes := src.Bytes
	if rawBytes == nil {
		rawBytes = []byte{}
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (repository_id, digest, media_type, bytes, layers_compressed_size, config_media_type, subject, artifact_type)
		 values(?, ?, ?, ?, ?, ?, ?, ?)`, manifestsTable),
		src.RepositoryID, src.Digest.String(), src.MediaType, rawBytes, src.LayersCompressedSize, src.ConfigMediaType, src.SubjectDigest, src.ArtifactType)
	if err != nil {
		return m, errors.Wrapf(err, "failed to insert manifest %s", src.Digest)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return m, err
	}

	for _, blobID := range create.BlobIDs {
		if _, err = tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT OR IGNORE INTO %s (repository_id, manifest_id, blob_id) values(?, ?, ?)`, manifestBlobsTable),
			src.RepositoryID, id, blobID); err != nil {
			return m, errors.Wrap(err, "failed to link manifest blob")
		}
	}
	for _, pb := range create.PlaceholderBlobs {
		blob, errBlob := e.lookupOrCreateBlobTx(ctx, tx, pb.Digest, pb.CompressedSize, pb.UncompressedSize)
		if errBlob != nil {
			return m, errBlob
		}
		if _, err = tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT OR IGNORE INTO %s (repository_id, manifest_id, blob_id) values(?, ?, ?)`, manifestBlobsTable),
			src.RepositoryID, id, blob.ID); err != nil {
			return m, errors.Wrap(err, "failed to link placeholder blob")
		}
	}
	for _, childID := range create.ChildIDs {
		if _, err = tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT OR IGNORE INTO %s (repository_id, manifest_id, child_manifest_id) values(?, ?, ?)`, manifestChildrenTable),
			src.RepositoryID, id, childID); err != nil {
			return m, errors.Wrap(err, "failed to link manifest child")
		}
	}

	created := *src
	created.ID = id
	return created, nil
}

// UpdateManifestBytes populates a placeholder manifest once the real content
// arrived from upstream, linking the blob rows the parsed content references.
// Bytes of a non-placeholder row are immutable.
func (e *Embedded) UpdateManifestBytes(ctx context.Context, manifestID int64, mediaType string, raw []byte, placeholderBlobs []store.Blob) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET bytes = ?, media_type = ? WHERE id = ? AND LENGTH(bytes) = 0`, manifestsTable),
			raw, mediaType, manifestID)
		if err != nil {
			return errors.Wrap(err, "failed to update placeholder manifest bytes")
		}
		if err = noRowsAsNotFound(res); err != nil {
			return err
		}
		if len(placeholderBlobs) == 0 {
			return nil
		}

		var repoID int64
		if err = tx.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT repository_id FROM %s WHERE id = ?`, manifestsTable), manifestID).Scan(&repoID); err != nil {
			return errors.Wrap(err, "failed to resolve manifest repository")
		}
		for _, pb := range placeholderBlobs {
			blob, errBlob := e.lookupOrCreateBlobTx(ctx, tx, pb.Digest, pb.CompressedSize, pb.UncompressedSize)
			if errBlob != nil {
				return errBlob
			}
			if _, err = tx.ExecContext(ctx, fmt.Sprintf(
				`INSERT OR IGNORE INTO %s (repository_id, manifest_id, blob_id) values(?, ?, ?)`, manifestBlobsTable),
				repoID, manifestID, blob.ID); err != nil {
				return errors.Wrap(err, "failed to link placeholder blob")
			}
		}
		return nil
	})
}

// ManifestChildren lists the children of a list manifest.
func (e *Embedded) ManifestChildren(ctx context.Context, manifestID int64) ([]store.Manifest, error) {
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE id IN (SELECT child_manifest_id FROM %s WHERE manifest_id = ?) ORDER BY id`,
		manifestColumns, manifestsTable, manifestChildrenTable), manifestID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list manifest children")
	}
	defer func() { _ = rows.Close() }()

	var result []store.Manifest
	for rows.Next() {
		m, errScan := scanManifest(rows)
		if errScan != nil {
			return nil, errScan
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// ConnectManifestChild links an existing child manifest under a list parent.
func (e *Embedded) ConnectManifestChild(ctx context.Context, repoID, parentID, childID int64) error {
	_, err := e.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT OR IGNORE INTO %s (repository_id, manifest_id, child_manifest_id) values(?, ?, ?)`, manifestChildrenTable),
		repoID, parentID, childID)
	return errors.Wrap(err, "failed to connect manifest child")
}

// OrphanManifests returns manifests with no alive tag and no list parent,
// candidates for repository GC.
func (e *Embedded) OrphanManifests(ctx context.Context, repoID int64, limit int) ([]store.Manifest, error) {
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s m WHERE m.repository_id = ?
		 AND NOT EXISTS (SELECT 1 FROM %s t WHERE t.manifest_id = m.id AND `+aliveTagClause+`)
		 AND NOT EXISTS (SELECT 1 FROM %s c WHERE c.child_manifest_id = m.id)
		 LIMIT ?`,
		manifestColumns, manifestsTable, tagsTable, manifestChildrenTable),
		repoID, nowMs(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find orphan manifests")
	}
	defer func() { _ = rows.Close() }()

	var result []store.Manifest
	for rows.Next() {
		m, errScan := scanManifest(rows)
		if errScan != nil {
			return nil, errScan
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// DeleteManifest removes a manifest with its links, labels and closed tags.
func (e *Embedded) DeleteManifest(ctx context.Context, manifestID int64) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		statements := []string{
			fmt.Sprintf(`DELETE FROM %s WHERE manifest_id = ?`, labelsTable),
			fmt.Sprintf(`DELETE FROM %s WHERE manifest_id = ?`, tagsTable),
			fmt.Sprintf(`DELETE FROM %s WHERE manifest_id = ?`, manifestBlobsTable),
			fmt.Sprintf(`DELETE FROM %s WHERE manifest_id = ?`, manifestChildrenTable),
			fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, manifestsTable),
		}
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt, manifestID); err != nil {
				return errors.Wrapf(err, "failed to delete manifest %d", manifestID)
			}
		}
		return nil
	})
}

// GetSecurityStatus reads the scanner projection for a manifest.
func (e *Embedded) GetSecurityStatus(ctx context.Context, manifestID int64) (store.SecurityStatus, error) {
	var status string
	err := e.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT security_status FROM %s WHERE id = ?`, manifestsTable), manifestID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", engine.ErrNotFound
	}
	return store.SecurityStatus(status), errors.Wrap(err, "failed to get security status")
}

// ResetSecurityStatus queues the manifest for a fresh scan.
func (e *Embedded) ResetSecurityStatus(ctx context.Context, manifestID int64) error {
	res, err := e.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET security_status = ? WHERE id = ?`, manifestsTable),
		string(store.SecurityStatusQueued), manifestID)
	if err != nil {
		return errors.Wrap(err, "failed to reset security status")
	}
	return noRowsAsNotFound(res)
}

// FindManifestsForSecNotification returns every alive manifest row carrying the
// digest a scanner notification referenced, across repositories.
func (e *Embedded) FindManifestsForSecNotification(ctx context.Context, dgst digest.Digest) ([]store.Manifest, error) {
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s m WHERE m.digest = ?
		 AND EXISTS (SELECT 1 FROM %s t WHERE t.manifest_id = m.id AND `+aliveTagClause+`)`,
		manifestColumns, manifestsTable, tagsTable), dgst.String(), nowMs())
	if err != nil {
		return nil, errors.Wrap(err, "failed to find manifests for security notification")
	}
	defer func() { _ = rows.Close() }()

	var result []store.Manifest
	for rows.Next() {
		m, errScan := scanManifest(rows)
		if errScan != nil {
			return nil, errScan
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// LookupSecscanNotificationSeverities collects the minimum severities of the
// enabled vulnerability notifications registered on a repository.
func (e *Embedded) LookupSecscanNotificationSeverities(ctx context.Context, repoID int64) ([]string, error) {
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT event_config FROM %s WHERE repository_id = ? AND event = 'vulnerability_found' AND enabled = 1`,
		notificationsTable), repoID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to lookup secscan notification severities")
	}
	defer func() { _ = rows.Close() }()

	var result []string
	for rows.Next() {
		var cfg string
		if err = rows.Scan(&cfg); err != nil {
			return nil, err
		}
		result = append(result, cfg)
	}
	return result, rows.Err()
}

// TagsForVulnerabilityNotification resolves the alive tags whose manifest
// digest is in the batch, with repository coordinates for the fan-out.
func (e *Embedded) TagsForVulnerabilityNotification(ctx context.Context, manifestDigests []digest.Digest) ([]engine.SecNotificationTarget, error) {
	if len(manifestDigests) == 0 {
		return nil, nil
	}

	args := make([]interface{}, 0, len(manifestDigests)+1)
	placeholders := ""
	for i, d := range manifestDigests {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, d.String())
	}
	args = append(args, nowMs())

	rows, err := e.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT r.id, n.name, r.name, t.name, m.digest FROM %s t
		 INNER JOIN %s m ON m.id = t.manifest_id
		 INNER JOIN %s r ON r.id = t.repository_id
		 INNER JOIN %s n ON n.id = r.namespace_id
		 WHERE m.digest IN (%s) AND t.hidden = 0 AND `+aliveTagClause,
		tagsTable, manifestsTable, repositoriesTable, namespacesTable, placeholders), args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve tags for vulnerability notification")
	}
	defer func() { _ = rows.Close() }()

	var result []engine.SecNotificationTarget
	for rows.Next() {
		var t engine.SecNotificationTarget
		if err = rows.Scan(&t.RepositoryID, &t.Namespace, &t.Repository, &t.TagName, &t.ManifestDigest); err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}
