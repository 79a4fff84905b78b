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

// GetRepoBlobByDigest fetches a committed blob reachable from the repository,
// either through a manifest of the repo or through an unexpired temp link.
func (e *Embedded) GetRepoBlobByDigest(ctx context.Context, repoID int64, dgst digest.Digest, includePlacements bool) (store.Blob, error) {
	var b store.Blob
	var dgstStr string
	var uploading int
	err := e.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT b.id, b.digest, b.compressed_size, b.uncompressed_size, b.uploading FROM %s b
		 WHERE b.digest = ? AND b.uploading = 0 AND (
			EXISTS (SELECT 1 FROM %s mb WHERE mb.blob_id = b.id AND mb.repository_id = ?)
			OR EXISTS (SELECT 1 FROM %s ub WHERE ub.blob_id = b.id AND ub.repository_id = ? AND ub.expires_at_ms > ?))`,
		blobsTable, manifestBlobsTable, uploadedBlobsTable),
		dgst.String(), repoID, repoID, nowMs()).Scan(&b.ID, &dgstStr, &b.CompressedSize, &b.UncompressedSize, &uploading)
	if err == sql.ErrNoRows {
		return b, engine.ErrNotFound
	}
	if err != nil {
		return b, errors.Wrapf(err, "failed to get blob %s", dgst)
	}
	b.Digest = digest.Digest(dgstStr)
	b.Uploading = uploading != 0

	if includePlacements {
		if b.Placements, err = e.BlobPlacements(ctx, b.ID); err != nil {
			return b, err
		}
	}
	return b, nil
}

// BlobsByDigests batch-resolves committed blobs reachable from the repository.
// Missing digests are simply absent from the result map.
func (e *Embedded) BlobsByDigests(ctx context.Context, repoID int64, digests []digest.Digest) (map[digest.Digest]store.Blob, error) {
	result := map[digest.Digest]store.Blob{}
	if len(digests) == 0 {
		return result, nil
	}

	args := make([]interface{}, 0, len(digests)+3)
	placeholders := ""
	for i, d := range digests {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, d.String())
	}
	args = append(args, repoID, repoID, nowMs())

	rows, err := e.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT b.id, b.digest, b.compressed_size, b.uncompressed_size, b.uploading FROM %s b
		 WHERE b.digest IN (%s) AND b.uploading = 0 AND (
			EXISTS (SELECT 1 FROM %s mb WHERE mb.blob_id = b.id AND mb.repository_id = ?)
			OR EXISTS (SELECT 1 FROM %s ub WHERE ub.blob_id = b.id AND ub.repository_id = ? AND ub.expires_at_ms > ?))`,
		blobsTable, placeholders, manifestBlobsTable, uploadedBlobsTable), args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to batch-resolve blobs")
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var b store.Blob
		var dgstStr string
		var uploading int
		if err = rows.Scan(&b.ID, &dgstStr, &b.CompressedSize, &b.UncompressedSize, &uploading); err != nil {
			return nil, err
		}
		b.Digest = digest.Digest(dgstStr)
		b.Uploading = uploading != 0
		result[b.Digest] = b
	}
	return result, rows.Err()
}

// AddBlobPlacement records that the blob bytes reside at a location. Used by
// the replication worker after a verified copy.
func (e *Embedded) AddBlobPlacement(ctx context.Context, blobID int64, location string) error {
	_, err := e.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT OR IGNORE INTO %s (blob_id, location) values(?, ?)`, blobPlacementsTable),
		blobID, location)
	return errors.Wrap(err, "failed to add blob placement")
}

// BlobPlacements lists the locations holding the blob bytes.
func (e *Embedded) BlobPlacements(ctx context.Context, blobID int64) ([]string, error) {
	rows, err := e.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT location FROM %s WHERE blob_id = ? ORDER BY id`, blobPlacementsTable), blobID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list blob placements")
	}
	defer func() { _ = rows.Close() }()

	var locations []string
	for rows.Next() {
		var loc string
		if err = rows.Scan(&loc); err != nil {
			return nil, err
		}
		locations = append(locations, loc)
	}
	return locations, rows.Err()
}

// CreateBlobUpload persists the initial state of a resumable upload.
func (e *Embedded) CreateBlobUpload(ctx context.Context, upload *store.BlobUpload) error {
	if upload.CreatedAtMs == 0 {
		upload.CreatedAtMs = nowMs()
	}
	res, err := e.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (upload_id, repository_id, byte_count, chunk_count, uncompressed_size, hasher_state, location, storage_metadata, created_at_ms)
		 values(?, ?, ?, ?, ?, ?, ?, ?, ?)`, blobUploadsTable),
		upload.UploadID, upload.RepositoryID, upload.ByteCount, upload.ChunkCount, upload.UncompressedSize,
		upload.HasherState, upload.Location, upload.StorageMetadata, upload.CreatedAtMs)
	if err != nil {
		return errors.Wrapf(err, "failed to create blob upload %s", upload.UploadID)
	}
	upload.ID, err = res.LastInsertId()
	return err
}

// LookupBlobUpload fetches the persisted upload state for the repo.
func (e *Embedded) LookupBlobUpload(ctx context.Context, repoID int64, uploadID string) (u store.BlobUpload, err error) {
	err = e.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, upload_id, repository_id, byte_count, chunk_count, uncompressed_size, hasher_state, location, storage_metadata, created_at_ms
		 FROM %s WHERE repository_id = ? AND upload_id = ?`, blobUploadsTable),
		repoID, uploadID).Scan(&u.ID, &u.UploadID, &u.RepositoryID, &u.ByteCount, &u.ChunkCount,
		&u.UncompressedSize, &u.HasherState, &u.Location, &u.StorageMetadata, &u.CreatedAtMs)
	if err == sql.ErrNoRows {
		return u, engine.ErrNotFound
	}
	return u, errors.Wrapf(err, "failed to lookup blob upload %s", uploadID)
}

// UpdateBlobUpload writes the post-chunk state back.
func (e *Embedded) UpdateBlobUpload(ctx context.Context, uploadID string, update engine.BlobUploadUpdate) error {
	res, err := e.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET byte_count = ?, chunk_count = ?, uncompressed_size = ?, hasher_state = ?, storage_metadata = ?
		 WHERE upload_id = ?`, blobUploadsTable),
		update.ByteCount, update.ChunkCount, update.UncompressedSize, update.HasherState, update.StorageMetadata, uploadID)
	if err != nil {
		return errors.Wrapf(err, "failed to update blob upload %s", uploadID)
	}
	return noRowsAsNotFound(res)
}

// DeleteBlobUpload drops the upload row, used on cancel and by the stale-upload
// cleaner after the storage side is gone.
func (e *Embedded) DeleteBlobUpload(ctx context.Context, uploadID string) error {
	_, err := e.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE upload_id = ?`, blobUploadsTable), uploadID)
	return errors.Wrapf(err, "failed to delete blob upload %s", uploadID)
}

// CommitBlobUpload turns a finished upload into a committed blob in one
// transaction: the blob row flips to uploading=0, the placement is recorded, a
// temp link keeps the blob alive in the repo and the upload row goes away.
// Committing a digest that already exists reuses the existing row.
func (e *Embedded) CommitBlobUpload(ctx context.Context, upload store.BlobUpload, dgst digest.Digest,
	uncompressedSize *int64, tempLinkTTL time.Duration) (b store.Blob, err error) {

	err = e.inTx(ctx, func(tx *sql.Tx) error {
		b, err = e.lookupOrCreateBlobTx(ctx, tx, dgst, upload.ByteCount, uncompressedSize)
		if err != nil {
			return err
		}

		if _, err = tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT OR IGNORE INTO %s (blob_id, location) values(?, ?)`, blobPlacementsTable),
			b.ID, upload.Location); err != nil {
			return errors.Wrap(err, "failed to record placement on commit")
		}
		b.Placements = append(b.Placements, upload.Location)

		if _, err = tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (repository_id, blob_id, expires_at_ms) values(?, ?, ?)`, uploadedBlobsTable),
			upload.RepositoryID, b.ID, nowMs()+tempLinkTTL.Milliseconds()); err != nil {
			return errors.Wrap(err, "failed to create temp link on commit")
		}

		_, err = tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE upload_id = ?`, blobUploadsTable), upload.UploadID)
		return errors.Wrap(err, "failed to drop committed upload row")
	})
	if err != nil {
		return store.Blob{}, err
	}
	return b, nil
}

func (e *Embedded) lookupOrCreateBlobTx(ctx context.Context, tx *sql.Tx, dgst digest.Digest,
	compressedSize int64, uncompressedSize *int64) (b store.Blob, err error) {

	var uploading int
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, compressed_size, uncompressed_size, uploading FROM %s WHERE digest = ?`, blobsTable),
		dgst.String()).Scan(&b.ID, &b.CompressedSize, &b.UncompressedSize, &uploading)
	b.Digest = dgst

	switch {
	case err == sql.ErrNoRows:
		var res sql.Result
		res, err = tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (digest, compressed_size, uncompressed_size, uploading) values(?, ?, ?, 0)`, blobsTable),
			dgst.String(), compressedSize, uncompressedSize)
		if err != nil {
			return b, errors.Wrapf(err, "failed to insert blob %s", dgst)
		}
		b.CompressedSize, b.UncompressedSize, b.Uploading = compressedSize, uncompressedSize, false
		b.ID, err = res.LastInsertId()
		return b, err
	case err != nil:
		return b, errors.Wrapf(err, "failed to lookup blob %s for commit", dgst)
	}

	if uploading != 0 {
		// a parallel upload won the race, adopt the row and mark it committed
		if _, err = tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET uploading = 0, compressed_size = ?, uncompressed_size = ? WHERE id = ?`, blobsTable),
			compressedSize, uncompressedSize, b.ID); err != nil {
			return b, errors.Wrap(err, "failed to finalize racing blob row")
		}
		b.CompressedSize, b.UncompressedSize = compressedSize, uncompressedSize
	}
	b.Uploading = false
	return b, nil
}

// MountBlobIntoRepository makes an existing blob pullable from another repo via
// a fresh temp link, no bytes move.
func (e *Embedded) MountBlobIntoRepository(ctx context.Context, blobID, targetRepoID int64, tempLinkTTL time.Duration) error {
	_, err := e.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (repository_id, blob_id, expires_at_ms) values(?, ?, ?)`, uploadedBlobsTable),
		targetRepoID, blobID, nowMs()+tempLinkTTL.Milliseconds())
	return errors.Wrap(err, "failed to mount blob")
}

// StaleBlobUploads lists upload rows older than the threshold, the cleanup
// worker cancels their storage side and deletes them.
func (e *Embedded) StaleBlobUploads(ctx context.Context, olderThan time.Duration) ([]store.BlobUpload, error) {
	threshold := nowMs() - olderThan.Milliseconds()
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, upload_id, repository_id, byte_count, chunk_count, uncompressed_size, hasher_state, location, storage_metadata, created_at_ms
		 FROM %s WHERE created_at_ms < ? ORDER BY created_at_ms`, blobUploadsTable), threshold)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stale blob uploads")
	}
	defer func() { _ = rows.Close() }()

	var result []store.BlobUpload
	for rows.Next() {
		var u store.BlobUpload
		if err = rows.Scan(&u.ID, &u.UploadID, &u.RepositoryID, &u.ByteCount, &u.ChunkCount,
			&u.UncompressedSize, &u.HasherState, &u.Location, &u.StorageMetadata, &u.CreatedAtMs); err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

// ReclaimableTagBytes estimates how many bytes deleting the tag frees: the
// compressed size of blobs referenced by the tag's manifest (children included)
// and by no other alive tag's manifest. The quota pruner ranks evictions on it.
func (e *Embedded) ReclaimableTagBytes(ctx context.Context, tag store.Tag) (int64, error) {
	var reclaimable sql.NullInt64
	now := nowMs()
	err := e.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT SUM(b.compressed_size) FROM %s b WHERE b.id IN (
			SELECT mb.blob_id FROM %s mb
			WHERE mb.manifest_id = ? OR mb.manifest_id IN (SELECT child_manifest_id FROM %s WHERE manifest_id = ?))
		 AND NOT EXISTS (
			SELECT 1 FROM %s mb2
			INNER JOIN %s t ON (t.manifest_id = mb2.manifest_id
				OR t.manifest_id IN (SELECT manifest_id FROM %s WHERE child_manifest_id = mb2.manifest_id))
			WHERE mb2.blob_id = b.id AND t.id <> ? AND `+aliveTagClause+`)`,
		blobsTable, manifestBlobsTable, manifestChildrenTable,
		manifestBlobsTable, tagsTable, manifestChildrenTable),
		tag.ManifestID, tag.ManifestID, tag.ID, now).Scan(&reclaimable)
	if err != nil {
		return 0, errors.Wrap(err, "failed to compute reclaimable tag bytes")
	}
	return reclaimable.Int64, nil
}

// OrphanBlobs returns committed blobs no manifest links and no unexpired temp
// link keeps alive. The shared empty-layer blob is never reported.
func (e *Embedded) OrphanBlobs(ctx context.Context, limit int) ([]store.Blob, error) {
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT b.id, b.digest, b.compressed_size, b.uncompressed_size, b.uploading FROM %s b
		 WHERE b.uploading = 0 AND b.digest <> ?
		 AND NOT EXISTS (SELECT 1 FROM %s mb WHERE mb.blob_id = b.id)
		 AND NOT EXISTS (SELECT 1 FROM %s ub WHERE ub.blob_id = b.id AND ub.expires_at_ms > ?)
		 LIMIT ?`,
		blobsTable, manifestBlobsTable, uploadedBlobsTable),
		store.EmptyLayerDigest.String(), nowMs(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find orphan blobs")
	}
	defer func() { _ = rows.Close() }()

	var result []store.Blob
	for rows.Next() {
		var b store.Blob
		var dgstStr string
		var uploading int
		if err = rows.Scan(&b.ID, &dgstStr, &b.CompressedSize, &b.UncompressedSize, &uploading); err != nil {
			return nil, err
		}
		b.Digest = digest.Digest(dgstStr)
		b.Uploading = uploading != 0
		result = append(result, b)
	}
	return result, rows.Err()
}

// DeleteBlob removes the blob row and its placements. Callers delete the bytes
// from storage first.
func (e *Embedded) DeleteBlob(ctx context.Context, blobID int64) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE blob_id = ?`, blobPlacementsTable), blobID); err != nil {
			return errors.Wrap(err, "failed to delete blob placements")
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, blobsTable), blobID)
		return errors.Wrapf(err, "failed to delete blob %d", blobID)
	})
}

// ExpiredUploadedBlobs lists temp links past their expiry for cleanup.
func (e *Embedded) ExpiredUploadedBlobs(ctx context.Context, limit int) ([]store.UploadedBlob, error) {
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, repository_id, blob_id, expires_at_ms FROM %s WHERE expires_at_ms <= ? LIMIT ?`,
		uploadedBlobsTable), nowMs(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list expired uploaded blobs")
	}
	defer func() { _ = rows.Close() }()

	var result []store.UploadedBlob
	for rows.Next() {
		var ub store.UploadedBlob
		if err = rows.Scan(&ub.ID, &ub.RepositoryID, &ub.BlobID, &ub.ExpiresAtMs); err != nil {
			return nil, err
		}
		result = append(result, ub)
	}
	return result, rows.Err()
}

// DeleteUploadedBlob drops a single temp link row.
func (e *Embedded) DeleteUploadedBlob(ctx context.Context, id int64) error {
	_, err := e.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, uploadedBlobsTable), id)
	return errors.Wrap(err, "failed to delete uploaded blob link")
}
