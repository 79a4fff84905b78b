package upload

// Package upload drives resumable chunked blob uploads: range validation,
// rolling digest across chunks via signed persisted hasher state, storage
// driver delegation and the final digest-verified commit.

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding"
	"hash"
	"io"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	log "github.com/go-pkgz/lgr"

	"github.com/ocistack/stevedore/app/storage"
	"github.com/ocistack/stevedore/app/store"
	"github.com/ocistack/stevedore/app/store/crypt"
	"github.com/ocistack/stevedore/app/store/engine"
)

// uncompressedProbeLimit caps the first-chunk buffer used to detect the
// uncompressed size of gzip blobs. Blobs whose first chunk exceeds it simply
// get no uncompressed size recorded.
const uncompressedProbeLimit = 4 * 1024 * 1024

// uploadStore is the slice of the storage engine the upload manager needs.
type uploadStore interface {
	CreateBlobUpload(ctx context.Context, upload *store.BlobUpload) error
	LookupBlobUpload(ctx context.Context, repoID int64, uploadID string) (store.BlobUpload, error)
	UpdateBlobUpload(ctx context.Context, uploadID string, update engine.BlobUploadUpdate) error
	DeleteBlobUpload(ctx context.Context, uploadID string) error
	CommitBlobUpload(ctx context.Context, upload store.BlobUpload, dgst digest.Digest, uncompressedSize *int64, tempLinkTTL time.Duration) (store.Blob, error)
	MountBlobIntoRepository(ctx context.Context, blobID, targetRepoID int64, tempLinkTTL time.Duration) error
	GetRepoBlobByDigest(ctx context.Context, repoID int64, dgst digest.Digest, includePlacements bool) (store.Blob, error)
}

// Settings tune the upload manager.
type Settings struct {
	MaxBlobSize int64         // 0 disables the cap
	TempLinkTTL time.Duration // lifetime of the post-commit repo link
}

// Manager owns the upload lifecycle for one storage driver. The driver upload
// id doubles as the client-facing upload id.
type Manager struct {
	Settings

	eng    uploadStore
	driver storage.Driver
	signer *crypt.HasherStateSigner
	l      log.L
}

// NewManager makes an upload manager.
func NewManager(settings Settings, eng uploadStore, driver storage.Driver, signer *crypt.HasherStateSigner, l log.L) *Manager {
	if settings.TempLinkTTL == 0 {
		settings.TempLinkTTL = time.Hour
	}
	if l == nil {
		l = log.Default()
	}
	return &Manager{Settings: settings, eng: eng, driver: driver, signer: signer, l: l}
}

// Begin opens a fresh upload in the driver's preferred location and persists
// its initial state.
func (m *Manager) Begin(ctx context.Context, repoID int64) (store.BlobUpload, error) {
	location := m.driver.PreferredLocations()[0]
	uploadID, metadata, err := m.driver.InitiateChunkedUpload(ctx, location)
	if err != nil {
		return store.BlobUpload{}, errors.Wrap(err, "failed to initiate storage upload")
	}

	state, err := marshalHasher(sha256.New())
	if err != nil {
		return store.BlobUpload{}, err
	}

	upload := store.BlobUpload{
		UploadID:        uploadID,
		RepositoryID:    repoID,
		HasherState:     m.signer.Sign(state),
		Location:        location,
		StorageMetadata: metadata,
	}
	if err = m.eng.CreateBlobUpload(ctx, &upload); err != nil {
		_ = m.driver.CancelChunkedUpload(ctx, []string{location}, uploadID, metadata)
		return store.BlobUpload{}, err
	}
	return upload, nil
}

// Resume loads a persisted upload by id.
func (m *Manager) Resume(ctx context.Context, repoID int64, uploadID string) (store.BlobUpload, error) {
	return m.eng.LookupBlobUpload(ctx, repoID, uploadID)
}

// UploadChunk appends a chunk at startOffset. Chunks may resend already
// received bytes, the overlap is discarded; a chunk starting past the received
// byte count is a range mismatch. length < 0 means unknown.
func (m *Manager) UploadChunk(ctx context.Context, upload store.BlobUpload, startOffset, length int64, in io.Reader) (store.BlobUpload, error) {
	if startOffset > upload.ByteCount {
		return upload, store.ErrBlobRangeMismatch
	}
	if overlap := upload.ByteCount - startOffset; overlap > 0 {
		// resent bytes were already hashed and written, skip them
		if length >= 0 {
			if length <= overlap {
				return upload, nil // nothing new in this chunk
			}
			length -= overlap
		}
		if _, err := io.CopyN(io.Discard, in, overlap); err != nil {
			return upload, errors.Wrap(err, "failed to discard chunk overlap")
		}
	}

	if m.MaxBlobSize > 0 && length > 0 && upload.ByteCount+length > m.MaxBlobSize {
		return upload, &store.BlobTooLargeError{Uploaded: upload.ByteCount + length, MaxAllowed: m.MaxBlobSize}
	}

	hasher, err := m.restoreHasher(upload.HasherState)
	if err != nil {
		return upload, err
	}

	reader := io.Reader(io.TeeReader(in, hasher))
	if m.MaxBlobSize > 0 && length < 0 {
		// unknown length, enforce the cap on the stream itself
		reader = io.LimitReader(reader, m.MaxBlobSize-upload.ByteCount+1)
	}

	// the first chunk flows through a capped buffer for the gzip size probe
	var probe *bytes.Buffer
	if upload.ChunkCount == 0 {
		probe = &bytes.Buffer{}
		reader = io.TeeReader(reader, newCappedWriter(probe, uncompressedProbeLimit))
	}

	written, newMetadata, err := m.driver.StreamUploadChunk(ctx, []string{upload.Location},
		upload.UploadID, upload.ByteCount, length, reader, upload.StorageMetadata)
	if err != nil {
		return upload, errors.Wrap(err, "failed to stream chunk to storage")
	}

	newByteCount := upload.ByteCount + written
	if m.MaxBlobSize > 0 && newByteCount > m.MaxBlobSize {
		return upload, &store.BlobTooLargeError{Uploaded: newByteCount, MaxAllowed: m.MaxBlobSize}
	}

	uncompressedSize := upload.UncompressedSize
	switch {
	case probe != nil:
		uncompressedSize = probeUncompressedSize(probe.Bytes(), written)
	case upload.ChunkCount > 0:
		// a later chunk means the first-chunk probe did not see the whole stream
		uncompressedSize = nil
	}

	state, err := marshalHasher(hasher)
	if err != nil {
		return upload, err
	}

	upload.ByteCount = newByteCount
	upload.ChunkCount++
	upload.UncompressedSize = uncompressedSize
	upload.HasherState = m.signer.Sign(state)
	upload.StorageMetadata = newMetadata

	err = m.eng.UpdateBlobUpload(ctx, upload.UploadID, engine.BlobUploadUpdate{
		ByteCount:        upload.ByteCount,
		ChunkCount:       upload.ChunkCount,
		UncompressedSize: upload.UncompressedSize,
		HasherState:      upload.HasherState,
		StorageMetadata:  upload.StorageMetadata,
	})
	return upload, err
}

// Commit verifies the expected digest against the rolling hash and finalizes
// the blob: bytes move to the content-addressed path, the engine records the
// committed blob with a temp link. The digest comparison is constant-time.
func (m *Manager) Commit(ctx context.Context, upload store.BlobUpload, expectedDigest digest.Digest) (store.Blob, error) {
	if err := expectedDigest.Validate(); err != nil {
		return store.Blob{}, store.ErrInvalidDigest
	}

	hasher, err := m.restoreHasher(upload.HasherState)
	if err != nil {
		return store.Blob{}, err
	}
	computed := digest.NewDigest(digest.SHA256, hasher)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(expectedDigest)) != 1 {
		m.l.Logf("[DEBUG] digest mismatch on upload %s: computed %s", upload.UploadID, computed)
		return store.Blob{}, store.ErrBlobDigestMismatch
	}

	path := storage.ContentPath(expectedDigest)
	// a concurrent uploader of the same content may have landed the bytes
	// already, the loser keeps them and only drops its own upload
	exists, err := m.driver.Exists(ctx, []string{upload.Location}, path)
	if err != nil {
		return store.Blob{}, errors.Wrap(err, "failed to check for committed content")
	}
	if exists {
		m.l.Logf("[DEBUG] content %s already present, dropping duplicate upload %s", expectedDigest, upload.UploadID)
		if errCancel := m.driver.CancelChunkedUpload(ctx, []string{upload.Location},
			upload.UploadID, upload.StorageMetadata); errCancel != nil {
			m.l.Logf("[DEBUG] failed to drop duplicate upload %s: %v", upload.UploadID, errCancel)
		}
	} else if err = m.driver.CompleteChunkedUpload(ctx, []string{upload.Location},
		upload.UploadID, path, upload.StorageMetadata); err != nil {
		return store.Blob{}, errors.Wrap(err, "failed to complete storage upload")
	}

	return m.eng.CommitBlobUpload(ctx, upload, expectedDigest, upload.UncompressedSize, m.TempLinkTTL)
}

// Cancel drops the upload from storage and from the engine.
func (m *Manager) Cancel(ctx context.Context, upload store.BlobUpload) error {
	if err := m.driver.CancelChunkedUpload(ctx, []string{upload.Location},
		upload.UploadID, upload.StorageMetadata); err != nil {
		m.l.Logf("[DEBUG] failed to cancel storage side of upload %s: %v", upload.UploadID, err)
	}
	return m.eng.DeleteBlobUpload(ctx, upload.UploadID)
}

// Mount links an existing blob from a source repository into the target
// without moving bytes. The blob must be pullable from the source repo.
func (m *Manager) Mount(ctx context.Context, sourceRepoID, targetRepoID int64, dgst digest.Digest) (store.Blob, error) {
	blob, err := m.eng.GetRepoBlobByDigest(ctx, sourceRepoID, dgst, false)
	if err != nil {
		return store.Blob{}, err
	}
	if err = m.eng.MountBlobIntoRepository(ctx, blob.ID, targetRepoID, m.TempLinkTTL); err != nil {
		return store.Blob{}, err
	}
	return blob, nil
}

func (m *Manager) restoreHasher(signedState []byte) (hash.Hash, error) {
	state, err := m.signer.Verify(signedState)
	if err != nil {
		return nil, err
	}
	hasher := sha256.New()
	if err = hasher.(encoding.BinaryUnmarshaler).UnmarshalBinary(state); err != nil {
		return nil, errors.Wrap(err, "failed to restore hasher state")
	}
	return hasher, nil
}

func marshalHasher(hasher hash.Hash) ([]byte, error) {
	state, err := hasher.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize hasher state")
	}
	return state, nil
}

// probeUncompressedSize decompresses a fully buffered gzip first chunk and
// returns the uncompressed byte count. Returns nil when the chunk is not gzip,
// was truncated by the probe cap, or does not decode cleanly to stream end.
func probeUncompressedSize(buffered []byte, written int64) *int64 {
	if int64(len(buffered)) != written {
		return nil // probe cap truncated the copy, a full decode is impossible
	}
	zr, err := gzip.NewReader(bytes.NewReader(buffered))
	if err != nil {
		return nil
	}
	size, err := io.Copy(io.Discard, zr)
	if err != nil || zr.Close() != nil {
		return nil
	}
	return &size
}

// cappedWriter drops bytes past the cap instead of erroring, the probe buffer
// must never fail the upload stream.
type cappedWriter struct {
	w    io.Writer
	left int64
}

func newCappedWriter(w io.Writer, limit int64) *cappedWriter {
	return &cappedWriter{w: w, left: limit}
}

func (c *cappedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if c.left <= 0 {
		return n, nil
	}
	take := int64(n)
	if take > c.left {
		take = c.left
	}
	if _, err := c.w.Write(p[:take]); err != nil {
		return n, nil // nolint:nilerr // probe failure must not break the upload
	}
	c.left -= take
	return n, nil
}
