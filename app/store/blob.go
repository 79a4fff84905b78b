package store

import (
	"github.com/opencontainers/go-digest"
)

// EmptyLayerDigest is the well-known digest of the gzipped empty tar, shared
// content-addressably by every repository which references an empty layer.
const EmptyLayerDigest = digest.Digest("sha256:a3ed95caeb02ffe68cdd9fd84406680ae93d633cb16422d00e8a7c22955b46d4")

// EmptyLayerBytes is the gzipped empty tar itself, seeded into storage at init.
var EmptyLayerBytes = []byte{31, 139, 8, 0, 0, 9, 110, 136, 0, 255, 98, 24, 5, 163, 96, 20, 140, 88,
	0, 8, 0, 0, 255, 255, 46, 175, 181, 239, 0, 4, 0, 0}

// Blob is a content-addressed byte sequence (ImageStorage). A blob with
// Uploading=false must have at least one placement, and its content at every
// placement must hash to Digest. Blobs are shared across repositories via
// ManifestBlob links.
type Blob struct {
	ID               int64         `json:"id"`
	Digest           digest.Digest `json:"digest"`
	CompressedSize   int64         `json:"compressed_size"`
	UncompressedSize *int64        `json:"uncompressed_size,omitempty"`
	Uploading        bool          `json:"uploading"`

	// Placements lists storage location names at which the bytes reside.
	// Populated only when the lookup asked for placements.
	Placements []string `json:"placements,omitempty"`
}

// ManifestBlob is the edge linking a repository+manifest to a blob. The pair
// (manifest, blob) is unique, repository is denormalized for per-repo queries.
type ManifestBlob struct {
	ID           int64 `json:"id"`
	RepositoryID int64 `json:"repository_id"`
	ManifestID   int64 `json:"manifest_id"`
	BlobID       int64 `json:"blob_id"`
}

// UploadedBlob is a time-limited link which keeps a newly committed or mounted
// blob alive in a repository until a manifest references it.
type UploadedBlob struct {
	ID           int64 `json:"id"`
	RepositoryID int64 `json:"repository_id"`
	BlobID       int64 `json:"blob_id"`
	ExpiresAtMs  int64 `json:"expires_at_ms"`
}

// BlobUpload is the persisted state of a resumable chunked upload. The rolling
// hasher state is stored HMAC-signed, see crypt.SignHasherState.
type BlobUpload struct {
	ID               int64  `json:"id"`
	UploadID         string `json:"upload_id"` // opaque, returned to the client
	RepositoryID     int64  `json:"repository_id"`
	ByteCount        int64  `json:"byte_count"`
	ChunkCount       int64  `json:"chunk_count"`
	UncompressedSize *int64 `json:"uncompressed_size,omitempty"`
	HasherState      []byte `json:"-"`
	Location         string `json:"location"`
	StorageMetadata  string `json:"storage_metadata"`
	CreatedAtMs      int64  `json:"created_at_ms"`
}
