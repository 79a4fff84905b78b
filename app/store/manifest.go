package store

import (
	"github.com/opencontainers/go-digest"
)

// Manifest is a stored image manifest or index. (repository, digest) is unique
// and once written Bytes and Digest are immutable. A placeholder manifest has
// empty Bytes and is created by the proxy cache when only metadata is known.
type Manifest struct {
	ID                   int64         `json:"id"`
	RepositoryID         int64         `json:"repository_id"`
	Digest               digest.Digest `json:"digest"`
	MediaType            string        `json:"media_type"`
	Bytes                []byte        `json:"-"`
	LayersCompressedSize *int64        `json:"layers_compressed_size,omitempty"` // nil for legacy rows
	ConfigMediaType      *string       `json:"config_media_type,omitempty"`
	SubjectDigest        *string       `json:"subject,omitempty"`
	ArtifactType         *string       `json:"artifact_type,omitempty"`
}

// IsPlaceholder reports whether the row was created by the proxy cache ahead of
// the actual bytes.
func (m *Manifest) IsPlaceholder() bool { return len(m.Bytes) == 0 }

// ManifestChild links a parent list/index manifest to a child manifest,
// denormalized with repository.
type ManifestChild struct {
	ID           int64 `json:"id"`
	RepositoryID int64 `json:"repository_id"`
	ManifestID   int64 `json:"manifest_id"`
	ChildID      int64 `json:"child_manifest_id"`
}

// Label is an immutable key/value attached to a manifest.
type Label struct {
	ID         int64  `json:"id"`
	UUID       string `json:"uuid"`
	ManifestID int64  `json:"manifest_id"`
	Key        string `json:"key"`
	Value      string `json:"value"`
	MediaType  string `json:"media_type"`  // text/plain or application/json
	SourceType string `json:"source_type"` // manifest, api, internal
}

// ManifestLayer pairs a parsed layer descriptor with its local blob. Blob is nil
// for remote (URL-bearing) layers.
type ManifestLayer struct {
	Index     int
	Digest    digest.Digest
	Size      int64
	URLs      []string
	EmptyTar  bool
	Blob      *Blob
}

// SecurityStatus is the projection of the scanner state for a manifest.
type SecurityStatus string

const (
	SecurityStatusUnscanned SecurityStatus = "unscanned"
	SecurityStatusQueued    SecurityStatus = "queued"
	SecurityStatusScanned   SecurityStatus = "scanned"
	SecurityStatusFailed    SecurityStatus = "failed"
)
