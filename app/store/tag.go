package store

import "time"

// Tag is a mutable named reference to a manifest. At most one alive tag exists
// per (repository, name) at any instant; retargeting closes the previous row and
// opens a new one in a single transaction.
type Tag struct {
	ID              int64  `json:"id"`
	RepositoryID    int64  `json:"repository_id"`
	Name            string `json:"name"`
	ManifestID      int64  `json:"manifest_id"`
	LifetimeStartMs int64  `json:"lifetime_start_ms"`
	LifetimeEndMs   *int64 `json:"lifetime_end_ms,omitempty"` // nil means no expiration
	Reversion       bool   `json:"reversion"`
	Hidden          bool   `json:"hidden"`
}

// Alive reports whether the tag is visible at the given instant.
func (t *Tag) Alive(now time.Time) bool {
	return t.LifetimeEndMs == nil || *t.LifetimeEndMs > now.UnixMilli()
}

// ShallowTag is the paginated projection used by tag listings, deliberately
// without the manifest payload.
type ShallowTag struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	LifetimeStartMs int64  `json:"lifetime_start_ms"`
	LifetimeEndMs   *int64 `json:"lifetime_end_ms,omitempty"`
	ManifestDigest  string `json:"manifest_digest"`
}

// TagHistoryEntry is one row of a repository tag history listing, including
// closed tags.
type TagHistoryEntry struct {
	Tag            Tag    `json:"tag"`
	ManifestDigest string `json:"manifest_digest"`
}
