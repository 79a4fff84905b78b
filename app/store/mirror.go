package store

// ProxyCacheConfig binds a local namespace to an upstream registry the proxy
// cache materializes content from. Credentials are stored with the field
// encryption envelope.
type ProxyCacheConfig struct {
	ID                int64  `json:"id"`
	NamespaceID       int64  `json:"namespace_id"`
	UpstreamRegistry  string `json:"upstream_registry"` // host[/namespace], docker.io remapped by the client
	Username          string `json:"-"`                 // crypt envelope
	Password          string `json:"-"`                 // crypt envelope
	InsecureTLS       bool   `json:"insecure_tls"`
	ExpirationSeconds int64  `json:"expiration_s"` // cached tag TTL
}

// MirrorSyncStatus is the lifecycle of one mirror config between sync runs.
type MirrorSyncStatus string

const (
	SyncStatusNeverRun MirrorSyncStatus = "never_run"
	SyncStatusSyncing  MirrorSyncStatus = "syncing"
	SyncStatusSuccess  MirrorSyncStatus = "success"
	SyncStatusFailed   MirrorSyncStatus = "failed"
)

// RepositoryMirror configures periodic one-way sync of an upstream repository
// into a local mirror-state repository via the external image-copy helper.
type RepositoryMirror struct {
	ID                int64            `json:"id"`
	RepositoryID      int64            `json:"repository_id"`
	UpstreamReference string           `json:"upstream_reference"` // host/namespace/name
	Username          string           `json:"-"`                  // crypt envelope
	Password          string           `json:"-"`                  // crypt envelope
	TLSVerify         bool             `json:"tls_verify"`
	TagRules          []string         `json:"tag_rules"` // glob or semver constraint per rule
	SyncIntervalS     int64            `json:"sync_interval_s"`
	SyncStartMs       int64            `json:"sync_start_ms"` // next scheduled sync
	SyncStatus        MirrorSyncStatus `json:"sync_status"`
	SyncRetriesLeft   int              `json:"sync_retries_left"`
	SyncExpirationMs  *int64           `json:"sync_expiration_ms,omitempty"` // claim lease while syncing
}
