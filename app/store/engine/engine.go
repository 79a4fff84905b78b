package engine

// Package engine defines the contract between request handlers, the proxy
// cache, the workers and the underlying relational storage. Methods either
// reflect a consistent snapshot of a single row or run an explicit transaction
// for multi-row atomic operations (manifest creation plus tag retarget, blob
// commit plus temp link).

import (
	"context"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/ocistack/stevedore/app/store"
)

// ErrNotFound is the uniform miss sentinel for every lookup method.
var ErrNotFound = errors.New("record not found")

// TagHistoryFilter narrows a repository tag history listing.
type TagHistoryFilter struct {
	TagName    string // exact name, empty for all
	ActiveOnly bool
	SinceMs    int64 // 0 for unbounded
	Page       int
	PageSize   int
}

// ManifestCreate carries the rows attached under the manifest-creation
// transaction: the manifest itself, blob links for single manifests, child
// links for lists.
type ManifestCreate struct {
	Manifest *store.Manifest
	BlobIDs  []int64
	ChildIDs []int64

	// PlaceholderBlobs are looked up or created without placements inside the
	// same transaction and linked like BlobIDs. The proxy cache uses them for
	// layers whose bytes have not been downloaded yet.
	PlaceholderBlobs []store.Blob
}

// BlobUploadUpdate is the mutable part of a blob upload row between chunks.
type BlobUploadUpdate struct {
	ByteCount        int64
	ChunkCount       int64
	UncompressedSize *int64
	HasherState      []byte
	StorageMetadata  string
}

// SecNotificationTarget is one (repo, tag) pair affected by a scanner finding.
type SecNotificationTarget struct {
	RepositoryID   int64
	Namespace      string
	Repository     string
	TagName        string
	ManifestDigest string
}

// Interface defines all operations provided by the low-level storage engine.
type Interface interface {
	// Namespaces and repositories
	CreateNamespace(ctx context.Context, ns *store.Namespace) error
	LookupNamespace(ctx context.Context, name string) (store.Namespace, error)
	NamespaceUsedBytes(ctx context.Context, namespaceID int64) (int64, error)
	MarkNamespaceForDeletion(ctx context.Context, namespaceID int64) error
	PurgeNamespace(ctx context.Context, namespaceID int64) error

	CreateRepository(ctx context.Context, repo *store.Repository) error
	LookupRepository(ctx context.Context, namespace, name string) (store.Repository, error)
	GetRepository(ctx context.Context, repoID int64) (store.Repository, error)
	FindRepositoryWithGarbage(ctx context.Context) (store.Repository, error)
	MarkRepositoryForDeletion(ctx context.Context, repoID int64) error
	PurgeRepository(ctx context.Context, repoID int64) error
	ListRepositories(ctx context.Context, namespaceID int64) ([]store.Repository, error)

	// Manifests
	LookupManifestByDigest(ctx context.Context, repoID int64, dgst digest.Digest, allowDead, requireAvailable bool) (store.Manifest, error)
	GetManifestForTag(ctx context.Context, tag store.Tag) (store.Manifest, error)
	CreateManifestAndRetargetTag(ctx context.Context, create ManifestCreate, tagName string) (store.Manifest, store.Tag, error)
	CreateManifestWithTempTag(ctx context.Context, create ManifestCreate, expiration time.Duration) (store.Manifest, store.Tag, error)
	UpdateManifestBytes(ctx context.Context, manifestID int64, mediaType string, raw []byte, placeholderBlobs []store.Blob) error
	ManifestChildren(ctx context.Context, manifestID int64) ([]store.Manifest, error)
	ConnectManifestChild(ctx context.Context, repoID, parentID, childID int64) error

	// Tags
	GetRepoTag(ctx context.Context, repoID int64, name string) (store.Tag, error)
	FindMatchingTag(ctx context.Context, repoID int64, names []string) (store.Tag, error)
	GetMostRecentTag(ctx context.Context, repoID int64) (store.Tag, error)
	LookupActiveRepositoryTags(ctx context.Context, repoID, startID int64, limit int) ([]store.ShallowTag, error)
	ListRepositoryTagHistory(ctx context.Context, repoID int64, filter TagHistoryFilter) ([]store.TagHistoryEntry, error)
	RetargetTag(ctx context.Context, repoID int64, name string, manifestID int64, isReversion bool) (store.Tag, error)
	DeleteTag(ctx context.Context, repoID int64, name string) (store.Tag, error)
	DeleteTagsForManifest(ctx context.Context, manifestID int64) (int64, error)
	ChangeRepositoryTagExpiration(ctx context.Context, tagID int64, endMs *int64) error
	SetTagsExpirationForManifest(ctx context.Context, manifestID int64, expiration time.Duration) error
	HasExpiredTag(ctx context.Context, repoID int64, name string) (bool, error)
	TagNamesForManifest(ctx context.Context, manifestID int64, limit int) ([]string, error)
	RenewTagAndParents(ctx context.Context, tagID int64, endMs int64) error
	NamespaceTagsByNearestExpiry(ctx context.Context, namespaceID int64) ([]store.Tag, error)

	// Blobs and uploads
	GetRepoBlobByDigest(ctx context.Context, repoID int64, dgst digest.Digest, includePlacements bool) (store.Blob, error)
	BlobsByDigests(ctx context.Context, repoID int64, digests []digest.Digest) (map[digest.Digest]store.Blob, error)
	AddBlobPlacement(ctx context.Context, blobID int64, location string) error
	BlobPlacements(ctx context.Context, blobID int64) ([]string, error)
	CreateBlobUpload(ctx context.Context, upload *store.BlobUpload) error
	LookupBlobUpload(ctx context.Context, repoID int64, uploadID string) (store.BlobUpload, error)
	UpdateBlobUpload(ctx context.Context, uploadID string, update BlobUploadUpdate) error
	DeleteBlobUpload(ctx context.Context, uploadID string) error
	CommitBlobUpload(ctx context.Context, upload store.BlobUpload, dgst digest.Digest, uncompressedSize *int64, tempLinkTTL time.Duration) (store.Blob, error)
	MountBlobIntoRepository(ctx context.Context, blobID, targetRepoID int64, tempLinkTTL time.Duration) error
	StaleBlobUploads(ctx context.Context, olderThan time.Duration) ([]store.BlobUpload, error)
	ReclaimableTagBytes(ctx context.Context, tag store.Tag) (int64, error)

	// Labels
	CreateManifestLabel(ctx context.Context, label *store.Label) error
	BatchCreateManifestLabels(ctx context.Context, manifestID int64, fill func(add func(label store.Label)) error) ([]store.Label, error)
	ListManifestLabels(ctx context.Context, manifestID int64, prefix string) ([]store.Label, error)
	GetManifestLabel(ctx context.Context, manifestID int64, uuid string) (store.Label, error)
	DeleteManifestLabel(ctx context.Context, manifestID int64, uuid string) (store.Label, error)

	// Security scanner projection
	GetSecurityStatus(ctx context.Context, manifestID int64) (store.SecurityStatus, error)
	ResetSecurityStatus(ctx context.Context, manifestID int64) error
	FindManifestsForSecNotification(ctx context.Context, dgst digest.Digest) ([]store.Manifest, error)
	LookupSecscanNotificationSeverities(ctx context.Context, repoID int64) ([]string, error)
	TagsForVulnerabilityNotification(ctx context.Context, manifestDigests []digest.Digest) ([]SecNotificationTarget, error)

	// Tokens
	CreateAppSpecificToken(ctx context.Context, token *store.AppSpecificToken) error
	LookupAppSpecificToken(ctx context.Context, tokenName string) (store.AppSpecificToken, error)
	DeleteExpiredAppTokens(ctx context.Context, window time.Duration) (int64, error)
	CreateOAuthAccessToken(ctx context.Context, token *store.OAuthAccessToken) error
	LookupOAuthAccessToken(ctx context.Context, tokenName string) (store.OAuthAccessToken, error)
	CreateOAuthAuthorizationCode(ctx context.Context, code *store.OAuthAuthorizationCode) error
	LookupOAuthAuthorizationCode(ctx context.Context, codeName string) (store.OAuthAuthorizationCode, error)

	// Registered notifications
	CreateNotification(ctx context.Context, n *store.RegisteredNotification) error
	GetNotificationByUUID(ctx context.Context, uuid string) (store.RegisteredNotification, error)
	ListNotificationsForRepo(ctx context.Context, repoID int64, event string) ([]store.RegisteredNotification, error)
	BumpNotificationFailure(ctx context.Context, uuid string, disableThreshold int) error
	ResetNotificationFailure(ctx context.Context, uuid string) error

	// Reliable queue
	QueuePut(ctx context.Context, queueName string, body []byte, availableAfter time.Duration, retries int, expiration time.Duration) error
	QueueGet(ctx context.Context, queueName string, processingTime time.Duration) (store.QueueItem, error)
	QueueComplete(ctx context.Context, itemID int64) error
	QueueIncomplete(ctx context.Context, itemID int64, restoreRetry bool, retryAfter time.Duration) error
	QueueExtendProcessing(ctx context.Context, itemID int64, secondsFromNow int64, updatedBody []byte) error
	QueueDeleteExpired(ctx context.Context, threshold time.Duration, countLimit, batchSize int) (int64, error)
	QueueStats(ctx context.Context, queueName string) (depth int64, oldestMs int64, err error)

	// Proxy cache and mirror configuration
	GetProxyCacheConfig(ctx context.Context, namespace string) (store.ProxyCacheConfig, error)
	CreateProxyCacheConfig(ctx context.Context, cfg *store.ProxyCacheConfig) error
	CreateRepositoryMirror(ctx context.Context, mirror *store.RepositoryMirror) error
	ClaimMirrorDueForSync(ctx context.Context, lease time.Duration) (store.RepositoryMirror, error)
	UpdateMirrorSyncStatus(ctx context.Context, mirrorID int64, status store.MirrorSyncStatus, retriesLeft int, nextSyncMs int64) error

	// Pull statistics
	UpsertTagPullStatistics(ctx context.Context, rows []store.TagPullStatistics) error
	UpsertManifestPullStatistics(ctx context.Context, rows []store.ManifestPullStatistics) error

	// Garbage collection primitives
	OrphanManifests(ctx context.Context, repoID int64, limit int) ([]store.Manifest, error)
	DeleteManifest(ctx context.Context, manifestID int64) error
	OrphanBlobs(ctx context.Context, limit int) ([]store.Blob, error)
	DeleteBlob(ctx context.Context, blobID int64) error
	ExpiredUploadedBlobs(ctx context.Context, limit int) ([]store.UploadedBlob, error)
	DeleteUploadedBlob(ctx context.Context, id int64) error

	// Misc storage functions
	Close(ctx context.Context) error
}
