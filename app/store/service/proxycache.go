package service

// Package service layers registry semantics over the storage engine: the
// pull-through proxy cache, the legacy schema-1 manifest builder and the
// manifest layer helpers the HTTP front serves from.

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	log "github.com/go-pkgz/lgr"

	"github.com/ocistack/stevedore/app/store"
	"github.com/ocistack/stevedore/app/store/engine"
)

// upstreamClient is the slice of the registry client the proxy cache consumes.
type upstreamClient interface {
	GetManifest(ctx context.Context, repo, ref string) (raw []byte, mediaType string, dgst digest.Digest, err error)
	ManifestExists(ctx context.Context, repo, ref string) (digest.Digest, error)
	GetBlob(ctx context.Context, repo string, dgst digest.Digest) (io.ReadCloser, int64, error)
	BlobExists(ctx context.Context, repo string, dgst digest.Digest) (bool, error)
}

// blobUploader is the slice of the upload manager used for blob pull-through.
type blobUploader interface {
	Begin(ctx context.Context, repoID int64) (store.BlobUpload, error)
	UploadChunk(ctx context.Context, upload store.BlobUpload, startOffset, length int64, in io.Reader) (store.BlobUpload, error)
	Commit(ctx context.Context, upload store.BlobUpload, expectedDigest digest.Digest) (store.Blob, error)
	Cancel(ctx context.Context, upload store.BlobUpload) error
}

// ProxyCacheService materializes upstream content on demand into one local
// namespace bound to a proxy cache config. Lookups fall through to the
// upstream registry, cached rows are checked for staleness by digest and
// renewed on confirmed hits.
type ProxyCacheService struct {
	Config store.ProxyCacheConfig

	eng        engine.Interface
	upstream   upstreamClient
	uploads    blobUploader
	ns         store.Namespace
	visibility store.RepositoryVisibility
	l          log.L
}

// NewProxyCache makes a proxy cache service for one namespace. Repositories
// auto-created on acknowledged upstream refs get the given visibility.
func NewProxyCache(eng engine.Interface, upstream upstreamClient, uploads blobUploader,
	ns store.Namespace, cfg store.ProxyCacheConfig, visibility store.RepositoryVisibility, l log.L) *ProxyCacheService {

	if visibility == "" {
		visibility = store.VisibilityPrivate
	}
	if l == nil {
		l = log.Default()
	}
	return &ProxyCacheService{Config: cfg, eng: eng, upstream: upstream, uploads: uploads,
		ns: ns, visibility: visibility, l: l}
}

// expiration is the cached-tag TTL from the proxy config.
func (s *ProxyCacheService) expiration() time.Duration {
	return time.Duration(s.Config.ExpirationSeconds) * time.Second
}

// upstreamRepo maps a local repository name to the upstream path, applying the
// optional namespace component of the configured upstream registry.
func (s *ProxyCacheService) upstreamRepo(name string) string {
	if _, prefix, found := strings.Cut(s.Config.UpstreamRegistry, "/"); found {
		return prefix + "/" + name
	}
	return name
}

// LookupRepository resolves a local repository, creating it when the upstream
// acknowledges the given manifest ref. A missing repository without a ref
// yields nil without error.
func (s *ProxyCacheService) LookupRepository(ctx context.Context, name, manifestRef string) (*store.Repository, error) {
	repo, err := s.eng.LookupRepository(ctx, s.ns.Name, name)
	if err == nil {
		return &repo, nil
	}
	if err != engine.ErrNotFound {
		return nil, err
	}
	if manifestRef == "" {
		return nil, nil
	}

	if _, errUp := s.upstream.ManifestExists(ctx, s.upstreamRepo(name), manifestRef); errUp != nil {
		if errors.Is(errUp, store.ErrManifestDoesNotExist) {
			return nil, nil
		}
		return nil, errUp
	}

	repo = store.Repository{NamespaceID: s.ns.ID, Namespace: s.ns.Name, Name: name, Visibility: s.visibility}
	if err = s.eng.CreateRepository(ctx, &repo); err != nil {
		return nil, err
	}
	s.l.Logf("[INFO] created proxy repository %s for upstream %s", repo.Path(), s.Config.UpstreamRegistry)
	return &repo, nil
}

// GetRepoTag resolves a tag, pulling from upstream on a local miss and
// refreshing on staleness. A confirmed up-to-date hit renews the tag and any
// parent list tags to now + config expiration.
func (s *ProxyCacheService) GetRepoTag(ctx context.Context, repo store.Repository, name string) (store.Tag, store.Manifest, error) {
	tag, err := s.eng.GetRepoTag(ctx, repo.ID, name)
	if err == engine.ErrNotFound {
		return s.pullTag(ctx, repo, name)
	}
	if err != nil {
		return store.Tag{}, store.Manifest{}, err
	}

	m, err := s.eng.GetManifestForTag(ctx, tag)
	if err != nil {
		return store.Tag{}, store.Manifest{}, err
	}

	upstreamDigest, errUp := s.upstream.ManifestExists(ctx, s.upstreamRepo(repo.Name), name)
	if errUp != nil {
		// upstream unreachable, serve the cached row unless it is a bare placeholder
		if m.IsPlaceholder() {
			return store.Tag{}, store.Manifest{}, errUp
		}
		s.l.Logf("[DEBUG] upstream check for %s:%s failed, serving cached: %v", repo.Path(), name, errUp)
		return tag, m, nil
	}
	if upstreamDigest == "" {
		// registry did not volunteer the digest, hash the manifest itself
		if _, _, upstreamDigest, errUp = s.upstream.GetManifest(ctx, s.upstreamRepo(repo.Name), name); errUp != nil {
			if m.IsPlaceholder() {
				return store.Tag{}, store.Manifest{}, errUp
			}
			return tag, m, nil
		}
	}

	if upstreamDigest == m.Digest && !m.IsPlaceholder() {
		endMs := time.Now().Add(s.expiration()).UnixMilli()
		if errRenew := s.eng.RenewTagAndParents(ctx, tag.ID, endMs); errRenew != nil {
			s.l.Logf("[DEBUG] failed to renew cached tag %s:%s: %v", repo.Path(), name, errRenew)
		}
		return tag, m, nil
	}

	return s.pullTag(ctx, repo, name)
}

// pullTag fetches the manifest from upstream and caches it under the tag.
func (s *ProxyCacheService) pullTag(ctx context.Context, repo store.Repository, name string) (store.Tag, store.Manifest, error) {
	raw, mediaType, dgst, err := s.upstream.GetManifest(ctx, s.upstreamRepo(repo.Name), name)
	if err != nil {
		return store.Tag{}, store.Manifest{}, err
	}
	parsed, err := parseManifest(raw, mediaType, dgst)
	if err != nil {
		return store.Tag{}, store.Manifest{}, err
	}

	if err = s.checkImageUploadPossibleOrPrune(ctx, parsed); err != nil {
		return store.Tag{}, store.Manifest{}, err
	}

	childIDs, err := s.cacheChildren(ctx, repo, parsed)
	if err != nil {
		return store.Tag{}, store.Manifest{}, err
	}

	m, tag, err := s.eng.CreateManifestAndRetargetTag(ctx, engine.ManifestCreate{
		Manifest:         parsed.storeManifest(repo.ID),
		PlaceholderBlobs: parsed.placeholderBlobs(),
		ChildIDs:         childIDs,
	}, name)
	if err != nil {
		return store.Tag{}, store.Manifest{}, err
	}
	if m.IsPlaceholder() {
		// the manifest row predates this pull as a placeholder, fill it in
		if errFill := s.eng.UpdateManifestBytes(ctx, m.ID, mediaType, raw, parsed.placeholderBlobs()); errFill != nil {
			return store.Tag{}, store.Manifest{}, errFill
		}
		m.Bytes = raw
		m.MediaType = mediaType
	}

	endMs := time.Now().Add(s.expiration()).UnixMilli()
	if err = s.eng.ChangeRepositoryTagExpiration(ctx, tag.ID, &endMs); err != nil {
		return store.Tag{}, store.Manifest{}, err
	}
	tag.LifetimeEndMs = &endMs
	s.l.Logf("[INFO] cached %s:%s -> %s from %s", repo.Path(), name, dgst, s.Config.UpstreamRegistry)
	return tag, m, nil
}

// cacheChildren ensures each child digest of an index exists locally as at
// least a placeholder manifest kept alive by its own temp tag.
func (s *ProxyCacheService) cacheChildren(ctx context.Context, repo store.Repository, parsed *parsedManifest) ([]int64, error) {
	if !parsed.isList() {
		return nil, nil
	}

	childIDs := make([]int64, 0, len(parsed.children))
	for _, desc := range parsed.children {
		child, err := s.eng.LookupManifestByDigest(ctx, repo.ID, desc.Digest, true, false)
		if err == nil {
			childIDs = append(childIDs, child.ID)
			continue
		}
		if err != engine.ErrNotFound {
			return nil, err
		}

		placeholder := &store.Manifest{RepositoryID: repo.ID, Digest: desc.Digest, MediaType: desc.MediaType}
		child, _, err = s.eng.CreateManifestWithTempTag(ctx, engine.ManifestCreate{Manifest: placeholder}, s.expiration())
		if err != nil {
			return nil, err
		}
		childIDs = append(childIDs, child.ID)
	}
	return childIDs, nil
}

// LookupManifestByDigest resolves a manifest by digest, fetching from upstream
// on a miss and materializing placeholder rows on a hit without bytes.
func (s *ProxyCacheService) LookupManifestByDigest(ctx context.Context, repo store.Repository, dgst digest.Digest) (store.Manifest, error) {
	m, err := s.eng.LookupManifestByDigest(ctx, repo.ID, dgst, false, false)
	if err == engine.ErrNotFound {
		return s.pullManifestByDigest(ctx, repo, dgst)
	}
	if err != nil {
		return store.Manifest{}, err
	}

	if m.IsPlaceholder() {
		return s.materializePlaceholder(ctx, repo, m)
	}

	// digest-addressed content is immutable, confirm upstream still has it
	if _, errUp := s.upstream.ManifestExists(ctx, s.upstreamRepo(repo.Name), dgst.String()); errUp != nil &&
		!errors.Is(errUp, store.ErrManifestDoesNotExist) {
		s.l.Logf("[DEBUG] upstream check for %s@%s failed, serving cached: %v", repo.Path(), dgst, errUp)
	}
	return m, nil
}

func (s *ProxyCacheService) pullManifestByDigest(ctx context.Context, repo store.Repository, dgst digest.Digest) (store.Manifest, error) {
	raw, mediaType, gotDigest, err := s.upstream.GetManifest(ctx, s.upstreamRepo(repo.Name), dgst.String())
	if err != nil {
		return store.Manifest{}, err
	}
	if gotDigest != dgst && digest.FromBytes(raw) != dgst {
		return store.Manifest{}, errors.Wrapf(store.ErrManifestInvalid, "upstream content does not match digest %s", dgst)
	}
	parsed, err := parseManifest(raw, mediaType, dgst)
	if err != nil {
		return store.Manifest{}, err
	}
	if err = s.checkImageUploadPossibleOrPrune(ctx, parsed); err != nil {
		return store.Manifest{}, err
	}
	childIDs, err := s.cacheChildren(ctx, repo, parsed)
	if err != nil {
		return store.Manifest{}, err
	}

	m, _, err := s.eng.CreateManifestWithTempTag(ctx, engine.ManifestCreate{
		Manifest:         parsed.storeManifest(repo.ID),
		PlaceholderBlobs: parsed.placeholderBlobs(),
		ChildIDs:         childIDs,
	}, s.expiration())
	return m, err
}

// materializePlaceholder downloads the bytes for a manifest row created ahead
// of its content, typically a child of a cached index.
func (s *ProxyCacheService) materializePlaceholder(ctx context.Context, repo store.Repository, m store.Manifest) (store.Manifest, error) {
	raw, mediaType, _, err := s.upstream.GetManifest(ctx, s.upstreamRepo(repo.Name), m.Digest.String())
	if err != nil {
		return store.Manifest{}, err
	}
	if digest.FromBytes(raw) != m.Digest {
		return store.Manifest{}, errors.Wrapf(store.ErrManifestInvalid, "upstream content does not match digest %s", m.Digest)
	}
	parsed, err := parseManifest(raw, mediaType, m.Digest)
	if err != nil {
		return store.Manifest{}, err
	}

	childIDs, err := s.cacheChildren(ctx, repo, parsed)
	if err != nil {
		return store.Manifest{}, err
	}
	for _, childID := range childIDs {
		if err = s.eng.ConnectManifestChild(ctx, repo.ID, m.ID, childID); err != nil {
			return store.Manifest{}, err
		}
	}

	if err = s.eng.UpdateManifestBytes(ctx, m.ID, mediaType, raw, parsed.placeholderBlobs()); err != nil {
		return store.Manifest{}, err
	}
	m.Bytes = raw
	m.MediaType = mediaType
	return m, nil
}

// GetRepoBlobByDigest resolves a blob, downloading the bytes through the
// upload pipeline when the row exists without a placement. Upload-side
// failures surface as upstream errors, the client asked the proxy for content
// the proxy could not produce.
func (s *ProxyCacheService) GetRepoBlobByDigest(ctx context.Context, repo store.Repository, dgst digest.Digest) (store.Blob, error) {
	b, err := s.eng.GetRepoBlobByDigest(ctx, repo.ID, dgst, true)
	if err == nil && len(b.Placements) > 0 {
		return b, nil
	}
	if err != nil && err != engine.ErrNotFound {
		return store.Blob{}, err
	}

	rc, size, err := s.upstream.GetBlob(ctx, s.upstreamRepo(repo.Name), dgst)
	if err != nil {
		return store.Blob{}, err
	}
	defer func() { _ = rc.Close() }()

	up, err := s.uploads.Begin(ctx, repo.ID)
	if err != nil {
		return store.Blob{}, &store.UpstreamRegistryError{Cause: err}
	}
	up, err = s.uploads.UploadChunk(ctx, up, 0, size, rc)
	if err != nil {
		_ = s.uploads.Cancel(ctx, up)
		return store.Blob{}, &store.UpstreamRegistryError{Cause: err}
	}
	blob, err := s.uploads.Commit(ctx, up, dgst)
	if err != nil {
		_ = s.uploads.Cancel(ctx, up)
		return store.Blob{}, &store.UpstreamRegistryError{Cause: err}
	}
	s.l.Logf("[DEBUG] pulled blob %s (%d bytes) into %s", dgst, blob.CompressedSize, repo.Path())
	return blob, nil
}

// checkImageUploadPossibleOrPrune admits a single-image manifest against the
// namespace quota, expiring cached tags by nearest expiry until enough bytes
// are reclaimable. Lists are admitted as-is, their children are checked
// individually.
func (s *ProxyCacheService) checkImageUploadPossibleOrPrune(ctx context.Context, parsed *parsedManifest) error {
	if parsed.isList() || s.ns.QuotaLimitBytes == nil {
		return nil
	}
	limit := *s.ns.QuotaLimitBytes
	size := parsed.imageSize()

	if size > limit {
		return &store.QuotaExceededError{NamespaceName: s.ns.Name, ImageSize: size, Limit: limit}
	}
	used, err := s.eng.NamespaceUsedBytes(ctx, s.ns.ID)
	if err != nil {
		return err
	}
	if used+size <= limit {
		return nil
	}

	tags, err := s.eng.NamespaceTagsByNearestExpiry(ctx, s.ns.ID)
	if err != nil {
		return err
	}
	var reclaimed int64
	for _, t := range tags {
		reclaimable, errReclaim := s.eng.ReclaimableTagBytes(ctx, t)
		if errReclaim != nil {
			return errReclaim
		}
		if errExpire := s.eng.SetTagsExpirationForManifest(ctx, t.ManifestID, 0); errExpire != nil {
			return errExpire
		}
		reclaimed += reclaimable
		s.l.Logf("[INFO] pruned tag %s in namespace %s, reclaimed %d bytes", t.Name, s.ns.Name, reclaimed)
		// stop as soon as the image fits in the freed-up space, surviving
		// tags keep their bytes
		if used-reclaimed+size <= limit {
			return nil
		}
	}
	return &store.QuotaExceededError{NamespaceName: s.ns.Name, ImageSize: size, Limit: limit}
}
