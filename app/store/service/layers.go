package service

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/ocistack/stevedore/app/cache"
	"github.com/ocistack/stevedore/app/store"
	"github.com/ocistack/stevedore/app/store/engine"
)

// ManifestLayers enumerates the layers of a single-image manifest in order,
// pairing each descriptor with its local blob row. URL-bearing layers get a
// nil blob, they have no local bytes by definition.
func ManifestLayers(ctx context.Context, eng engine.Interface, m store.Manifest) ([]store.ManifestLayer, error) {
	parsed, err := parseManifest(m.Bytes, m.MediaType, m.Digest)
	if err != nil {
		return nil, err
	}
	return pairLayerBlobs(ctx, eng, m.RepositoryID, parsed)
}

// ParsedManifestLayers enumerates the layers of manifest content which is not
// stored yet, resolving blob rows against the given repository.
func ParsedManifestLayers(ctx context.Context, eng engine.Interface, repoID int64,
	raw []byte, mediaType string) ([]store.ManifestLayer, error) {

	parsed, err := parseManifest(raw, mediaType, digest.FromBytes(raw))
	if err != nil {
		return nil, err
	}
	return pairLayerBlobs(ctx, eng, repoID, parsed)
}

func pairLayerBlobs(ctx context.Context, eng engine.Interface, repoID int64, parsed *parsedManifest) ([]store.ManifestLayer, error) {
	if parsed.isList() {
		return nil, store.ErrManifestInvalid
	}

	var digests []digest.Digest
	for _, l := range parsed.layers {
		if len(l.URLs) == 0 {
			digests = append(digests, l.Digest)
		}
	}
	blobs, err := eng.BlobsByDigests(ctx, repoID, digests)
	if err != nil {
		return nil, err
	}

	layers := make([]store.ManifestLayer, 0, len(parsed.layers))
	for i, l := range parsed.layers {
		layer := store.ManifestLayer{
			Index:    i,
			Digest:   l.Digest,
			Size:     l.Size,
			URLs:     l.URLs,
			EmptyTar: l.Digest == store.EmptyLayerDigest,
		}
		if b, ok := blobs[l.Digest]; ok && len(l.URLs) == 0 {
			blob := b
			layer.Blob = &blob
		}
		layers = append(layers, layer)
	}
	return layers, nil
}

// ManifestLocalBlobs returns the blob rows a single-image manifest references
// locally, config first then layers, URL-only layers excluded. A referenced
// blob missing from the repository fails the whole lookup.
func ManifestLocalBlobs(ctx context.Context, eng engine.Interface, m store.Manifest) ([]store.Blob, error) {
	parsed, err := parseManifest(m.Bytes, m.MediaType, m.Digest)
	if err != nil {
		return nil, err
	}
	if parsed.isList() {
		return nil, store.ErrManifestInvalid
	}

	var digests []digest.Digest
	seen := map[digest.Digest]bool{}
	add := func(d digest.Digest) {
		if !seen[d] {
			seen[d] = true
			digests = append(digests, d)
		}
	}
	if parsed.config != nil {
		add(parsed.config.Digest)
	}
	for _, l := range parsed.layers {
		if len(l.URLs) == 0 {
			add(l.Digest)
		}
	}

	found, err := eng.BlobsByDigests(ctx, m.RepositoryID, digests)
	if err != nil {
		return nil, err
	}
	blobs := make([]store.Blob, 0, len(digests))
	for _, d := range digests {
		b, ok := found[d]
		if !ok {
			return nil, errors.Wrapf(engine.ErrNotFound, "blob %s of manifest %s", d, m.Digest)
		}
		blobs = append(blobs, b)
	}
	return blobs, nil
}

// legacyIDBytes is the fixed codec block size, 64 hex chars encoded.
const legacyIDBytes = 32

// LegacyImageIDCodec mints the fake docker V1 image ids older clients expect
// and decodes them back, keyed so real row ids never leak. The same
// (manifest, index) always yields the same id.
type LegacyImageIDCodec struct {
	block  cipher.Block
	macKey []byte
}

// NewLegacyImageIDCodec derives the codec keys from the process secret.
func NewLegacyImageIDCodec(secret string) (*LegacyImageIDCodec, error) {
	encKey := sha256.Sum256([]byte("stevedore-legacy-image-id:" + secret))
	macKey := sha256.Sum256([]byte("stevedore-legacy-image-id-check:" + secret))
	block, err := aes.NewCipher(encKey[:])
	if err != nil {
		return nil, errors.Wrap(err, "failed to init legacy image id cipher")
	}
	return &LegacyImageIDCodec{block: block, macKey: macKey[:]}, nil
}

// ImageID returns the 64-hex-char synthetic id for one layer of a manifest.
func (c *LegacyImageIDCodec) ImageID(manifestID int64, layerIndex int) string {
	var pt [legacyIDBytes]byte
	binary.BigEndian.PutUint64(pt[:8], uint64(manifestID))
	binary.BigEndian.PutUint32(pt[8:12], uint32(layerIndex))
	mac := hmac.New(sha256.New, c.macKey)
	mac.Write(pt[:12])
	copy(pt[12:], mac.Sum(nil)[:20])

	// the iv is fixed to keep ids deterministic, they are identifiers rather
	// than secrets
	var ct [legacyIDBytes]byte
	cipher.NewCBCEncrypter(c.block, make([]byte, aes.BlockSize)).CryptBlocks(ct[:], pt[:])
	return hex.EncodeToString(ct[:])
}

// Decode recovers the (manifest, layer) pair behind an id. ok is false for
// anything this codec did not mint.
func (c *LegacyImageIDCodec) Decode(id string) (manifestID int64, layerIndex int, ok bool) {
	ct, err := hex.DecodeString(id)
	if err != nil || len(ct) != legacyIDBytes {
		return 0, 0, false
	}
	var pt [legacyIDBytes]byte
	cipher.NewCBCDecrypter(c.block, make([]byte, aes.BlockSize)).CryptBlocks(pt[:], ct)

	mac := hmac.New(sha256.New, c.macKey)
	mac.Write(pt[:12])
	if !hmac.Equal(pt[12:], mac.Sum(nil)[:20]) {
		return 0, 0, false
	}
	return int64(binary.BigEndian.Uint64(pt[:8])), int(binary.BigEndian.Uint32(pt[8:12])), true
}

// CachedActiveTags serves a shallow tag page through the retrieve-through
// cache. Pages survive in the cache for ttl, retargets show up after that.
func CachedActiveTags(ctx context.Context, c cache.Cache, eng engine.Interface,
	repoID, startID int64, limit int, ttl time.Duration) ([]store.ShallowTag, error) {

	key := cache.Key{Name: fmt.Sprintf("active_tags:%d:%d:%d", repoID, startID, limit), Expiration: ttl}
	v, err := c.Retrieve(ctx, key, func(ctx context.Context) (interface{}, error) {
		return eng.LookupActiveRepositoryTags(ctx, repoID, startID, limit)
	}, nil)
	if err != nil {
		return nil, err
	}

	if tags, ok := v.([]store.ShallowTag); ok {
		return tags, nil
	}
	// a distributed backend returns the generic JSON decode, re-shape it. An
	// undecodable entry must not fail the read, serve uncached instead.
	var tags []store.ShallowTag
	if errShape := reshape(v, &tags); errShape != nil {
		return eng.LookupActiveRepositoryTags(ctx, repoID, startID, limit)
	}
	return tags, nil
}

// CachedNamespaceRegionBlacklist serves the namespace region blacklist through
// the retrieve-through cache, checked on every replication placement decision.
func CachedNamespaceRegionBlacklist(ctx context.Context, c cache.Cache, eng engine.Interface,
	nsName string, ttl time.Duration) ([]string, error) {

	lookup := func(ctx context.Context) (interface{}, error) {
		ns, err := eng.LookupNamespace(ctx, nsName)
		if err != nil {
			return nil, err
		}
		return ns.RegionBlacklist, nil
	}

	key := cache.Key{Name: "ns_region_blacklist:" + nsName, Expiration: ttl}
	v, err := c.Retrieve(ctx, key, lookup, nil)
	if err != nil {
		return nil, err
	}

	if regions, ok := v.([]string); ok {
		return regions, nil
	}
	var regions []string
	if errShape := reshape(v, &regions); errShape != nil {
		ns, errLoad := eng.LookupNamespace(ctx, nsName)
		if errLoad != nil {
			return nil, errLoad
		}
		return ns.RegionBlacklist, nil
	}
	return regions, nil
}

// CachedRepoBlob resolves a repository blob with placements through the
// retrieve-through cache, the hot path of every blob pull. Blobs still
// uploading are never cached, their rows are about to change.
func CachedRepoBlob(ctx context.Context, c cache.Cache, eng engine.Interface,
	nsName, repoName string, dgst digest.Digest, ttl time.Duration) (store.Blob, error) {

	lookup := func(ctx context.Context) (interface{}, error) {
		repo, err := eng.LookupRepository(ctx, nsName, repoName)
		if err != nil {
			return nil, err
		}
		return eng.GetRepoBlobByDigest(ctx, repo.ID, dgst, true)
	}

	key := cache.Key{Name: fmt.Sprintf("repo_blob:%s/%s:%s", nsName, repoName, dgst), Expiration: ttl}
	v, err := c.Retrieve(ctx, key, lookup, func(v interface{}) bool {
		b, ok := v.(store.Blob)
		return ok && !b.Uploading
	})
	if err != nil {
		return store.Blob{}, err
	}

	if blob, ok := v.(store.Blob); ok {
		return blob, nil
	}
	var blob store.Blob
	if errShape := reshape(v, &blob); errShape != nil {
		loaded, errLoad := lookup(ctx)
		if errLoad != nil {
			return store.Blob{}, errLoad
		}
		return loaded.(store.Blob), nil
	}
	return blob, nil
}

// reshape converts the generic decode a distributed cache backend returns back
// into the typed value local hits keep.
func reshape(v, out interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
