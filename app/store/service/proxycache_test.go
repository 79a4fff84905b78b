package service

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocistack/stevedore/app/storage"
	"github.com/ocistack/stevedore/app/store"
	"github.com/ocistack/stevedore/app/store/crypt"
	"github.com/ocistack/stevedore/app/store/engine"
	"github.com/ocistack/stevedore/app/store/engine/embedded"
	"github.com/ocistack/stevedore/app/upload"
)

// fakeUpstream is an in-memory upstream registry keyed by tag or digest string.
type fakeUpstream struct {
	manifests map[string]fakeManifest // key is tag or digest string
	blobs     map[digest.Digest][]byte
	failing   bool
	noDigest  bool // ManifestExists withholds the digest header

	manifestGets int
	blobGets     int
}

type fakeManifest struct {
	raw       []byte
	mediaType string
}

func (f *fakeUpstream) put(ref string, raw []byte, mediaType string) digest.Digest {
	dgst := digest.FromBytes(raw)
	f.manifests[ref] = fakeManifest{raw: raw, mediaType: mediaType}
	f.manifests[dgst.String()] = fakeManifest{raw: raw, mediaType: mediaType}
	return dgst
}

func (f *fakeUpstream) GetManifest(_ context.Context, _, ref string) ([]byte, string, digest.Digest, error) {
	if f.failing {
		return nil, "", "", &store.UpstreamRegistryError{Status: 503}
	}
	f.manifestGets++
	m, ok := f.manifests[ref]
	if !ok {
		return nil, "", "", store.ErrManifestDoesNotExist
	}
	return m.raw, m.mediaType, digest.FromBytes(m.raw), nil
}

func (f *fakeUpstream) ManifestExists(_ context.Context, _, ref string) (digest.Digest, error) {
	if f.failing {
		return "", &store.UpstreamRegistryError{Status: 503}
	}
	m, ok := f.manifests[ref]
	if !ok {
		return "", store.ErrManifestDoesNotExist
	}
	if f.noDigest {
		return "", nil
	}
	return digest.FromBytes(m.raw), nil
}

func (f *fakeUpstream) GetBlob(_ context.Context, _ string, dgst digest.Digest) (io.ReadCloser, int64, error) {
	if f.failing {
		return nil, 0, &store.UpstreamRegistryError{Status: 503}
	}
	b, ok := f.blobs[dgst]
	if !ok {
		return nil, 0, &store.UpstreamRegistryError{Status: 404}
	}
	f.blobGets++
	return io.NopCloser(bytes.NewReader(b)), int64(len(b)), nil
}

func (f *fakeUpstream) BlobExists(_ context.Context, _ string, dgst digest.Digest) (bool, error) {
	if f.failing {
		return false, &store.UpstreamRegistryError{Status: 503}
	}
	_, ok := f.blobs[dgst]
	return ok, nil
}

func prepProxy(t *testing.T, quota *int64) (*ProxyCacheService, *embedded.Embedded, context.Context, store.Repository, *fakeUpstream) {
	ctx, ctxCancel := context.WithCancel(context.Background())
	t.Cleanup(ctxCancel)

	dir := t.TempDir()
	db := embedded.NewEmbedded(dir + "/test.db")
	require.NoError(t, db.Connect(ctx))

	ns := store.Namespace{Name: "proxied", QuotaLimitBytes: quota}
	require.NoError(t, db.CreateNamespace(ctx, &ns))
	repo := store.Repository{NamespaceID: ns.ID, Namespace: ns.Name, Name: "alpine"}
	require.NoError(t, db.CreateRepository(ctx, &repo))

	driver, err := storage.NewLocalFS(dir+"/storage", []string{"local_us"})
	require.NoError(t, err)
	signer, err := crypt.NewHasherStateSigner("test-secret")
	require.NoError(t, err)
	uploads := upload.NewManager(upload.Settings{}, db, driver, signer, nil)

	up := &fakeUpstream{manifests: map[string]fakeManifest{}, blobs: map[digest.Digest][]byte{}}
	cfg := store.ProxyCacheConfig{NamespaceID: ns.ID, UpstreamRegistry: "docker.io/library", ExpirationSeconds: 3600}
	svc := NewProxyCache(db, up, uploads, ns, cfg, store.VisibilityPublic, nil)
	return svc, db, ctx, repo, up
}

// imageManifest builds an OCI image manifest over the given layer contents and
// registers the layer blobs with the upstream.
func imageManifest(t *testing.T, up *fakeUpstream, layers ...[]byte) ([]byte, digest.Digest) {
	config := []byte(`{"architecture":"amd64","os":"linux"}`)
	m := ocispec.Manifest{
		Config: ocispec.Descriptor{MediaType: "application/vnd.oci.image.config.v1+json",
			Digest: digest.FromBytes(config), Size: int64(len(config))},
	}
	up.blobs[m.Config.Digest] = config
	for _, layer := range layers {
		d := ocispec.Descriptor{MediaType: "application/vnd.oci.image.layer.v1.tar+gzip",
			Digest: digest.FromBytes(layer), Size: int64(len(layer))}
		m.Layers = append(m.Layers, d)
		up.blobs[d.Digest] = layer
	}
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	return raw, digest.FromBytes(raw)
}

func TestProxyCache_PullTagOnMiss(t *testing.T) {
	svc, db, ctx, repo, up := prepProxy(t, nil)

	raw, _ := imageManifest(t, up, []byte("layer one"), []byte("layer two"))
	dgst := up.put("latest", raw, ocispec.MediaTypeImageManifest)

	tag, m, err := svc.GetRepoTag(ctx, repo, "latest")
	require.NoError(t, err)
	assert.Equal(t, dgst, m.Digest)
	assert.Equal(t, raw, m.Bytes)
	require.NotNil(t, tag.LifetimeEndMs, "proxy tags always expire")
	assert.Greater(t, *tag.LifetimeEndMs, time.Now().UnixMilli())

	// layer blob rows exist without placements, bytes come later on demand
	layerDigest := digest.FromBytes([]byte("layer one"))
	blob, err := db.GetRepoBlobByDigest(ctx, repo.ID, layerDigest, true)
	require.NoError(t, err)
	assert.Empty(t, blob.Placements)
	assert.Equal(t, int64(len("layer one")), blob.CompressedSize)
}

func TestProxyCache_FreshHitServedLocally(t *testing.T) {
	svc, _, ctx, repo, up := prepProxy(t, nil)

	raw, _ := imageManifest(t, up, []byte("layer"))
	up.put("latest", raw, ocispec.MediaTypeImageManifest)

	_, _, err := svc.GetRepoTag(ctx, repo, "latest")
	require.NoError(t, err)
	require.Equal(t, 1, up.manifestGets)

	// an up-to-date hit confirms by digest only, no second manifest download
	tag, m, err := svc.GetRepoTag(ctx, repo, "latest")
	require.NoError(t, err)
	assert.Equal(t, digest.FromBytes(raw), m.Digest)
	assert.Equal(t, 1, up.manifestGets)
	assert.NotNil(t, tag.LifetimeEndMs)
}

func TestProxyCache_StaleTagRefreshed(t *testing.T) {
	svc, db, ctx, repo, up := prepProxy(t, nil)

	rawOld, _ := imageManifest(t, up, []byte("old layer"))
	up.put("latest", rawOld, ocispec.MediaTypeImageManifest)
	_, mOld, err := svc.GetRepoTag(ctx, repo, "latest")
	require.NoError(t, err)

	rawNew, _ := imageManifest(t, up, []byte("new layer"))
	newDigest := up.put("latest", rawNew, ocispec.MediaTypeImageManifest)
	require.NotEqual(t, mOld.Digest, newDigest)

	_, mNew, err := svc.GetRepoTag(ctx, repo, "latest")
	require.NoError(t, err)
	assert.Equal(t, newDigest, mNew.Digest)

	// exactly one alive visible tag remains
	tag, err := db.GetRepoTag(ctx, repo.ID, "latest")
	require.NoError(t, err)
	assert.Equal(t, mNew.ID, tag.ManifestID)
}

func TestProxyCache_UpstreamDownServesCached(t *testing.T) {
	svc, _, ctx, repo, up := prepProxy(t, nil)

	raw, _ := imageManifest(t, up, []byte("layer"))
	up.put("latest", raw, ocispec.MediaTypeImageManifest)
	_, _, err := svc.GetRepoTag(ctx, repo, "latest")
	require.NoError(t, err)

	up.failing = true
	tag, m, err := svc.GetRepoTag(ctx, repo, "latest")
	require.NoError(t, err, "cached content outlives an upstream outage")
	assert.Equal(t, digest.FromBytes(raw), m.Digest)
	assert.True(t, tag.Alive(time.Now()))

	// a never-cached tag cannot be served during the outage
	_, _, err = svc.GetRepoTag(ctx, repo, "missing")
	var upstreamErr *store.UpstreamRegistryError
	assert.ErrorAs(t, err, &upstreamErr)
}

func TestProxyCache_NoDigestHeaderFallsBackToFetch(t *testing.T) {
	svc, _, ctx, repo, up := prepProxy(t, nil)

	raw, _ := imageManifest(t, up, []byte("layer"))
	up.put("latest", raw, ocispec.MediaTypeImageManifest)
	up.noDigest = true

	_, _, err := svc.GetRepoTag(ctx, repo, "latest")
	require.NoError(t, err)
	gets := up.manifestGets

	// freshness check must hash the fetched manifest when the header is absent
	_, m, err := svc.GetRepoTag(ctx, repo, "latest")
	require.NoError(t, err)
	assert.Equal(t, digest.FromBytes(raw), m.Digest)
	assert.Greater(t, up.manifestGets, gets)
}

func TestProxyCache_LookupRepository(t *testing.T) {
	svc, _, ctx, _, up := prepProxy(t, nil)

	raw, _ := imageManifest(t, up, []byte("layer"))
	up.put("latest", raw, ocispec.MediaTypeImageManifest)

	// missing repo without a manifest ref stays missing
	repo, err := svc.LookupRepository(ctx, "busybox", "")
	require.NoError(t, err)
	assert.Nil(t, repo)

	// unacknowledged ref does not create anything
	repo, err = svc.LookupRepository(ctx, "busybox", "no-such-tag")
	require.NoError(t, err)
	assert.Nil(t, repo)

	// acknowledged ref auto-creates the repository
	repo, err = svc.LookupRepository(ctx, "busybox", "latest")
	require.NoError(t, err)
	require.NotNil(t, repo)
	assert.Equal(t, "proxied/busybox", repo.Path())
	assert.Equal(t, store.VisibilityPublic, repo.Visibility)

	// second lookup finds the created row
	again, err := svc.LookupRepository(ctx, "busybox", "")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, repo.ID, again.ID)
}

func TestProxyCache_ManifestListChildren(t *testing.T) {
	svc, db, ctx, repo, up := prepProxy(t, nil)

	rawAmd, _ := imageManifest(t, up, []byte("amd layer"))
	amdDigest := up.put(digest.FromBytes(rawAmd).String(), rawAmd, ocispec.MediaTypeImageManifest)
	rawArm, _ := imageManifest(t, up, []byte("arm layer"))
	armDigest := up.put(digest.FromBytes(rawArm).String(), rawArm, ocispec.MediaTypeImageManifest)

	idx := ocispec.Index{Manifests: []ocispec.Descriptor{
		{MediaType: ocispec.MediaTypeImageManifest, Digest: amdDigest, Size: int64(len(rawAmd)),
			Platform: &ocispec.Platform{Architecture: "amd64", OS: "linux"}},
		{MediaType: ocispec.MediaTypeImageManifest, Digest: armDigest, Size: int64(len(rawArm)),
			Platform: &ocispec.Platform{Architecture: "arm64", OS: "linux"}},
	}}
	rawIdx, err := json.Marshal(idx)
	require.NoError(t, err)
	up.put("latest", rawIdx, ocispec.MediaTypeImageIndex)

	_, m, err := svc.GetRepoTag(ctx, repo, "latest")
	require.NoError(t, err)

	children, err := db.ManifestChildren(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.True(t, children[0].IsPlaceholder())

	// resolving a child by digest materializes the placeholder
	child, err := svc.LookupManifestByDigest(ctx, repo, amdDigest)
	require.NoError(t, err)
	assert.Equal(t, rawAmd, child.Bytes)
	assert.False(t, child.IsPlaceholder())

	// the child's layer blobs got linked on materialization
	layerDigest := digest.FromBytes([]byte("amd layer"))
	_, err = db.GetRepoBlobByDigest(ctx, repo.ID, layerDigest, false)
	assert.NoError(t, err)
}

func TestProxyCache_BlobPullThrough(t *testing.T) {
	svc, _, ctx, repo, up := prepProxy(t, nil)

	layer := []byte("layer bytes for pull through")
	raw, _ := imageManifest(t, up, layer)
	up.put("latest", raw, ocispec.MediaTypeImageManifest)
	_, _, err := svc.GetRepoTag(ctx, repo, "latest")
	require.NoError(t, err)

	layerDigest := digest.FromBytes(layer)
	blob, err := svc.GetRepoBlobByDigest(ctx, repo, layerDigest)
	require.NoError(t, err)
	assert.Equal(t, layerDigest, blob.Digest)
	assert.NotEmpty(t, blob.Placements)
	require.Equal(t, 1, up.blobGets)

	// second fetch is served from local placements
	blob, err = svc.GetRepoBlobByDigest(ctx, repo, layerDigest)
	require.NoError(t, err)
	assert.NotEmpty(t, blob.Placements)
	assert.Equal(t, 1, up.blobGets)

	// unknown blob surfaces an upstream error
	_, err = svc.GetRepoBlobByDigest(ctx, repo, digest.FromString("absent"))
	var upstreamErr *store.UpstreamRegistryError
	assert.ErrorAs(t, err, &upstreamErr)
}

func TestProxyCache_QuotaExceeded(t *testing.T) {
	quota := int64(10)
	svc, _, ctx, repo, up := prepProxy(t, &quota)

	raw, _ := imageManifest(t, up, []byte("this layer alone is over ten bytes"))
	up.put("latest", raw, ocispec.MediaTypeImageManifest)

	_, _, err := svc.GetRepoTag(ctx, repo, "latest")
	var quotaErr *store.QuotaExceededError
	require.ErrorAs(t, err, &quotaErr)
	assert.Equal(t, "proxied", quotaErr.NamespaceName)
}

func TestProxyCache_QuotaPrunesNearestExpiry(t *testing.T) {
	quota := int64(120)
	svc, db, ctx, repo, up := prepProxy(t, &quota)

	layerA := bytes.Repeat([]byte("a"), 60)
	rawA, _ := imageManifest(t, up, layerA)
	up.put("first", rawA, ocispec.MediaTypeImageManifest)
	_, _, err := svc.GetRepoTag(ctx, repo, "first")
	require.NoError(t, err)

	layerB := bytes.Repeat([]byte("b"), 60)
	rawB, _ := imageManifest(t, up, layerB)
	up.put("second", rawB, ocispec.MediaTypeImageManifest)

	// the namespace cannot hold both images, the older tag gets pruned
	_, mB, err := svc.GetRepoTag(ctx, repo, "second")
	require.NoError(t, err)
	assert.Equal(t, digest.FromBytes(rawB), mB.Digest)

	_, err = db.GetRepoTag(ctx, repo.ID, "first")
	assert.Equal(t, engine.ErrNotFound, err, "pruned tag is expired")
}

func TestProxyCache_QuotaPruneAdmitsOnceImageFits(t *testing.T) {
	// the freed-up space matters, not the incoming image size: pruning the
	// cached 437 B image leaves plenty of room under the 900 B limit even
	// though 437 < 537
	quota := int64(900)
	svc, db, ctx, repo, up := prepProxy(t, &quota)

	rawFirst, _ := imageManifest(t, up, bytes.Repeat([]byte("a"), 400))
	up.put("first", rawFirst, ocispec.MediaTypeImageManifest)
	_, _, err := svc.GetRepoTag(ctx, repo, "first")
	require.NoError(t, err)

	rawSecond, _ := imageManifest(t, up, bytes.Repeat([]byte("b"), 500))
	up.put("second", rawSecond, ocispec.MediaTypeImageManifest)

	_, mSecond, err := svc.GetRepoTag(ctx, repo, "second")
	require.NoError(t, err, "pull must succeed after the prune frees enough space")
	assert.Equal(t, digest.FromBytes(rawSecond), mSecond.Digest)

	_, err = db.GetRepoTag(ctx, repo.ID, "first")
	assert.Equal(t, engine.ErrNotFound, err, "pruned tag is expired")
}

func TestProxyCache_QuotaPruneKeepsSurvivingTags(t *testing.T) {
	quota := int64(800)
	svc, db, ctx, repo, up := prepProxy(t, &quota)

	rawFirst, _ := imageManifest(t, up, bytes.Repeat([]byte("a"), 400))
	up.put("first", rawFirst, ocispec.MediaTypeImageManifest)
	_, _, err := svc.GetRepoTag(ctx, repo, "first")
	require.NoError(t, err)

	rawSecond, _ := imageManifest(t, up, bytes.Repeat([]byte("b"), 200))
	up.put("second", rawSecond, ocispec.MediaTypeImageManifest)
	_, _, err = svc.GetRepoTag(ctx, repo, "second")
	require.NoError(t, err)

	// pin the first tag to the nearest expiry so the eviction order is fixed
	firstTag, err := db.GetRepoTag(ctx, repo.ID, "first")
	require.NoError(t, err)
	sooner := time.Now().Add(10 * time.Minute).UnixMilli()
	require.NoError(t, db.ChangeRepositoryTagExpiration(ctx, firstTag.ID, &sooner))

	rawThird, _ := imageManifest(t, up, bytes.Repeat([]byte("c"), 500))
	up.put("third", rawThird, ocispec.MediaTypeImageManifest)
	_, _, err = svc.GetRepoTag(ctx, repo, "third")
	require.NoError(t, err)

	_, err = db.GetRepoTag(ctx, repo.ID, "first")
	assert.Equal(t, engine.ErrNotFound, err, "nearest-expiry tag is pruned")

	_, err = db.GetRepoTag(ctx, repo.ID, "second")
	assert.NoError(t, err, "pruning stops once the image fits, later tags survive")
}

func TestProxyCache_UpstreamRepoMapping(t *testing.T) {
	svc, _, _, _, _ := prepProxy(t, nil)
	assert.Equal(t, "library/alpine", svc.upstreamRepo("alpine"))

	svc.Config.UpstreamRegistry = "quay.io"
	assert.Equal(t, "alpine", svc.upstreamRepo("alpine"))
}

func TestParseManifest_Invalid(t *testing.T) {
	_, err := parseManifest([]byte("{}"), "application/vnd.docker.distribution.manifest.v1+prettyjws", digest.FromString("x"))
	assert.ErrorIs(t, err, store.ErrInvalidSchema1Manifest)

	_, err = parseManifest([]byte("not json"), ocispec.MediaTypeImageManifest, digest.FromString("x"))
	assert.ErrorIs(t, err, store.ErrManifestInvalid)

	_, err = parseManifest([]byte("{}"), "application/x-unknown", digest.FromString("x"))
	assert.ErrorIs(t, err, store.ErrManifestInvalid)
}

func TestParseManifest_Sizes(t *testing.T) {
	up := &fakeUpstream{manifests: map[string]fakeManifest{}, blobs: map[digest.Digest][]byte{}}
	raw, dgst := imageManifest(t, up, []byte("0123456789"), []byte("01234"))

	parsed, err := parseManifest(raw, ocispec.MediaTypeImageManifest, dgst)
	require.NoError(t, err)
	assert.False(t, parsed.isList())
	require.NotNil(t, parsed.layersSize())
	assert.Equal(t, int64(15), *parsed.layersSize())
	assert.Equal(t, int64(15+len(`{"architecture":"amd64","os":"linux"}`)), parsed.imageSize())
	assert.Len(t, parsed.placeholderBlobs(), 3, "config plus two layers")
}
