package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocistack/stevedore/app/cache"
	"github.com/ocistack/stevedore/app/store"
)

func TestManifestLayers(t *testing.T) {
	svc, db, ctx, repo, up := prepProxy(t, nil)

	layerOne, layerTwo := []byte("first layer"), []byte("second layer")
	raw, _ := imageManifest(t, up, layerOne, layerTwo)
	up.put("latest", raw, ocispec.MediaTypeImageManifest)
	_, m, err := svc.GetRepoTag(ctx, repo, "latest")
	require.NoError(t, err)

	layers, err := ManifestLayers(ctx, db, m)
	require.NoError(t, err)
	require.Len(t, layers, 2)

	assert.Equal(t, 0, layers[0].Index)
	assert.Equal(t, digest.FromBytes(layerOne), layers[0].Digest)
	assert.Equal(t, int64(len(layerOne)), layers[0].Size)
	require.NotNil(t, layers[0].Blob)
	assert.Equal(t, layers[0].Digest, layers[0].Blob.Digest)
	assert.False(t, layers[0].EmptyTar)

	assert.Equal(t, 1, layers[1].Index)
	assert.Equal(t, digest.FromBytes(layerTwo), layers[1].Digest)
}

func TestManifestLayers_RemoteAndEmpty(t *testing.T) {
	svc, db, ctx, repo, up := prepProxy(t, nil)

	config := []byte(`{"architecture":"amd64"}`)
	m := ocispec.Manifest{
		Config: ocispec.Descriptor{MediaType: "application/vnd.oci.image.config.v1+json",
			Digest: digest.FromBytes(config), Size: int64(len(config))},
		Layers: []ocispec.Descriptor{
			{MediaType: "application/vnd.oci.image.layer.v1.tar+gzip",
				Digest: store.EmptyLayerDigest, Size: int64(len(store.EmptyLayerBytes))},
			{MediaType: "application/vnd.oci.image.layer.nondistributable.v1.tar+gzip",
				Digest: digest.FromString("remote layer"), Size: 1024,
				URLs: []string{"https://layers.example.com/remote"}},
		},
	}
	up.blobs[m.Config.Digest] = config
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	up.put("latest", raw, ocispec.MediaTypeImageManifest)

	_, cached, err := svc.GetRepoTag(ctx, repo, "latest")
	require.NoError(t, err)

	layers, err := ManifestLayers(ctx, db, cached)
	require.NoError(t, err)
	require.Len(t, layers, 2)
	assert.True(t, layers[0].EmptyTar)
	assert.Nil(t, layers[1].Blob, "remote layers have no local blob")
	assert.Equal(t, []string{"https://layers.example.com/remote"}, layers[1].URLs)

	// a list manifest has no layers to enumerate
	_, err = ManifestLayers(ctx, db, store.Manifest{Bytes: []byte(`{"manifests":[]}`),
		MediaType: ocispec.MediaTypeImageIndex, Digest: digest.FromString("idx")})
	assert.ErrorIs(t, err, store.ErrManifestInvalid)
}

func TestLegacyImageIDCodec(t *testing.T) {
	codec, err := NewLegacyImageIDCodec("secret")
	require.NoError(t, err)

	id := codec.ImageID(42, 0)
	assert.Len(t, id, 64)
	assert.Equal(t, id, codec.ImageID(42, 0), "same inputs, same id")
	assert.NotEqual(t, id, codec.ImageID(42, 1))
	assert.NotEqual(t, id, codec.ImageID(43, 0))

	manifestID, layerIndex, ok := codec.Decode(id)
	require.True(t, ok)
	assert.Equal(t, int64(42), manifestID)
	assert.Equal(t, 0, layerIndex)

	manifestID, layerIndex, ok = codec.Decode(codec.ImageID(1<<40, 17))
	require.True(t, ok)
	assert.Equal(t, int64(1<<40), manifestID)
	assert.Equal(t, 17, layerIndex)

	// a different key space yields different ids and rejects foreign ones
	other, err := NewLegacyImageIDCodec("other secret")
	require.NoError(t, err)
	assert.NotEqual(t, id, other.ImageID(42, 0))
	_, _, ok = other.Decode(id)
	assert.False(t, ok)
}

func TestLegacyImageIDCodec_RejectsGarbage(t *testing.T) {
	codec, err := NewLegacyImageIDCodec("secret")
	require.NoError(t, err)

	for _, bad := range []string{
		"",
		"not hex at all",
		"deadbeef",
		strings.Repeat("z", 64),
		strings.Repeat("ab", 32), // right shape, wrong content
		codec.ImageID(7, 7) + "00",
	} {
		_, _, ok := codec.Decode(bad)
		assert.False(t, ok, "input %q must not decode", bad)
	}

	// tampering with a real id breaks the integrity check
	id := codec.ImageID(42, 3)
	tampered := "0" + id[1:]
	if tampered == id {
		tampered = "1" + id[1:]
	}
	_, _, ok := codec.Decode(tampered)
	assert.False(t, ok)
}

func TestCachedActiveTags(t *testing.T) {
	svc, db, ctx, repo, up := prepProxy(t, nil)

	raw, _ := imageManifest(t, up, []byte("layer"))
	up.put("latest", raw, ocispec.MediaTypeImageManifest)
	_, _, err := svc.GetRepoTag(ctx, repo, "latest")
	require.NoError(t, err)

	mem, err := cache.NewMemory(10)
	require.NoError(t, err)

	tags, err := CachedActiveTags(ctx, mem, db, repo.ID, 0, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, "latest", tags[0].Name)

	// cached page is served even after the tag is dropped
	_, err = db.DeleteTag(ctx, repo.ID, "latest")
	require.NoError(t, err)
	tags, err = CachedActiveTags(ctx, mem, db, repo.ID, 0, 10, time.Minute)
	require.NoError(t, err)
	assert.Len(t, tags, 1, "page stays cached for its TTL")
}

// staleCache hands back a fixed value on every retrieve, standing in for a
// distributed backend holding an entry the caller cannot decode.
type staleCache struct{ v interface{} }

func (s staleCache) Retrieve(_ context.Context, _ cache.Key, _ cache.Loader, _ cache.ShouldCache) (interface{}, error) {
	return s.v, nil
}

func (s staleCache) Evict(_ context.Context, _ cache.Key) {}

func TestCachedActiveTags_BadEntryServedUncached(t *testing.T) {
	svc, db, ctx, repo, up := prepProxy(t, nil)

	raw, _ := imageManifest(t, up, []byte("layer"))
	up.put("latest", raw, ocispec.MediaTypeImageManifest)
	_, _, err := svc.GetRepoTag(ctx, repo, "latest")
	require.NoError(t, err)

	tags, err := CachedActiveTags(ctx, staleCache{v: "garbage entry"}, db, repo.ID, 0, 10, time.Minute)
	require.NoError(t, err, "an undecodable cache entry must not fail the read")
	require.Len(t, tags, 1)
	assert.Equal(t, "latest", tags[0].Name)
}

func TestCachedNamespaceRegionBlacklist(t *testing.T) {
	_, db, ctx, _, _ := prepProxy(t, nil)

	ns := store.Namespace{Name: "restricted", RegionBlacklist: []string{"eu-west", "ap-south"}}
	require.NoError(t, db.CreateNamespace(ctx, &ns))

	mem, err := cache.NewMemory(10)
	require.NoError(t, err)

	blacklist, err := CachedNamespaceRegionBlacklist(ctx, mem, db, "restricted", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"eu-west", "ap-south"}, blacklist)

	// the generic shape of a distributed backend re-shapes cleanly
	blacklist, err = CachedNamespaceRegionBlacklist(ctx,
		staleCache{v: []interface{}{"eu-west", "ap-south"}}, db, "restricted", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"eu-west", "ap-south"}, blacklist)

	// an undecodable entry falls back to the namespace row
	blacklist, err = CachedNamespaceRegionBlacklist(ctx, staleCache{v: 42}, db, "restricted", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"eu-west", "ap-south"}, blacklist)

	_, err = CachedNamespaceRegionBlacklist(ctx, mem, db, "missing", time.Minute)
	assert.Error(t, err)
}

func TestCachedRepoBlob(t *testing.T) {
	svc, db, ctx, repo, up := prepProxy(t, nil)

	layer := []byte("blob to cache")
	raw, _ := imageManifest(t, up, layer)
	up.put("latest", raw, ocispec.MediaTypeImageManifest)
	_, _, err := svc.GetRepoTag(ctx, repo, "latest")
	require.NoError(t, err)

	dgst := digest.FromBytes(layer)
	_, err = svc.GetRepoBlobByDigest(ctx, repo, dgst)
	require.NoError(t, err)

	mem, err := cache.NewMemory(10)
	require.NoError(t, err)

	blob, err := CachedRepoBlob(ctx, mem, db, repo.Namespace, repo.Name, dgst, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, dgst, blob.Digest)
	assert.NotEmpty(t, blob.Placements, "pull path needs placements")

	again, err := CachedRepoBlob(ctx, mem, db, repo.Namespace, repo.Name, dgst, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, blob.ID, again.ID)

	// an undecodable entry falls back to the engine lookup
	blob, err = CachedRepoBlob(ctx, staleCache{v: "garbage entry"}, db, repo.Namespace, repo.Name, dgst, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, dgst, blob.Digest)

	_, err = CachedRepoBlob(ctx, mem, db, repo.Namespace, repo.Name, digest.FromString("absent"), time.Minute)
	assert.Error(t, err)
}

func TestManifestLocalBlobs(t *testing.T) {
	svc, db, ctx, repo, up := prepProxy(t, nil)

	layerOne, layerTwo := []byte("first layer"), []byte("second layer")
	raw, _ := imageManifest(t, up, layerOne, layerTwo)
	up.put("latest", raw, ocispec.MediaTypeImageManifest)
	_, m, err := svc.GetRepoTag(ctx, repo, "latest")
	require.NoError(t, err)

	blobs, err := ManifestLocalBlobs(ctx, db, m)
	require.NoError(t, err)
	require.Len(t, blobs, 3, "config plus both layers")
	assert.Equal(t, digest.FromBytes(layerOne), blobs[1].Digest, "config first, layers in manifest order")
	assert.Equal(t, digest.FromBytes(layerTwo), blobs[2].Digest)

	// a manifest referencing unknown blobs fails the whole lookup
	orphanRaw, _ := imageManifest(t, up, []byte("never pulled"))
	orphan := store.Manifest{RepositoryID: repo.ID, Digest: digest.FromBytes(orphanRaw),
		MediaType: ocispec.MediaTypeImageManifest, Bytes: orphanRaw}
	_, err = ManifestLocalBlobs(ctx, db, orphan)
	assert.Error(t, err)

	_, err = ManifestLocalBlobs(ctx, db, store.Manifest{Bytes: []byte(`{"manifests":[]}`),
		MediaType: ocispec.MediaTypeImageIndex, Digest: digest.FromString("idx")})
	assert.ErrorIs(t, err, store.ErrManifestInvalid)
}

func TestParsedManifestLayers(t *testing.T) {
	svc, db, ctx, repo, up := prepProxy(t, nil)

	known := []byte("known layer")
	raw, _ := imageManifest(t, up, known)
	up.put("latest", raw, ocispec.MediaTypeImageManifest)
	_, _, err := svc.GetRepoTag(ctx, repo, "latest")
	require.NoError(t, err)

	// unstored manifest content mixing a known blob with a fresh one
	config := []byte(`{"architecture":"amd64","os":"linux"}`)
	m := ocispec.Manifest{
		Config: ocispec.Descriptor{MediaType: "application/vnd.oci.image.config.v1+json",
			Digest: digest.FromBytes(config), Size: int64(len(config))},
		Layers: []ocispec.Descriptor{
			{MediaType: "application/vnd.oci.image.layer.v1.tar+gzip",
				Digest: digest.FromBytes(known), Size: int64(len(known))},
			{MediaType: "application/vnd.oci.image.layer.v1.tar+gzip",
				Digest: digest.FromString("not pushed yet"), Size: 2048},
		},
	}
	pendingRaw, err := json.Marshal(m)
	require.NoError(t, err)

	layers, err := ParsedManifestLayers(ctx, db, repo.ID, pendingRaw, ocispec.MediaTypeImageManifest)
	require.NoError(t, err)
	require.Len(t, layers, 2)
	require.NotNil(t, layers[0].Blob, "already pushed layer resolves to its row")
	assert.Equal(t, digest.FromBytes(known), layers[0].Blob.Digest)
	assert.Nil(t, layers[1].Blob, "missing layer stays unresolved")
}
