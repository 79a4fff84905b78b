package service

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/docker/distribution/manifest/schema1"
	"github.com/docker/libtrust"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocistack/stevedore/app/storage"
	"github.com/ocistack/stevedore/app/store"
	"github.com/ocistack/stevedore/app/store/crypt"
	"github.com/ocistack/stevedore/app/store/engine"
	"github.com/ocistack/stevedore/app/store/engine/embedded"
	"github.com/ocistack/stevedore/app/upload"
)

func prepBuilder(t *testing.T) (*ManifestBuilder, *embedded.Embedded, context.Context, store.Repository, *upload.Manager) {
	ctx, ctxCancel := context.WithCancel(context.Background())
	t.Cleanup(ctxCancel)

	dir := t.TempDir()
	db := embedded.NewEmbedded(dir + "/test.db")
	require.NoError(t, db.Connect(ctx))

	ns := store.Namespace{Name: "library"}
	require.NoError(t, db.CreateNamespace(ctx, &ns))
	repo := store.Repository{NamespaceID: ns.ID, Namespace: ns.Name, Name: "legacy"}
	require.NoError(t, db.CreateRepository(ctx, &repo))

	driver, err := storage.NewLocalFS(dir+"/storage", []string{"local_us"})
	require.NoError(t, err)
	signer, err := crypt.NewHasherStateSigner("test-secret")
	require.NoError(t, err)
	uploads := upload.NewManager(upload.Settings{}, db, driver, signer, nil)

	sessions, err := NewBuilderSessions(100)
	require.NoError(t, err)
	key, err := libtrust.GenerateECP256PrivateKey()
	require.NoError(t, err)

	b, err := NewManifestBuilder(db, sessions, repo, key, nil)
	require.NoError(t, err)
	return b, db, ctx, repo, uploads
}

func commitLayerBlob(t *testing.T, uploads *upload.Manager, ctx context.Context, repoID int64, content []byte) store.Blob {
	up, err := uploads.Begin(ctx, repoID)
	require.NoError(t, err)
	up, err = uploads.UploadChunk(ctx, up, 0, int64(len(content)), bytes.NewReader(content))
	require.NoError(t, err)
	blob, err := uploads.Commit(ctx, up, digest.FromBytes(content))
	require.NoError(t, err)
	return blob
}

func TestManifestBuilder_CommitTagAndManifest(t *testing.T) {
	b, db, ctx, repo, uploads := prepBuilder(t)

	base := commitLayerBlob(t, uploads, ctx, repo.ID, []byte("base layer"))
	leaf := commitLayerBlob(t, uploads, ctx, repo.ID, []byte("leaf layer"))

	require.NoError(t, b.AddLayer(ctx, base.Digest, `{"id":"aaa111","architecture":"amd64"}`))
	require.NoError(t, b.AddLayer(ctx, leaf.Digest, `{"id":"bbb222","parent":"aaa111","architecture":"amd64"}`))

	m, tag, err := b.CommitTagAndManifest(ctx, "v1.0")
	require.NoError(t, err)
	assert.Equal(t, schema1.MediaTypeSignedManifest, m.MediaType)
	assert.Equal(t, "v1.0", tag.Name)
	assert.True(t, len(m.Bytes) > 0)

	// the payload round-trips as a valid signed schema-1 manifest, leaf first
	var signed schema1.SignedManifest
	require.NoError(t, signed.UnmarshalJSON(m.Bytes))
	require.Len(t, signed.FSLayers, 2)
	assert.Equal(t, leaf.Digest, signed.FSLayers[0].BlobSum)
	assert.Equal(t, base.Digest, signed.FSLayers[1].BlobSum)
	assert.Equal(t, "library/legacy", signed.Name)
	assert.Equal(t, digest.FromBytes(signed.Canonical), m.Digest)

	// the committed tag resolves through the engine
	got, err := db.GetRepoTag(ctx, repo.ID, "v1.0")
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ManifestID)
}

func TestManifestBuilder_LayerTracking(t *testing.T) {
	b, _, ctx, repo, uploads := prepBuilder(t)

	blob := commitLayerBlob(t, uploads, ctx, repo.ID, []byte("layer"))
	require.NoError(t, b.AddLayer(ctx, blob.Digest, `{"id":"aaa111"}`))

	got, ok := b.LookupLayer("aaa111")
	require.True(t, ok)
	assert.Equal(t, blob.Digest, got)

	_, ok = b.LookupLayer("zzz999")
	assert.False(t, ok)

	// metadata without an image id is rejected
	assert.Equal(t, store.ErrManifestInvalid, b.AddLayer(ctx, blob.Digest, `{"architecture":"amd64"}`))
	// unknown blob is rejected
	assert.Error(t, b.AddLayer(ctx, digest.FromString("nope"), `{"id":"ccc333"}`))
}

func TestManifestBuilder_ResumeAndDone(t *testing.T) {
	b, db, ctx, repo, uploads := prepBuilder(t)

	blob := commitLayerBlob(t, uploads, ctx, repo.ID, []byte("layer"))
	require.NoError(t, b.AddLayer(ctx, blob.Digest, `{"id":"aaa111"}`))

	resumed, err := ResumeManifestBuilder(db, b.sessions, repo, b.ID, b.signingKey, nil)
	require.NoError(t, err)
	_, ok := resumed.LookupLayer("aaa111")
	assert.True(t, ok, "state survives across requests")

	// temp blobs recorded during the session are dropped by Done, the shared
	// empty-layer blob is spared
	temp := commitLayerBlob(t, uploads, ctx, repo.ID, []byte("race loser"))
	resumed.RecordTempBlob(temp)
	emptyLayer, err := db.GetRepoBlobByDigest(ctx, repo.ID, store.EmptyLayerDigest, false)
	if err == nil {
		resumed.RecordTempBlob(emptyLayer)
	}
	resumed.Done(ctx)

	_, err = db.GetRepoBlobByDigest(ctx, repo.ID, temp.Digest, false)
	assert.Equal(t, engine.ErrNotFound, err)

	_, err = ResumeManifestBuilder(db, b.sessions, repo, b.ID, b.signingKey, nil)
	assert.Equal(t, engine.ErrNotFound, err, "done closes the session")

	_, err = ResumeManifestBuilder(db, b.sessions, repo, fmt.Sprintf("%032x", 0), b.signingKey, nil)
	assert.Equal(t, engine.ErrNotFound, err)
}

func TestManifestBuilder_EmptyCommitRejected(t *testing.T) {
	b, _, ctx, _, _ := prepBuilder(t)
	_, _, err := b.CommitTagAndManifest(ctx, "v1.0")
	assert.Equal(t, store.ErrManifestInvalid, err)
}
