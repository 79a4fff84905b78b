package embedded

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocistack/stevedore/app/store"
	"github.com/ocistack/stevedore/app/store/engine"
)

func TestEmbedded_NamespaceLifecycle(t *testing.T) {
	db, ctx, repo := prepTestDB(t)

	ns, err := db.LookupNamespace(ctx, "library")
	require.NoError(t, err)
	assert.False(t, ns.MarkedForDeletion)

	_, err = db.LookupNamespace(ctx, "missing")
	assert.Equal(t, engine.ErrNotFound, err)

	require.NoError(t, db.MarkNamespaceForDeletion(ctx, ns.ID))
	ns, err = db.LookupNamespace(ctx, "library")
	require.NoError(t, err)
	assert.True(t, ns.MarkedForDeletion)

	// purge refuses while repositories remain
	assert.Error(t, db.PurgeNamespace(ctx, ns.ID))
	require.NoError(t, db.PurgeRepository(ctx, repo.ID))
	require.NoError(t, db.PurgeNamespace(ctx, ns.ID))
	_, err = db.LookupNamespace(ctx, "library")
	assert.Equal(t, engine.ErrNotFound, err)
}

func TestEmbedded_NamespaceUsedBytes(t *testing.T) {
	db, ctx, repo := prepTestDB(t)

	ns, err := db.LookupNamespace(ctx, "library")
	require.NoError(t, err)

	used, err := db.NamespaceUsedBytes(ctx, ns.ID)
	require.NoError(t, err)
	assert.Zero(t, used)

	m := testManifest(repo.ID, `{"layers":[1]}`)
	size := int64(2048)
	m.LayersCompressedSize = &size
	_, _, err = db.CreateManifestAndRetargetTag(ctx, engine.ManifestCreate{Manifest: m}, "latest")
	require.NoError(t, err)

	used, err = db.NamespaceUsedBytes(ctx, ns.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), used)

	// dead content stops counting
	_, err = db.DeleteTag(ctx, repo.ID, "latest")
	require.NoError(t, err)
	used, err = db.NamespaceUsedBytes(ctx, ns.ID)
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestEmbedded_PurgeRepository(t *testing.T) {
	db, ctx, repo := prepTestDB(t)

	b := commitTestBlob(t, db, ctx, repo.ID, "layer bytes")
	_, _, err := db.CreateManifestAndRetargetTag(ctx,
		engine.ManifestCreate{Manifest: testManifest(repo.ID, `{"x":1}`), BlobIDs: []int64{b.ID}}, "latest")
	require.NoError(t, err)

	require.NoError(t, db.MarkRepositoryForDeletion(ctx, repo.ID))
	require.NoError(t, db.PurgeRepository(ctx, repo.ID))

	_, err = db.LookupRepository(ctx, "library", "alpine")
	assert.Equal(t, engine.ErrNotFound, err)

	// the shared blob row survives for the blob GC to reclaim
	var blobCount int64
	require.NoError(t, db.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM blobs WHERE id = ?", b.ID).Scan(&blobCount))
	assert.Equal(t, int64(1), blobCount)
}

func TestEmbedded_ProxyCacheConfig(t *testing.T) {
	db, ctx, _ := prepTestDB(t)

	ns, err := db.LookupNamespace(ctx, "library")
	require.NoError(t, err)

	_, err = db.GetProxyCacheConfig(ctx, "library")
	assert.Equal(t, engine.ErrNotFound, err)

	cfg := store.ProxyCacheConfig{NamespaceID: ns.ID, UpstreamRegistry: "docker.io/library",
		Username: "v0$abc", Password: "v0$def", InsecureTLS: false}
	require.NoError(t, db.CreateProxyCacheConfig(ctx, &cfg))
	assert.Equal(t, int64(86400), cfg.ExpirationSeconds, "default TTL applied")

	got, err := db.GetProxyCacheConfig(ctx, "library")
	require.NoError(t, err)
	assert.Equal(t, "docker.io/library", got.UpstreamRegistry)
	assert.Equal(t, "v0$abc", got.Username, "credentials stay encrypted at rest")
}

func TestEmbedded_MirrorClaimLifecycle(t *testing.T) {
	db, ctx, repo := prepTestDB(t)

	mirror := store.RepositoryMirror{RepositoryID: repo.ID, UpstreamReference: "docker.io/library/alpine",
		TLSVerify: true, TagRules: []string{"3.*", ">=1.2.3"}, SyncIntervalS: 3600, SyncStartMs: nowMs() - 1000}
	require.NoError(t, db.CreateRepositoryMirror(ctx, &mirror))

	claimed, err := db.ClaimMirrorDueForSync(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, mirror.ID, claimed.ID)
	assert.Equal(t, store.SyncStatusSyncing, claimed.SyncStatus)
	assert.Equal(t, []string{"3.*", ">=1.2.3"}, claimed.TagRules)

	// the lease blocks a second claim
	_, err = db.ClaimMirrorDueForSync(ctx, 5*time.Minute)
	assert.Equal(t, engine.ErrNotFound, err)

	next := nowMs() + time.Hour.Milliseconds()
	require.NoError(t, db.UpdateMirrorSyncStatus(ctx, claimed.ID, store.SyncStatusSuccess, 3, next))

	// not due until the next scheduled sync
	_, err = db.ClaimMirrorDueForSync(ctx, 5*time.Minute)
	assert.Equal(t, engine.ErrNotFound, err)
}

func TestEmbedded_Labels(t *testing.T) {
	db, ctx, repo := prepTestDB(t)

	m, _, err := db.CreateManifestAndRetargetTag(ctx,
		engine.ManifestCreate{Manifest: testManifest(repo.ID, `{"x":1}`)}, "latest")
	require.NoError(t, err)

	apiLabel := store.Label{UUID: "uuid-1", ManifestID: m.ID, Key: "com.example.team", Value: "infra", SourceType: "api"}
	require.NoError(t, db.CreateManifestLabel(ctx, &apiLabel))
	builtin := store.Label{UUID: "uuid-2", ManifestID: m.ID, Key: "maintainer", Value: "someone"}
	require.NoError(t, db.CreateManifestLabel(ctx, &builtin))
	assert.Equal(t, "manifest", builtin.SourceType)

	labels, err := db.ListManifestLabels(ctx, m.ID, "com.example")
	require.NoError(t, err)
	require.Len(t, labels, 1)
	assert.Equal(t, "infra", labels[0].Value)

	// manifest-sourced labels are read-only
	_, err = db.DeleteManifestLabel(ctx, m.ID, "uuid-2")
	assert.Error(t, err)

	deleted, err := db.DeleteManifestLabel(ctx, m.ID, "uuid-1")
	require.NoError(t, err)
	assert.Equal(t, "com.example.team", deleted.Key)
	_, err = db.GetManifestLabel(ctx, m.ID, "uuid-1")
	assert.Equal(t, engine.ErrNotFound, err)
}

func TestEmbedded_LabelsBatch(t *testing.T) {
	db, ctx, repo := prepTestDB(t)

	m, _, err := db.CreateManifestAndRetargetTag(ctx,
		engine.ManifestCreate{Manifest: testManifest(repo.ID, `{"x":1}`)}, "latest")
	require.NoError(t, err)

	created, err := db.BatchCreateManifestLabels(ctx, m.ID, func(add func(label store.Label)) error {
		add(store.Label{UUID: "uuid-a", Key: "maintainer", Value: "someone"})
		add(store.Label{UUID: "uuid-b", Key: "com.example.expires-after", Value: "2w", SourceType: "api"})
		return nil
	})
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.NotZero(t, created[0].ID)
	assert.Equal(t, "manifest", created[0].SourceType, "defaults applied on commit")
	assert.Equal(t, m.ID, created[1].ManifestID)

	labels, err := db.ListManifestLabels(ctx, m.ID, "")
	require.NoError(t, err)
	assert.Len(t, labels, 2)

	// an error inside the batch scope rolls everything back
	_, err = db.BatchCreateManifestLabels(ctx, m.ID, func(add func(label store.Label)) error {
		add(store.Label{UUID: "uuid-c", Key: "orphan", Value: "never lands"})
		return errors.New("bad label source")
	})
	require.Error(t, err)
	labels, err = db.ListManifestLabels(ctx, m.ID, "")
	require.NoError(t, err)
	assert.Len(t, labels, 2, "failed batch leaves no rows behind")

	// a duplicate uuid fails the insert and drops the whole batch
	_, err = db.BatchCreateManifestLabels(ctx, m.ID, func(add func(label store.Label)) error {
		add(store.Label{UUID: "uuid-d", Key: "first", Value: "1"})
		add(store.Label{UUID: "uuid-a", Key: "dup", Value: "2"})
		return nil
	})
	require.Error(t, err)
	labels, err = db.ListManifestLabels(ctx, m.ID, "")
	require.NoError(t, err)
	assert.Len(t, labels, 2)
}

func TestEmbedded_Notifications(t *testing.T) {
	db, ctx, repo := prepTestDB(t)

	n := store.RegisteredNotification{UUID: "n-1", RepositoryID: repo.ID, Event: "repo_push", Method: "webhook",
		MethodConfig: []byte(`{"url":"https://example.com/hook"}`)}
	require.NoError(t, db.CreateNotification(ctx, &n))
	assert.True(t, n.Enabled)

	listed, err := db.ListNotificationsForRepo(ctx, repo.ID, "repo_push")
	require.NoError(t, err)
	require.Len(t, listed, 1)

	// three failures at threshold 3 disable it
	for i := 0; i < 3; i++ {
		require.NoError(t, db.BumpNotificationFailure(ctx, "n-1", 3))
	}
	got, err := db.GetNotificationByUUID(ctx, "n-1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, 3, got.FailureCount)

	require.NoError(t, db.ResetNotificationFailure(ctx, "n-1"))
	got, err = db.GetNotificationByUUID(ctx, "n-1")
	require.NoError(t, err)
	assert.Zero(t, got.FailureCount)
}

func TestEmbedded_AppTokens(t *testing.T) {
	db, ctx, _ := prepTestDB(t)

	full, name, secret, err := store.GenerateTokenString()
	require.NoError(t, err)
	cred, err := store.NewCredential(secret, 4)
	require.NoError(t, err)

	token := store.AppSpecificToken{UUID: "t-1", UserID: 1, Title: "ci token", TokenName: name, TokenSecret: cred}
	require.NoError(t, db.CreateAppSpecificToken(ctx, &token))

	gotName, gotSecret, ok := store.SplitTokenString(full)
	require.True(t, ok)
	looked, err := db.LookupAppSpecificToken(ctx, gotName)
	require.NoError(t, err)
	assert.True(t, looked.TokenSecret.Matches(gotSecret))
	assert.NotNil(t, looked.LastAccessedMs)

	// expired tokens neither resolve nor survive the cleaner
	past := nowMs() - time.Hour.Milliseconds()
	expired := store.AppSpecificToken{UUID: "t-2", UserID: 1, Title: "old", TokenName: "x" + name[1:],
		TokenSecret: cred, ExpirationMs: &past}
	require.NoError(t, db.CreateAppSpecificToken(ctx, &expired))
	_, err = db.LookupAppSpecificToken(ctx, expired.TokenName)
	assert.Equal(t, engine.ErrNotFound, err)

	deleted, err := db.DeleteExpiredAppTokens(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}
