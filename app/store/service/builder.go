package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/docker/distribution/manifest"
	"github.com/docker/distribution/manifest/schema1"
	"github.com/docker/libtrust"
	lru "github.com/go-pkgz/expirable-cache"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	log "github.com/go-pkgz/lgr"

	"github.com/ocistack/stevedore/app/store"
	"github.com/ocistack/stevedore/app/store/engine"
)

// builderSessionTTL bounds how long an idle legacy push session survives
// between requests.
const builderSessionTTL = 5 * time.Minute

// BuilderSessions keeps in-flight legacy manifest builder state between the
// stateless push requests of old clients. Sessions expire on their own, an
// abandoned push never pins memory.
type BuilderSessions struct {
	backend lru.Cache
}

// NewBuilderSessions makes a session store bounded by maxSessions.
func NewBuilderSessions(maxSessions int) (*BuilderSessions, error) {
	backend, err := lru.NewCache(lru.MaxKeys(maxSessions))
	if err != nil {
		return nil, err
	}
	return &BuilderSessions{backend: backend}, nil
}

func (bs *BuilderSessions) save(id string, st builderState) {
	bs.backend.Set(id, st, builderSessionTTL)
}

func (bs *BuilderSessions) load(id string) (builderState, bool) {
	v, ok := bs.backend.Get(id)
	if !ok {
		return builderState{}, false
	}
	st, ok := v.(builderState)
	return st, ok
}

func (bs *BuilderSessions) drop(id string) { bs.backend.Invalidate(id) }

// builderLayer is one committed layer of a legacy push, base first.
type builderLayer struct {
	V1ID       string
	BlobDigest digest.Digest
	V1Metadata string // raw v1 compatibility JSON as the client sent it
}

type builderState struct {
	Layers    []builderLayer
	TempBlobs []store.Blob // rows this session created which may end up orphaned
}

// v1Compat is the slice of the v1 compatibility payload the builder reads.
type v1Compat struct {
	ID           string `json:"id"`
	Parent       string `json:"parent"`
	Architecture string `json:"architecture"`
}

// ManifestBuilder assembles a signed schema-1 manifest from layers pushed one
// by one by a legacy client, committing the tag through the engine at the end.
type ManifestBuilder struct {
	ID string

	eng        engine.Interface
	sessions   *BuilderSessions
	repo       store.Repository
	signingKey libtrust.PrivateKey
	state      builderState
	l          log.L
}

// NewManifestBuilder opens a fresh builder session for the repository.
func NewManifestBuilder(eng engine.Interface, sessions *BuilderSessions, repo store.Repository,
	signingKey libtrust.PrivateKey, l log.L) (*ManifestBuilder, error) {

	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, errors.Wrap(err, "failed to generate builder session id")
	}
	if l == nil {
		l = log.Default()
	}

	b := &ManifestBuilder{ID: hex.EncodeToString(idBytes), eng: eng, sessions: sessions,
		repo: repo, signingKey: signingKey, l: l}
	sessions.save(b.ID, b.state)
	return b, nil
}

// ResumeManifestBuilder reopens a session by id, engine.ErrNotFound when the
// session expired or never existed.
func ResumeManifestBuilder(eng engine.Interface, sessions *BuilderSessions, repo store.Repository,
	id string, signingKey libtrust.PrivateKey, l log.L) (*ManifestBuilder, error) {

	st, ok := sessions.load(id)
	if !ok {
		return nil, engine.ErrNotFound
	}
	if l == nil {
		l = log.Default()
	}
	return &ManifestBuilder{ID: id, eng: eng, sessions: sessions, repo: repo,
		signingKey: signingKey, state: st, l: l}, nil
}

// AddLayer records a pushed layer. The blob must already be committed in the
// repository, the v1 metadata must carry the layer's image id.
func (b *ManifestBuilder) AddLayer(ctx context.Context, blobDigest digest.Digest, v1Metadata string) error {
	var compat v1Compat
	if err := json.Unmarshal([]byte(v1Metadata), &compat); err != nil || compat.ID == "" {
		return store.ErrManifestInvalid
	}
	if _, err := b.eng.GetRepoBlobByDigest(ctx, b.repo.ID, blobDigest, false); err != nil {
		return err
	}

	b.state.Layers = append(b.state.Layers, builderLayer{V1ID: compat.ID, BlobDigest: blobDigest, V1Metadata: v1Metadata})
	b.sessions.save(b.ID, b.state)
	return nil
}

// LookupLayer finds a recorded layer by its v1 image id, letting idempotent
// clients resend a layer without duplicating it.
func (b *ManifestBuilder) LookupLayer(v1ID string) (digest.Digest, bool) {
	for _, l := range b.state.Layers {
		if l.V1ID == v1ID {
			return l.BlobDigest, true
		}
	}
	return "", false
}

// RecordTempBlob marks a blob row created during this session as a race loser
// to be cleaned up by Done.
func (b *ManifestBuilder) RecordTempBlob(blob store.Blob) {
	b.state.TempBlobs = append(b.state.TempBlobs, blob)
	b.sessions.save(b.ID, b.state)
}

// CommitTagAndManifest builds the signed schema-1 manifest from the recorded
// layers, leaf first as the format demands, and retargets the tag.
func (b *ManifestBuilder) CommitTagAndManifest(ctx context.Context, tagName string) (store.Manifest, store.Tag, error) {
	if len(b.state.Layers) == 0 {
		return store.Manifest{}, store.Tag{}, store.ErrManifestInvalid
	}

	leaf := b.state.Layers[len(b.state.Layers)-1]
	var leafCompat v1Compat
	_ = json.Unmarshal([]byte(leaf.V1Metadata), &leafCompat)

	mfst := schema1.Manifest{
		Versioned:    manifest.Versioned{SchemaVersion: 1},
		Name:         b.repo.Path(),
		Tag:          tagName,
		Architecture: leafCompat.Architecture,
	}
	blobIDs := make([]int64, 0, len(b.state.Layers))
	for i := len(b.state.Layers) - 1; i >= 0; i-- {
		layer := b.state.Layers[i]
		mfst.FSLayers = append(mfst.FSLayers, schema1.FSLayer{BlobSum: layer.BlobDigest})
		mfst.History = append(mfst.History, schema1.History{V1Compatibility: layer.V1Metadata})

		blob, err := b.eng.GetRepoBlobByDigest(ctx, b.repo.ID, layer.BlobDigest, false)
		if err != nil {
			return store.Manifest{}, store.Tag{}, err
		}
		blobIDs = append(blobIDs, blob.ID)
	}

	signed, err := schema1.Sign(&mfst, b.signingKey)
	if err != nil {
		return store.Manifest{}, store.Tag{}, errors.Wrap(err, "failed to sign legacy manifest")
	}
	mediaType, raw, err := signed.Payload()
	if err != nil {
		return store.Manifest{}, store.Tag{}, errors.Wrap(err, "failed to serialize legacy manifest")
	}

	m, tag, err := b.eng.CreateManifestAndRetargetTag(ctx, engine.ManifestCreate{
		Manifest: &store.Manifest{
			RepositoryID: b.repo.ID,
			Digest:       digest.FromBytes(signed.Canonical),
			MediaType:    mediaType,
			Bytes:        raw,
		},
		BlobIDs: blobIDs,
	}, tagName)
	if err != nil {
		return store.Manifest{}, store.Tag{}, err
	}
	b.l.Logf("[INFO] committed legacy manifest %s:%s -> %s", b.repo.Path(), tagName, m.Digest)
	return m, tag, nil
}

// Done closes the session and removes blob rows orphaned by races during the
// push. The shared empty-layer blob is never deleted.
func (b *ManifestBuilder) Done(ctx context.Context) {
	for _, blob := range b.state.TempBlobs {
		if blob.Digest == store.EmptyLayerDigest {
			continue
		}
		if err := b.eng.DeleteBlob(ctx, blob.ID); err != nil {
			b.l.Logf("[DEBUG] failed to drop temp blob %s from builder session: %v", blob.Digest, err)
		}
	}
	b.sessions.drop(b.ID)
}
