package service

import (
	"context"
	"encoding/json"

	"github.com/docker/distribution/manifest/manifestlist"
	"github.com/docker/distribution/manifest/schema1"
	"github.com/docker/distribution/manifest/schema2"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"

	"github.com/ocistack/stevedore/app/store"
	"github.com/ocistack/stevedore/app/store/engine"
)

// parsedManifest is the media-type-aware view of raw manifest content. OCI and
// docker schema-2 payloads share enough shape that the OCI structs decode both.
type parsedManifest struct {
	digest    digest.Digest
	mediaType string
	raw       []byte

	config   *ocispec.Descriptor
	layers   []ocispec.Descriptor
	children []ocispec.Descriptor
}

func parseManifest(raw []byte, mediaType string, dgst digest.Digest) (*parsedManifest, error) {
	p := &parsedManifest{digest: dgst, mediaType: mediaType, raw: raw}

	switch mediaType {
	case schema1.MediaTypeManifest, schema1.MediaTypeSignedManifest:
		return nil, store.ErrInvalidSchema1Manifest

	case ocispec.MediaTypeImageIndex, manifestlist.MediaTypeManifestList:
		var idx ocispec.Index
		if err := json.Unmarshal(raw, &idx); err != nil {
			return nil, errors.Wrap(store.ErrManifestInvalid, err.Error())
		}
		p.children = idx.Manifests
		return p, nil

	case ocispec.MediaTypeImageManifest, schema2.MediaTypeManifest:
		var m ocispec.Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, errors.Wrap(store.ErrManifestInvalid, err.Error())
		}
		cfg := m.Config
		p.config = &cfg
		p.layers = m.Layers
		return p, nil
	}
	return nil, errors.Wrapf(store.ErrManifestInvalid, "unsupported media type %s", mediaType)
}

func (p *parsedManifest) isList() bool { return p.children != nil }

// imageSize is the admission size of a single-image manifest, config included.
func (p *parsedManifest) imageSize() int64 {
	var size int64
	for _, l := range p.layers {
		size += l.Size
	}
	if p.config != nil {
		size += p.config.Size
	}
	return size
}

func (p *parsedManifest) layersSize() *int64 {
	if p.isList() {
		return nil
	}
	var size int64
	for _, l := range p.layers {
		size += l.Size
	}
	return &size
}

func (p *parsedManifest) configMediaType() *string {
	if p.config == nil {
		return nil
	}
	mt := p.config.MediaType
	return &mt
}

// placeholderBlobs lists the blob rows a cached manifest must reference. Layers
// served by external URLs carry no local bytes and get no row.
func (p *parsedManifest) placeholderBlobs() []store.Blob {
	var blobs []store.Blob
	if p.config != nil {
		blobs = append(blobs, store.Blob{Digest: p.config.Digest, CompressedSize: p.config.Size})
	}
	for _, l := range p.layers {
		if len(l.URLs) > 0 {
			continue
		}
		blobs = append(blobs, store.Blob{Digest: l.Digest, CompressedSize: l.Size})
	}
	return blobs
}

// BuildManifestCreate validates pushed manifest bytes against the repository
// content: every referenced blob and child manifest must already exist there.
// The returned payload links the referenced rows under the creation
// transaction.
func BuildManifestCreate(ctx context.Context, eng engine.Interface, repo store.Repository,
	raw []byte, mediaType string) (engine.ManifestCreate, error) {

	dgst := digest.FromBytes(raw)
	parsed, err := parseManifest(raw, mediaType, dgst)
	if err != nil {
		return engine.ManifestCreate{}, err
	}
	create := engine.ManifestCreate{Manifest: parsed.storeManifest(repo.ID)}

	if parsed.isList() {
		for _, desc := range parsed.children {
			child, errChild := eng.LookupManifestByDigest(ctx, repo.ID, desc.Digest, true, false)
			if errChild == engine.ErrNotFound {
				return engine.ManifestCreate{}, errors.Wrapf(store.ErrManifestInvalid,
					"child manifest %s is not in repository %s", desc.Digest, repo.Path())
			}
			if errChild != nil {
				return engine.ManifestCreate{}, errChild
			}
			create.ChildIDs = append(create.ChildIDs, child.ID)
		}
		return create, nil
	}

	var wanted []digest.Digest
	seen := map[digest.Digest]bool{}
	for _, b := range parsed.placeholderBlobs() {
		if !seen[b.Digest] {
			seen[b.Digest] = true
			wanted = append(wanted, b.Digest)
		}
	}
	found, err := eng.BlobsByDigests(ctx, repo.ID, wanted)
	if err != nil {
		return engine.ManifestCreate{}, err
	}
	for _, d := range wanted {
		b, ok := found[d]
		if !ok {
			return engine.ManifestCreate{}, errors.Wrapf(store.ErrManifestInvalid,
				"blob %s is not in repository %s", d, repo.Path())
		}
		create.BlobIDs = append(create.BlobIDs, b.ID)
	}
	return create, nil
}

// storeManifest shapes the parsed content into the row the engine persists.
func (p *parsedManifest) storeManifest(repoID int64) *store.Manifest {
	return &store.Manifest{
		RepositoryID:         repoID,
		Digest:               p.digest,
		MediaType:            p.mediaType,
		Bytes:                p.raw,
		LayersCompressedSize: p.layersSize(),
		ConfigMediaType:      p.configMediaType(),
	}
}
