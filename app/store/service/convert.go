package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/docker/distribution/manifest"
	"github.com/docker/distribution/manifest/schema1"
	"github.com/docker/libtrust"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/ocistack/stevedore/app/storage"
	"github.com/ocistack/stevedore/app/store"
	"github.com/ocistack/stevedore/app/store/engine"
)

// maxConfigBytes caps the config blob read during a schema-1 conversion,
// image configs are small JSON documents.
const maxConfigBytes = 8 << 20

// blobSource reads committed blob content by digest within a repository.
type blobSource interface {
	BlobBytes(ctx context.Context, repoID int64, dgst digest.Digest) ([]byte, error)
}

// ContentRetriever reads committed blob bytes back from their placements.
type ContentRetriever struct {
	eng    engine.Interface
	driver storage.Driver
}

// NewContentRetriever makes a retriever over the engine and storage driver.
func NewContentRetriever(eng engine.Interface, driver storage.Driver) *ContentRetriever {
	return &ContentRetriever{eng: eng, driver: driver}
}

// BlobBytes loads the full content of a repository blob.
func (r *ContentRetriever) BlobBytes(ctx context.Context, repoID int64, dgst digest.Digest) ([]byte, error) {
	blob, err := r.eng.GetRepoBlobByDigest(ctx, repoID, dgst, true)
	if err != nil {
		return nil, err
	}
	rc, err := r.driver.Get(ctx, blob.Placements, storage.ContentPath(dgst))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open blob %s", dgst)
	}
	defer func() { _ = rc.Close() }()
	content, err := io.ReadAll(io.LimitReader(rc, maxConfigBytes))
	return content, errors.Wrapf(err, "failed to read blob %s", dgst)
}

// ManifestRendition is a manifest re-encoded under an alternate media type,
// derived on the fly and never stored.
type ManifestRendition struct {
	MediaType string
	Digest    digest.Digest
	Bytes     []byte
}

// ConvertManifest returns a rendition of the stored manifest acceptable to a
// client which understands only allowedMediaTypes. The stored form wins when
// acceptable, otherwise a schema-1 downgrade is attempted. An empty allowed
// list accepts anything.
func ConvertManifest(ctx context.Context, eng engine.Interface, blobs blobSource, m store.Manifest,
	repoPath, tagName string, allowedMediaTypes []string, signingKey libtrust.PrivateKey) (ManifestRendition, error) {

	if len(allowedMediaTypes) == 0 {
		return ManifestRendition{MediaType: m.MediaType, Digest: m.Digest, Bytes: m.Bytes}, nil
	}
	allowed := map[string]bool{}
	for _, mt := range allowedMediaTypes {
		allowed[mt] = true
	}
	if allowed[m.MediaType] {
		return ManifestRendition{MediaType: m.MediaType, Digest: m.Digest, Bytes: m.Bytes}, nil
	}
	if allowed[schema1.MediaTypeSignedManifest] || allowed[schema1.MediaTypeManifest] {
		return GetSchema1ParsedManifest(ctx, eng, blobs, m, repoPath, tagName, signingKey)
	}
	return ManifestRendition{}, errors.Wrapf(store.ErrManifestInvalid,
		"no rendition of %s among accepted media types %v", m.Digest, allowedMediaTypes)
}

// GetSchema1ParsedManifest renders a stored manifest as a signed schema-1
// manifest for clients that predate the schema-2 media types. Lists resolve
// through their linux/amd64 child. The synthesized v1 history comes from the
// image config blob.
func GetSchema1ParsedManifest(ctx context.Context, eng engine.Interface, blobs blobSource,
	m store.Manifest, repoPath, tagName string, signingKey libtrust.PrivateKey) (ManifestRendition, error) {

	if m.MediaType == schema1.MediaTypeSignedManifest || m.MediaType == schema1.MediaTypeManifest {
		return ManifestRendition{MediaType: m.MediaType, Digest: m.Digest, Bytes: m.Bytes}, nil
	}

	parsed, err := parseManifest(m.Bytes, m.MediaType, m.Digest)
	if err != nil {
		return ManifestRendition{}, err
	}
	if parsed.isList() {
		child, errChild := legacyListChild(ctx, eng, m, parsed)
		if errChild != nil {
			return ManifestRendition{}, errChild
		}
		return GetSchema1ParsedManifest(ctx, eng, blobs, child, repoPath, tagName, signingKey)
	}
	if parsed.config == nil {
		return ManifestRendition{}, errors.Wrapf(store.ErrManifestInvalid, "manifest %s has no config", m.Digest)
	}

	rawConfig, err := blobs.BlobBytes(ctx, m.RepositoryID, parsed.config.Digest)
	if err != nil {
		return ManifestRendition{}, errors.Wrapf(err, "failed to load config of %s", m.Digest)
	}
	var cfg imageConfig
	if err = json.Unmarshal(rawConfig, &cfg); err != nil {
		return ManifestRendition{}, errors.Wrap(store.ErrManifestInvalid, err.Error())
	}

	mfst, err := schema1FromConfig(parsed, cfg, repoPath, tagName)
	if err != nil {
		return ManifestRendition{}, err
	}
	signed, err := schema1.Sign(mfst, signingKey)
	if err != nil {
		return ManifestRendition{}, errors.Wrap(err, "failed to sign converted manifest")
	}
	mediaType, raw, err := signed.Payload()
	if err != nil {
		return ManifestRendition{}, errors.Wrap(err, "failed to serialize converted manifest")
	}
	return ManifestRendition{MediaType: mediaType, Digest: digest.FromBytes(signed.Canonical), Bytes: raw}, nil
}

// legacyListChild picks the list entry a legacy client would have pulled and
// resolves it to the stored child manifest.
func legacyListChild(ctx context.Context, eng engine.Interface, m store.Manifest, parsed *parsedManifest) (store.Manifest, error) {
	var childDigest digest.Digest
	for _, desc := range parsed.children {
		if desc.Platform != nil && desc.Platform.OS == "linux" && desc.Platform.Architecture == "amd64" {
			childDigest = desc.Digest
			break
		}
	}
	if childDigest == "" {
		return store.Manifest{}, errors.Wrapf(store.ErrManifestInvalid,
			"list %s has no linux/amd64 entry to downgrade", m.Digest)
	}
	child, err := eng.LookupManifestByDigest(ctx, m.RepositoryID, childDigest, true, false)
	if err == engine.ErrNotFound {
		return store.Manifest{}, store.ErrManifestDoesNotExist
	}
	return child, err
}

// imageConfig is the slice of the image config blob the converter reads.
type imageConfig struct {
	Architecture string              `json:"architecture"`
	OS           string              `json:"os"`
	Author       string              `json:"author"`
	History      []configHistoryStep `json:"history"`
}

type configHistoryStep struct {
	Created    string `json:"created"`
	CreatedBy  string `json:"created_by"`
	Author     string `json:"author"`
	Comment    string `json:"comment"`
	EmptyLayer bool   `json:"empty_layer"`
}

// schema1Compat is one synthesized v1 compatibility record of the downgrade.
type schema1Compat struct {
	ID              string `json:"id"`
	Parent          string `json:"parent,omitempty"`
	Created         string `json:"created,omitempty"`
	Comment         string `json:"comment,omitempty"`
	Author          string `json:"author,omitempty"`
	Architecture    string `json:"architecture,omitempty"`
	OS              string `json:"os,omitempty"`
	ContainerConfig struct {
		Cmd []string `json:"Cmd"`
	} `json:"container_config"`
	ThrowAway bool `json:"throwaway,omitempty"`
}

// schema1FromConfig assembles the unsigned schema-1 manifest, fs layers leaf
// first as the format demands. Empty history entries map to the shared empty
// layer, the rest consume the manifest layers in order.
func schema1FromConfig(parsed *parsedManifest, cfg imageConfig, repoPath, tagName string) (*schema1.Manifest, error) {
	history := cfg.History
	if len(history) == 0 {
		// configs without history still downgrade, one bare step per layer
		history = make([]configHistoryStep, len(parsed.layers))
	}

	var layerIdx int
	type step struct {
		blobSum digest.Digest
		compat  schema1Compat
	}
	steps := make([]step, 0, len(history))
	parentID := ""
	for i, h := range history {
		blobSum := store.EmptyLayerDigest
		if !h.EmptyLayer {
			if layerIdx >= len(parsed.layers) {
				return nil, errors.Wrapf(store.ErrManifestInvalid,
					"config history of %s references more layers than the manifest holds", parsed.digest)
			}
			layer := parsed.layers[layerIdx]
			if len(layer.URLs) > 0 {
				return nil, errors.Wrapf(store.ErrManifestInvalid,
					"manifest %s has remote layers, not expressible in schema 1", parsed.digest)
			}
			blobSum = layer.Digest
			layerIdx++
		}

		c := schema1Compat{
			ID:        legacyV1ID(blobSum, parentID),
			Parent:    parentID,
			Created:   h.Created,
			Comment:   h.Comment,
			Author:    h.Author,
			ThrowAway: h.EmptyLayer,
		}
		if h.CreatedBy != "" {
			c.ContainerConfig.Cmd = []string{h.CreatedBy}
		}
		if i == len(history)-1 {
			c.Architecture = cfg.Architecture
			c.OS = cfg.OS
			if c.Author == "" {
				c.Author = cfg.Author
			}
		}
		parentID = c.ID
		steps = append(steps, step{blobSum: blobSum, compat: c})
	}
	if layerIdx != len(parsed.layers) {
		return nil, errors.Wrapf(store.ErrManifestInvalid,
			"config history of %s covers %d of %d layers", parsed.digest, layerIdx, len(parsed.layers))
	}

	mfst := &schema1.Manifest{
		Versioned:    manifest.Versioned{SchemaVersion: 1},
		Name:         repoPath,
		Tag:          tagName,
		Architecture: cfg.Architecture,
	}
	for i := len(steps) - 1; i >= 0; i-- {
		raw, err := json.Marshal(steps[i].compat)
		if err != nil {
			return nil, errors.Wrap(err, "failed to serialize v1 compatibility")
		}
		mfst.FSLayers = append(mfst.FSLayers, schema1.FSLayer{BlobSum: steps[i].blobSum})
		mfst.History = append(mfst.History, schema1.History{V1Compatibility: string(raw)})
	}
	return mfst, nil
}

// legacyV1ID derives the deterministic v1 image id of one downgrade step from
// the layer content and its parent chain.
func legacyV1ID(blobSum digest.Digest, parentID string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s %s", blobSum, parentID)))
	return hex.EncodeToString(sum[:])
}

// compile-time check, the retriever serves the converter
var _ blobSource = (*ContentRetriever)(nil)
