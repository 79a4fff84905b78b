package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/docker/distribution/manifest/schema1"
	"github.com/docker/libtrust"
	"github.com/go-chi/chi/v5"
	"github.com/opencontainers/go-digest"

	log "github.com/go-pkgz/lgr"

	"github.com/ocistack/stevedore/app/cache"
	"github.com/ocistack/stevedore/app/notifications"
	"github.com/ocistack/stevedore/app/queue"
	"github.com/ocistack/stevedore/app/storage"
	"github.com/ocistack/stevedore/app/store"
	"github.com/ocistack/stevedore/app/store/engine"
	"github.com/ocistack/stevedore/app/store/service"
	"github.com/ocistack/stevedore/app/upload"
)

// maxManifestBytes caps a pushed manifest body, indexes of large multi-arch
// images stay well under this.
const maxManifestBytes = 4 << 20

// digestPushTagTTL keeps a manifest pushed by digest (no tag) alive long
// enough for the client to attach a tag or a referrer.
const digestPushTagTTL = time.Hour

// tagPageTTL is the cache lifetime of one tags/list page.
const tagPageTTL = 2 * time.Minute

// PullCounter is the slice of the pull-metrics recorder the server consumes,
// nil disables counting.
type PullCounter interface {
	TagPulled(ctx context.Context, repoID int64, tagName string, dgst digest.Digest, method string) error
	ManifestPulled(ctx context.Context, repoID int64, dgst digest.Digest, method string) error
}

// registryHandlers serve the distribution API data plane: manifests, blobs and
// chunked blob uploads, with proxy-cache fall-through per namespace.
type registryHandlers struct {
	eng        engine.Interface
	uploads    *upload.Manager
	driver     storage.Driver
	proxies    map[string]*service.ProxyCacheService // keyed by namespace name
	tagCache   cache.Cache
	pulls      PullCounter
	events     *notifications.Dispatcher
	notifQ     *queue.Queue
	signingKey libtrust.PrivateKey // nil disables the schema-1 downgrade
	content    *service.ContentRetriever
	l          log.L
}

// apiVersion answers the /v2/ version check, a 200 advertises API support.
func (rh *registryHandlers) apiVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
	renderJSONWithStatus(w, struct{}{}, http.StatusOK)
}

// resolveRepo finds the addressed repository, going through the proxy cache
// when the namespace has one configured. manifestRef lets the proxy create the
// repository on a confirmed upstream hit.
func (rh *registryHandlers) resolveRepo(r *http.Request, manifestRef string) (store.Repository, error) {
	ctx := r.Context()
	namespace, name := chi.URLParam(r, "namespace"), chi.URLParam(r, "name")

	if proxy, ok := rh.proxies[namespace]; ok {
		repo, err := proxy.LookupRepository(ctx, name, manifestRef)
		if err != nil {
			return store.Repository{}, err
		}
		if repo == nil {
			return store.Repository{}, store.ErrRepositoryDoesNotExist
		}
		return *repo, nil
	}

	repo, err := rh.eng.LookupRepository(ctx, namespace, name)
	if err == engine.ErrNotFound {
		return store.Repository{}, store.ErrRepositoryDoesNotExist
	}
	return repo, err
}

// manifestGet serves GET and HEAD of /v2/{namespace}/{name}/manifests/{ref}.
func (rh *registryHandlers) manifestGet(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")

	repo, err := rh.resolveRepo(r, ref)
	if err != nil {
		sendStoreError(w, r, rh.l, err)
		return
	}

	var m store.Manifest
	var tagName string
	if dgst, errDigest := digest.Parse(ref); errDigest == nil {
		m, err = rh.lookupManifest(r, repo, dgst)
	} else {
		tagName = ref
		m, err = rh.lookupTagManifest(r, repo, ref)
	}
	if err != nil {
		sendStoreError(w, r, rh.l, err)
		return
	}

	mediaType, body, respDigest := m.MediaType, m.Bytes, m.Digest
	if rh.signingKey != nil && tagName != "" && wantsSchema1(r, m.MediaType) {
		rendition, errConv := service.GetSchema1ParsedManifest(r.Context(), rh.eng, rh.content,
			m, repo.Path(), tagName, rh.signingKey)
		if errConv != nil {
			sendStoreError(w, r, rh.l, errConv)
			return
		}
		mediaType, body, respDigest = rendition.MediaType, rendition.Bytes, rendition.Digest
	}

	w.Header().Set("Docker-Content-Digest", respDigest.String())
	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	_, _ = w.Write(body)
	rh.countPull(r.Context(), repo, tagName, m.Digest)
}

// wantsSchema1 reports whether the client accepts only pre-schema-2 media
// types for this manifest. Clients taking the stored type, or anything, keep
// the stored form.
func wantsSchema1(r *http.Request, stored string) bool {
	var sawSchema1 bool
	for _, h := range r.Header.Values("Accept") {
		for _, part := range strings.Split(h, ",") {
			mt := strings.TrimSpace(strings.Split(part, ";")[0])
			if mt == stored || mt == "*/*" {
				return false
			}
			if mt == schema1.MediaTypeSignedManifest || mt == schema1.MediaTypeManifest {
				sawSchema1 = true
			}
		}
	}
	return sawSchema1
}

func (rh *registryHandlers) lookupManifest(r *http.Request, repo store.Repository, dgst digest.Digest) (store.Manifest, error) {
	if proxy, ok := rh.proxies[repo.Namespace]; ok {
		return proxy.LookupManifestByDigest(r.Context(), repo, dgst)
	}
	m, err := rh.eng.LookupManifestByDigest(r.Context(), repo.ID, dgst, false, true)
	if err == engine.ErrNotFound {
		return store.Manifest{}, store.ErrManifestDoesNotExist
	}
	return m, err
}

func (rh *registryHandlers) lookupTagManifest(r *http.Request, repo store.Repository, name string) (store.Manifest, error) {
	ctx := r.Context()
	if proxy, ok := rh.proxies[repo.Namespace]; ok {
		_, m, err := proxy.GetRepoTag(ctx, repo, name)
		return m, err
	}
	tag, err := rh.eng.GetRepoTag(ctx, repo.ID, name)
	if err == engine.ErrNotFound {
		return store.Manifest{}, store.ErrTagDoesNotExist
	}
	if err != nil {
		return store.Manifest{}, err
	}
	return rh.eng.GetManifestForTag(ctx, tag)
}

func (rh *registryHandlers) countPull(ctx context.Context, repo store.Repository, tagName string, dgst digest.Digest) {
	if rh.pulls == nil {
		return
	}
	var err error
	if tagName != "" {
		err = rh.pulls.TagPulled(ctx, repo.ID, tagName, dgst, "pull")
	} else {
		err = rh.pulls.ManifestPulled(ctx, repo.ID, dgst, "pull")
	}
	if err != nil {
		// counting is advisory, the pull itself already succeeded
		rh.l.Logf("[DEBUG] failed to count pull of %s: %v", repo.Path(), err)
	}
}

// manifestPut handles a manifest push. A tag ref retargets the tag, a digest
// ref stores the manifest under a short-lived hidden tag so a later tag push
// or referrer can pick it up.
func (rh *registryHandlers) manifestPut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ref := chi.URLParam(r, "ref")

	repo, err := rh.resolveRepo(r, "")
	if err != nil {
		sendStoreError(w, r, rh.l, err)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxManifestBytes+1))
	if err != nil {
		sendOCIError(w, r, rh.l, http.StatusBadRequest, errCodeManifestInvalid, "failed to read manifest body", err)
		return
	}
	if len(raw) > maxManifestBytes {
		sendOCIError(w, r, rh.l, http.StatusRequestEntityTooLarge, errCodeSizeInvalid, "manifest too large", nil)
		return
	}

	create, err := service.BuildManifestCreate(ctx, rh.eng, repo, raw, r.Header.Get("Content-Type"))
	if err != nil {
		sendStoreError(w, r, rh.l, err)
		return
	}

	var m store.Manifest
	if wantDigest, errDigest := digest.Parse(ref); errDigest == nil {
		if wantDigest != create.Manifest.Digest {
			sendOCIError(w, r, rh.l, http.StatusBadRequest, errCodeDigestInvalid,
				"content does not match the addressed digest", nil)
			return
		}
		m, _, err = rh.eng.CreateManifestWithTempTag(ctx, create, digestPushTagTTL)
	} else {
		m, _, err = rh.eng.CreateManifestAndRetargetTag(ctx, create, ref)
		if err == nil {
			rh.notifyPush(ctx, repo, ref, m.Digest)
		}
	}
	if err != nil {
		sendStoreError(w, r, rh.l, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/manifests/%s", repo.Path(), m.Digest))
	w.Header().Set("Docker-Content-Digest", m.Digest.String())
	w.WriteHeader(http.StatusCreated)
}

func (rh *registryHandlers) notifyPush(ctx context.Context, repo store.Repository, tag string, dgst digest.Digest) {
	if rh.events == nil || rh.notifQ == nil {
		return
	}
	data := map[string]interface{}{"tag": tag, "digest": dgst.String()}
	if err := rh.events.Enqueue(ctx, rh.notifQ, repo, notifications.EventRepoPush, data); err != nil {
		rh.l.Logf("[WARN] failed to enqueue push notification for %s:%s: %v", repo.Path(), tag, err)
	}
}

// manifestDelete removes a tag, or every tag of a manifest when addressed by
// digest. Rows and bytes are reclaimed later by the garbage collector.
func (rh *registryHandlers) manifestDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ref := chi.URLParam(r, "ref")

	repo, err := rh.resolveRepo(r, "")
	if err != nil {
		sendStoreError(w, r, rh.l, err)
		return
	}

	if dgst, errDigest := digest.Parse(ref); errDigest == nil {
		m, errLookup := rh.eng.LookupManifestByDigest(ctx, repo.ID, dgst, true, false)
		if errLookup == engine.ErrNotFound {
			sendStoreError(w, r, rh.l, store.ErrManifestDoesNotExist)
			return
		}
		if errLookup != nil {
			sendStoreError(w, r, rh.l, errLookup)
			return
		}
		if _, err = rh.eng.DeleteTagsForManifest(ctx, m.ID); err != nil {
			sendStoreError(w, r, rh.l, err)
			return
		}
	} else {
		if _, err = rh.eng.DeleteTag(ctx, repo.ID, ref); err != nil {
			if err == engine.ErrNotFound {
				err = store.ErrTagDoesNotExist
			}
			sendStoreError(w, r, rh.l, err)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

// blobGet serves GET and HEAD of /v2/{namespace}/{name}/blobs/{digest},
// streaming the bytes from the first reachable placement.
func (rh *registryHandlers) blobGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dgst, err := digest.Parse(chi.URLParam(r, "digest"))
	if err != nil {
		sendOCIError(w, r, rh.l, http.StatusBadRequest, errCodeDigestInvalid, "digest invalid", err)
		return
	}
	repo, err := rh.resolveRepo(r, "")
	if err != nil {
		sendStoreError(w, r, rh.l, err)
		return
	}

	var blob store.Blob
	if proxy, ok := rh.proxies[repo.Namespace]; ok {
		blob, err = proxy.GetRepoBlobByDigest(ctx, repo, dgst)
	} else {
		blob, err = rh.eng.GetRepoBlobByDigest(ctx, repo.ID, dgst, true)
	}
	if err == engine.ErrNotFound {
		sendOCIError(w, r, rh.l, http.StatusNotFound, errCodeBlobUnknown, "blob unknown", nil)
		return
	}
	if err != nil {
		sendStoreError(w, r, rh.l, err)
		return
	}

	w.Header().Set("Docker-Content-Digest", blob.Digest.String())
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(blob.CompressedSize, 10))
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	rc, err := rh.driver.Get(ctx, blob.Placements, storage.ContentPath(blob.Digest))
	if err != nil {
		sendStoreError(w, r, rh.l, err)
		return
	}
	defer func() { _ = rc.Close() }()
	if _, err = io.Copy(w, rc); err != nil {
		rh.l.Logf("[DEBUG] blob %s stream interrupted: %v", blob.Digest, err)
	}
}

// uploadStart handles POST /v2/{namespace}/{name}/blobs/uploads/ with the
// cross-repository mount and single-request monolithic variants.
func (rh *registryHandlers) uploadStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	repo, err := rh.resolveRepo(r, "")
	if err != nil {
		sendStoreError(w, r, rh.l, err)
		return
	}

	// a declined mount falls through to a regular upload, per the distribution
	// protocol the client then pushes the bytes itself
	if mount := r.URL.Query().Get("mount"); mount != "" && rh.tryMount(w, r, repo, mount) {
		return
	}

	up, err := rh.uploads.Begin(ctx, repo.ID)
	if err != nil {
		sendStoreError(w, r, rh.l, err)
		return
	}

	if rawDigest := r.URL.Query().Get("digest"); rawDigest != "" {
		rh.monolithicUpload(w, r, repo, up, rawDigest)
		return
	}

	w.Header().Set("Location", uploadURL(repo, up.UploadID))
	w.Header().Set("Docker-Upload-UUID", up.UploadID)
	w.Header().Set("Range", "0-0")
	w.WriteHeader(http.StatusAccepted)
}

// tryMount attempts a cross-repository blob mount and reports whether the
// request was fully answered.
func (rh *registryHandlers) tryMount(w http.ResponseWriter, r *http.Request, repo store.Repository, rawDigest string) bool {
	ctx := r.Context()

	dgst, err := digest.Parse(rawDigest)
	if err != nil {
		sendOCIError(w, r, rh.l, http.StatusBadRequest, errCodeDigestInvalid, "mount digest invalid", err)
		return true
	}
	namespace, name, found := strings.Cut(r.URL.Query().Get("from"), "/")
	if !found {
		return false
	}
	source, err := rh.eng.LookupRepository(ctx, namespace, name)
	if err != nil {
		return false
	}
	blob, err := rh.uploads.Mount(ctx, source.ID, repo.ID, dgst)
	if err != nil {
		rh.l.Logf("[DEBUG] blob mount %s from %s/%s declined: %v", dgst, namespace, name, err)
		return false
	}

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", repo.Path(), blob.Digest))
	w.Header().Set("Docker-Content-Digest", blob.Digest.String())
	w.WriteHeader(http.StatusCreated)
	return true
}

func (rh *registryHandlers) monolithicUpload(w http.ResponseWriter, r *http.Request, repo store.Repository,
	up store.BlobUpload, rawDigest string) {
	ctx := r.Context()

	dgst, err := digest.Parse(rawDigest)
	if err != nil {
		_ = rh.uploads.Cancel(ctx, up)
		sendOCIError(w, r, rh.l, http.StatusBadRequest, errCodeDigestInvalid, "digest invalid", err)
		return
	}
	if up, err = rh.uploads.UploadChunk(ctx, up, 0, r.ContentLength, r.Body); err != nil {
		_ = rh.uploads.Cancel(ctx, up)
		sendStoreError(w, r, rh.l, err)
		return
	}
	blob, err := rh.uploads.Commit(ctx, up, dgst)
	if err != nil {
		_ = rh.uploads.Cancel(ctx, up)
		sendStoreError(w, r, rh.l, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", repo.Path(), blob.Digest))
	w.Header().Set("Docker-Content-Digest", blob.Digest.String())
	w.WriteHeader(http.StatusCreated)
}

// uploadChunk handles PATCH, appending one chunk to an open upload.
func (rh *registryHandlers) uploadChunk(w http.ResponseWriter, r *http.Request) {
	repo, up, ok := rh.resumeUpload(w, r)
	if !ok {
		return
	}

	startOffset := up.ByteCount
	if contentRange := r.Header.Get("Content-Range"); contentRange != "" {
		start, _, errRange := parseContentRange(contentRange)
		if errRange != nil {
			sendOCIError(w, r, rh.l, http.StatusBadRequest, errCodeBlobUploadInvalid, "bad content range", errRange)
			return
		}
		startOffset = start
	}

	up, err := rh.uploads.UploadChunk(r.Context(), up, startOffset, r.ContentLength, r.Body)
	if err != nil {
		sendStoreError(w, r, rh.l, err)
		return
	}

	w.Header().Set("Location", uploadURL(repo, up.UploadID))
	w.Header().Set("Docker-Upload-UUID", up.UploadID)
	w.Header().Set("Range", uploadRange(up))
	w.WriteHeader(http.StatusAccepted)
}

// uploadCommit handles PUT, optionally carrying the final chunk, and turns the
// upload into a committed blob.
func (rh *registryHandlers) uploadCommit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	repo, up, ok := rh.resumeUpload(w, r)
	if !ok {
		return
	}
	dgst, err := digest.Parse(r.URL.Query().Get("digest"))
	if err != nil {
		sendOCIError(w, r, rh.l, http.StatusBadRequest, errCodeDigestInvalid, "digest invalid", err)
		return
	}

	if r.ContentLength != 0 {
		if up, err = rh.uploads.UploadChunk(ctx, up, up.ByteCount, r.ContentLength, r.Body); err != nil {
			sendStoreError(w, r, rh.l, err)
			return
		}
	}

	blob, err := rh.uploads.Commit(ctx, up, dgst)
	if err != nil {
		sendStoreError(w, r, rh.l, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", repo.Path(), blob.Digest))
	w.Header().Set("Docker-Content-Digest", blob.Digest.String())
	w.WriteHeader(http.StatusCreated)
}

// uploadStatus handles GET on an open upload.
func (rh *registryHandlers) uploadStatus(w http.ResponseWriter, r *http.Request) {
	_, up, ok := rh.resumeUpload(w, r)
	if !ok {
		return
	}
	w.Header().Set("Docker-Upload-UUID", up.UploadID)
	w.Header().Set("Range", uploadRange(up))
	w.WriteHeader(http.StatusNoContent)
}

// uploadCancel handles DELETE on an open upload.
func (rh *registryHandlers) uploadCancel(w http.ResponseWriter, r *http.Request) {
	_, up, ok := rh.resumeUpload(w, r)
	if !ok {
		return
	}
	if err := rh.uploads.Cancel(r.Context(), up); err != nil {
		sendStoreError(w, r, rh.l, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rh *registryHandlers) resumeUpload(w http.ResponseWriter, r *http.Request) (store.Repository, store.BlobUpload, bool) {
	repo, err := rh.resolveRepo(r, "")
	if err != nil {
		sendStoreError(w, r, rh.l, err)
		return store.Repository{}, store.BlobUpload{}, false
	}
	up, err := rh.uploads.Resume(r.Context(), repo.ID, chi.URLParam(r, "uploadID"))
	if err == engine.ErrNotFound {
		sendOCIError(w, r, rh.l, http.StatusNotFound, errCodeBlobUploadUnknown, "upload unknown", nil)
		return repo, store.BlobUpload{}, false
	}
	if err != nil {
		sendStoreError(w, r, rh.l, err)
		return repo, store.BlobUpload{}, false
	}
	return repo, up, true
}

// tagsList serves GET /v2/{namespace}/{name}/tags/list with distribution
// pagination (n and last).
func (rh *registryHandlers) tagsList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	repo, err := rh.resolveRepo(r, "")
	if err != nil {
		sendStoreError(w, r, rh.l, err)
		return
	}

	limit := 100
	if n := r.URL.Query().Get("n"); n != "" {
		if parsed, errN := strconv.Atoi(n); errN == nil && parsed > 0 && parsed < 1000 {
			limit = parsed
		}
	}
	startID := int64(0)
	if last := r.URL.Query().Get("last"); last != "" {
		if tag, errLast := rh.eng.GetRepoTag(ctx, repo.ID, last); errLast == nil {
			startID = tag.ID
		}
	}

	tags, err := service.CachedActiveTags(ctx, rh.tagCache, rh.eng, repo.ID, startID, limit, tagPageTTL)
	if err != nil {
		sendStoreError(w, r, rh.l, err)
		return
	}

	names := make([]string, 0, len(tags))
	for _, t := range tags {
		names = append(names, t.Name)
	}
	if len(names) == limit {
		w.Header().Set("Link", fmt.Sprintf(`</v2/%s/tags/list?n=%d&last=%s>; rel="next"`,
			repo.Path(), limit, names[len(names)-1]))
	}
	renderJSONWithStatus(w, struct {
		Name string   `json:"name"`
		Tags []string `json:"tags"`
	}{Name: repo.Path(), Tags: names}, http.StatusOK)
}

func uploadURL(repo store.Repository, uploadID string) string {
	return fmt.Sprintf("/v2/%s/blobs/uploads/%s", repo.Path(), uploadID)
}

// uploadRange renders the inclusive received-bytes range header value.
func uploadRange(up store.BlobUpload) string {
	if up.ByteCount == 0 {
		return "0-0"
	}
	return fmt.Sprintf("0-%d", up.ByteCount-1)
}

// parseContentRange parses a "start-end" range header value.
func parseContentRange(value string) (start, end int64, err error) {
	from, to, found := strings.Cut(value, "-")
	if !found {
		return 0, 0, fmt.Errorf("malformed content range %q", value)
	}
	if start, err = strconv.ParseInt(from, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("malformed content range %q", value)
	}
	if end, err = strconv.ParseInt(to, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("malformed content range %q", value)
	}
	return start, end, nil
}
