package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocistack/stevedore/app/store"
)

// upstreamMock is a minimal distribution endpoint with a bearer token realm.
type upstreamMock struct {
	t *testing.T

	manifest      []byte
	manifestType  string
	blob          []byte
	validToken    string
	tokenRequests int
	mux           *http.ServeMux
	srv           *httptest.Server
}

func newUpstreamMock(t *testing.T) *upstreamMock {
	m := &upstreamMock{t: t,
		manifest:     []byte(`{"schemaVersion":2,"layers":[]}`),
		manifestType: "application/vnd.oci.image.manifest.v1+json",
		blob:         []byte("blob content"),
		validToken:   "token-1",
	}
	m.mux = http.NewServeMux()
	m.srv = httptest.NewServer(m.mux)
	t.Cleanup(m.srv.Close)

	m.mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		m.tokenRequests++
		assert.Equal(t, "registry.example.com", r.URL.Query().Get("service"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"token": m.validToken, "expires_in": 300})
	})

	authorized := func(w http.ResponseWriter, r *http.Request) bool {
		if r.Header.Get("Authorization") == "Bearer "+m.validToken {
			return true
		}
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf(`Bearer realm=%q,service="registry.example.com",scope="repository:library/alpine:pull"`, m.srv.URL+"/token"))
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}

	m.mux.HandleFunc("/v2/library/alpine/manifests/latest", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		w.Header().Set("Content-Type", m.manifestType)
		w.Header().Set("Docker-Content-Digest", digest.FromBytes(m.manifest).String())
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(m.manifest)
	})
	m.mux.HandleFunc("/v2/library/alpine/manifests/missing", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	m.mux.HandleFunc("/v2/library/alpine/blobs/", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		if r.URL.Path != "/v2/library/alpine/blobs/"+digest.FromBytes(m.blob).String() {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", fmt.Sprint(len(m.blob)))
			return
		}
		_, _ = w.Write(m.blob)
	})
	return m
}

func (m *upstreamMock) client() *Client {
	return NewClient(Settings{Host: m.srv.URL})
}

func TestClient_GetManifest(t *testing.T) {
	up := newUpstreamMock(t)
	c := up.client()

	raw, mediaType, dgst, err := c.GetManifest(context.Background(), "library/alpine", "latest")
	require.NoError(t, err)
	assert.Equal(t, up.manifest, raw)
	assert.Equal(t, up.manifestType, mediaType)
	assert.Equal(t, digest.FromBytes(up.manifest), dgst)
	assert.Equal(t, 1, up.tokenRequests)

	// second request reuses the cached token
	_, _, _, err = c.GetManifest(context.Background(), "library/alpine", "latest")
	require.NoError(t, err)
	assert.Equal(t, 1, up.tokenRequests)
}

func TestClient_ManifestExists(t *testing.T) {
	up := newUpstreamMock(t)
	c := up.client()

	dgst, err := c.ManifestExists(context.Background(), "library/alpine", "latest")
	require.NoError(t, err)
	assert.Equal(t, digest.FromBytes(up.manifest), dgst)

	_, err = c.ManifestExists(context.Background(), "library/alpine", "missing")
	assert.Equal(t, store.ErrManifestDoesNotExist, err)
}

func TestClient_GetBlob(t *testing.T) {
	up := newUpstreamMock(t)
	c := up.client()

	dgst := digest.FromBytes(up.blob)
	rc, size, err := c.GetBlob(context.Background(), "library/alpine", dgst)
	require.NoError(t, err)
	content, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, up.blob, content)
	assert.Equal(t, int64(len(up.blob)), size)

	exists, err := c.BlobExists(context.Background(), "library/alpine", dgst)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = c.BlobExists(context.Background(), "library/alpine", digest.FromString("nope"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestClient_ForcedTokenRenewal(t *testing.T) {
	up := newUpstreamMock(t)
	c := up.client()

	_, _, _, err := c.GetManifest(context.Background(), "library/alpine", "latest")
	require.NoError(t, err)
	require.Equal(t, 1, up.tokenRequests)

	// invalidate server-side, the cached token is now stale
	up.validToken = "token-2"

	_, _, _, err = c.GetManifest(context.Background(), "library/alpine", "latest")
	require.NoError(t, err, "single forced renewal recovers")
	assert.Equal(t, 2, up.tokenRequests)
}

func TestClient_UpstreamErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(Settings{Host: srv.URL})
	_, _, _, err := c.GetManifest(context.Background(), "library/alpine", "latest")
	var upstreamErr *store.UpstreamRegistryError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Equal(t, http.StatusTooManyRequests, upstreamErr.Status)
}

func TestClient_BasicAuthChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="registry"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "user", user)
		assert.Equal(t, "secret", pass)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(Settings{Host: srv.URL, Username: "user", Password: "secret"})
	assert.NoError(t, c.Ping(context.Background()))
}

func TestRemapHost(t *testing.T) {
	assert.Equal(t, "registry-1.docker.io", remapHost("docker.io"))
	assert.Equal(t, "registry-1.docker.io", remapHost("index.docker.io"))
	assert.Equal(t, "quay.io", remapHost("quay.io"))
}
