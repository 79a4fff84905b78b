package registry

// Package registry is the client side of the distribution HTTP API V2, used by
// the proxy cache to pull manifests and blobs from upstream registries.
// Protocol description: https://docs.docker.com/registry/spec/api

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	log "github.com/go-pkgz/lgr"

	"github.com/ocistack/stevedore/app/cache"
	"github.com/ocistack/stevedore/app/store"
)

// manifestAcceptHeaders lists every manifest media type the proxy understands,
// sent on manifest requests so the upstream returns what the client asked for
// instead of converting.
var manifestAcceptHeaders = []string{
	"application/vnd.oci.image.manifest.v1+json",
	"application/vnd.oci.image.index.v1+json",
	"application/vnd.docker.distribution.manifest.v2+json",
	"application/vnd.docker.distribution.manifest.list.v2+json",
	"application/vnd.docker.distribution.manifest.v1+prettyjws",
	"application/vnd.docker.distribution.manifest.v1+json",
}

// Settings define the upstream endpoint and its credentials. Credentials are
// plaintext here, decrypted by the caller from the stored config.
type Settings struct {
	Host        string // upstream host, docker.io remapped automatically
	Username    string
	Password    string
	InsecureTLS bool
}

// Client talks to one upstream registry host. Bearer tokens obtained through
// the auth challenge flow are cached until shortly before expiry.
type Client struct {
	Settings

	scheme     string
	httpClient *http.Client
	tokens     cache.Cache
	l          log.L
}

// Option func type
type Option func(c *Client)

// TokenCache sets the cache bearer tokens live in. Default is in-process.
func TokenCache(tc cache.Cache) Option {
	return func(c *Client) { c.tokens = tc }
}

// Logger sets the client logger.
func Logger(l log.L) Option {
	return func(c *Client) { c.l = l }
}

// HTTPTimeout overrides the per-request timeout.
func HTTPTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// NewClient makes an upstream client for the given settings.
func NewClient(settings Settings, opts ...Option) *Client {
	c := &Client{
		Settings: settings,
		scheme:   "https",
		l:        log.Default(),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	// an explicit scheme prefix on the host wins, handy for plain-http private
	// registries and tests
	if after, found := strings.CutPrefix(c.Host, "http://"); found {
		c.scheme, c.Host = "http", after
	}
	if after, found := strings.CutPrefix(c.Host, "https://"); found {
		c.Host = after
	}
	c.Host = remapHost(c.Host)

	if settings.InsecureTLS {
		c.httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // nolint:gosec // explicit user opt-in for private registries
		}
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.tokens == nil {
		if memory, err := cache.NewMemory(100); err == nil {
			c.tokens = memory
		} else {
			c.tokens = cache.NewNoop()
		}
	}
	return c
}

// remapHost points the docker.io alias at the real API endpoint.
func remapHost(host string) string {
	if host == "docker.io" || host == "registry.docker.io" || host == "index.docker.io" {
		return "registry-1.docker.io"
	}
	return host
}

// GetManifest pulls a manifest by tag or digest and returns the raw bytes with
// the upstream media type and content digest.
func (c *Client) GetManifest(ctx context.Context, repo, reference string) (raw []byte, mediaType string, dgst digest.Digest, err error) {
	url := fmt.Sprintf("%s://%s/v2/%s/manifests/%s", c.scheme, c.Host, repo, reference)
	resp, err := c.doWithAuth(ctx, http.MethodGet, url, manifestAcceptHeaders)
	if err != nil {
		return nil, "", "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, "", "", &store.UpstreamRegistryError{Status: resp.StatusCode,
			Cause: errors.Errorf("manifest fetch for %s:%s rejected", repo, reference)}
	}

	raw, err = io.ReadAll(io.LimitReader(resp.Body, 32*1024*1024))
	if err != nil {
		return nil, "", "", errors.Wrap(err, "failed to read manifest body")
	}

	mediaType = resp.Header.Get("Content-Type")
	if headerDigest := resp.Header.Get("Docker-Content-Digest"); headerDigest != "" {
		dgst = digest.Digest(headerDigest)
	} else {
		dgst = digest.FromBytes(raw)
	}
	return raw, mediaType, dgst, nil
}

// ManifestExists checks a manifest by tag or digest with a HEAD request and
// returns the upstream content digest.
func (c *Client) ManifestExists(ctx context.Context, repo, reference string) (digest.Digest, error) {
	url := fmt.Sprintf("%s://%s/v2/%s/manifests/%s", c.scheme, c.Host, repo, reference)
	resp, err := c.doWithAuth(ctx, http.MethodHead, url, manifestAcceptHeaders)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		return digest.Digest(resp.Header.Get("Docker-Content-Digest")), nil
	case http.StatusNotFound:
		return "", store.ErrManifestDoesNotExist
	default:
		return "", &store.UpstreamRegistryError{Status: resp.StatusCode,
			Cause: errors.Errorf("manifest check for %s:%s rejected", repo, reference)}
	}
}

// GetBlob streams a blob by digest. The caller owns closing the reader.
func (c *Client) GetBlob(ctx context.Context, repo string, dgst digest.Digest) (io.ReadCloser, int64, error) {
	url := fmt.Sprintf("%s://%s/v2/%s/blobs/%s", c.scheme, c.Host, repo, dgst)
	resp, err := c.doWithAuth(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, 0, &store.UpstreamRegistryError{Status: resp.StatusCode,
			Cause: errors.Errorf("blob fetch for %s@%s rejected", repo, dgst)}
	}

	size := int64(-1)
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if parsed, errParse := strconv.ParseInt(cl, 10, 64); errParse == nil {
			size = parsed
		}
	}
	return resp.Body, size, nil
}

// BlobExists checks a blob by digest with a HEAD request.
func (c *Client) BlobExists(ctx context.Context, repo string, dgst digest.Digest) (bool, error) {
	url := fmt.Sprintf("%s://%s/v2/%s/blobs/%s", c.scheme, c.Host, repo, dgst)
	resp, err := c.doWithAuth(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, &store.UpstreamRegistryError{Status: resp.StatusCode,
			Cause: errors.Errorf("blob check for %s@%s rejected", repo, dgst)}
	}
}

// Ping checks the /v2/ endpoint, exercising the auth flow without touching any
// repository.
func (c *Client) Ping(ctx context.Context) error {
	url := fmt.Sprintf("%s://%s/v2/", c.scheme, c.Host)
	resp, err := c.doWithAuth(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return &store.UpstreamRegistryError{Status: resp.StatusCode, Cause: errors.New("upstream ping rejected")}
	}
	return nil
}
