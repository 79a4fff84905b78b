package registry

// Bearer auth lifecycle for the distribution API: an unauthenticated request
// gets a 401 with a WWW-Authenticate challenge, the client obtains a token from
// the named realm and retries. https://docs.docker.com/registry/spec/auth/token/

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/docker/distribution/registry/client/auth/challenge"
	"github.com/pkg/errors"

	"github.com/ocistack/stevedore/app/cache"
	"github.com/ocistack/stevedore/app/store"
)

// tokenResponse is the body of a successful realm call. Some token servers
// fill token, some access_token, some both.
type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (t tokenResponse) bearer() string {
	if t.Token != "" {
		return t.Token
	}
	return t.AccessToken
}

// doWithAuth runs the request, resolving auth challenges as they come: basic
// challenges get credentials directly, bearer challenges go through the token
// realm. A 401 on a request which already carried a token forces one renewal
// and a single retry, covering server-side token invalidation.
func (c *Client) doWithAuth(ctx context.Context, method, reqURL string, accept []string) (*http.Response, error) {
	resp, err := c.do(ctx, method, reqURL, accept, "")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	challenges := challenge.ResponseChallenges(resp)
	_ = resp.Body.Close()
	if len(challenges) == 0 {
		return nil, &store.UpstreamRegistryError{Status: resp.StatusCode,
			Cause: errors.New("401 without auth challenge from upstream")}
	}

	for _, ch := range challenges {
		switch ch.Scheme {
		case "basic":
			return c.do(ctx, method, reqURL, accept, basicAuthHeader(c.Username, c.Password))
		case "bearer":
			token, errToken := c.bearerToken(ctx, ch.Parameters, false)
			if errToken != nil {
				return nil, errToken
			}
			resp, err = c.do(ctx, method, reqURL, accept, "Bearer "+token)
			if err != nil {
				return nil, err
			}
			if resp.StatusCode != http.StatusUnauthorized {
				return resp, nil
			}
			_ = resp.Body.Close()

			// cached token went stale server-side, renew once
			c.l.Logf("[DEBUG] upstream %s rejected cached token, forcing renewal", c.Host)
			token, errToken = c.bearerToken(ctx, ch.Parameters, true)
			if errToken != nil {
				return nil, errToken
			}
			return c.do(ctx, method, reqURL, accept, "Bearer "+token)
		}
	}
	return nil, &store.UpstreamRegistryError{Status: http.StatusUnauthorized,
		Cause: errors.Errorf("unsupported auth challenge from %s", c.Host)}
}

func (c *Client) do(ctx context.Context, method, reqURL string, accept []string, authorization string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, reqURL, http.NoBody)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build upstream request")
	}
	for _, mt := range accept {
		req.Header.Add("Accept", mt)
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &store.UpstreamRegistryError{Cause: errors.Wrapf(err, "request to %s failed", c.Host)}
	}
	return resp, nil
}

// tokenCacheTTL bounds how long a bearer token is reused. Token servers
// guarantee at least 60s of validity, Docker Hub issues 300s tokens; a shorter
// real lifetime is covered by the forced-renewal retry in doWithAuth.
const tokenCacheTTL = 240 * time.Second

// bearerToken resolves a token for the challenge parameters, through the cache
// unless forceRenewal drops the cached copy first.
func (c *Client) bearerToken(ctx context.Context, params map[string]string, forceRenewal bool) (string, error) {
	realm := params["realm"]
	if realm == "" {
		return "", errors.New("bearer challenge without realm")
	}
	service, scope := params["service"], params["scope"]
	key := cache.Key{Name: "upstream_token:" + realm + "|" + service + "|" + scope, Expiration: tokenCacheTTL}

	if forceRenewal {
		c.tokens.Evict(ctx, key)
	}

	v, err := c.tokens.Retrieve(ctx, key, func(ctx context.Context) (interface{}, error) {
		return c.fetchToken(ctx, realm, service, scope)
	}, nil)
	if err != nil {
		return "", err
	}
	token, ok := v.(string)
	if !ok || token == "" {
		return "", errors.Errorf("unexpected cached token type for %s", realm)
	}
	return token, nil
}

// fetchToken calls the realm with the service and scope, authenticating with
// the configured credentials when present.
func (c *Client) fetchToken(ctx context.Context, realm, service, scope string) (string, error) {
	u, err := url.Parse(realm)
	if err != nil {
		return "", errors.Wrapf(err, "invalid token realm %s", realm)
	}
	q := u.Query()
	if service != "" {
		q.Set("service", service)
	}
	if scope != "" {
		q.Set("scope", scope)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return "", errors.Wrap(err, "failed to build token request")
	}
	if c.Username != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &store.UpstreamRegistryError{Cause: errors.Wrap(err, "token request failed")}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", &store.UpstreamRegistryError{Status: resp.StatusCode,
			Cause: errors.Errorf("token realm %s rejected the request", realm)}
	}

	var tr tokenResponse
	if err = json.NewDecoder(io.LimitReader(resp.Body, 1024*1024)).Decode(&tr); err != nil {
		return "", errors.Wrap(err, "failed to decode token response")
	}
	if tr.bearer() == "" {
		return "", errors.Errorf("token realm %s returned no token", realm)
	}
	return tr.bearer(), nil
}

func basicAuthHeader(username, password string) string {
	req := http.Request{Header: http.Header{}}
	req.SetBasicAuth(username, password)
	return req.Header.Get("Authorization")
}
