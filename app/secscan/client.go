// Package secscan ingests a security scanner's notification feed and fans the
// findings out as vulnerability_found events on the affected repositories.
package secscan

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"

	"github.com/ocistack/stevedore/app/store"
)

// clientTimeout bounds one scanner API call.
const clientTimeout = 30 * time.Second

// feedPageLimit is the page size requested from the notification feed.
const feedPageLimit = 100

// Vulnerability is the scanner's description of one finding.
type Vulnerability struct {
	Name        string `json:"Name"`
	Severity    string `json:"Severity"`
	Link        string `json:"Link,omitempty"`
	Description string `json:"Description,omitempty"`
	FixedBy     string `json:"FixedBy,omitempty"`
}

// Layer is one scanner-indexed layer, named by the manifest digest it tops.
type Layer struct {
	Name string `json:"Name"`
}

// IndexedLayer carries the scanner's global layer index alongside the name,
// the index is stable across the New and Old streams of one notification.
type IndexedLayer struct {
	Index     int    `json:"Index"`
	LayerName string `json:"LayerName"`
}

// PageSnapshot is one side (New or Old) of a notification page.
type PageSnapshot struct {
	Vulnerability                         Vulnerability  `json:"Vulnerability"`
	LayersIntroducingVulnerability        []Layer        `json:"LayersIntroducingVulnerability,omitempty"`
	OrderedLayersIntroducingVulnerability []IndexedLayer `json:"OrderedLayersIntroducingVulnerability,omitempty"`
}

// NotificationPage is one page of the scanner's notification feed.
type NotificationPage struct {
	Name     string        `json:"Name"`
	New      *PageSnapshot `json:"New,omitempty"`
	Old      *PageSnapshot `json:"Old,omitempty"`
	NextPage string        `json:"NextPage,omitempty"`
}

// Client talks to a Clair-style scanner API. Every failure surfaces as
// *store.APIRequestError so callers treat it as transient.
type Client struct {
	endpoint string
	http     *http.Client
	l        log.L
}

// NewClient makes a scanner API client for the endpoint base URL.
func NewClient(endpoint string, l log.L) *Client {
	if l == nil {
		l = log.Default()
	}
	return &Client{endpoint: strings.TrimSuffix(endpoint, "/"), http: &http.Client{Timeout: clientTimeout}, l: l}
}

// GetNotificationPage fetches one page of the named notification. An empty
// pageToken fetches the first page.
func (c *Client) GetNotificationPage(ctx context.Context, name, pageToken string) (NotificationPage, error) {
	reqURL := fmt.Sprintf("%s/v1/notifications/%s?limit=%d", c.endpoint, url.PathEscape(name), feedPageLimit)
	if pageToken != "" {
		reqURL += "&page=" + url.QueryEscape(pageToken)
	}

	var body struct {
		Notification NotificationPage `json:"Notification"`
	}
	if err := c.getJSON(ctx, reqURL, &body); err != nil {
		return NotificationPage{}, err
	}
	return body.Notification, nil
}

// MarkNotificationRead tells the scanner the notification was fully consumed.
func (c *Client) MarkNotificationRead(ctx context.Context, name string) error {
	reqURL := fmt.Sprintf("%s/v1/notifications/%s", c.endpoint, url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, reqURL, http.NoBody)
	if err != nil {
		return &store.APIRequestError{Cause: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &store.APIRequestError{Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return &store.APIRequestError{Cause: errors.Errorf("scanner returned status %d", resp.StatusCode)}
	}
	return nil
}

// LayerVulnerable reports whether the named layer is currently vulnerable to
// the named finding according to the scanner.
func (c *Client) LayerVulnerable(ctx context.Context, layerName, vulnName string) (bool, error) {
	reqURL := fmt.Sprintf("%s/v1/layers/%s?features=true&vulnerabilities=true", c.endpoint, url.PathEscape(layerName))

	var body struct {
		Layer struct {
			Features []struct {
				Vulnerabilities []Vulnerability `json:"Vulnerabilities,omitempty"`
			} `json:"Features,omitempty"`
		} `json:"Layer"`
	}
	if err := c.getJSON(ctx, reqURL, &body); err != nil {
		return false, err
	}

	for _, feature := range body.Layer.Features {
		for _, v := range feature.Vulnerabilities {
			if v.Name == vulnName {
				return true, nil
			}
		}
	}
	return false, nil
}

func (c *Client) getJSON(ctx context.Context, reqURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return &store.APIRequestError{Cause: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &store.APIRequestError{Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return &store.APIRequestError{Cause: errors.Errorf("scanner returned status %d", resp.StatusCode)}
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &store.APIRequestError{Cause: errors.Wrap(err, "bad scanner response")}
	}
	return nil
}
