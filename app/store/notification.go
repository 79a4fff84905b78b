package store

import "encoding/json"

// RegisteredNotification binds an event kind to a delivery method for one
// repository. EventConfig and MethodConfig are opaque to the store, the
// notification engine interprets them.
type RegisteredNotification struct {
	ID           int64           `json:"id"`
	UUID         string          `json:"uuid"`
	RepositoryID int64           `json:"repository_id"`
	Event        string          `json:"event"`
	Method       string          `json:"method"`
	EventConfig  json.RawMessage `json:"event_config,omitempty"`
	MethodConfig json.RawMessage `json:"method_config,omitempty"`
	FailureCount int             `json:"failure_count"`
	Enabled      bool            `json:"enabled"`
}

// QueueItem is one unit of at-least-once work. Workers claim an item by moving
// ProcessingExpiresMs into the future and must extend it during long jobs.
type QueueItem struct {
	ID                  int64           `json:"id"`
	QueueName           string          `json:"queue_name"`
	Body                json.RawMessage `json:"body"`
	AvailableAfterMs    int64           `json:"available_after_ms"`
	ExpiresAtMs         int64           `json:"expires_at_ms"`
	RetriesRemaining    int             `json:"retries_remaining"`
	ProcessingExpiresMs *int64          `json:"processing_expires_ms,omitempty"`
}

// Available reports whether the item can be claimed at the given epoch ms.
func (q *QueueItem) Available(nowMs int64) bool {
	if q.AvailableAfterMs > nowMs || q.ExpiresAtMs <= nowMs || q.RetriesRemaining <= 0 {
		return false
	}
	return q.ProcessingExpiresMs == nil || *q.ProcessingExpiresMs <= nowMs
}

// TagPullStatistics is the durable projection of redis tag pull counters.
type TagPullStatistics struct {
	RepositoryID     int64  `json:"repository_id"`
	TagName          string `json:"tag_name"`
	ManifestDigest   string `json:"manifest_digest"`
	PullCount        int64  `json:"pull_count"`
	LastPullMs       int64  `json:"last_pull_ms"`
}

// ManifestPullStatistics is the durable projection of redis digest pull counters.
type ManifestPullStatistics struct {
	RepositoryID   int64  `json:"repository_id"`
	ManifestDigest string `json:"manifest_digest"`
	PullCount      int64  `json:"pull_count"`
	LastPullMs     int64  `json:"last_pull_ms"`
}
