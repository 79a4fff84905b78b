package workers

import (
	"context"
	"encoding/json"

	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"

	"github.com/ocistack/stevedore/app/queue"
	"github.com/ocistack/stevedore/app/storage"
	"github.com/ocistack/stevedore/app/store"
	"github.com/ocistack/stevedore/app/worker"
)

// queue names shared between enqueuers and workers
const (
	RepositoryDeleteQueue = "repository_delete"
	NamespaceDeleteQueue  = "namespace_delete"
	ChunkCleanupQueue     = "chunk_cleanup"
	ReplicationQueue      = "blob_replication"
	NotificationQueue     = "notification_dispatch"
	SecscanQueue          = "secscan_notification"
)

// deleterStore is the slice of the storage engine the delete workers consume.
type deleterStore interface {
	PurgeRepository(ctx context.Context, repoID int64) error
	ListRepositories(ctx context.Context, namespaceID int64) ([]store.Repository, error)
	PurgeNamespace(ctx context.Context, namespaceID int64) error
}

// NewRepositoryDeleteWorker drains the repository-delete queue. Bodies are
// store.DeletedRepository markers enqueued when a repository is marked.
func NewRepositoryDeleteWorker(eng deleterStore, q *queue.Queue, metrics *queue.Metrics,
	settings worker.QueueWorkerSettings, l log.L, opts ...worker.Option) *worker.QueueWorker {

	if l == nil {
		l = log.Default()
	}
	process := func(ctx context.Context, body []byte) error {
		var marker store.DeletedRepository
		if err := json.Unmarshal(body, &marker); err != nil {
			return &worker.JobError{Cause: errors.Wrap(err, "failed to unmarshal delete marker")}
		}
		if err := eng.PurgeRepository(ctx, marker.RepositoryID); err != nil {
			return err
		}
		l.Logf("[INFO] purged repository %s/%s", marker.Namespace, marker.Name)
		return nil
	}
	return worker.NewQueueWorker("repository_delete", q, process, settings, metrics, opts...)
}

// namespaceDeleteBody is the queue payload for a namespace purge.
type namespaceDeleteBody struct {
	NamespaceID int64  `json:"namespace_id"`
	Name        string `json:"name"`
}

// NewNamespaceDeleteWorker purges every repository of a marked namespace and
// then the namespace row itself.
func NewNamespaceDeleteWorker(eng deleterStore, q *queue.Queue, metrics *queue.Metrics,
	settings worker.QueueWorkerSettings, l log.L, opts ...worker.Option) *worker.QueueWorker {

	if l == nil {
		l = log.Default()
	}
	process := func(ctx context.Context, body []byte) error {
		var marker namespaceDeleteBody
		if err := json.Unmarshal(body, &marker); err != nil {
			return &worker.JobError{Cause: errors.Wrap(err, "failed to unmarshal namespace delete marker")}
		}
		repos, err := eng.ListRepositories(ctx, marker.NamespaceID)
		if err != nil {
			return err
		}
		for _, repo := range repos {
			if err = eng.PurgeRepository(ctx, repo.ID); err != nil {
				return errors.Wrapf(err, "failed to purge repository %s", repo.Path())
			}
		}
		if err = eng.PurgeNamespace(ctx, marker.NamespaceID); err != nil {
			return err
		}
		l.Logf("[INFO] purged namespace %s with %d repositories", marker.Name, len(repos))
		return nil
	}
	return worker.NewQueueWorker("namespace_delete", q, process, settings, metrics, opts...)
}

// chunkCleanupBody names one storage path left behind by a cancelled or
// superseded upload.
type chunkCleanupBody struct {
	Locations []string `json:"locations"`
	Path      string   `json:"path"`
}

// EnqueueChunkCleanup records a storage path for deferred removal.
func EnqueueChunkCleanup(ctx context.Context, q *queue.Queue, locations []string, path string) error {
	return q.Put(ctx, chunkCleanupBody{Locations: locations, Path: path}, queue.PutOptions{})
}

// NewChunkCleanupWorker removes the recorded paths. A path already gone counts
// as success.
func NewChunkCleanupWorker(driver storage.Driver, q *queue.Queue, metrics *queue.Metrics,
	settings worker.QueueWorkerSettings, l log.L, opts ...worker.Option) *worker.QueueWorker {

	if l == nil {
		l = log.Default()
	}
	process := func(ctx context.Context, body []byte) error {
		var chunk chunkCleanupBody
		if err := json.Unmarshal(body, &chunk); err != nil {
			return &worker.JobError{Cause: errors.Wrap(err, "failed to unmarshal chunk cleanup body")}
		}
		if err := driver.Remove(ctx, chunk.Locations, chunk.Path); err != nil && err != storage.ErrObjectNotFound {
			return err
		}
		l.Logf("[DEBUG] removed storage path %s", chunk.Path)
		return nil
	}
	return worker.NewQueueWorker("chunk_cleanup", q, process, settings, metrics, opts...)
}
