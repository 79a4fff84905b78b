package workers

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/ocistack/stevedore/app/queue"
	"github.com/ocistack/stevedore/app/storage"
	"github.com/ocistack/stevedore/app/store"
	"github.com/ocistack/stevedore/app/worker"
)

// replicationStore is the slice of the storage engine replication consumes.
type replicationStore interface {
	LookupNamespace(ctx context.Context, name string) (store.Namespace, error)
	BlobPlacements(ctx context.Context, blobID int64) ([]string, error)
	AddBlobPlacement(ctx context.Context, blobID int64, location string) error
}

// ReplicationJob asks for one blob to be copied to every location its
// namespace requires.
type ReplicationJob struct {
	BlobID    int64         `json:"blob_id"`
	Digest    digest.Digest `json:"digest"`
	Namespace string        `json:"namespace"`
}

// EnqueueReplication records a freshly committed blob for fan-out.
func EnqueueReplication(ctx context.Context, q *queue.Queue, job ReplicationJob) error {
	return q.Put(ctx, job, queue.PutOptions{})
}

// sourceProbes bounds how many times a missing source is re-checked before the
// job is failed. Commit and enqueue race on some drivers, the backoff absorbs
// the window.
const sourceProbes = 4

type replicator struct {
	eng    replicationStore
	driver storage.Driver
	l      log.L
}

// NewReplicationWorker drains the replication queue. The placement row is
// inserted only after the copy is verified at the target, readers never see a
// placement without bytes behind it.
func NewReplicationWorker(eng replicationStore, driver storage.Driver, q *queue.Queue,
	metrics *queue.Metrics, settings worker.QueueWorkerSettings, l log.L, opts ...worker.Option) *worker.QueueWorker {

	if l == nil {
		l = log.Default()
	}
	r := &replicator{eng: eng, driver: driver, l: l}
	return worker.NewQueueWorker("blob_replication", q, r.process, settings, metrics, opts...)
}

func (r *replicator) process(ctx context.Context, body []byte) error {
	var job ReplicationJob
	if err := json.Unmarshal(body, &job); err != nil {
		return &worker.JobError{Cause: errors.Wrap(err, "failed to unmarshal replication job")}
	}

	ns, err := r.eng.LookupNamespace(ctx, job.Namespace)
	if err != nil {
		return err
	}
	placements, err := r.eng.BlobPlacements(ctx, job.BlobID)
	if err != nil {
		return err
	}
	if len(placements) == 0 {
		return &worker.JobError{Cause: errors.Errorf("blob %s has no placement to copy from", job.Digest)}
	}
	source := placements[0]

	path := storage.ContentPath(job.Digest)
	if err = r.awaitSource(ctx, source, path); err != nil {
		return &worker.JobError{Cause: err}
	}

	for _, target := range requiredLocations(ns, r.driver.PreferredLocations()) {
		if contains(placements, target) {
			continue
		}
		if err = r.driver.CopyBetween(ctx, path, source, target); err != nil {
			return errors.Wrapf(err, "failed to copy blob %s to %s", job.Digest, target)
		}
		ok, err := r.driver.Exists(ctx, []string{target}, path)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Errorf("blob %s missing at %s after copy", job.Digest, target)
		}
		if err = r.eng.AddBlobPlacement(ctx, job.BlobID, target); err != nil {
			return err
		}
		r.l.Logf("[INFO] replicated blob %s to %s", job.Digest, target)
	}
	return nil
}

// awaitSource probes the source placement with backoff. A source still missing
// after the probes means the bytes are gone for good.
func (r *replicator) awaitSource(ctx context.Context, location, path string) error {
	return worker.WithExponentialBackoff(ctx, func() error {
		ok, err := r.driver.Exists(ctx, []string{location}, path)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Errorf("source %s not present at %s", path, location)
		}
		return nil
	}, time.Second, 2, sourceProbes)
}

// requiredLocations is the union of the namespace regions and the driver
// defaults, minus the namespace blacklist, deduplicated in order.
func requiredLocations(ns store.Namespace, defaults []string) []string {
	var result []string
	seen := map[string]struct{}{}
	for _, loc := range append(append([]string{}, ns.Regions...), defaults...) {
		if _, ok := seen[loc]; ok || contains(ns.RegionBlacklist, loc) {
			continue
		}
		seen[loc] = struct{}{}
		result = append(result, loc)
	}
	return result
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
