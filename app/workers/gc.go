package workers

// Package workers wires the background fleet: garbage collectors, cleanup
// loops, queue-driven deleters, blob replication and mirror sync. Each
// constructor returns a configured worker for the fleet runner.

import (
	"context"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/ocistack/stevedore/app/lock"
	"github.com/ocistack/stevedore/app/storage"
	"github.com/ocistack/stevedore/app/store"
	"github.com/ocistack/stevedore/app/store/engine"
	"github.com/ocistack/stevedore/app/worker"
)

// gcStore is the slice of the storage engine the collectors consume.
type gcStore interface {
	FindRepositoryWithGarbage(ctx context.Context) (store.Repository, error)
	OrphanManifests(ctx context.Context, repoID int64, limit int) ([]store.Manifest, error)
	DeleteManifest(ctx context.Context, manifestID int64) error
	OrphanBlobs(ctx context.Context, limit int) ([]store.Blob, error)
	DeleteBlob(ctx context.Context, blobID int64) error
	BlobPlacements(ctx context.Context, blobID int64) ([]string, error)
	ExpiredUploadedBlobs(ctx context.Context, limit int) ([]store.UploadedBlob, error)
	DeleteUploadedBlob(ctx context.Context, id int64) error
}

// GCSettings tune the collector worker.
type GCSettings struct {
	Period    time.Duration
	BatchSize int
	LockTTL   time.Duration
}

type garbageCollector struct {
	GCSettings
	eng    gcStore
	driver storage.Driver
	locker redis.UniversalClient // nil runs unlocked, single-node deployments
	l      log.L
}

// NewGarbageCollector builds the worker reclaiming orphan manifests, orphan
// blobs and expired temp links. locker may be nil when no redis is configured.
func NewGarbageCollector(eng gcStore, driver storage.Driver, locker redis.UniversalClient,
	settings GCSettings, l log.L, opts ...worker.Option) *worker.Worker {

	if settings.Period == 0 {
		settings.Period = time.Minute
	}
	if settings.BatchSize == 0 {
		settings.BatchSize = 100
	}
	if settings.LockTTL == 0 {
		settings.LockTTL = 5 * time.Minute
	}
	if l == nil {
		l = log.Default()
	}

	gc := &garbageCollector{GCSettings: settings, eng: eng, driver: driver, locker: locker, l: l}
	w := worker.New("garbage_collector", opts...)
	w.Register("collect_repository_garbage", settings.Period, gc.collectRepositoryGarbage)
	w.Register("collect_orphan_blobs", settings.Period, gc.collectOrphanBlobs)
	w.Register("expire_uploaded_blobs", settings.Period, gc.expireUploadedBlobs)
	return w
}

// collectRepositoryGarbage samples one repository holding orphan manifests and
// deletes them in batches. The global lock keeps concurrent deployments from
// racing on the same repository.
func (gc *garbageCollector) collectRepositoryGarbage(ctx context.Context) error {
	if gc.locker == nil {
		return gc.collectLocked(ctx)
	}
	err := lock.WithLock(ctx, gc.locker, "repository_gc", gc.LockTTL, gc.collectLocked)
	if err == lock.ErrLockNotAcquired {
		gc.l.Logf("[DEBUG] repository gc lock held elsewhere, skipping")
		return nil
	}
	return err
}

func (gc *garbageCollector) collectLocked(ctx context.Context) error {
	repo, err := gc.eng.FindRepositoryWithGarbage(ctx)
	if err == engine.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	deleted := 0
	for {
		manifests, err := gc.eng.OrphanManifests(ctx, repo.ID, gc.BatchSize)
		if err != nil {
			return err
		}
		for _, m := range manifests {
			if err = gc.eng.DeleteManifest(ctx, m.ID); err != nil {
				return errors.Wrapf(err, "failed to delete orphan manifest %s", m.Digest)
			}
			deleted++
		}
		if len(manifests) < gc.BatchSize {
			break
		}
	}
	gc.l.Logf("[INFO] deleted %d orphan manifests of %s", deleted, repo.Path())
	return nil
}

// collectOrphanBlobs removes blob rows nothing references anymore, storage
// bytes first so a partial failure leaves the row for the next pass.
func (gc *garbageCollector) collectOrphanBlobs(ctx context.Context) error {
	for {
		blobs, err := gc.eng.OrphanBlobs(ctx, gc.BatchSize)
		if err != nil {
			return err
		}
		for _, b := range blobs {
			placements, err := gc.eng.BlobPlacements(ctx, b.ID)
			if err != nil {
				return err
			}
			if len(placements) > 0 {
				if err = gc.driver.Remove(ctx, placements, storage.ContentPath(b.Digest)); err != nil && err != storage.ErrObjectNotFound {
					return errors.Wrapf(err, "failed to remove blob %s from storage", b.Digest)
				}
			}
			if err = gc.eng.DeleteBlob(ctx, b.ID); err != nil {
				return err
			}
			gc.l.Logf("[DEBUG] collected orphan blob %s", b.Digest)
		}
		if len(blobs) < gc.BatchSize {
			return nil
		}
	}
}

// expireUploadedBlobs drops temp links past their expiry, turning the blobs
// they kept alive into orphan candidates.
func (gc *garbageCollector) expireUploadedBlobs(ctx context.Context) error {
	for {
		links, err := gc.eng.ExpiredUploadedBlobs(ctx, gc.BatchSize)
		if err != nil {
			return err
		}
		for _, ub := range links {
			if err = gc.eng.DeleteUploadedBlob(ctx, ub.ID); err != nil {
				return err
			}
		}
		if len(links) < gc.BatchSize {
			return nil
		}
	}
}
