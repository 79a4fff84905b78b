package workers

import (
	"context"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/ocistack/stevedore/app/store"
	"github.com/ocistack/stevedore/app/store/engine"
	"github.com/ocistack/stevedore/app/worker"
)

// mirrorStore is the slice of the storage engine the mirror worker consumes.
type mirrorStore interface {
	ClaimMirrorDueForSync(ctx context.Context, lease time.Duration) (store.RepositoryMirror, error)
	UpdateMirrorSyncStatus(ctx context.Context, mirrorID int64, status store.MirrorSyncStatus, retriesLeft int, nextSyncMs int64) error
	GetRepository(ctx context.Context, repoID int64) (store.Repository, error)
}

// Syncer runs one full sync pass for a claimed mirror, see mirror.Syncer.
type Syncer interface {
	Sync(ctx context.Context, m store.RepositoryMirror, repo store.Repository) error
}

// MirrorSettings tune the sync loop.
type MirrorSettings struct {
	Period     time.Duration
	Lease      time.Duration // claim lease per sync run
	RetryDelay time.Duration // backoff before a failed sync is retried
	Retries    int
}

type mirrorRunner struct {
	MirrorSettings
	eng    mirrorStore
	syncer Syncer
	l      log.L
}

// NewMirrorWorker builds the worker claiming due mirrors and running syncs.
func NewMirrorWorker(eng mirrorStore, syncer Syncer, settings MirrorSettings,
	l log.L, opts ...worker.Option) *worker.Worker {

	if settings.Period == 0 {
		settings.Period = time.Minute
	}
	if settings.Lease == 0 {
		settings.Lease = 30 * time.Minute
	}
	if settings.RetryDelay == 0 {
		settings.RetryDelay = 5 * time.Minute
	}
	if settings.Retries == 0 {
		settings.Retries = 3
	}
	if l == nil {
		l = log.Default()
	}

	m := &mirrorRunner{MirrorSettings: settings, eng: eng, syncer: syncer, l: l}
	w := worker.New("mirror", opts...)
	w.Register("sync_mirrors", settings.Period, m.syncMirrors)
	return w
}

// syncMirrors claims and runs due mirrors until none remain.
func (r *mirrorRunner) syncMirrors(ctx context.Context) error {
	for {
		m, err := r.eng.ClaimMirrorDueForSync(ctx, r.Lease)
		if err == engine.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if err = r.syncOne(ctx, m); err != nil {
			return err
		}
	}
}

func (r *mirrorRunner) syncOne(ctx context.Context, m store.RepositoryMirror) error {
	repo, err := r.eng.GetRepository(ctx, m.RepositoryID)
	if err != nil {
		// the repository went away underneath, stop rescheduling the mirror
		r.l.Logf("[WARN] mirror %d has no repository %d: %v", m.ID, m.RepositoryID, err)
		return r.eng.UpdateMirrorSyncStatus(ctx, m.ID, store.SyncStatusFailed, 0, m.SyncStartMs)
	}

	now := time.Now().UnixMilli()
	if syncErr := r.syncer.Sync(ctx, m, repo); syncErr != nil {
		r.l.Logf("[ERROR] mirror %d sync of %s failed: %v", m.ID, m.UpstreamReference, syncErr)
		retries := m.SyncRetriesLeft - 1
		if retries > 0 {
			return r.eng.UpdateMirrorSyncStatus(ctx, m.ID, store.SyncStatusFailed, retries, now+r.RetryDelay.Milliseconds())
		}
		// retry budget spent, wait out a full interval with a fresh budget
		return r.eng.UpdateMirrorSyncStatus(ctx, m.ID, store.SyncStatusFailed, r.Retries, now+m.SyncIntervalS*1000)
	}

	return r.eng.UpdateMirrorSyncStatus(ctx, m.ID, store.SyncStatusSuccess, r.Retries, now+m.SyncIntervalS*1000)
}
