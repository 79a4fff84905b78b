package workers

import (
	"context"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/ocistack/stevedore/app/storage"
	"github.com/ocistack/stevedore/app/store"
	"github.com/ocistack/stevedore/app/worker"
)

// cleanupStore is the slice of the storage engine the cleanup worker consumes.
type cleanupStore interface {
	StaleBlobUploads(ctx context.Context, olderThan time.Duration) ([]store.BlobUpload, error)
	DeleteBlobUpload(ctx context.Context, uploadID string) error
	DeleteExpiredAppTokens(ctx context.Context, window time.Duration) (int64, error)
	QueueDeleteExpired(ctx context.Context, threshold time.Duration, countLimit, batchSize int) (int64, error)
}

// CleanupSettings tune the periodic janitor.
type CleanupSettings struct {
	Period                time.Duration
	StaleUploadThreshold  time.Duration // abandoned chunked uploads
	TokenExpirationWindow time.Duration
	QueueItemThreshold    time.Duration
	QueueItemLimit        int
	QueueItemBatch        int
}

type cleaner struct {
	CleanupSettings
	eng    cleanupStore
	driver storage.Driver
	l      log.L
}

// NewCleanupWorker builds the janitor dropping abandoned uploads, expired app
// tokens and dead queue items.
func NewCleanupWorker(eng cleanupStore, driver storage.Driver, settings CleanupSettings,
	l log.L, opts ...worker.Option) *worker.Worker {

	if settings.Period == 0 {
		settings.Period = time.Hour
	}
	if settings.StaleUploadThreshold == 0 {
		settings.StaleUploadThreshold = 48 * time.Hour
	}
	if settings.TokenExpirationWindow == 0 {
		settings.TokenExpirationWindow = 24 * time.Hour
	}
	if settings.QueueItemThreshold == 0 {
		settings.QueueItemThreshold = 7 * 24 * time.Hour
	}
	if settings.QueueItemLimit == 0 {
		settings.QueueItemLimit = 1000
	}
	if settings.QueueItemBatch == 0 {
		settings.QueueItemBatch = 50
	}
	if l == nil {
		l = log.Default()
	}

	c := &cleaner{CleanupSettings: settings, eng: eng, driver: driver, l: l}
	w := worker.New("cleanup", opts...)
	w.Register("cleanup_blob_uploads", settings.Period, c.cleanupBlobUploads)
	w.Register("cleanup_app_tokens", settings.Period, c.cleanupAppTokens)
	w.Register("cleanup_queue_items", settings.Period, c.cleanupQueueItems)
	return w
}

// cleanupBlobUploads abandons chunked uploads nobody touched past the
// threshold. The storage side is cancelled best-effort, a missed cancellation
// leaves bytes the driver's own upload janitor reclaims.
func (c *cleaner) cleanupBlobUploads(ctx context.Context) error {
	uploads, err := c.eng.StaleBlobUploads(ctx, c.StaleUploadThreshold)
	if err != nil {
		return err
	}
	for _, u := range uploads {
		if err = c.driver.CancelChunkedUpload(ctx, []string{u.Location}, u.UploadID, u.StorageMetadata); err != nil {
			c.l.Logf("[DEBUG] failed to cancel stale upload %s in storage: %v", u.UploadID, err)
		}
		if err = c.eng.DeleteBlobUpload(ctx, u.UploadID); err != nil {
			return err
		}
	}
	if len(uploads) > 0 {
		c.l.Logf("[INFO] cleaned up %d stale blob uploads", len(uploads))
	}
	return nil
}

func (c *cleaner) cleanupAppTokens(ctx context.Context) error {
	deleted, err := c.eng.DeleteExpiredAppTokens(ctx, c.TokenExpirationWindow)
	if err != nil {
		return err
	}
	if deleted > 0 {
		c.l.Logf("[INFO] deleted %d expired app tokens", deleted)
	}
	return nil
}

func (c *cleaner) cleanupQueueItems(ctx context.Context) error {
	deleted, err := c.eng.QueueDeleteExpired(ctx, c.QueueItemThreshold, c.QueueItemLimit, c.QueueItemBatch)
	if err != nil {
		return err
	}
	if deleted > 0 {
		c.l.Logf("[INFO] deleted %d expired queue items", deleted)
	}
	return nil
}
