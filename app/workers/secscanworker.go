package workers

import (
	"context"
	"encoding/json"

	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"

	"github.com/ocistack/stevedore/app/queue"
	"github.com/ocistack/stevedore/app/worker"
)

// SecNotifier runs one full ingest pass for a scanner notification, see
// secscan.Notifier.
type SecNotifier interface {
	ProcessNotification(ctx context.Context, name string) error
}

// secscanJob is the queue payload naming one scanner notification to ingest.
type secscanJob struct {
	NotificationName string `json:"notification_name"`
}

// EnqueueSecscanNotification queues a scanner notification for ingest, the
// scanner webhook handler calls this on receipt.
func EnqueueSecscanNotification(ctx context.Context, q *queue.Queue, name string) error {
	return q.Put(ctx, secscanJob{NotificationName: name}, queue.PutOptions{})
}

// NewSecscanWorker drains the secscan queue through the notifier. Scanner API
// failures are transient, the item redrives on its retry budget.
func NewSecscanWorker(notifier SecNotifier, q *queue.Queue, metrics *queue.Metrics,
	settings worker.QueueWorkerSettings, l log.L, opts ...worker.Option) *worker.QueueWorker {

	if l == nil {
		l = log.Default()
	}
	process := func(ctx context.Context, body []byte) error {
		var job secscanJob
		if err := json.Unmarshal(body, &job); err != nil {
			return &worker.JobError{Cause: errors.Wrap(err, "failed to unmarshal secscan job")}
		}
		if job.NotificationName == "" {
			return &worker.JobError{Cause: errors.New("secscan job without a notification name")}
		}
		if err := notifier.ProcessNotification(ctx, job.NotificationName); err != nil {
			return err
		}
		l.Logf("[INFO] ingested scanner notification %s", job.NotificationName)
		return nil
	}
	return worker.NewQueueWorker("secscan_notification", q, process, settings, metrics, opts...)
}
