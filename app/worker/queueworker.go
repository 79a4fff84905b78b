package worker

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ocistack/stevedore/app/queue"
	"github.com/ocistack/stevedore/app/store"
	"github.com/ocistack/stevedore/app/store/engine"
)

// QueueProcessor handles one claimed item body. Returning a *JobError fails
// the item permanently, ErrWorkerUnhealthy returns it and shuts the worker
// down, ErrWorkerSleep returns it and pauses the poll loop briefly.
type QueueProcessor func(ctx context.Context, body []byte) error

// QueueWorkerSettings tune the poll loop.
type QueueWorkerSettings struct {
	PollPeriod     time.Duration
	MetricsPeriod  time.Duration
	Reservation    time.Duration // processing lease per claim
	RetryAfter     time.Duration // backoff for returned items
	SleepOnRequest time.Duration
}

// QueueWorker drains one named queue: claim, process, complete, with the
// job-control error protocol on failures.
type QueueWorker struct {
	*Worker
	QueueWorkerSettings

	q       *queue.Queue
	process QueueProcessor
	metrics *queue.Metrics

	mu        sync.Mutex
	current   *store.QueueItem
	unhealthy bool
	napUntil  time.Time
}

// NewQueueWorker builds a queue worker and registers its poll and metrics
// operations. metrics may be nil.
func NewQueueWorker(name string, q *queue.Queue, process QueueProcessor,
	settings QueueWorkerSettings, metrics *queue.Metrics, opts ...Option) *QueueWorker {

	if settings.PollPeriod == 0 {
		settings.PollPeriod = 10 * time.Second
	}
	if settings.MetricsPeriod == 0 {
		settings.MetricsPeriod = time.Minute
	}
	if settings.Reservation == 0 {
		settings.Reservation = 5 * time.Minute
	}
	if settings.RetryAfter == 0 {
		settings.RetryAfter = 5 * time.Minute
	}
	if settings.SleepOnRequest == 0 {
		settings.SleepOnRequest = 30 * time.Second
	}

	qw := &QueueWorker{Worker: New(name, opts...), QueueWorkerSettings: settings, q: q, process: process, metrics: metrics}
	qw.Register("poll_queue", settings.PollPeriod, qw.Poll)
	if metrics != nil {
		qw.Register("update_queue_metrics", settings.MetricsPeriod, qw.updateQueueMetrics)
	}
	return qw
}

// Poll drains claimable items until the queue is empty or job control stops
// the loop. It is the registered periodic operation, exported so embedders can
// trigger an immediate drain.
func (qw *QueueWorker) Poll(ctx context.Context) error {
	for {
		qw.mu.Lock()
		if qw.unhealthy || time.Now().Before(qw.napUntil) {
			qw.mu.Unlock()
			return nil
		}
		qw.mu.Unlock()

		item, err := qw.q.Get(ctx, qw.Reservation)
		if err == engine.ErrNotFound {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "failed to claim %s queue item", qw.q.Name)
		}

		if err = qw.processOne(ctx, item); err != nil {
			return err
		}
	}
}

func (qw *QueueWorker) processOne(ctx context.Context, item store.QueueItem) error {
	qw.mu.Lock()
	qw.current = &item
	qw.mu.Unlock()
	defer func() {
		qw.mu.Lock()
		qw.current = nil
		qw.mu.Unlock()
	}()

	err := qw.process(ctx, item.Body)
	switch {
	case err == nil:
		return qw.q.Complete(ctx, item)

	case errors.As(err, new(*JobError)):
		qw.l.Logf("[ERROR] %s queue item %d failed permanently: %v", qw.q.Name, item.ID, err)
		return qw.q.Incomplete(ctx, item, false, qw.RetryAfter)

	case errors.Is(err, ErrWorkerUnhealthy):
		qw.l.Logf("[WARN] worker %s unhealthy, returning item %d and stopping", qw.Name, item.ID)
		qw.mu.Lock()
		qw.unhealthy = true
		qw.mu.Unlock()
		return qw.q.Incomplete(ctx, item, true, 0)

	case errors.Is(err, ErrWorkerSleep):
		qw.l.Logf("[DEBUG] worker %s asked to sleep, returning item %d", qw.Name, item.ID)
		qw.mu.Lock()
		qw.napUntil = time.Now().Add(qw.SleepOnRequest)
		qw.mu.Unlock()
		return qw.q.Incomplete(ctx, item, true, 0)
	}

	// transient failure, the spent retry stays spent
	qw.l.Logf("[ERROR] %s queue item %d failed: %v", qw.q.Name, item.ID, err)
	return qw.q.Incomplete(ctx, item, false, qw.RetryAfter)
}

// ExtendProcessing renews the lease of the item currently being processed,
// optionally replacing its body. Safe to call from the processor goroutine
// while shutdown is in flight.
func (qw *QueueWorker) ExtendProcessing(ctx context.Context, secondsFromNow int64, updatedBody []byte) error {
	qw.mu.Lock()
	defer qw.mu.Unlock()
	if qw.current == nil {
		return errors.New("no queue item is being processed")
	}
	return qw.q.ExtendProcessing(ctx, *qw.current, secondsFromNow, updatedBody)
}

// Healthy reports whether the worker is still willing to claim items.
func (qw *QueueWorker) Healthy() bool {
	qw.mu.Lock()
	defer qw.mu.Unlock()
	return !qw.unhealthy
}

func (qw *QueueWorker) updateQueueMetrics(ctx context.Context) error {
	return qw.metrics.Update(ctx, qw.q)
}
