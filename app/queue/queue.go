package queue

// Package queue is the named view over the reliable work queue table. Items
// are claimed with a reservation lease and either completed, returned for
// retry or expired out by the cleanup worker.

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ocistack/stevedore/app/store"
)

// default lifecycle parameters for queued items
const (
	DefaultRetries    = 5
	DefaultExpiration = 7 * 24 * time.Hour
)

// queueStore is the slice of the storage engine the queue consumes.
type queueStore interface {
	QueuePut(ctx context.Context, queueName string, body []byte, availableAfter time.Duration, retries int, expiration time.Duration) error
	QueueGet(ctx context.Context, queueName string, processingTime time.Duration) (store.QueueItem, error)
	QueueComplete(ctx context.Context, itemID int64) error
	QueueIncomplete(ctx context.Context, itemID int64, restoreRetry bool, retryAfter time.Duration) error
	QueueExtendProcessing(ctx context.Context, itemID int64, secondsFromNow int64, updatedBody []byte) error
	QueueDeleteExpired(ctx context.Context, threshold time.Duration, countLimit, batchSize int) (int64, error)
	QueueStats(ctx context.Context, queueName string) (depth int64, oldestMs int64, err error)
}

// Queue is one named queue over the shared table.
type Queue struct {
	Name string

	eng queueStore
}

// New makes a named queue.
func New(name string, eng queueStore) *Queue {
	return &Queue{Name: name, eng: eng}
}

// PutOptions tune a single enqueue. Zero values take the defaults.
type PutOptions struct {
	AvailableAfter time.Duration
	Retries        int
	Expiration     time.Duration
}

// Put enqueues a JSON-marshaled body.
func (q *Queue) Put(ctx context.Context, body interface{}, opts PutOptions) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal %s queue item", q.Name)
	}
	if opts.Retries == 0 {
		opts.Retries = DefaultRetries
	}
	if opts.Expiration == 0 {
		opts.Expiration = DefaultExpiration
	}
	return q.eng.QueuePut(ctx, q.Name, raw, opts.AvailableAfter, opts.Retries, opts.Expiration)
}

// Get claims the oldest available item with a processing lease, spending one
// retry. engine.ErrNotFound when the queue has nothing claimable.
func (q *Queue) Get(ctx context.Context, processingTime time.Duration) (store.QueueItem, error) {
	return q.eng.QueueGet(ctx, q.Name, processingTime)
}

// Complete removes a processed item.
func (q *Queue) Complete(ctx context.Context, item store.QueueItem) error {
	return q.eng.QueueComplete(ctx, item.ID)
}

// Incomplete returns a claimed item to the queue, optionally refunding the
// retry spent on the claim.
func (q *Queue) Incomplete(ctx context.Context, item store.QueueItem, restoreRetry bool, retryAfter time.Duration) error {
	return q.eng.QueueIncomplete(ctx, item.ID, restoreRetry, retryAfter)
}

// ExtendProcessing renews the lease of a claimed item during long work, with
// an optional in-place body update.
func (q *Queue) ExtendProcessing(ctx context.Context, item store.QueueItem, secondsFromNow int64, updatedBody []byte) error {
	return q.eng.QueueExtendProcessing(ctx, item.ID, secondsFromNow, updatedBody)
}

// DeleteExpired drops items past the threshold in batches, up to countLimit.
func (q *Queue) DeleteExpired(ctx context.Context, threshold time.Duration, countLimit, batchSize int) (int64, error) {
	return q.eng.QueueDeleteExpired(ctx, threshold, countLimit, batchSize)
}

// Stats reports the claimable depth and the age of the oldest claimable item.
func (q *Queue) Stats(ctx context.Context) (depth int64, oldestAge time.Duration, err error) {
	depth, oldestMs, err := q.eng.QueueStats(ctx, q.Name)
	if err != nil || oldestMs == 0 {
		return depth, 0, err
	}
	return depth, time.Since(time.UnixMilli(oldestMs)), nil
}

// Metrics exposes queue depth and age gauges to the metrics sink.
type Metrics struct {
	depth *prometheus.GaugeVec
	age   *prometheus.GaugeVec
}

// NewMetrics registers the queue gauges on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_depth", Help: "claimable items per queue"}, []string{"queue"}),
		age: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_oldest_age_seconds", Help: "age of the oldest claimable item per queue"}, []string{"queue"}),
	}
	reg.MustRegister(m.depth, m.age)
	return m
}

// Update refreshes the gauges for one queue.
func (m *Metrics) Update(ctx context.Context, q *Queue) error {
	depth, oldestAge, err := q.Stats(ctx)
	if err != nil {
		return err
	}
	m.depth.WithLabelValues(q.Name).Set(float64(depth))
	m.age.WithLabelValues(q.Name).Set(oldestAge.Seconds())
	return nil
}
