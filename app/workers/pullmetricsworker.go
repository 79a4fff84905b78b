package workers

import (
	"context"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/ocistack/stevedore/app/worker"
)

// StatsFlusher drains counted pull events into the statistics tables, see
// pullmetrics.Flusher.
type StatsFlusher interface {
	Flush(ctx context.Context) error
}

// NewPullMetricsWorker builds the periodic worker flushing redis pull
// counters. A failed flush leaves the counters in place for the next period.
func NewPullMetricsWorker(flusher StatsFlusher, period time.Duration, l log.L, opts ...worker.Option) *worker.Worker {
	if period == 0 {
		period = time.Minute
	}
	if l == nil {
		l = log.Default()
	}
	w := worker.New("pull_metrics", opts...)
	w.Register("flush_pull_counters", period, flusher.Flush)
	return w
}
