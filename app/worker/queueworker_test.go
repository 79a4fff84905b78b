package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocistack/stevedore/app/queue"
	"github.com/ocistack/stevedore/app/store/engine"
	"github.com/ocistack/stevedore/app/store/engine/embedded"
)

func prepQueueWorker(t *testing.T, process QueueProcessor) (*QueueWorker, *queue.Queue, context.Context) {
	ctx, ctxCancel := context.WithCancel(context.Background())
	t.Cleanup(ctxCancel)

	db := embedded.NewEmbedded(t.TempDir() + "/test.db")
	require.NoError(t, db.Connect(ctx))

	q := queue.New("test_work", db)
	qw := NewQueueWorker("test_worker", q, process, QueueWorkerSettings{}, nil)
	return qw, q, ctx
}

func TestQueueWorker_DrainsQueue(t *testing.T) {
	var seen []string
	qw, q, ctx := prepQueueWorker(t, func(ctx context.Context, body []byte) error {
		var payload map[string]string
		if err := json.Unmarshal(body, &payload); err != nil {
			return err
		}
		seen = append(seen, payload["name"])
		return nil
	})

	require.NoError(t, q.Put(ctx, map[string]string{"name": "first"}, queue.PutOptions{}))
	require.NoError(t, q.Put(ctx, map[string]string{"name": "second"}, queue.PutOptions{}))

	require.NoError(t, qw.Poll(ctx))
	assert.Equal(t, []string{"first", "second"}, seen, "oldest first")

	_, err := q.Get(ctx, time.Minute)
	assert.Equal(t, engine.ErrNotFound, err, "processed items are gone")
}

func TestQueueWorker_JobErrorFailsPermanently(t *testing.T) {
	qw, q, ctx := prepQueueWorker(t, func(ctx context.Context, body []byte) error {
		return &JobError{Cause: errors.New("bad payload")}
	})

	require.NoError(t, q.Put(ctx, map[string]string{"name": "doomed"}, queue.PutOptions{Retries: 3}))
	require.NoError(t, qw.Poll(ctx))

	// the spent retry stays spent and the item is pushed out by RetryAfter
	_, err := q.Get(ctx, time.Minute)
	assert.Equal(t, engine.ErrNotFound, err)
	assert.True(t, qw.Healthy())
}

func TestQueueWorker_UnhealthyStopsClaiming(t *testing.T) {
	calls := 0
	qw, q, ctx := prepQueueWorker(t, func(ctx context.Context, body []byte) error {
		calls++
		return ErrWorkerUnhealthy
	})

	require.NoError(t, q.Put(ctx, map[string]string{"name": "a"}, queue.PutOptions{Retries: 2}))
	require.NoError(t, q.Put(ctx, map[string]string{"name": "b"}, queue.PutOptions{Retries: 2}))

	require.NoError(t, qw.Poll(ctx))
	assert.Equal(t, 1, calls, "stops after the first unhealthy result")
	assert.False(t, qw.Healthy())

	// later polls claim nothing
	require.NoError(t, qw.Poll(ctx))
	assert.Equal(t, 1, calls)

	// the item went back with its retry refunded, claimable right away
	item, err := q.Get(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, item.RetriesRemaining)
}

func TestQueueWorker_SleepPausesPolling(t *testing.T) {
	calls := 0
	qw, q, ctx := prepQueueWorker(t, func(ctx context.Context, body []byte) error {
		calls++
		return ErrWorkerSleep
	})

	require.NoError(t, q.Put(ctx, map[string]string{"name": "a"}, queue.PutOptions{}))
	require.NoError(t, qw.Poll(ctx))
	assert.Equal(t, 1, calls)
	assert.True(t, qw.Healthy(), "sleeping is not unhealthy")

	// still napping, the refunded item stays unclaimed
	require.NoError(t, qw.Poll(ctx))
	assert.Equal(t, 1, calls)

	qw.mu.Lock()
	qw.napUntil = time.Time{}
	qw.mu.Unlock()
	require.NoError(t, qw.Poll(ctx))
	assert.Equal(t, 2, calls, "polling resumes after the nap")
}

func TestQueueWorker_TransientErrorDefersItem(t *testing.T) {
	calls := 0
	qw, q, ctx := prepQueueWorker(t, func(ctx context.Context, body []byte) error {
		calls++
		return errors.New("upstream hiccup")
	})

	require.NoError(t, q.Put(ctx, map[string]string{"name": "a"}, queue.PutOptions{Retries: 3}))
	require.NoError(t, qw.Poll(ctx))

	// one attempt, then the item waits out RetryAfter with a retry spent
	assert.Equal(t, 1, calls)
	_, err := q.Get(ctx, time.Minute)
	assert.Equal(t, engine.ErrNotFound, err)
	assert.True(t, qw.Healthy())
}

func TestQueueWorker_ExtendProcessing(t *testing.T) {
	var qw *QueueWorker
	var q *queue.Queue
	var ctx context.Context

	qw, q, ctx = prepQueueWorker(t, func(pctx context.Context, body []byte) error {
		updated, err := json.Marshal(map[string]string{"name": "checkpointed"})
		if err != nil {
			return err
		}
		if err = qw.ExtendProcessing(pctx, 600, updated); err != nil {
			return err
		}
		return ErrWorkerSleep
	})

	require.NoError(t, q.Put(ctx, map[string]string{"name": "a"}, queue.PutOptions{}))
	require.NoError(t, qw.Poll(ctx))

	item, err := q.Get(ctx, time.Minute)
	require.NoError(t, err)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(item.Body, &payload))
	assert.Equal(t, "checkpointed", payload["name"], "checkpoint survived the return")

	// nothing in flight outside a processor call
	assert.Error(t, qw.ExtendProcessing(ctx, 600, nil))
}
