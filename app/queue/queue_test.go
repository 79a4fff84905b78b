package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocistack/stevedore/app/store/engine"
	"github.com/ocistack/stevedore/app/store/engine/embedded"
)

func prepQueue(t *testing.T, name string) (*Queue, context.Context) {
	ctx, ctxCancel := context.WithCancel(context.Background())
	t.Cleanup(ctxCancel)

	db := embedded.NewEmbedded(t.TempDir() + "/test.db")
	require.NoError(t, db.Connect(ctx))
	return New(name, db), ctx
}

type testBody struct {
	RepositoryID int64  `json:"repository_id"`
	Action       string `json:"action"`
}

func TestQueue_PutGetComplete(t *testing.T) {
	q, ctx := prepQueue(t, "repo_delete")

	require.NoError(t, q.Put(ctx, testBody{RepositoryID: 42, Action: "purge"}, PutOptions{}))

	item, err := q.Get(ctx, time.Minute)
	require.NoError(t, err)
	var body testBody
	require.NoError(t, json.Unmarshal(item.Body, &body))
	assert.Equal(t, int64(42), body.RepositoryID)
	assert.Equal(t, DefaultRetries-1, item.RetriesRemaining, "claim spends a retry")

	// the item is leased, a second claim finds nothing
	_, err = q.Get(ctx, time.Minute)
	assert.Equal(t, engine.ErrNotFound, err)

	require.NoError(t, q.Complete(ctx, item))
	_, err = q.Get(ctx, time.Minute)
	assert.Equal(t, engine.ErrNotFound, err)
}

func TestQueue_Incomplete(t *testing.T) {
	q, ctx := prepQueue(t, "replication")

	require.NoError(t, q.Put(ctx, testBody{RepositoryID: 1}, PutOptions{Retries: 2}))
	item, err := q.Get(ctx, time.Minute)
	require.NoError(t, err)

	// refund makes the item immediately claimable with the retry restored
	require.NoError(t, q.Incomplete(ctx, item, true, 0))
	item, err = q.Get(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, item.RetriesRemaining)

	// without refund the retry stays spent and the item runs out
	require.NoError(t, q.Incomplete(ctx, item, false, 0))
	_, err = q.Get(ctx, time.Minute)
	assert.Equal(t, engine.ErrNotFound, err, "retry budget exhausted")
}

func TestQueue_AvailableAfterAndExtend(t *testing.T) {
	q, ctx := prepQueue(t, "chunk_cleanup")

	require.NoError(t, q.Put(ctx, testBody{RepositoryID: 7}, PutOptions{AvailableAfter: time.Hour}))
	_, err := q.Get(ctx, time.Minute)
	assert.Equal(t, engine.ErrNotFound, err, "delayed item is not claimable yet")

	require.NoError(t, q.Put(ctx, testBody{RepositoryID: 8}, PutOptions{}))
	item, err := q.Get(ctx, time.Minute)
	require.NoError(t, err)

	updated, err := json.Marshal(testBody{RepositoryID: 8, Action: "resumed"})
	require.NoError(t, err)
	require.NoError(t, q.ExtendProcessing(ctx, item, 600, updated))
	require.NoError(t, q.Incomplete(ctx, item, true, 0))

	item, err = q.Get(ctx, time.Minute)
	require.NoError(t, err)
	var body testBody
	require.NoError(t, json.Unmarshal(item.Body, &body))
	assert.Equal(t, "resumed", body.Action, "extend persisted the updated body")
}

func TestQueue_StatsAndMetrics(t *testing.T) {
	q, ctx := prepQueue(t, "notifications")

	depth, age, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
	assert.Equal(t, time.Duration(0), age)

	require.NoError(t, q.Put(ctx, testBody{RepositoryID: 1}, PutOptions{}))
	require.NoError(t, q.Put(ctx, testBody{RepositoryID: 2}, PutOptions{}))

	depth, age, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)
	assert.True(t, age >= 0)

	m := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, m.Update(ctx, q))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.depth.WithLabelValues(q.Name)))
}

func TestQueue_DeleteExpired(t *testing.T) {
	q, ctx := prepQueue(t, "secscan")

	require.NoError(t, q.Put(ctx, testBody{RepositoryID: 1}, PutOptions{Retries: 1}))
	item, err := q.Get(ctx, time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, q.Incomplete(ctx, item, false, 0))

	// out of retries, reapable once past the threshold
	deleted, err := q.DeleteExpired(ctx, 0, 100, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}
