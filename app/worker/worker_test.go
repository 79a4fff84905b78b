package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorker_RunExecutesOperations(t *testing.T) {
	var runs int32
	w := New("test")
	w.Register("count", time.Second, func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))
	assert.True(t, atomic.LoadInt32(&runs) >= 1, "operation ran at least once")
}

func TestWorker_RunWithoutOperations(t *testing.T) {
	w := New("empty")
	err := w.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no operations registered")
}

func TestWorker_ModeGate(t *testing.T) {
	var runs int32
	mode := ModeReadOnly
	w := New("gated", WithMode(func() Mode { return mode }))
	op := func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}

	j := &cronJob{worker: w, opName: "gated_op", op: op, ctx: context.Background()}
	j.Run()
	assert.Equal(t, int32(0), atomic.LoadInt32(&runs), "read-only worker skips work")

	mode = ModeSetupIncomplete
	j.Run()
	assert.Equal(t, int32(0), atomic.LoadInt32(&runs))

	mode = ModeActive
	j.Run()
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

func TestWorker_OperationErrorDoesNotStopWorker(t *testing.T) {
	w := New("flaky")
	j := &cronJob{worker: w, opName: "boom", ctx: context.Background(),
		op: func(ctx context.Context) error { return errors.New("transient") }}
	assert.NotPanics(t, j.Run)
}

func TestFleet_Run(t *testing.T) {
	var runs int32
	mkWorker := func(name string) *Worker {
		w := New(name)
		w.Register("tick", time.Second, func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		})
		return w
	}

	fleet := NewFleet(nil, mkWorker("first"), mkWorker("second"))
	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()
	require.NoError(t, fleet.Run(ctx))
	assert.True(t, atomic.LoadInt32(&runs) >= 2, "both workers ticked")
}

func TestWithExponentialBackoff(t *testing.T) {
	attempts := 0
	err := WithExponentialBackoff(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	}, time.Millisecond, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	attempts = 0
	err = WithExponentialBackoff(context.Background(), func() error {
		attempts++
		return errors.New("always")
	}, time.Millisecond, 2, 3)
	require.Error(t, err)
	assert.Equal(t, 3, attempts, "gives up after the retry budget")
}

func TestCountFromEnv(t *testing.T) {
	t.Setenv("TEST_WORKER_COUNT", "7")
	assert.Equal(t, 7, CountFromEnv("TEST_WORKER_COUNT", 1, 1, 4), "explicit env value wins the bounds")

	t.Setenv("TEST_WORKER_COUNT", "garbage")
	n := CountFromEnv("TEST_WORKER_COUNT", 2, 1, 4)
	assert.True(t, n >= 2 && n <= 4, "bad value falls back to the bounded core count, got %d", n)

	t.Setenv("TEST_WORKER_COUNT", "")
	assert.Equal(t, 1, CountFromEnv("TEST_WORKER_COUNT", 1, 0, 4), "zero per-core multiplier pins the minimum")
}
