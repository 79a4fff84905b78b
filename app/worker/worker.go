package worker

// Package worker is the background fleet framework: named periodic operations
// on a cron scheduler, serial per operation, with panic capture and two-stage
// signal shutdown shared by the whole fleet.

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"

	log "github.com/go-pkgz/lgr"
)

// job-control errors understood by the queue worker loop
var (
	// ErrWorkerUnhealthy makes the worker return its current item and shut down.
	ErrWorkerUnhealthy = errors.New("worker unhealthy")
	// ErrWorkerSleep makes the worker return its current item and nap briefly.
	ErrWorkerSleep = errors.New("worker asked to sleep")
)

// JobError marks a queue item as permanently failed, it will not be retried.
type JobError struct {
	Cause error
}

func (e *JobError) Error() string { return fmt.Sprintf("job failed permanently: %v", e.Cause) }

func (e *JobError) Unwrap() error { return e.Cause }

// Mode gates worker activity, an idle worker keeps its schedule but skips work.
type Mode int

const (
	ModeActive Mode = iota
	ModeReadOnly
	ModeSetupIncomplete
)

// Operation is one unit of periodic work.
type Operation func(ctx context.Context) error

// Worker runs named operations on fixed periods. Operations never overlap with
// themselves, a slow run makes the scheduler skip the next tick.
type Worker struct {
	Name string

	cron *cron.Cron
	mode func() Mode
	l    log.L

	ops []string // registered operation names, for logging
}

// Option modifies the worker at construction.
type Option func(w *Worker)

// WithMode supplies the activity gate, checked before every run.
func WithMode(mode func() Mode) Option {
	return func(w *Worker) { w.mode = mode }
}

// WithLogger overrides the default logger.
func WithLogger(l log.L) Option {
	return func(w *Worker) { w.l = l }
}

// New makes a worker with no operations registered.
func New(name string, opts ...Option) *Worker {
	w := &Worker{Name: name, mode: func() Mode { return ModeActive }, l: log.Default()}
	for _, opt := range opts {
		opt(w)
	}
	w.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.PrintfLogger(cronPrintf{w.l})),
		cron.Recover(cron.PrintfLogger(cronPrintf{w.l})),
	))
	return w
}

// Register schedules op under opName every period. The run context is the one
// passed to Run.
func (w *Worker) Register(opName string, period time.Duration, op Operation) {
	w.ops = append(w.ops, opName)
	w.cron.Schedule(cron.Every(period), w.wrap(opName, op))
}

// wrap guards one operation with the mode gate and error reporting.
func (w *Worker) wrap(opName string, op Operation) cron.Job {
	return &cronJob{worker: w, opName: opName, op: op}
}

type cronJob struct {
	worker *Worker
	opName string
	op     Operation

	ctx context.Context // set by Run before the scheduler starts
}

func (j *cronJob) Run() {
	w := j.worker
	switch w.mode() {
	case ModeReadOnly, ModeSetupIncomplete:
		w.l.Logf("[DEBUG] worker %s idle, skipping %s", w.Name, j.opName)
		return
	}

	if err := j.op(j.ctx); err != nil {
		w.l.Logf("[ERROR] worker %s operation %s failed: %v", w.Name, j.opName, err)
	}
}

// Run starts the scheduler and blocks until ctx is done, then stops it and
// waits for in-flight operations.
func (w *Worker) Run(ctx context.Context) error {
	if len(w.ops) == 0 {
		return errors.Errorf("worker %s has no operations registered", w.Name)
	}
	for _, e := range w.cron.Entries() {
		if j, ok := e.Job.(*cronJob); ok {
			j.ctx = ctx
		}
	}

	w.l.Logf("[INFO] worker %s started with operations %v", w.Name, w.ops)
	w.cron.Start()
	<-ctx.Done()

	stopped := w.cron.Stop()
	<-stopped.Done()
	w.l.Logf("[INFO] worker %s stopped", w.Name)
	return nil
}

// Fleet runs a set of workers under shared lifecycle and signal handling.
type Fleet struct {
	Workers []*Worker

	l log.L
}

// NewFleet bundles workers for a single Run.
func NewFleet(l log.L, workers ...*Worker) *Fleet {
	if l == nil {
		l = log.Default()
	}
	return &Fleet{Workers: workers, l: l}
}

// Run starts every worker and blocks until ctx is done or a termination signal
// arrives. The first signal triggers graceful shutdown, a second one forces
// immediate exit.
func (f *Fleet) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case sig := <-sigs:
			f.l.Logf("[WARN] %s received, shutting workers down", sig)
			cancel()
			<-sigs
			f.l.Logf("[ERROR] second signal received, forcing exit")
			os.Exit(1)
		case <-ctx.Done():
		}
	}()

	done := make(chan error, len(f.Workers))
	for _, w := range f.Workers {
		go func(w *Worker) { done <- w.Run(ctx) }(w)
	}

	var firstErr error
	for range f.Workers {
		if err := <-done; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CountFromEnv resolves a worker pool size: the named env var wins when set
// to a positive number, otherwise perCore workers per CPU bounded to
// [minCount, maxCount].
func CountFromEnv(envVar string, minCount, perCore, maxCount int) int {
	if v := os.Getenv(envVar); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		log.Printf("[WARN] ignoring bad %s value %q", envVar, v)
	}
	n := runtime.NumCPU() * perCore
	if n < minCount {
		n = minCount
	}
	if n > maxCount {
		n = maxCount
	}
	return n
}

// WithExponentialBackoff retries fn with exponentially growing delays, for
// transient failures around external calls.
func WithExponentialBackoff(ctx context.Context, fn func() error, initial time.Duration, factor float64, maxRetries int) error {
	r := repeater.New(&strategy.Backoff{Repeats: maxRetries, Duration: initial, Factor: factor, Jitter: true})
	return r.Do(ctx, fn)
}

// cronPrintf adapts lgr to the cron logger contract.
type cronPrintf struct {
	l log.L
}

func (c cronPrintf) Printf(format string, args ...interface{}) {
	c.l.Logf("[DEBUG] scheduler: "+format, args...)
}
