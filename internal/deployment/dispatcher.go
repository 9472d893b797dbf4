package deployment

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrent caps simultaneous deployments across all repositories.
const DefaultMaxConcurrent = 4

// Runner executes a single job. *Executor is the production implementation.
type Runner interface {
	Run(ctx context.Context, job *Job) *Result
}

// Dispatcher runs jobs asynchronously. Jobs for the same repository are
// serialized; jobs for different repositories run in parallel up to the
// concurrency cap.
type Dispatcher struct {
	runner   Runner
	locks    *LockManager
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	inFlight atomic.Int64
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher. maxConcurrent <= 0 selects
// DefaultMaxConcurrent.
func NewDispatcher(runner Runner, maxConcurrent int, logger *slog.Logger) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		runner: runner,
		locks:  NewLockManager(),
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		logger: logger,
	}
}

// Submit hands job to a background goroutine and returns immediately.
func (d *Dispatcher) Submit(job *Job) {
	d.wg.Add(1)
	d.inFlight.Add(1)

	go func() {
		defer d.wg.Done()
		defer d.inFlight.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("Deployment goroutine panicked",
					"job_id", job.ID,
					"panic", r,
					"stack", string(debug.Stack()),
				)
			}
		}()

		d.locks.Lock(job.Rule.Repo)
		defer d.locks.Unlock(job.Rule.Repo)

		// Acquire with a background context: jobs are never cancelled once queued
		ctx := context.Background()
		if err := d.sem.Acquire(ctx, 1); err != nil {
			d.logger.Error("Failed to acquire deployment slot", "job_id", job.ID, "error", err)
			return
		}
		defer d.sem.Release(1)

		d.runner.Run(ctx, job)
	}()
}

// InFlight returns the number of submitted jobs that have not finished,
// including queued ones.
func (d *Dispatcher) InFlight() int64 {
	return d.inFlight.Load()
}

// Wait blocks until every submitted job has finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
