// Package executor runs batches of independent jobs with bounded concurrency.
//
// The executor:
//  1. Takes a slot from the concurrency semaphore before starting a job
//  2. Stops handing out slots once the context is cancelled
//  3. Records each job's error at the job's index
//  4. Keeps running totals for Stats
package executor

import (
	"context"
	"sync"
)

// Config controls executor behavior.
type Config struct {
	MaxConcurrent int // Maximum concurrent jobs (default: 4)
}

// DefaultConfig returns safe executor defaults.
func DefaultConfig() Config {
	return Config{MaxConcurrent: 4}
}

// Job is one unit of work; i is its index in the batch.
type Job func(ctx context.Context, i int) error

// Executor runs jobs with at most MaxConcurrent in flight.
type Executor struct {
	mu        sync.RWMutex
	config    Config
	sem       chan struct{} // Concurrency semaphore
	active    int
	completed int64
	failed    int64
}

// New creates an executor.
func New(cfg Config) *Executor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Executor{
		config: cfg,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Run executes job for every index in [0, n) and waits for all of them.
// The returned slice has one entry per index. Jobs not started because ctx
// was cancelled report ctx.Err().
func (e *Executor) Run(ctx context.Context, n int, job Job) []error {
	errs := make([]error, n)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			for j := i; j < n; j++ {
				errs[j] = ctx.Err()
			}
			wg.Wait()
			e.record(errs[i:])
			return errs
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-e.sem }() // Release concurrency slot

			e.mu.Lock()
			e.active++
			e.mu.Unlock()

			err := job(ctx, i)
			errs[i] = err

			e.mu.Lock()
			e.active--
			if err != nil {
				e.failed++
			} else {
				e.completed++
			}
			e.mu.Unlock()
		}(i)
	}

	wg.Wait()
	return errs
}

// record counts jobs that never started as failed.
func (e *Executor) record(skipped []error) {
	e.mu.Lock()
	e.failed += int64(len(skipped))
	e.mu.Unlock()
}

// Stats returns executor statistics.
type Stats struct {
	Active    int   `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	MaxSlots  int   `json:"max_slots"`
	FreeSlots int   `json:"free_slots"`
}

// Stats returns current executor statistics.
func (e *Executor) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return Stats{
		Active:    e.active,
		Completed: e.completed,
		Failed:    e.failed,
		MaxSlots:  e.config.MaxConcurrent,
		FreeSlots: e.config.MaxConcurrent - e.active,
	}
}

// ActiveCount returns the number of currently running jobs.
func (e *Executor) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}
