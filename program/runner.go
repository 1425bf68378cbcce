package program

import (
	"context"
	"errors"
	"sync"
)

// Job is anything the Runner can execute; Programs are Jobs, as are
// composed sequences like MPP runs.
type Job interface {
	Run(ctx context.Context) error
}

// Synchronizable jobs accept a rendezvous barrier for checkpoint
// alignment with their peers.
type Synchronizable interface {
	SetBarrier(*Barrier)
}

// Barrier is a reusable rendezvous point.  Wait blocks until size
// parties arrive, then releases them all and resets for the next round.
// A cancelled waiter withdraws without releasing the others.
type Barrier struct {
	mu    sync.Mutex
	size  int
	count int
	gate  chan struct{}
}

// NewBarrier makes a barrier for n parties.
func NewBarrier(n int) *Barrier {
	return &Barrier{size: n, gate: make(chan struct{})}
}

// Wait blocks until all parties arrive or ctx is cancelled.
func (b *Barrier) Wait(ctx context.Context) error {
	b.mu.Lock()
	gate := b.gate
	b.count++
	if b.count >= b.size {
		b.count = 0
		b.gate = make(chan struct{})
		close(gate)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		select {
		case <-gate:
			// released while cancelling; count was already reset
			b.mu.Unlock()
			return nil
		default:
		}
		b.count--
		b.mu.Unlock()
		return ctx.Err()
	}
}

// Runner executes jobs concurrently, one goroutine per job, with a
// shared cooperative stop.  In-flight transport calls complete; jobs
// observe the stop at their next wait boundary.
type Runner struct {
	jobs   []Job
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	errs    []error
	started bool
}

// NewRunner collects jobs to run together.  When synchronize is true, a
// barrier sized to the job count is installed on every job that accepts
// one.
func NewRunner(synchronize bool, jobs ...Job) *Runner {
	if synchronize {
		b := NewBarrier(len(jobs))
		for _, j := range jobs {
			if s, ok := j.(Synchronizable); ok {
				s.SetBarrier(b)
			}
		}
	}
	return &Runner{jobs: jobs}
}

// Start launches every job.  The derived context is cancelled by Stop.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()
	ctx, r.cancel = context.WithCancel(ctx)
	for _, j := range r.jobs {
		r.wg.Add(1)
		go func(j Job) {
			defer r.wg.Done()
			if err := j.Run(ctx); err != nil {
				r.mu.Lock()
				r.errs = append(r.errs, err)
				r.mu.Unlock()
			}
		}(j)
	}
}

// Stop signals every job to wind down at its next check point.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Wait blocks until every job finishes and returns their joined errors.
func (r *Runner) Wait() error {
	r.wg.Wait()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.Join(r.errs...)
}
