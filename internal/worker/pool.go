// Package worker implements the Async Worker Pool (spec.md §4.8, component
// C8): bounded compute and I/O goroutine pools that run user pre-callbacks
// off a stage's loop and deliver their result back as an AsyncMessage,
// never by mutating stage state directly from the worker goroutine.
//
// Sizing and submission are grounded in the teacher's internal/actorutil
// pool (Pool[M,R]/PoolConfig), generalized here from a persistent
// actor-per-worker model to one-shot job submission bounded by a
// semaphore, per golang.org/x/sync/semaphore — the natural fit for
// "bounded concurrent one-shot jobs" that the teacher's channel-based pool
// doesn't itself need to solve.
package worker

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// Sink receives a completed job's post-callback for in-loop dispatch. A
// Stage satisfies this by wrapping the delivery in an AsyncMessage and
// enqueuing it (spec.md §4.8 step 2). It returns false if the stage is
// already gone, meaning the result is dropped.
type Sink interface {
	EnqueueAsync(fn func()) bool
}

// Pool bounds concurrent execution of pre-callbacks submitted to it.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool creates a pool bounded at capacity concurrent in-flight jobs.
func NewPool(capacity int64) *Pool {
	if capacity <= 0 {
		capacity = 1
	}
	return &Pool{sem: semaphore.NewWeighted(capacity)}
}

// NewComputePool sizes a pool at roughly the CPU core count, so CPU-bound
// pre-callbacks never starve the goroutines draining game-loop stages
// (spec.md §4.8: "Bounded at ≈ CPU-core count").
func NewComputePool() *Pool {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}
	return NewPool(int64(n))
}

// DefaultIOPoolCapacity is spec.md §4.8's default ceiling for
// blocking-I/O-bound work ("a higher limit (default ~100)").
const DefaultIOPoolCapacity = 100

// NewIOPool sizes a pool for blocking I/O wait time rather than CPU work.
func NewIOPool() *Pool {
	return NewPool(DefaultIOPoolCapacity)
}

// Submit hands off to a spawned goroutine and returns immediately; it never
// blocks the caller, including on the semaphore acquire itself (spec.md
// §4.7's "all non-blocking at the API surface," §4.8's off-loop escape
// hatch). A saturated pool is therefore invisible to the caller — whoever
// called Submit from inside a stage's dispatch callback keeps draining
// other queued messages while this job waits its turn off-loop. pre must
// not touch stage state, since it executes on a foreign thread (spec.md
// §4.8 step 4).
func (p *Pool) Submit(ctx context.Context, sink Sink, pre func() (any, error),
	post func(any, error),
) {
	go func() {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			// Caller's context was cancelled before a slot freed up; report
			// the cancellation through the same post path rather than
			// silently dropping the job.
			if post != nil {
				sink.EnqueueAsync(func() { post(nil, err) })
			}
			return
		}
		defer p.sem.Release(1)

		value, err := pre()

		if post == nil {
			return
		}
		sink.EnqueueAsync(func() { post(value, err) })
	}()
}
