package reqcache

import (
	"context"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// Future represents the outcome of an in-flight request. It mirrors the
// Future/Promise split used by internal/baselib/actor in the teacher
// repository (interface.go's Future[T]/Promise[T] pair), but is
// reimplemented here rather than reused directly: the Request Cache's
// reply-delivery contract (spec.md §4.2) forbids ever posting a completion
// onto a stage's event loop, which the actor package's mailbox-bound
// Promise does not guarantee by itself.
type Future[T any] interface {
	// Await blocks until the result is available or ctx is cancelled.
	Await(ctx context.Context) fn.Result[T]

	// OnComplete registers fn to run when the result becomes available.
	// Per spec.md §4.2, fn runs synchronously on the delivering thread
	// (the peer-receive goroutine or the sweeper goroutine) — never
	// queued onto any stage's inbox.
	OnComplete(fn func(fn.Result[T]))
}

// promise is the writable side of a Future. Exactly one of Complete's calls
// wins; later calls are no-ops, matching spec.md §3's "exactly one
// completion" requirement for a Request Cache entry.
type promise[T any] struct {
	mu        sync.Mutex
	done      bool
	result    fn.Result[T]
	onComplete []func(fn.Result[T])
	doneCh    chan struct{}
}

func newPromise[T any]() *promise[T] {
	return &promise[T]{doneCh: make(chan struct{})}
}

// Complete attempts to set the result. Returns true iff this call won.
func (p *promise[T]) Complete(res fn.Result[T]) bool {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return false
	}
	p.done = true
	p.result = res
	callbacks := p.onComplete
	p.onComplete = nil
	p.mu.Unlock()

	close(p.doneCh)

	// Callbacks run synchronously, on whatever goroutine called
	// Complete — this is the reply-delivery contract of spec.md §4.2.
	for _, cb := range callbacks {
		cb(res)
	}

	return true
}

func (p *promise[T]) Await(ctx context.Context) fn.Result[T] {
	select {
	case <-p.doneCh:
		p.mu.Lock()
		res := p.result
		p.mu.Unlock()
		return res

	case <-ctx.Done():
		return fn.Err[T](ctx.Err())
	}
}

func (p *promise[T]) OnComplete(cb func(fn.Result[T])) {
	p.mu.Lock()
	if p.done {
		res := p.result
		p.mu.Unlock()
		cb(res)
		return
	}
	p.onComplete = append(p.onComplete, cb)
	p.mu.Unlock()
}

// Ensure promise satisfies Future.
var _ Future[any] = (*promise[any])(nil)
