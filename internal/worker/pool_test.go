package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu  sync.Mutex
	fns []func()
}

func (f *fakeSink) EnqueueAsync(fn func()) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fns = append(f.fns, fn)
	return true
}

func (f *fakeSink) drain() {
	f.mu.Lock()
	fns := f.fns
	f.fns = nil
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func TestSubmitDeliversResultViaSink(t *testing.T) {
	pool := NewPool(2)
	sink := &fakeSink{}

	var gotValue any
	var gotErr error
	done := make(chan struct{})

	pool.Submit(context.Background(), sink, func() (any, error) {
		return 42, nil
	}, func(v any, err error) {
		gotValue, gotErr = v, err
		close(done)
	})

	require.Eventually(t, func() bool {
		sink.drain()
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	require.Equal(t, 42, gotValue)
	require.NoError(t, gotErr)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	const capacity = 3
	pool := NewPool(capacity)
	sink := &fakeSink{}

	var active atomic.Int32
	var maxActive atomic.Int32
	var wg sync.WaitGroup

	const n = 20
	for i := 0; i < n; i++ {
		wg.Add(1)
		pool.Submit(context.Background(), sink, func() (any, error) {
			cur := active.Add(1)
			for {
				m := maxActive.Load()
				if cur <= m || maxActive.CompareAndSwap(m, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
			return nil, nil
		}, func(any, error) { wg.Done() })
	}

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				sink.drain()
				time.Sleep(time.Millisecond)
			}
		}
	}()

	wg.Wait()
	close(stop)
	require.LessOrEqual(t, maxActive.Load(), int32(capacity))
}

func TestSubmitWithoutPostDoesNotPanic(t *testing.T) {
	pool := NewPool(1)
	sink := &fakeSink{}

	ran := make(chan struct{})
	pool.Submit(context.Background(), sink, func() (any, error) {
		close(ran)
		return nil, nil
	}, nil)

	<-ran
}

func TestComputeAndIOPoolDefaults(t *testing.T) {
	compute := NewComputePool()
	require.NotNil(t, compute)

	io := NewIOPool()
	require.NotNil(t, io)
}
