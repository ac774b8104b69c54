package stage

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/stagecraft/stagert/internal/packet"
)

type nopBehavior struct{}

func (nopBehavior) OnCreate(*Stage) error         { return nil }
func (nopBehavior) OnDispatch(*Stage, *packet.Packet) {}
func (nopBehavior) OnDestroy(*Stage)              {}

type nopActorBehavior struct{}

func (nopActorBehavior) OnCreate(*Actor)                           {}
func (nopActorBehavior) OnAuthenticate(*Actor, *packet.Packet) bool { return true }
func (nopActorBehavior) OnPostAuthenticate(*Actor)                  {}
func (nopActorBehavior) OnJoinStage(*Actor) bool                    { return true }
func (nopActorBehavior) OnPostJoinStage(*Actor)                     {}
func (nopActorBehavior) OnDispatch(*Actor, *packet.Packet)          {}
func (nopActorBehavior) OnConnectionChanged(*Actor, bool)           {}
func (nopActorBehavior) OnDestroy(*Actor)                           {}

func newTestStage(id int64) *Stage {
	return New(id, "TestStage", nopBehavior{})
}

// TestFIFOWithinStage is spec.md §8 testable property 2: dispatch order
// matches enqueue order for the same stage, even under concurrent
// producers.
func TestFIFOWithinStage(t *testing.T) {
	s := newTestStage(1)

	const n = 500
	var mu sync.Mutex
	var order []int

	// enqMu makes each producer's record-then-enqueue step atomic, so
	// enqueued holds the exact order in which messages entered the inbox.
	var enqMu sync.Mutex
	var enqueued []int

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			enqMu.Lock()
			defer enqMu.Unlock()
			enqueued = append(enqueued, i)
			s.Enqueue(AsyncMessage{Post: func() {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			}})
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == n
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, enqueued, order)
}

// TestSingleConsumerIsolation is spec.md §8 testable property 1: at most
// one goroutine executes a given stage's user callbacks at any instant.
func TestSingleConsumerIsolation(t *testing.T) {
	s := newTestStage(1)

	var active atomic.Int32
	var maxActive atomic.Int32
	var count atomic.Int64

	const n = 1000
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Enqueue(AsyncMessage{Post: func() {
				cur := active.Add(1)
				for {
					m := maxActive.Load()
					if cur <= m || maxActive.CompareAndSwap(m, cur) {
						break
					}
				}
				time.Sleep(time.Microsecond)
				active.Add(-1)
				count.Add(1)
			}})
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return count.Load() == n
	}, 2*time.Second, time.Millisecond)
	require.EqualValues(t, 1, maxActive.Load())
}

// TestAcrossStageParallelism is spec.md §8 testable property 3: different
// stages drain concurrently, with no ordering guarantee between them.
func TestAcrossStageParallelism(t *testing.T) {
	const numStages = 8
	stages := make([]*Stage, numStages)
	for i := range stages {
		stages[i] = newTestStage(int64(i))
	}

	var concurrent atomic.Int32
	var maxConcurrent atomic.Int32
	var wg sync.WaitGroup

	for _, s := range stages {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			done := make(chan struct{})
			s.Enqueue(AsyncMessage{Post: func() {
				cur := concurrent.Add(1)
				for {
					m := maxConcurrent.Load()
					if cur <= m || maxConcurrent.CompareAndSwap(m, cur) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				concurrent.Add(-1)
				close(done)
			}})
			<-done
		}()
	}
	wg.Wait()

	require.Greater(t, maxConcurrent.Load(), int32(1),
		"expected stages to drain in parallel, not serialize")
}

// TestJoinThenDispatchThenDestroy exercises the dispatch table's main
// path end-to-end.
func TestJoinThenDispatchThenDestroy(t *testing.T) {
	s := newTestStage(1)

	var dispatched atomic.Bool
	var destroyed atomic.Bool

	behavior := &trackingActorBehavior{
		onDispatch: func(*Actor, *packet.Packet) { dispatched.Store(true) },
		onDestroy:  func(*Actor) { destroyed.Store(true) },
	}

	actor := &Actor{AccountID: "acct-1", Behavior: behavior}
	joined := make(chan error, 1)
	s.Enqueue(JoinActorMessage{AccountID: "acct-1", Actor: actor, Joined: joined})
	require.NoError(t, <-joined)

	_, ok := s.Actor("acct-1")
	require.True(t, ok)

	pkt := &packet.Packet{MsgID: "Ping", StageID: 1}
	s.Enqueue(ClientRouteMessage{AccountID: "acct-1", Packet: pkt})

	require.Eventually(t, dispatched.Load, time.Second, time.Millisecond)

	done := make(chan struct{})
	s.Enqueue(DestroyMessage{Done: done})
	<-done

	require.True(t, destroyed.Load())
	require.Zero(t, s.ActorCount())
}

// TestReconnectionPreservesIdentity is spec.md §8 testable property 6: a
// reconnecting account_id rebinds the existing Actor instance rather than
// replacing it, and on_join_stage does not fire twice.
func TestReconnectionPreservesIdentity(t *testing.T) {
	s := newTestStage(1)

	var joinCalls atomic.Int32
	var reconnectCalls atomic.Int32

	behavior := &trackingActorBehavior{
		onJoinStage: func(*Actor) bool {
			joinCalls.Add(1)
			return true
		},
		onConnectionChanged: func(_ *Actor, connected bool) {
			if connected {
				reconnectCalls.Add(1)
			}
		},
	}

	first := &Actor{AccountID: "acct-1", Behavior: behavior, SessionRef: "session-A"}
	joined := make(chan error, 1)
	s.Enqueue(JoinActorMessage{AccountID: "acct-1", Actor: first, Joined: joined})
	require.NoError(t, <-joined)

	boundBefore, _ := s.Actor("acct-1")

	second := &Actor{AccountID: "acct-1", Behavior: behavior, SessionRef: "session-B"}
	reconnected := make(chan error, 1)
	s.Enqueue(JoinActorMessage{AccountID: "acct-1", Actor: second, Joined: reconnected})
	require.NoError(t, <-reconnected)

	boundAfter, _ := s.Actor("acct-1")

	require.Same(t, boundBefore, boundAfter,
		"reconnection must rebind the existing actor instance, not replace it")
	require.Equal(t, "session-B", boundAfter.SessionRef)
	require.EqualValues(t, 1, joinCalls.Load(), "on_join_stage must not re-fire on reconnect")
	require.EqualValues(t, 1, reconnectCalls.Load())
}

// TestPanicInCallbackDoesNotCorruptLoop verifies spec.md §4.4's failure
// semantics: a panicking user callback is caught at the loop boundary and
// the loop proceeds to the next message.
func TestPanicInCallbackDoesNotCorruptLoop(t *testing.T) {
	s := newTestStage(1)

	var ranAfterPanic atomic.Bool

	s.Enqueue(AsyncMessage{Post: func() { panic("boom") }})
	s.Enqueue(AsyncMessage{Post: func() { ranAfterPanic.Store(true) }})

	require.Eventually(t, ranAfterPanic.Load, time.Second, time.Millisecond)
}

// TestClientRouteToUnknownActorReleasesPayload covers the missing-actor
// row of spec.md §4.4's dispatch table.
func TestClientRouteToUnknownActorReleasesPayload(t *testing.T) {
	s := newTestStage(1)

	payload := packet.NewPayload([]byte("hi"))
	pkt := &packet.Packet{MsgID: "Ping", StageID: 1, Payload: payload}

	done := make(chan struct{})
	s.Enqueue(ClientRouteMessage{AccountID: "ghost", Packet: pkt})
	s.Enqueue(AsyncMessage{Post: func() { close(done) }})
	<-done

	require.True(t, payload.IsReleased())
}

// TestDrainOrderIsRandomizedEnqueueOrder is a rapid-based property test
// ensuring the drain loop never reorders a single producer's sequence of
// enqueues, for arbitrarily sized batches.
func TestDrainOrderIsRandomizedEnqueueOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 200).Draw(rt, "n")

		s := newTestStage(1)
		var mu sync.Mutex
		var order []int

		for i := 0; i < n; i++ {
			i := i
			s.Enqueue(AsyncMessage{Post: func() {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			}})
		}

		require.Eventually(rt, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(order) == n
		}, time.Second, time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		for i, v := range order {
			require.Equal(rt, i, v)
		}
	})
}

type trackingActorBehavior struct {
	onCreate            func(*Actor)
	onAuthenticate      func(*Actor, *packet.Packet) bool
	onPostAuthenticate  func(*Actor)
	onJoinStage         func(*Actor) bool
	onPostJoinStage     func(*Actor)
	onDispatch          func(*Actor, *packet.Packet)
	onConnectionChanged func(*Actor, bool)
	onDestroy           func(*Actor)
}

func (b *trackingActorBehavior) OnCreate(a *Actor) {
	if b.onCreate != nil {
		b.onCreate(a)
	}
}

func (b *trackingActorBehavior) OnAuthenticate(a *Actor, p *packet.Packet) bool {
	if b.onAuthenticate != nil {
		return b.onAuthenticate(a, p)
	}
	return true
}

func (b *trackingActorBehavior) OnPostAuthenticate(a *Actor) {
	if b.onPostAuthenticate != nil {
		b.onPostAuthenticate(a)
	}
}

func (b *trackingActorBehavior) OnJoinStage(a *Actor) bool {
	if b.onJoinStage != nil {
		return b.onJoinStage(a)
	}
	return true
}

func (b *trackingActorBehavior) OnPostJoinStage(a *Actor) {
	if b.onPostJoinStage != nil {
		b.onPostJoinStage(a)
	}
}

func (b *trackingActorBehavior) OnDispatch(a *Actor, p *packet.Packet) {
	if b.onDispatch != nil {
		b.onDispatch(a, p)
	}
}

func (b *trackingActorBehavior) OnConnectionChanged(a *Actor, connected bool) {
	if b.onConnectionChanged != nil {
		b.onConnectionChanged(a, connected)
	}
}

func (b *trackingActorBehavior) OnDestroy(a *Actor) {
	if b.onDestroy != nil {
		b.onDestroy(a)
	}
}

var _ ActorBehavior = (*trackingActorBehavior)(nil)
var _ Behavior = nopBehavior{}

// TestSingleProducerOrderIsLinearized is spec.md §8 testable property 2,
// restricted to a single producer: enqueue order and dispatch order must
// be identical, not merely set-equal. rapid generates the enqueued
// sequence; go-cmp pinpoints exactly where a linearization would diverge.
func TestSingleProducerOrderIsLinearized(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 200).Draw(rt, "n")
		want := make([]int, n)
		for i := range want {
			want[i] = rapid.IntRange(0, 1_000_000).Draw(rt, "val")
		}

		s := newTestStage(1)
		var mu sync.Mutex
		got := make([]int, 0, n)
		done := make(chan struct{})

		for i, v := range want {
			v := v
			last := i == n-1
			s.Enqueue(AsyncMessage{Post: func() {
				mu.Lock()
				got = append(got, v)
				mu.Unlock()
				if last {
					close(done)
				}
			}})
		}

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			rt.Fatal("dispatch never drained")
		}

		mu.Lock()
		defer mu.Unlock()
		if diff := cmp.Diff(want, got); diff != "" {
			rt.Fatalf("dispatch order diverged from enqueue order (-want +got):\n%s", diff)
		}
	})
}
var _ ActorBehavior = nopActorBehavior{}
