package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// fakeSink is an in-memory Sink that records delivered ticks instead of
// enqueuing into a real stage inbox.
type fakeSink struct {
	id    int64
	dead  atomic.Bool
	ticks atomic.Int64
}

func (f *fakeSink) StageID() int64 { return f.id }

func (f *fakeSink) EnqueueTimerTick(_ uint64, cb func()) bool {
	if f.dead.Load() {
		return false
	}
	f.ticks.Add(1)
	cb()
	return true
}

func TestAddRepeatFiresRepeatedly(t *testing.T) {
	m := New()
	sink := &fakeSink{id: 1}

	id := m.AddRepeat(sink, time.Millisecond, 2*time.Millisecond, func() {})
	require.True(t, m.Has(id))

	require.Eventually(t, func() bool {
		return sink.ticks.Load() >= 3
	}, time.Second, time.Millisecond)

	m.Cancel(id)
	require.False(t, m.Has(id))
}

// TestAddCountFiresExactlyCount is the bounded-fire-count property from
// spec.md §8 testable property 5: a count-bounded timer fires exactly
// `count` times and then self-cancels, never more.
func TestAddCountFiresExactlyCount(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		count := rapid.IntRange(1, 8).Draw(rt, "count")

		m := New()
		sink := &fakeSink{id: 1}

		id := m.AddCount(sink, time.Millisecond, time.Millisecond, count,
			func() {})

		require.Eventually(rt, func() bool {
			return !m.Has(id)
		}, 2*time.Second, time.Millisecond)

		// Give any spurious extra fire a chance to land before
		// asserting the final count.
		time.Sleep(20 * time.Millisecond)
		require.EqualValues(rt, count, sink.ticks.Load())
	})
}

func TestCancelAllForSweepsOnlyThatStage(t *testing.T) {
	m := New()
	sinkA := &fakeSink{id: 1}
	sinkB := &fakeSink{id: 2}

	idA := m.AddRepeat(sinkA, time.Hour, time.Hour, func() {})
	idB := m.AddRepeat(sinkB, time.Hour, time.Hour, func() {})

	m.CancelAllFor(1)

	require.False(t, m.Has(idA))
	require.True(t, m.Has(idB))
}

func TestTickDroppedWhenStageGone(t *testing.T) {
	m := New()
	sink := &fakeSink{id: 1}
	sink.dead.Store(true)

	id := m.AddRepeat(sink, time.Millisecond, time.Millisecond, func() {})

	require.Eventually(t, func() bool {
		return !m.Has(id)
	}, time.Second, time.Millisecond)
	require.Zero(t, sink.ticks.Load())
}

// fakeGameLoopSink records steps/alpha pairs delivered by a GameLoop.
type fakeGameLoopSink struct {
	calls atomic.Int64
	maxSteps atomic.Int64
}

func (f *fakeGameLoopSink) EnqueueFixedTick(steps int, _ float64) bool {
	f.calls.Add(1)
	if int64(steps) > f.maxSteps.Load() {
		f.maxSteps.Store(int64(steps))
	}
	return true
}

// TestGameLoopAccumulatorCap is the Spiral-of-Death mitigation property
// from spec.md §8 testable property 8: across every frame the loop runs,
// a single frame's step count never exceeds MaxStepsPerFrame.
func TestGameLoopAccumulatorCap(t *testing.T) {
	sink := &fakeGameLoopSink{}
	loop := NewGameLoop(sink, GameLoopConfig{
		StepDuration:     time.Millisecond,
		MaxStepsPerFrame: 3,
	})

	loop.Start()
	defer loop.Stop()

	// Let the loop run for many step durations before checking.
	time.Sleep(50 * time.Millisecond)

	require.Eventually(t, func() bool {
		return sink.calls.Load() > 0
	}, time.Second, time.Millisecond)

	require.LessOrEqual(t, sink.maxSteps.Load(), int64(3))
}
