// Package timer implements the Timer Manager (spec.md §4.3, component C3):
// a global scheduler whose ticks are always delivered as a TimerMessage
// enqueued into the owning stage's inbox, never as a direct callback
// invocation — the owning Stage interface is the only thing this package
// depends on, kept narrow to avoid an import cycle with package stage.
package timer

import (
	"context"
	"sync"
	"time"
)

// Sink receives timer ticks destined for one stage. package stage's *Stage
// implements this by enqueuing a TimerMessage into its inbox (spec.md
// §4.3: "the manager does not invoke the user callback. It enqueues a
// TimerMessage into the owning stage's inbox").
type Sink interface {
	// StageID identifies which stage this sink belongs to, used by
	// CancelAllFor.
	StageID() int64

	// EnqueueTimerTick delivers one tick. It returns false if the stage
	// is already destroyed, signalling the Manager to drop the tick and
	// cancel the timer (spec.md §4.3).
	EnqueueTimerTick(timerID uint64, cb func()) bool
}

// MetricsSink receives an optional counter of delivered timer ticks.
// package metrics' Collector implements this; nil (the default) means no
// metrics are recorded.
type MetricsSink interface {
	IncTimerFire()
}

// Kind distinguishes a repeating timer from a bounded-count one.
type Kind int

const (
	// KindRepeat fires indefinitely until Cancel.
	KindRepeat Kind = iota
	// KindCount fires a bounded number of times, then self-cancels.
	KindCount
)

// entry tracks one live platform timer.
type entry struct {
	id      uint64
	stageID int64
	kind    Kind
	sink    Sink
	cb      func()

	remaining int // only meaningful for KindCount

	platform *time.Timer
	period   time.Duration

	mu        sync.Mutex
	cancelled bool
}

// Manager is the global timer scheduler. One Manager instance typically
// backs an entire runtime; it is safe for concurrent use from any
// goroutine, matching spec.md §5's "Timer Manager... internally
// thread-safe" shared-resource policy.
type Manager struct {
	mu      sync.Mutex
	entries map[uint64]*entry
	byStage map[int64]map[uint64]struct{}
	nextID  uint64

	metrics MetricsSink
}

// New creates an empty Timer Manager.
func New() *Manager {
	return &Manager{
		entries: make(map[uint64]*entry),
		byStage: make(map[int64]map[uint64]struct{}),
	}
}

// SetMetrics wires m to receive a count of delivered timer ticks. Optional;
// nil (the default) means metrics are simply not collected.
func (m *Manager) SetMetrics(sink MetricsSink) {
	m.metrics = sink
}

func (m *Manager) allocID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return m.nextID
}

// AddRepeat registers a repeating timer per spec.md §4.3: fires at
// t=initialDelay, then every period until Cancel or CancelAllFor.
func (m *Manager) AddRepeat(sink Sink, initialDelay, period time.Duration,
	cb func(),
) uint64 {
	id := m.allocID()
	e := &entry{
		id:      id,
		stageID: sink.StageID(),
		kind:    KindRepeat,
		sink:    sink,
		cb:      cb,
		period:  period,
	}

	m.register(e)
	e.platform = time.AfterFunc(initialDelay, func() { m.fire(e) })

	return id
}

// AddCount registers a timer that fires up to count times, then
// self-cancels after the last successful dispatch (spec.md §4.3).
func (m *Manager) AddCount(sink Sink, initialDelay, period time.Duration,
	count int, cb func(),
) uint64 {
	id := m.allocID()
	e := &entry{
		id:        id,
		stageID:   sink.StageID(),
		kind:      KindCount,
		sink:      sink,
		cb:        cb,
		period:    period,
		remaining: count,
	}

	m.register(e)
	e.platform = time.AfterFunc(initialDelay, func() { m.fire(e) })

	return id
}

func (m *Manager) register(e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[e.id] = e

	set, ok := m.byStage[e.stageID]
	if !ok {
		set = make(map[uint64]struct{})
		m.byStage[e.stageID] = set
	}
	set[e.id] = struct{}{}
}

func (m *Manager) unregister(e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, e.id)
	if set, ok := m.byStage[e.stageID]; ok {
		delete(set, e.id)
		if len(set) == 0 {
			delete(m.byStage, e.stageID)
		}
	}
}

// fire runs on the Go runtime's timer goroutine. It never invokes cb
// directly — it only ever hands the tick to the owning stage's Sink, which
// enqueues it for in-loop dispatch (spec.md §4.3, §8 timer-ordering
// property).
func (m *Manager) fire(e *entry) {
	e.mu.Lock()
	if e.cancelled {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	delivered := e.sink.EnqueueTimerTick(e.id, e.cb)
	if !delivered {
		// Stage already destroyed; drop the tick and cancel the
		// timer (spec.md §4.3).
		log.DebugS(context.Background(), "timer tick dropped, stage gone",
			"timer_id", e.id, "stage_id", e.stageID)
		m.Cancel(e.id)
		return
	}

	if m.metrics != nil {
		m.metrics.IncTimerFire()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancelled {
		return
	}

	switch e.kind {
	case KindRepeat:
		e.platform.Reset(e.period)

	case KindCount:
		e.remaining--
		if e.remaining <= 0 {
			e.cancelled = true
			m.unregister(e)
			return
		}
		e.platform.Reset(e.period)
	}
}

// Cancel removes timerID's entry and disposes its platform timer. Safe to
// call more than once.
func (m *Manager) Cancel(timerID uint64) {
	m.mu.Lock()
	e, ok := m.entries[timerID]
	m.mu.Unlock()

	if !ok {
		return
	}

	e.mu.Lock()
	e.cancelled = true
	if e.platform != nil {
		e.platform.Stop()
	}
	e.mu.Unlock()

	m.unregister(e)
}

// CancelAllFor sweeps every timer owned by stageID. Called when the
// Dispatcher destroys a stage (spec.md §4.6, §4.3).
func (m *Manager) CancelAllFor(stageID int64) {
	m.mu.Lock()
	set, ok := m.byStage[stageID]
	var ids []uint64
	if ok {
		ids = make([]uint64, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Cancel(id)
	}
}

// Has reports whether timerID is still live. Used by spec.md §8 testable
// property 5 (bounded-fire-count) and by Sender.HasTimer.
func (m *Manager) Has(timerID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[timerID]
	return ok
}

// Info is a read-only snapshot of one live timer, used by the admin
// inspection surface (cmd/stagectl's "timers ls --stage").
type Info struct {
	ID        uint64
	StageID   int64
	Kind      Kind
	Remaining int // only meaningful for KindCount
}

// ListForStage snapshots every live timer owned by stageID.
func (m *Manager) ListForStage(stageID int64) []Info {
	m.mu.Lock()
	set, ok := m.byStage[stageID]
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	infos := make([]Info, 0, len(ids))
	for _, id := range ids {
		m.mu.Lock()
		e, ok := m.entries[id]
		m.mu.Unlock()
		if !ok {
			continue
		}
		e.mu.Lock()
		infos = append(infos, Info{
			ID: e.id, StageID: e.stageID, Kind: e.kind, Remaining: e.remaining,
		})
		e.mu.Unlock()
	}
	return infos
}
