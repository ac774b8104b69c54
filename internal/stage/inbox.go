package stage

import "sync/atomic"

// node is an intrusive singly-linked-list element. The inbox is a
// mutex-protected list rather than a literal lock-free ring buffer: the
// mutex only ever guards the O(1) splice, never a user callback, so the
// single-consumer-of-callbacks invariant from spec.md §4.4 holds
// regardless — "a bounded lock-free queue with overflow to allocation is
// acceptable" per that section, and this is the straightforward
// allocation-based realization of it.
type node struct {
	msg  Message
	next *node
}

// inbox is the multi-producer/single-consumer FIFO described in spec.md
// §4.4. Enqueue may be called from any goroutine; dequeue is only ever
// called by whichever goroutine currently holds the drain CAS.
type inbox struct {
	mu   chan struct{} // 1-buffered channel used as a non-blocking-ish mutex
	head *node
	tail *node
	size atomic.Int64

	// processing is the processing_flag of spec.md §4.4: exactly one
	// drainer may hold it at a time.
	processing atomic.Bool

	closed atomic.Bool
}

func newInbox() *inbox {
	ib := &inbox{mu: make(chan struct{}, 1)}
	ib.mu <- struct{}{}
	return ib
}

func (ib *inbox) lock()   { <-ib.mu }
func (ib *inbox) unlock() { ib.mu <- struct{}{} }

// enqueue appends msg. It returns false iff the inbox is closed (the stage
// has already processed a DestroyMessage), in which case msg is dropped —
// spec.md §4.4: "after this, enqueue is a no-op."
func (ib *inbox) enqueue(msg Message) bool {
	if ib.closed.Load() {
		return false
	}

	n := &node{msg: msg}

	ib.lock()
	if ib.closed.Load() {
		ib.unlock()
		return false
	}
	if ib.tail == nil {
		ib.head, ib.tail = n, n
	} else {
		ib.tail.next = n
		ib.tail = n
	}
	ib.unlock()

	ib.size.Add(1)
	return true
}

// tryDequeue removes and returns the head message, if any.
func (ib *inbox) tryDequeue() (Message, bool) {
	ib.lock()
	n := ib.head
	if n != nil {
		ib.head = n.next
		if ib.head == nil {
			ib.tail = nil
		}
	}
	ib.unlock()

	if n == nil {
		return nil, false
	}
	ib.size.Add(-1)
	return n.msg, true
}

func (ib *inbox) empty() bool {
	return ib.size.Load() == 0
}

// close marks the inbox closed; subsequent enqueue calls are no-ops.
// Messages already queued when close runs are not removed: the running
// drain loop still dequeues and dispatches them.
func (ib *inbox) close() {
	ib.closed.Store(true)
}

// tryStartDrain attempts the CAS that makes the caller the drainer
// (processing_flag false→true). Losers return false and rely on the
// current drainer to observe their enqueued item (spec.md §4.4).
func (ib *inbox) tryStartDrain() bool {
	return ib.processing.CompareAndSwap(false, true)
}

// stopDrain clears processing_flag, then re-checks for the race window
// called out in spec.md §4.4: a producer may have enqueued after the last
// tryDequeue failed but before the flag cleared. Returns true if the
// caller must keep draining (it won the restart CAS).
func (ib *inbox) stopDrain() bool {
	ib.processing.Store(false)
	if !ib.empty() && ib.processing.CompareAndSwap(false, true) {
		return true
	}
	return false
}
