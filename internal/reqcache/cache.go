// Package reqcache implements the Request Cache (spec.md §4.2, component
// C2): correlating outbound requests with inbound replies by sequence
// number, with a single coarse-grained sweeper enforcing timeouts.
//
// The design-critical contract this package exists to uphold (spec.md
// §4.2, §9 "Callback-centric RPC"): a reply completion NEVER gets queued
// onto the originating stage's event loop. It runs on the thread that
// delivered it — the peer-receive goroutine, the sweeper goroutine, or
// whatever called TryComplete. If a callback needs to touch stage state, it
// must explicitly enqueue a follow-up message itself.
package reqcache

import (
	"context"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/stagecraft/stagert/internal/packet"
)

// DefaultSweepInterval is the Request Cache's coarse-grained timeout sweep
// period (spec.md §4.2: "50-100 ms tick").
const DefaultSweepInterval = 75 * time.Millisecond

// ErrRequestTimeout is delivered to a waiter when no reply arrives before
// its deadline.
var ErrRequestTimeout = context.DeadlineExceeded

// entry is one outstanding request awaiting a reply.
type entry struct {
	deadline time.Time
	callback func(*packet.Packet, error)
	promise  *promise[*packet.Packet]
}

// Cache correlates outbound requests with inbound replies by msg_seq. One
// Cache is shared by an entire runtime instance (it is not per-stage): the
// sequence counter and the timeout sweeper are both process-global, per
// spec.md §3's RequestCache entry model.
type Cache struct {
	mu      sync.Mutex
	entries map[uint16]*entry
	seq     uint32 // wide enough to detect the u16 wrap explicitly

	sweepInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// New creates a Request Cache and starts its background sweeper.
func New(sweepInterval time.Duration) *Cache {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}

	c := &Cache{
		entries:       make(map[uint16]*entry),
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
	}

	c.wg.Add(1)
	go c.sweepLoop()

	return c
}

// NextSeq increments the shared sequence counter, skipping the reserved
// value 0 (spec.md §4.2). Protected by the same mutex as the entries map;
// this is cool-path compared to the stage inbox's enqueue hot path.
func (c *Cache) NextSeq() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		c.seq++
		seq := uint16(c.seq)
		if seq != 0 {
			return seq
		}
		// Wrapped exactly onto 0; advance again per spec.md §4.2.
	}
}

// RegisterCallback installs a one-shot completion for seq. cb runs on
// whatever goroutine calls TryComplete (a normal reply) or on the sweeper
// goroutine (a timeout) — never on a stage loop, per the package doc.
func (c *Cache) RegisterCallback(seq uint16, timeout time.Duration,
	cb func(*packet.Packet, error),
) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[seq] = &entry{
		deadline: time.Now().Add(timeout),
		callback: cb,
	}
}

// RegisterFuture installs a Future-based waiter for seq, returning a Future
// that resolves with the reply packet or ErrRequestTimeout.
func (c *Cache) RegisterFuture(seq uint16, timeout time.Duration) Future[*packet.Packet] {
	p := newPromise[*packet.Packet]()

	c.mu.Lock()
	c.entries[seq] = &entry{
		deadline: time.Now().Add(timeout),
		promise:  p,
	}
	c.mu.Unlock()

	return p
}

// TryComplete delivers reply to the waiter registered for seq, if any. It
// returns true iff an entry was found and consumed. A false return is a
// legitimate race between a late reply and a timeout sweep (spec.md §4.2)
// — callers must not treat it as an error.
func (c *Cache) TryComplete(seq uint16, reply *packet.Packet) bool {
	c.mu.Lock()
	e, ok := c.entries[seq]
	if ok {
		delete(c.entries, seq)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}

	c.deliver(e, fn.Ok(reply))
	return true
}

func (c *Cache) deliver(e *entry, res fn.Result[*packet.Packet]) {
	switch {
	case e.callback != nil:
		pkt, err := res.Unpack()
		e.callback(pkt, err)

	case e.promise != nil:
		e.promise.Complete(res)
	}
}

// CancelAll delivers a timeout error to every outstanding waiter. Called at
// shutdown (spec.md §5, §7 "Shutdown-time").
func (c *Cache) CancelAll() {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[uint16]*entry)
	c.mu.Unlock()

	for _, e := range entries {
		c.deliver(e, fn.Err[*packet.Packet](ErrRequestTimeout))
	}
}

// Stop halts the background sweeper. It does not cancel outstanding
// entries; call CancelAll separately during shutdown if that's desired.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
}

// Len reports the number of outstanding entries. Test/inspection helper.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) sweepLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case now := <-ticker.C:
			c.sweepOnce(now)
		}
	}
}

func (c *Cache) sweepOnce(now time.Time) {
	var expired []*entry

	c.mu.Lock()
	for seq, e := range c.entries {
		if now.After(e.deadline) {
			expired = append(expired, e)
			delete(c.entries, seq)
		}
	}
	c.mu.Unlock()

	for _, e := range expired {
		c.deliver(e, fn.Err[*packet.Packet](ErrRequestTimeout))
	}
}
