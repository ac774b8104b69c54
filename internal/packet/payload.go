package packet

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// DebugAssertions gates the fatal-bug checks called out in spec.md §4.1 and
// §7: double-release of a payload buffer and use of a buffer after its last
// reader released it. It defaults to true and nothing in this module
// changes it; a binary may turn it off to trade a loud panic for a
// logged, contained failure, matching the
// teacher's "crash loudly in debug, log and attempt to contain in release"
// policy (spec.md §7).
var DebugAssertions = true

// slabPool rents and recycles the byte slices backing Payload values. Payload
// buffers are deliberately pooled because the dispatch pipeline crosses
// goroutine boundaries at high message rates (spec.md §4.1): allocating a
// fresh []byte per packet would put constant pressure on the GC on the hot
// path this package exists to keep cheap.
var slabPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 0, 4096)
		return &buf
	},
}

// payloadState tracks a Payload's position in its ownership lifecycle. Its
// zero value is stateHeld, the state every new Payload starts in.
type payloadState int32

const (
	stateHeld payloadState = iota
	stateReleased
)

// ErrDoubleRelease is the fatal-bug condition from spec.md §4.1: the same
// Payload was released more than once.
var ErrDoubleRelease = fmt.Errorf("packet: payload released twice")

// ErrUseAfterRelease is the fatal-bug condition from spec.md §4.1: a Payload
// was read after its last holder released it.
var ErrUseAfterRelease = fmt.Errorf("packet: payload used after release")

// Payload is an explicit, reference-counted byte buffer. A Packet owns its
// Payload by default; ownership transfers (never copies) when the packet
// crosses into a stage inbox or a reply cache entry, per spec.md §4.1. The
// last holder to release the buffer returns it to the pool exactly once.
//
// Payload is not safe for concurrent Read/Release calls from multiple
// goroutines simultaneously holding the *same* ownership token — ownership
// is single-holder by design; ownership is handed off, not shared
// mutably.
type Payload struct {
	buf   *[]byte
	state atomic.Int32

	// zeroCopy marks a Payload that wraps an already-rented buffer
	// without taking re-ownership (spec.md §4.1's "zero-copy variant").
	// Release on a zero-copy Payload is a no-op: the original owner
	// remains responsible for returning the slab.
	zeroCopy bool
}

// NewPayload rents a slab from the pool, copies data into it, and returns an
// owning Payload. The caller owns the returned Payload and must Release it
// exactly once (directly, or by handing ownership to a Packet that will).
func NewPayload(data []byte) *Payload {
	slabPtr, _ := slabPool.Get().(*[]byte)
	slab := (*slabPtr)[:0]
	slab = append(slab, data...)
	*slabPtr = slab

	p := &Payload{buf: slabPtr}
	p.state.Store(int32(stateHeld))
	return p
}

// WrapZeroCopy wraps an already-rented buffer without taking ownership of
// its slab. Per spec.md §4.1 this is only safe when the handler is
// synchronous and guaranteed to finish before the parent releases — e.g. a
// Sender.reply() call that reads a request's Payload to build a response
// before the request's owner releases it.
func WrapZeroCopy(data []byte) *Payload {
	p := &Payload{buf: &data, zeroCopy: true}
	p.state.Store(int32(stateHeld))
	return p
}

// Bytes returns a read-only view of the buffer's current contents. Calling
// Bytes after Release is a use-after-release bug (checked when
// DebugAssertions is true).
func (p *Payload) Bytes() []byte {
	if DebugAssertions && payloadState(p.state.Load()) == stateReleased {
		panic(ErrUseAfterRelease)
	}
	return *p.buf
}

// Len returns the current byte length of the buffer.
func (p *Payload) Len() int {
	return len(p.Bytes())
}

// Release returns the buffer to the pool. It must be called exactly once per
// ownership chain; a zero-copy Payload's Release is a no-op since it never
// owned the underlying slab. Calling Release twice on an owning Payload is a
// fatal bug per spec.md §4.1 (checked when DebugAssertions is true).
func (p *Payload) Release() {
	if p.zeroCopy {
		return
	}

	if !p.state.CompareAndSwap(int32(stateHeld), int32(stateReleased)) {
		if DebugAssertions {
			panic(ErrDoubleRelease)
		}
		log.ErrorS(context.Background(), "double-release of payload buffer",
			ErrDoubleRelease)
		return
	}

	slab := *p.buf
	slabPool.Put(&slab)
}

// IsReleased reports whether Release has already run to completion. This is
// primarily useful in tests that wrap the pool to assert release counts
// (spec.md §8, testable property 10).
func (p *Payload) IsReleased() bool {
	return payloadState(p.state.Load()) == stateReleased
}
