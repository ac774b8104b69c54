package stage

import (
	"github.com/stagecraft/stagert/internal/packet"
)

// Message is the sealed set of variants a Stage's inbox can carry
// (spec.md §4.4's "Dispatch table by StageMessage variant"). The
// unexported marker method closes the interface to this package, mirroring
// the teacher's sealed Message interface (internal/baselib/actor/interface.go).
type Message interface {
	isStageMessage()
}

// RouteMessage carries a packet whose msg_id may be a system command
// (create/get-or-create/reconnect/disconnect-notice) or a user msg_id.
type RouteMessage struct {
	Packet *packet.Packet
}

func (RouteMessage) isStageMessage() {}

// ClientRouteMessage carries a packet to be dispatched to the actor bound
// to AccountID; a missing actor is logged and the payload released
// (spec.md §4.4).
type ClientRouteMessage struct {
	AccountID string
	Packet    *packet.Packet
}

func (ClientRouteMessage) isStageMessage() {}

// JoinActorMessage asks the loop to bind a freshly authenticated Actor
// instance into the stage's actor map, or — if AccountID already has a
// live actor — to treat this as a reconnection (spec.md §4.5).
type JoinActorMessage struct {
	AccountID string
	Actor     *Actor
	// Joined, if non-nil, is sent to once the join (or reconnection
	// rebind) has been processed by the loop, letting the session
	// adapter know when it is safe to acknowledge the client (spec.md
	// §4.9).
	Joined chan error
}

func (JoinActorMessage) isStageMessage() {}

// DisconnectMessage notifies the loop that AccountID's transport session
// dropped. The actor is not removed; only on_connection_changed(false)
// fires (spec.md §4.4).
type DisconnectMessage struct {
	AccountID string
}

func (DisconnectMessage) isStageMessage() {}

// TimerMessage carries a tick's callback, delivered by the Timer Manager
// (never invoked directly by it — see internal/timer's package doc).
type TimerMessage struct {
	TimerID uint64
	Fire    func()
}

func (TimerMessage) isStageMessage() {}

// AsyncMessage carries the result of an async_compute/async_io pre-stage
// plus the post callback to run inside the loop (spec.md §4.8).
type AsyncMessage struct {
	Post func()
}

func (AsyncMessage) isStageMessage() {}

// DestroyMessage tears the stage down: every actor's on_destroy runs, then
// the stage's own on_destroy; after this message, enqueue becomes a no-op
// (spec.md §4.4).
type DestroyMessage struct {
	Done chan struct{}
}

func (DestroyMessage) isStageMessage() {}
