package stage

import (
	"time"

	"github.com/stagecraft/stagert/internal/errs"
	"github.com/stagecraft/stagert/internal/packet"
	"github.com/stagecraft/stagert/internal/reqcache"
	"github.com/stagecraft/stagert/internal/timer"
)

// ServicePolicy selects which peer within a service group receives a
// send_to_service/request_to_service call (spec.md §4.7).
type ServicePolicy int

const (
	// PolicyRoundRobin cycles through a service group's peers in turn.
	PolicyRoundRobin ServicePolicy = iota
	// PolicyWeighted picks a peer proportional to its configured weight.
	PolicyWeighted
)

// Sender is the only API surface through which user callbacks perform
// outbound operations (spec.md §4.7). It is declared here, rather than in
// package sender, so that stage.Actor can hold a reference to it without
// package stage importing package sender — which itself must import
// package stage to read Stage.CurrentHeader and enqueue onto stage
// inboxes. Package sender's StageSender/ActorSender satisfy this
// interface.
type Sender interface {
	// Reply uses the stage's current-header to route a reply to whoever
	// sent the request currently being dispatched. A no-op if there is
	// no current request (spec.md §4.4's current-header convention).
	Reply(pkt *packet.Packet)

	// ReplyError is Reply's error-code shorthand.
	ReplyError(code errs.Code)

	// SendToClient pushes a packet to the bound actor's client session.
	// Only meaningful on an ActorSender; a StageSender's implementation
	// targets a session_id instead via SendToClientSession.
	SendToClient(pkt *packet.Packet) error

	// SendToClientSession targets an explicit session, for server-side
	// stages without a single bound actor.
	SendToClientSession(sessionID string, pkt *packet.Packet) error

	SendToStage(peerID string, stageID int64, pkt *packet.Packet) error
	RequestToStage(peerID string, stageID int64, pkt *packet.Packet,
		timeout time.Duration, cb func(*packet.Packet, error)) error
	RequestToStageFuture(peerID string, stageID int64, pkt *packet.Packet,
		timeout time.Duration) (reqcache.Future[*packet.Packet], error)

	SendToAPI(peerID string, pkt *packet.Packet) error
	RequestToAPI(peerID string, pkt *packet.Packet, timeout time.Duration,
		cb func(*packet.Packet, error)) error

	SendToService(kind, serviceID string, pkt *packet.Packet,
		policy ServicePolicy) error
	RequestToService(kind, serviceID string, pkt *packet.Packet,
		policy ServicePolicy, timeout time.Duration,
		cb func(*packet.Packet, error)) error

	SendToSystem(peerID string, pkt *packet.Packet) error
	RequestToSystem(peerID string, pkt *packet.Packet, timeout time.Duration,
		cb func(*packet.Packet, error)) error

	AsyncCompute(pre func() (any, error), post func(any, error))
	AsyncIO(pre func() (any, error), post func(any, error))

	AddRepeatTimer(initialDelay, period time.Duration, cb func()) uint64
	AddCountTimer(initialDelay, period time.Duration, count int,
		cb func()) uint64
	CancelTimer(timerID uint64)
	HasTimer(timerID uint64) bool

	StartGameLoop(cfg timer.GameLoopConfig, onTick func(steps int, alpha float64))
	StopGameLoop()
	IsGameLoopRunning() bool

	// LeaveStage detaches the bound actor from the stage without
	// destroying the stage itself. ActorSender only.
	LeaveStage()

	// CloseStage asks the Dispatcher to destroy this stage entirely.
	CloseStage()
}
