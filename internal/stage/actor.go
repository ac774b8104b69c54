package stage

import "github.com/stagecraft/stagert/internal/packet"

// ActorBehavior is the user-defined logic bound to one authenticated
// client within a stage (spec.md §4.5). OnCreate, OnAuthenticate and
// OnPostAuthenticate (and OnDestroy when authentication fails) run in
// session.Adapter before the actor joins the stage; every other call runs
// on the stage's drain loop, with exclusive access to stage and actor
// state.
type ActorBehavior interface {
	// OnCreate runs once, immediately after the actor is instantiated,
	// before authentication. sender is already bound but account_id is
	// not yet set.
	OnCreate(a *Actor)

	// OnAuthenticate validates authPkt and must set a.AccountID before
	// returning true. Returning false fails authentication.
	OnAuthenticate(a *Actor, authPkt *packet.Packet) bool

	// OnPostAuthenticate runs after a successful OnAuthenticate, before
	// the join message reaches the stage loop. May perform follow-up
	// API-server calls via a.Sender.
	OnPostAuthenticate(a *Actor)

	// OnJoinStage runs inside the stage loop once the actor map does
	// not already hold this account_id. Returning false rejects the
	// join (the actor is not inserted and on_destroy is not implied
	// here — the caller is responsible for disposing of it).
	OnJoinStage(a *Actor) bool

	// OnPostJoinStage runs immediately after a successful join, with
	// the actor already present in the stage's actor map.
	OnPostJoinStage(a *Actor)

	// OnDispatch handles a user msg_id addressed to this actor.
	OnDispatch(a *Actor, pkt *packet.Packet)

	// OnConnectionChanged fires on join/reconnect (connected=true) and
	// on transport disconnect (connected=false). The actor is never
	// removed from the stage purely because of a disconnect.
	OnConnectionChanged(a *Actor, connected bool)

	// OnDestroy runs once, when the stage (or the actor individually
	// via leave_stage) is torn down.
	OnDestroy(a *Actor)
}

// Behavior is the user-defined logic for the stage itself: system-level
// dispatch with no bound actor, creation, and teardown (spec.md §4.4's
// RouteMessage-with-no-actor row and the DestroyMessage row).
type Behavior interface {
	// OnCreate runs once, the first time the stage is constructed by
	// the Dispatcher (never re-run on get_or_create of an existing
	// stage).
	OnCreate(s *Stage) error

	// OnDispatch handles a user msg_id with no bound actor — the
	// server-side / stateless branch of spec.md §4.4's dispatch table.
	OnDispatch(s *Stage, pkt *packet.Packet)

	// OnDestroy runs once, after every actor's OnDestroy, as the final
	// step of tearing the stage down.
	OnDestroy(s *Stage)
}

// Actor is one authenticated client bound into a Stage's actor map.
// Exactly one Actor exists per account_id per stage at a time; a
// reconnection rebinds this same instance rather than creating a second
// one (spec.md §4.5).
type Actor struct {
	AccountID string

	// Sender is this actor's bound outbound API (spec.md §4.7's
	// ActorSender flavour). Built by the session adapter before
	// OnCreate runs.
	Sender Sender

	// Behavior is the user-supplied callback set driving this actor.
	Behavior ActorBehavior

	// SessionRef is an opaque handle the session adapter uses to push
	// frames to this actor's transport session. Stage code never
	// inspects it; it exists only so Sender implementations can reach
	// the transport layer.
	SessionRef any

	stage *Stage
}

// Stage returns the stage this actor is bound to.
func (a *Actor) Stage() *Stage { return a.stage }
