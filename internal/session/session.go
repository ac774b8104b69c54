// Package session implements the Session adapter (spec.md §4.9, component
// C9): the boundary between a transport (TCP, WebSocket, ...) and the
// core. It enforces pre-auth message gating, drives the authentication →
// join handshake of spec.md §4.5, and turns transport disconnects into a
// synthesized DisconnectMessage.
package session

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/stagecraft/stagert/internal/dispatch"
	"github.com/stagecraft/stagert/internal/errs"
	"github.com/stagecraft/stagert/internal/packet"
	"github.com/stagecraft/stagert/internal/sender"
	"github.com/stagecraft/stagert/internal/stage"
)

// Transport is the narrow interface a concrete transport (package
// transport/tcp, transport/ws) must satisfy for the session adapter to
// drive it. The adapter never holds a socket directly.
type Transport interface {
	// ID is this session's transport-assigned identifier.
	ID() string

	// Send pushes pkt to the client. Implementations own wire framing.
	Send(pkt *packet.Packet) error

	// Close tears down the underlying connection.
	Close() error
}

// ActorFactory builds the user-defined ActorBehavior for a newly accepted
// session targeting a stage of the given type.
type ActorFactory func(stageType string) (stage.ActorBehavior, error)

// Config configures an Adapter.
type Config struct {
	// AuthMessageID is the only msg_id a pre-auth session is allowed to
	// send (spec.md §4.9's "pre-auth gating").
	AuthMessageID string

	// JoinTimeout bounds how long the handshake waits for the stage loop
	// to process the JoinActorMessage before giving up and closing the
	// session.
	JoinTimeout time.Duration

	// DefaultStageType, if non-empty, is used to lazily get_or_create the
	// target stage on first authentication rather than requiring it to
	// already exist (spec.md §3's Stage lifecycle note: "or lazily on
	// the first client authentication when a default stage type is
	// configured").
	DefaultStageType string
}

// DefaultJoinTimeout bounds the authentication handshake's wait for join
// completion.
const DefaultJoinTimeout = 5 * time.Second

var (
	// ErrNotAuthenticated is returned when a pre-auth session sends
	// anything but the configured authentication msg_id.
	ErrNotAuthenticated = errors.New("session: message sent before authentication")

	// ErrAlreadyAuthenticated is returned if the authentication frame
	// arrives twice on the same session.
	ErrAlreadyAuthenticated = errors.New("session: already authenticated")

	// ErrMissingAccountID is returned when on_authenticate returns true
	// without setting the actor's account id (spec.md §4.5).
	ErrMissingAccountID = errors.New("session: on_authenticate succeeded without setting account_id")
)

// Session tracks per-connection state for one client (spec.md §4.9: "Per
// session state: session_id, account_id, is_authenticated,
// current_stage_id, send channel handle").
type Session struct {
	id            string
	transport     Transport
	authenticated atomic.Bool
	accountID     atomic.Value // string
	stageID       atomic.Int64
	actor         *stage.Actor
}

// AccountID returns the bound account id, or "" before authentication.
func (s *Session) AccountID() string {
	v := s.accountID.Load()
	if v == nil {
		return ""
	}
	return v.(string)
}

// StageID returns the stage this session is currently joined to.
func (s *Session) StageID() int64 { return s.stageID.Load() }

// Actor returns the bound Actor once authentication has completed, or nil
// before then.
func (s *Session) Actor() *stage.Actor { return s.actor }

// Adapter wires Transport callbacks into the Dispatcher and the
// authentication handshake.
type Adapter struct {
	cfg        Config
	dispatcher *dispatch.Dispatcher
	senderDeps *sender.Deps
	factory    ActorFactory
}

// NewAdapter constructs a session Adapter.
func NewAdapter(cfg Config, d *dispatch.Dispatcher, senderDeps *sender.Deps,
	factory ActorFactory,
) *Adapter {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	return &Adapter{cfg: cfg, dispatcher: d, senderDeps: senderDeps, factory: factory}
}

// Accept wraps a newly connected transport in a new Session; it does not
// add the transport to a Registry.
func (a *Adapter) Accept(t Transport) *Session {
	return &Session{id: t.ID(), transport: t}
}

// HandleFrame processes one inbound packet from sess's transport,
// implementing spec.md §4.9's per-frame decision tree.
func (a *Adapter) HandleFrame(sess *Session, pkt *packet.Packet) error {
	if !sess.authenticated.Load() {
		if pkt.MsgID != a.cfg.AuthMessageID {
			pkt.Release()
			_ = sess.transport.Close()
			log.WarnS(context.Background(), "pre-auth gating violation, session closed",
				nil, "session_id", sess.id, "msg_id", pkt.MsgID)
			return ErrNotAuthenticated
		}
		return a.authenticate(sess, pkt)
	}

	a.dispatcher.RouteToClient(sess.StageID(), sess.AccountID(), pkt)
	return nil
}

// authenticate runs the handshake of spec.md §4.5 steps 1-7.
func (a *Adapter) authenticate(sess *Session, authPkt *packet.Packet) error {
	targetStageID := authPkt.StageID

	var target *stage.Stage
	var err error
	if a.cfg.DefaultStageType != "" {
		target, _, err = a.dispatcher.GetOrCreate(targetStageID, a.cfg.DefaultStageType)
	} else {
		var ok bool
		target, ok = a.dispatcher.Get(targetStageID)
		if !ok {
			err = dispatch.ErrStageNotFound
		}
	}
	if err != nil {
		a.failAuth(sess, authPkt, errs.StageNotFound)
		return err
	}

	behavior, err := a.factory(target.Type)
	if err != nil {
		a.failAuth(sess, authPkt, errs.InternalError)
		return err
	}

	actor := &stage.Actor{SessionRef: sess.transport.ID()}
	actor.Sender = sender.NewActorSender(a.senderDeps, target, actor)
	actor.Behavior = behavior

	actor.Behavior.OnCreate(actor)

	if !actor.Behavior.OnAuthenticate(actor, authPkt) {
		actor.Behavior.OnDestroy(actor)
		a.failAuth(sess, authPkt, errs.AuthenticationFailed)
		return nil
	}
	if actor.AccountID == "" {
		actor.Behavior.OnDestroy(actor)
		a.failAuth(sess, authPkt, errs.InvalidAccountID)
		return ErrMissingAccountID
	}

	actor.Behavior.OnPostAuthenticate(actor)

	joined := make(chan error, 1)
	target.Enqueue(stage.JoinActorMessage{
		AccountID: actor.AccountID,
		Actor:     actor,
		Joined:    joined,
	})

	select {
	case joinErr := <-joined:
		if joinErr != nil {
			a.failAuth(sess, authPkt, errs.JoinStageRejected)
			return joinErr
		}
	case <-time.After(a.cfg.JoinTimeout):
		a.failAuth(sess, authPkt, errs.InternalError)
		return errors.New("session: join timed out")
	}

	sess.accountID.Store(actor.AccountID)
	sess.stageID.Store(targetStageID)
	sess.actor = actor
	sess.authenticated.Store(true)

	reply := &packet.Packet{
		MsgID:     a.cfg.AuthMessageID,
		MsgSeq:    authPkt.MsgSeq,
		StageID:   targetStageID,
		AccountID: actor.AccountID,
		IsReply:   authPkt.MsgSeq != 0,
	}
	return sess.transport.Send(reply)
}

func (a *Adapter) failAuth(sess *Session, authPkt *packet.Packet, code errs.Code) {
	reply := packet.NewErrorReply(a.cfg.AuthMessageID, authPkt.MsgSeq, authPkt.StageID, uint16(code))
	_ = sess.transport.Send(reply)
	_ = sess.transport.Close()
}

// Disconnect synthesizes a DisconnectMessage for sess's bound stage, if
// any, so on_connection_changed(false) fires (spec.md §4.9). The actor is
// not removed.
func (a *Adapter) Disconnect(sess *Session) {
	if !sess.authenticated.Load() {
		return
	}
	if s, ok := a.dispatcher.Get(sess.StageID()); ok {
		s.Enqueue(stage.DisconnectMessage{AccountID: sess.AccountID()})
	}
}
