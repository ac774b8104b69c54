package sender

import (
	"context"
	"errors"
	"time"

	"github.com/stagecraft/stagert/internal/deadletter"
	"github.com/stagecraft/stagert/internal/dispatch"
	"github.com/stagecraft/stagert/internal/errs"
	"github.com/stagecraft/stagert/internal/packet"
	"github.com/stagecraft/stagert/internal/reqcache"
	"github.com/stagecraft/stagert/internal/stage"
	"github.com/stagecraft/stagert/internal/timer"
	"github.com/stagecraft/stagert/internal/worker"
)

// Deps bundles the shared, process-wide collaborators every Sender needs.
// One Deps value is constructed at startup and reused to build every
// StageSender/ActorSender.
type Deps struct {
	Dispatcher *dispatch.Dispatcher
	ReqCache   *reqcache.Cache
	Timers     *timer.Manager
	Compute    *worker.Pool
	IO         *worker.Pool
	Peers      PeerTransport
	Clients    ClientTransport
	Services   ServiceRegistry

	// DeadLetters, if set, records every message this Sender drops
	// rather than delivers.
	DeadLetters deadletter.Recorder

	roundRobin roundRobinSelector
	weighted   *weightedSelector
}

// NewDeps constructs a Deps with its internal selectors initialized.
func NewDeps(d *dispatch.Dispatcher, rc *reqcache.Cache, timers *timer.Manager,
	compute, io *worker.Pool, peers PeerTransport, clients ClientTransport,
	services ServiceRegistry,
) *Deps {
	return &Deps{
		Dispatcher: d,
		ReqCache:   rc,
		Timers:     timers,
		Compute:    compute,
		IO:         io,
		Peers:      peers,
		Clients:    clients,
		Services:   services,
		weighted:   newWeightedSelector(),
	}
}

func (d *Deps) selector(policy stage.ServicePolicy) groupSelector {
	if policy == stage.PolicyWeighted {
		return d.weighted
	}
	return &d.roundRobin
}

// StageSender is the stage-bound, actor-less flavour of Sender, used by
// server-side stages that have no single client session to address
// (spec.md §4.7).
type StageSender struct {
	deps  *Deps
	stage *stage.Stage
}

// NewStageSender binds deps to s.
func NewStageSender(deps *Deps, s *stage.Stage) *StageSender {
	return &StageSender{deps: deps, stage: s}
}

// ActorSender adds account_id and client-push semantics on top of
// StageSender, bound to one authenticated Actor (spec.md §4.7).
type ActorSender struct {
	StageSender
	actor *stage.Actor
}

// NewActorSender binds deps to s and actor.
func NewActorSender(deps *Deps, s *stage.Stage, actor *stage.Actor) *ActorSender {
	return &ActorSender{StageSender: StageSender{deps: deps, stage: s}, actor: actor}
}

var (
	_ stage.Sender = (*StageSender)(nil)
	_ stage.Sender = (*ActorSender)(nil)
)

func (s *StageSender) Reply(pkt *packet.Packet) {
	from, seq, ok := s.stage.CurrentHeader()
	if !ok {
		log.DebugS(context.Background(), "reply with no current request, dropped",
			"stage_id", s.stage.ID)
		pkt.Release()
		return
	}

	pkt.MsgSeq = seq
	pkt.IsReply = true
	pkt.StageID = s.stage.ID

	if from == "" {
		// Client-origin request: route the reply back through the
		// client transport rather than the peer transport.
		s.pushReplyToClient(pkt, pkt.SID)
		return
	}

	if err := s.deps.Peers.SendToStage(from, s.stage.ID, pkt); err != nil {
		log.WarnS(context.Background(), "reply delivery to peer failed",
			err, "peer", from, "stage_id", s.stage.ID)
	}
}

// pushReplyToClient delivers a client-origin reply via the Clients
// transport. sessionID is resolved by the caller: Go's embedding does not
// give StageSender a way to see ActorSender's bound session through a
// promoted method call, so every caller passes the right id explicitly
// instead of relying on receiver-type polymorphism.
func (s *StageSender) pushReplyToClient(pkt *packet.Packet, sessionID string) {
	if sessionID == "" {
		pkt.Release()
		return
	}
	if err := s.deps.Clients.PushToSession(sessionID, pkt); err != nil {
		log.DebugS(context.Background(), "reply push to disconnected client dropped",
			"session_id", sessionID)
	}
}

// boundSessionID returns the actor's bound session id, or "" if
// disconnected.
func (a *ActorSender) boundSessionID() string {
	if sid, ok := a.actor.SessionRef.(string); ok {
		return sid
	}
	return ""
}

func (a *ActorSender) Reply(pkt *packet.Packet) {
	from, seq, ok := a.stage.CurrentHeader()
	if !ok {
		pkt.Release()
		return
	}
	pkt.MsgSeq = seq
	pkt.IsReply = true
	pkt.StageID = a.stage.ID

	if from == "" {
		sid := pkt.SID
		if sid == "" {
			sid = a.boundSessionID()
		}
		a.pushReplyToClient(pkt, sid)
		return
	}
	if err := a.deps.Peers.SendToStage(from, a.stage.ID, pkt); err != nil {
		log.WarnS(context.Background(), "reply delivery to peer failed",
			err, "peer", from, "stage_id", a.stage.ID)
	}
}

func (s *StageSender) ReplyError(code errs.Code) {
	_, seq, ok := s.stage.CurrentHeader()
	if !ok {
		return
	}
	s.Reply(packet.NewErrorReply("", seq, s.stage.ID, uint16(code)))
}

func (a *ActorSender) ReplyError(code errs.Code) {
	_, seq, ok := a.stage.CurrentHeader()
	if !ok {
		return
	}
	a.Reply(packet.NewErrorReply("", seq, a.stage.ID, uint16(code)))
}

func (s *StageSender) SendToClient(pkt *packet.Packet) error {
	// No bound actor on a plain StageSender: this operation only makes
	// sense on ActorSender (spec.md §4.7).
	pkt.Release()
	return errors.New("sender: send_to_client requires an actor-bound sender")
}

func (a *ActorSender) SendToClient(pkt *packet.Packet) error {
	sid := a.boundSessionID()
	if sid == "" {
		log.DebugS(context.Background(), "send_to_client on disconnected actor, dropped",
			"account_id", a.actor.AccountID, "msg_id", pkt.MsgID)
		if a.deps.DeadLetters != nil {
			a.deps.DeadLetters.Record(deadletter.Entry{
				Reason: deadletter.ReasonDisconnectedClient, MsgID: pkt.MsgID,
				StageID: a.stage.ID, AccountID: a.actor.AccountID,
			})
		}
		pkt.Release()
		return nil
	}
	return a.deps.Clients.PushToSession(sid, pkt)
}

// StartDisconnectGrace arms a one-shot timer that fires after d unless
// canceled first; a typical on_connection_changed(false) hook uses this to
// give a reconnecting client a grace window before treating the session as
// permanently gone (SPEC_FULL.md §D.1 — core itself has no opinion on grace
// windows, this is a user-level convenience built on AddCountTimer).
func (a *ActorSender) StartDisconnectGrace(d time.Duration, onExpire func()) uint64 {
	return a.AddCountTimer(d, 0, 1, onExpire)
}

func (s *StageSender) SendToClientSession(sessionID string, pkt *packet.Packet) error {
	return s.deps.Clients.PushToSession(sessionID, pkt)
}

func (s *StageSender) SendToStage(peerID string, stageID int64, pkt *packet.Packet) error {
	return s.deps.Peers.SendToStage(peerID, stageID, pkt)
}

func (s *StageSender) RequestToStage(peerID string, stageID int64, pkt *packet.Packet,
	timeout time.Duration, cb func(*packet.Packet, error),
) error {
	seq := s.deps.ReqCache.NextSeq()
	pkt.MsgSeq = seq
	pkt.StageID = stageID

	s.deps.ReqCache.RegisterCallback(seq, timeout, cb)

	if err := s.deps.Peers.SendToStage(peerID, stageID, pkt); err != nil {
		return err
	}
	return nil
}

func (s *StageSender) RequestToStageFuture(peerID string, stageID int64, pkt *packet.Packet,
	timeout time.Duration,
) (reqcache.Future[*packet.Packet], error) {
	seq := s.deps.ReqCache.NextSeq()
	pkt.MsgSeq = seq
	pkt.StageID = stageID

	future := s.deps.ReqCache.RegisterFuture(seq, timeout)

	if err := s.deps.Peers.SendToStage(peerID, stageID, pkt); err != nil {
		return nil, err
	}
	return future, nil
}

func (s *StageSender) SendToAPI(peerID string, pkt *packet.Packet) error {
	return s.deps.Peers.SendToAPI(peerID, pkt)
}

func (s *StageSender) RequestToAPI(peerID string, pkt *packet.Packet, timeout time.Duration,
	cb func(*packet.Packet, error),
) error {
	seq := s.deps.ReqCache.NextSeq()
	pkt.MsgSeq = seq
	s.deps.ReqCache.RegisterCallback(seq, timeout, cb)
	return s.deps.Peers.SendToAPI(peerID, pkt)
}

func (s *StageSender) SendToService(kind, serviceID string, pkt *packet.Packet,
	policy stage.ServicePolicy,
) error {
	peer := s.resolveServicePeer(kind, serviceID, policy)
	if peer == "" {
		s.recordNoPeers(kind, serviceID, pkt)
		return errors.New("sender: no peers available for service group")
	}
	return s.deps.Peers.SendToStage(peer, pkt.StageID, pkt)
}

func (s *StageSender) recordNoPeers(kind, serviceID string, pkt *packet.Packet) {
	if s.deps.DeadLetters != nil {
		s.deps.DeadLetters.Record(deadletter.Entry{
			Reason: deadletter.ReasonNoPeers, MsgID: pkt.MsgID,
			StageID: s.stage.ID, PeerID: kind + "/" + serviceID,
		})
	}
	pkt.Release()
}

func (s *StageSender) RequestToService(kind, serviceID string, pkt *packet.Packet,
	policy stage.ServicePolicy, timeout time.Duration, cb func(*packet.Packet, error),
) error {
	peer := s.resolveServicePeer(kind, serviceID, policy)
	if peer == "" {
		s.recordNoPeers(kind, serviceID, pkt)
		return errors.New("sender: no peers available for service group")
	}
	return s.RequestToStage(peer, pkt.StageID, pkt, timeout, cb)
}

func (s *StageSender) resolveServicePeer(kind, serviceID string, policy stage.ServicePolicy) string {
	peers := s.deps.Services.PeersForService(kind, serviceID)
	return s.deps.selector(policy).next(peers)
}

func (s *StageSender) SendToSystem(peerID string, pkt *packet.Packet) error {
	return s.deps.Peers.SendToSystem(peerID, pkt)
}

func (s *StageSender) RequestToSystem(peerID string, pkt *packet.Packet, timeout time.Duration,
	cb func(*packet.Packet, error),
) error {
	seq := s.deps.ReqCache.NextSeq()
	pkt.MsgSeq = seq
	s.deps.ReqCache.RegisterCallback(seq, timeout, cb)
	return s.deps.Peers.SendToSystem(peerID, pkt)
}

func (s *StageSender) AsyncCompute(pre func() (any, error), post func(any, error)) {
	s.deps.Compute.Submit(context.Background(), s.stage, pre, post)
}

func (s *StageSender) AsyncIO(pre func() (any, error), post func(any, error)) {
	s.deps.IO.Submit(context.Background(), s.stage, pre, post)
}

func (s *StageSender) AddRepeatTimer(initialDelay, period time.Duration, cb func()) uint64 {
	return s.deps.Timers.AddRepeat(s.stage, initialDelay, period, cb)
}

func (s *StageSender) AddCountTimer(initialDelay, period time.Duration, count int, cb func()) uint64 {
	return s.deps.Timers.AddCount(s.stage, initialDelay, period, count, cb)
}

func (s *StageSender) CancelTimer(timerID uint64) {
	s.deps.Timers.Cancel(timerID)
}

func (s *StageSender) HasTimer(timerID uint64) bool {
	return s.deps.Timers.Has(timerID)
}

func (s *StageSender) StartGameLoop(cfg timer.GameLoopConfig, onTick func(steps int, alpha float64)) {
	s.stage.StartGameLoop(cfg, onTick)
}

func (s *StageSender) StopGameLoop() {
	s.stage.StopGameLoop()
}

func (s *StageSender) IsGameLoopRunning() bool {
	return s.stage.IsGameLoopRunning()
}

func (s *StageSender) LeaveStage() {
	// No bound actor on a plain StageSender.
}

func (a *ActorSender) LeaveStage() {
	a.stage.LeaveStage(a.actor.AccountID)
}

func (s *StageSender) CloseStage() {
	go func() {
		if err := s.deps.Dispatcher.Destroy(s.stage.ID); err != nil {
			log.DebugS(context.Background(), "close_stage failed",
				"stage_id", s.stage.ID, "error", err)
		}
	}()
}
