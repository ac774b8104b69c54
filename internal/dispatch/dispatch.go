// Package dispatch implements the Dispatcher (spec.md §4.6, component
// C6): a sharded, thread-safe stage registry plus the inbound routing
// decision that every packet arriving from a transport session or the
// cluster bus passes through before it reaches a stage's inbox.
package dispatch

import (
	"context"
	"errors"
	"hash/maphash"
	"sync"

	"github.com/stagecraft/stagert/internal/deadletter"
	"github.com/stagecraft/stagert/internal/errs"
	"github.com/stagecraft/stagert/internal/packet"
	"github.com/stagecraft/stagert/internal/reqcache"
	"github.com/stagecraft/stagert/internal/stage"
	"github.com/stagecraft/stagert/internal/timer"
)

// ErrStageAlreadyExists is returned by Create when stage_id is already
// registered.
var ErrStageAlreadyExists = errors.New("dispatch: stage already exists")

// ErrStageNotFound is returned by Get-family lookups that require an
// existing stage.
var ErrStageNotFound = errors.New("dispatch: stage not found")

// ErrUnknownStageType is returned when no Behavior factory is registered
// for a requested stage_type.
var ErrUnknownStageType = errors.New("dispatch: unknown stage type")

// BehaviorFactory constructs the user-defined Behavior for a new stage of
// the given type. Registered per stage_type via RegisterStageType.
type BehaviorFactory func(stageID int64) stage.Behavior

// MetricsSink receives optional Prometheus-style counters from the
// Dispatcher. package metrics' Collector implements this; nil (the
// default) means no metrics are recorded.
type MetricsSink interface {
	IncRouted()
	SetStageCount(n int)
}

// ReplySink delivers an error reply to whoever originated a packet that
// could not be routed — the transport/session layer, not package dispatch
// itself, owns how that reaches a socket. Kept as a narrow interface here
// so dispatch never imports the session or sender packages (both of which
// depend on dispatch already).
type ReplySink interface {
	SendErrorReply(pkt *packet.Packet, code errs.Code)
}

// CreateStageMsgID and GetOrCreateStageMsgID are the reserved wire-level
// system msg_ids RouteInbound recognizes (spec.md §4.6's third routing
// branch, scenarios S1/S2). The requested stage_type travels in the
// packet's Payload as a UTF-8 string: the wire format (§6) has no
// dedicated stage_type field, and these two msg_ids are the only case
// where the Dispatcher itself interprets payload bytes rather than
// treating them as opaque user data.
const (
	CreateStageMsgID      = "CreateStage"
	GetOrCreateStageMsgID = "GetOrCreateStage"
)

const numShards = 32

type shard struct {
	mu     sync.RWMutex
	stages map[int64]*stage.Stage
}

// Dispatcher routes inbound packets to stages and owns the stage registry.
// One Dispatcher instance backs an entire runtime.
type Dispatcher struct {
	shards  [numShards]*shard
	seed    maphash.Seed
	factory map[string]BehaviorFactory

	factoryMu sync.RWMutex

	timers   *timer.Manager
	reqCache *reqcache.Cache
	replies  ReplySink

	deadLetters deadletter.Recorder
	metrics     MetricsSink
}

// SetDeadLetters wires r to receive a record of every packet RouteInbound
// drops instead of delivering. Optional; nil (the default) means drops are
// only logged.
func (d *Dispatcher) SetDeadLetters(r deadletter.Recorder) {
	d.deadLetters = r
}

// SetMetrics wires m to receive routing/stage-count counters. Optional; nil
// (the default) means metrics are simply not collected.
func (d *Dispatcher) SetMetrics(m MetricsSink) {
	d.metrics = m
}

func (d *Dispatcher) reportStageCount() {
	if d.metrics == nil {
		return
	}
	d.metrics.SetStageCount(len(d.ListStages()))
}

// New constructs a Dispatcher. timers and reqCache are shared,
// process-wide instances; replies delivers stage_not_found errors back to
// the transport layer.
func New(timers *timer.Manager, reqCache *reqcache.Cache, replies ReplySink) *Dispatcher {
	d := &Dispatcher{
		seed:    maphash.MakeSeed(),
		factory: make(map[string]BehaviorFactory),
		timers:  timers,
		reqCache: reqCache,
		replies: replies,
	}
	for i := range d.shards {
		d.shards[i] = &shard{stages: make(map[int64]*stage.Stage)}
	}
	return d
}

// RegisterStageType associates stageType with the Behavior factory used to
// construct stages of that type.
func (d *Dispatcher) RegisterStageType(stageType string, f BehaviorFactory) {
	d.factoryMu.Lock()
	defer d.factoryMu.Unlock()
	d.factory[stageType] = f
}

func (d *Dispatcher) shardFor(stageID int64) *shard {
	var h maphash.Hash
	h.SetSeed(d.seed)
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(stageID >> (8 * i))
	}
	h.Write(buf[:])
	return d.shards[h.Sum64()%numShards]
}

// Get looks up stageID without creating it.
func (d *Dispatcher) Get(stageID int64) (*stage.Stage, bool) {
	sh := d.shardFor(stageID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.stages[stageID]
	return s, ok
}

// Create registers a new stage of stageType at stageID, failing with
// ErrStageAlreadyExists if one is already present. The returned Stage has
// not yet run on_create — the caller (or Create itself) must route the
// system create command into it so on_create runs inside the loop, per
// spec.md §4.6.
func (d *Dispatcher) Create(stageID int64, stageType string) (*stage.Stage, error) {
	behavior, err := d.lookupFactory(stageType)
	if err != nil {
		return nil, err
	}

	sh := d.shardFor(stageID)
	sh.mu.Lock()
	if _, exists := sh.stages[stageID]; exists {
		sh.mu.Unlock()
		return nil, ErrStageAlreadyExists
	}

	s := stage.New(stageID, stageType, behavior(stageID))
	sh.stages[stageID] = s
	sh.mu.Unlock()

	d.triggerOnCreate(s)
	d.reportStageCount()
	return s, nil
}

// GetOrCreate returns the existing stage at stageID, or atomically creates
// one of stageType if absent. created reports which branch was taken.
func (d *Dispatcher) GetOrCreate(stageID int64, stageType string) (s *stage.Stage, created bool, err error) {
	sh := d.shardFor(stageID)

	sh.mu.RLock()
	existing, ok := sh.stages[stageID]
	sh.mu.RUnlock()
	if ok {
		return existing, false, nil
	}

	behavior, err := d.lookupFactory(stageType)
	if err != nil {
		return nil, false, err
	}

	sh.mu.Lock()
	if existing, ok := sh.stages[stageID]; ok {
		sh.mu.Unlock()
		return existing, false, nil
	}

	s = stage.New(stageID, stageType, behavior(stageID))
	sh.stages[stageID] = s
	sh.mu.Unlock()

	d.triggerOnCreate(s)
	d.reportStageCount()
	return s, true, nil
}

func (d *Dispatcher) lookupFactory(stageType string) (BehaviorFactory, error) {
	d.factoryMu.RLock()
	defer d.factoryMu.RUnlock()
	f, ok := d.factory[stageType]
	if !ok {
		return nil, ErrUnknownStageType
	}
	return f, nil
}

func (d *Dispatcher) triggerOnCreate(s *stage.Stage) {
	s.Enqueue(stage.RouteMessage{
		Packet: &packet.Packet{MsgID: stage.CreateStageMsgID, StageID: s.ID},
	})
}

// Destroy removes stageID from the registry, cancels every timer it owns,
// and enqueues a final DestroyMessage. It blocks until that message has
// finished draining, so callers can rely on on_destroy having fully run
// once Destroy returns.
func (d *Dispatcher) Destroy(stageID int64) error {
	sh := d.shardFor(stageID)

	sh.mu.Lock()
	s, ok := sh.stages[stageID]
	if ok {
		delete(sh.stages, stageID)
	}
	sh.mu.Unlock()

	if !ok {
		return ErrStageNotFound
	}

	if d.timers != nil {
		d.timers.CancelAllFor(stageID)
	}

	done := make(chan struct{})
	s.Enqueue(stage.DestroyMessage{Done: done})
	<-done

	d.reportStageCount()
	return nil
}

// RouteInbound implements spec.md §4.6's inbound routing decision: a reply
// short-circuits to the Request Cache, a create / get-or-create system
// command is handled here (stage-level atomic creation, scenarios S1/S2),
// and everything else is a normal stage-lookup-and-enqueue. Authenticated
// client traffic never reaches RouteInbound — it goes through RouteToClient
// instead, via session.Adapter.
func (d *Dispatcher) RouteInbound(pkt *packet.Packet) {
	if pkt.IsReply && pkt.MsgSeq > 0 {
		if d.reqCache != nil && d.reqCache.TryComplete(pkt.MsgSeq, pkt) {
			return
		}
		// No matching waiter: a legitimate race between a reply and a
		// timeout sweep (spec.md §4.6). Fall through to normal stage
		// routing below, as the spec directs.
	}

	switch pkt.MsgID {
	case CreateStageMsgID:
		d.handleCreateCommand(pkt, false)
		return
	case GetOrCreateStageMsgID:
		d.handleCreateCommand(pkt, true)
		return
	}

	s, ok := d.Get(pkt.StageID)
	if !ok {
		if d.deadLetters != nil {
			d.deadLetters.Record(deadletter.Entry{
				Reason: deadletter.ReasonStageNotFound, MsgID: pkt.MsgID,
				StageID: pkt.StageID,
			})
		}
		if pkt.MsgSeq > 0 {
			if d.replies != nil {
				d.replies.SendErrorReply(pkt, errs.StageNotFound)
			}
			pkt.Release()
			return
		}
		log.DebugS(context.Background(), "route to unknown stage dropped",
			"stage_id", pkt.StageID, "msg_id", pkt.MsgID)
		pkt.Release()
		return
	}

	if !s.Enqueue(stage.RouteMessage{Packet: pkt}) {
		pkt.Release()
		return
	}
	if d.metrics != nil {
		d.metrics.IncRouted()
	}
}

// handleCreateCommand implements spec.md §4.6's third routing branch: a
// create / get-or-create system command is handled here — Create and
// GetOrCreate already route their own on_create trigger into the stage's
// loop via triggerOnCreate — then a success or error reply is sent back to
// whoever originated the request (scenarios S1, S2).
func (d *Dispatcher) handleCreateCommand(pkt *packet.Packet, getOrCreate bool) {
	stageType := ""
	if pkt.Payload != nil {
		stageType = string(pkt.Payload.Bytes())
	}

	var err error
	if getOrCreate {
		_, _, err = d.GetOrCreate(pkt.StageID, stageType)
	} else {
		_, err = d.Create(pkt.StageID, stageType)
	}

	if pkt.MsgSeq > 0 && d.replies != nil {
		d.replies.SendErrorReply(pkt, createCommandErrCode(err))
	}
	pkt.Release()
}

// createCommandErrCode maps Create/GetOrCreate's sentinel errors onto the
// stable error taxonomy (spec.md §6).
func createCommandErrCode(err error) errs.Code {
	switch {
	case err == nil:
		return errs.Success
	case errors.Is(err, ErrStageAlreadyExists):
		return errs.StageAlreadyExists
	case errors.Is(err, ErrUnknownStageType):
		return errs.InvalidStageType
	default:
		return errs.StageCreationFailed
	}
}

// StageInfo is a read-only snapshot of one registered stage, used by the
// admin inspection surface (cmd/stagectl's "stages ls").
type StageInfo struct {
	ID         int64
	Type       string
	ActorCount int
}

// ListStages snapshots every stage currently registered across all shards.
func (d *Dispatcher) ListStages() []StageInfo {
	var out []StageInfo
	for _, sh := range d.shards {
		sh.mu.RLock()
		for _, s := range sh.stages {
			out = append(out, StageInfo{ID: s.ID, Type: s.Type, ActorCount: s.ActorCount()})
		}
		sh.mu.RUnlock()
	}
	return out
}

// RouteToClient enqueues a ClientRouteMessage addressed to accountID
// within stageID — the path used by the session adapter for ordinary,
// already-authenticated client traffic (spec.md §4.4).
func (d *Dispatcher) RouteToClient(stageID int64, accountID string, pkt *packet.Packet) {
	s, ok := d.Get(stageID)
	if !ok {
		pkt.Release()
		return
	}
	if !s.Enqueue(stage.ClientRouteMessage{AccountID: accountID, Packet: pkt}) {
		pkt.Release()
	}
}
