// Package stage implements the Stage Event Loop (spec.md §4.4), the
// component every other piece of the runtime ultimately feeds into or
// reads from: a per-stage inbox drained by a cooperative single-consumer
// loop that any producing goroutine may briefly become the drainer of.
package stage

import (
	"context"
	"sync"

	"github.com/stagecraft/stagert/internal/packet"
	"github.com/stagecraft/stagert/internal/timer"
)

// header is the (from, msg_seq) pair published into current_header while
// a request-bearing message is being dispatched (spec.md §4.4's
// current-header convention).
type header struct {
	from   string
	msgSeq uint16
}

// Stage is a single-threaded-per-drain actor host multiplexing many
// Actors. Stage state is only ever mutated by the goroutine currently
// holding the drain CAS; this is the exclusivity contract user callbacks
// are written against (spec.md §4.4).
type Stage struct {
	ID   int64
	Type string

	behavior Behavior

	inbox *inbox

	mu        sync.RWMutex
	actors    map[string]*Actor
	isCreated bool

	headerMu      sync.Mutex
	currentHeader *header

	destroyed chan struct{}
	once      sync.Once

	gameLoopMu sync.Mutex
	gameLoop   *timer.GameLoop
	onTick     func(steps int, alpha float64)
}

// New constructs a Stage. The caller (package dispatch) is responsible for
// registering it and for enqueuing the system RouteMessage that triggers
// Behavior.OnCreate — construction itself does not run user code, matching
// spec.md §4.6: "route the command into the (just-created) stage's loop so
// that on_create runs inside the loop."
func New(id int64, stageType string, behavior Behavior) *Stage {
	return &Stage{
		ID:        id,
		Type:      stageType,
		behavior:  behavior,
		inbox:     newInbox(),
		actors:    make(map[string]*Actor),
		destroyed: make(chan struct{}),
	}
}

// IsCreated reports whether on_create has already succeeded.
func (s *Stage) IsCreated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isCreated
}

// Actor returns the actor bound to accountID, if any.
func (s *Stage) Actor(accountID string) (*Actor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actors[accountID]
	return a, ok
}

// ActorCount reports the number of actors currently bound to this stage.
func (s *Stage) ActorCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.actors)
}

// CurrentHeader returns the (from, msg_seq) of the request currently being
// dispatched, for Sender.Reply's implicit routing. ok is false outside of
// a request-bearing dispatch.
func (s *Stage) CurrentHeader() (from string, msgSeq uint16, ok bool) {
	s.headerMu.Lock()
	defer s.headerMu.Unlock()
	if s.currentHeader == nil {
		return "", 0, false
	}
	return s.currentHeader.from, s.currentHeader.msgSeq, true
}

func (s *Stage) setCurrentHeader(pkt *packet.Packet) {
	if pkt == nil || pkt.MsgSeq == 0 {
		return
	}
	s.headerMu.Lock()
	s.currentHeader = &header{from: pkt.From, msgSeq: pkt.MsgSeq}
	s.headerMu.Unlock()
}

func (s *Stage) clearCurrentHeader() {
	s.headerMu.Lock()
	s.currentHeader = nil
	s.headerMu.Unlock()
}

// Enqueue places msg into the stage's inbox and, if this goroutine wins
// the drain CAS, runs the drain loop to completion. Every producer —
// transport I/O, cluster I/O, the Dispatcher, the Timer Manager, the
// worker pools — calls this same method (spec.md §4.4).
func (s *Stage) Enqueue(msg Message) bool {
	if !s.inbox.enqueue(msg) {
		return false
	}

	if s.inbox.tryStartDrain() {
		s.drain()
	}
	return true
}

// drain is the algorithm from spec.md §4.4, verbatim:
//
//	do:
//	  while (inbox.try_dequeue(msg)):
//	    set_current_header(msg.header_if_any)
//	    dispatch(msg)
//	    clear_current_header()
//	    release_ownership(msg)
//	  processing_flag.store(false)
//	while (not inbox.empty and processing_flag.cas(false, true))
func (s *Stage) drain() {
	for {
		for {
			msg, ok := s.inbox.tryDequeue()
			if !ok {
				break
			}
			s.dispatchSafely(msg)
		}

		if !s.inbox.stopDrain() {
			return
		}
		// stopDrain returned true: we won the restart CAS, loop again.
	}
}

// dispatchSafely runs dispatch and recovers from any panic escaping a user
// callback, per spec.md §4.4's failure semantics: "Exceptions thrown out
// of a user callback are caught at the loop boundary, logged, and the loop
// proceeds to the next message."
func (s *Stage) dispatchSafely(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			log.ErrorS(context.Background(),
				"user callback panicked, stage loop continuing",
				nil, "stage_id", s.ID, "panic", r)
		}
	}()

	if rm, ok := msg.(RouteMessage); ok {
		s.setCurrentHeader(rm.Packet)
		defer s.clearCurrentHeader()
	} else if crm, ok := msg.(ClientRouteMessage); ok {
		s.setCurrentHeader(crm.Packet)
		defer s.clearCurrentHeader()
	}

	s.dispatch(msg)
}

func (s *Stage) dispatch(msg Message) {
	switch m := msg.(type) {

	case RouteMessage:
		s.dispatchRoute(m.Packet)

	case ClientRouteMessage:
		actor, ok := s.Actor(m.AccountID)
		if !ok {
			log.DebugS(context.Background(),
				"client route to unknown actor, dropped",
				"stage_id", s.ID, "account_id", m.AccountID)
			m.Packet.Release()
			return
		}
		actor.Behavior.OnDispatch(actor, m.Packet)

	case JoinActorMessage:
		s.handleJoin(m)

	case DisconnectMessage:
		if actor, ok := s.Actor(m.AccountID); ok {
			actor.Behavior.OnConnectionChanged(actor, false)
		}

	case TimerMessage:
		m.Fire()

	case AsyncMessage:
		m.Post()

	case DestroyMessage:
		s.handleDestroy(m)
	}
}

// dispatchRoute implements the two RouteMessage rows of spec.md §4.4's
// dispatch table: a system msg_id goes through on_create (the only system
// command this package itself recognizes — reconnect and
// disconnect-notice are synthesized directly as JoinActorMessage /
// DisconnectMessage by the session adapter, never as a RouteMessage), and
// everything else without a bound actor falls to Behavior.OnDispatch.
func (s *Stage) dispatchRoute(pkt *packet.Packet) {
	if pkt.MsgID == CreateStageMsgID {
		s.runOnCreate()
		return
	}
	s.behavior.OnDispatch(s, pkt)
}

// CreateStageMsgID is the reserved system msg_id the Dispatcher uses to
// trigger on_create inside the stage loop (spec.md §4.6).
const CreateStageMsgID = "__stage_create__"

func (s *Stage) runOnCreate() {
	s.mu.Lock()
	already := s.isCreated
	s.mu.Unlock()
	if already {
		return
	}

	if err := s.behavior.OnCreate(s); err != nil {
		log.ErrorS(context.Background(), "stage on_create failed",
			err, "stage_id", s.ID)
		return
	}

	s.mu.Lock()
	s.isCreated = true
	s.mu.Unlock()
}

func (s *Stage) handleJoin(m JoinActorMessage) {
	s.mu.Lock()
	existing, reconnect := s.actors[m.AccountID]
	s.mu.Unlock()

	if reconnect {
		// Reconnection: destroy the fresh instance (it already ran
		// on_create in session.Adapter.authenticate and is owed the
		// matching on_destroy), rebind the existing actor's session,
		// fire on_connection_changed(true). on_join_stage is
		// deliberately not re-invoked (spec.md §4.5).
		m.Actor.Behavior.OnDestroy(m.Actor)
		existing.SessionRef = m.Actor.SessionRef
		existing.Sender = m.Actor.Sender
		existing.Behavior.OnConnectionChanged(existing, true)
		if m.Joined != nil {
			m.Joined <- nil
		}
		return
	}

	accepted := m.Actor.Behavior.OnJoinStage(m.Actor)
	if !accepted {
		if m.Joined != nil {
			m.Joined <- errJoinRejected
		}
		return
	}

	m.Actor.stage = s
	s.mu.Lock()
	s.actors[m.AccountID] = m.Actor
	s.mu.Unlock()

	m.Actor.Behavior.OnPostJoinStage(m.Actor)

	if m.Joined != nil {
		m.Joined <- nil
	}
}

func (s *Stage) handleDestroy(m DestroyMessage) {
	s.mu.Lock()
	actors := make([]*Actor, 0, len(s.actors))
	for _, a := range s.actors {
		actors = append(actors, a)
	}
	s.actors = make(map[string]*Actor)
	s.mu.Unlock()

	for _, a := range actors {
		a.Behavior.OnDestroy(a)
	}

	s.behavior.OnDestroy(s)

	s.inbox.close()
	s.once.Do(func() { close(s.destroyed) })

	if m.Done != nil {
		close(m.Done)
	}
}

// Destroyed returns a channel closed once this stage's DestroyMessage has
// finished processing.
func (s *Stage) Destroyed() <-chan struct{} {
	return s.destroyed
}

// LeaveStage removes a single actor without tearing down the whole stage
// (the Sender.LeaveStage operation, spec.md §4.7). It must only be called
// from within the stage's own drain loop.
func (s *Stage) LeaveStage(accountID string) {
	s.mu.Lock()
	a, ok := s.actors[accountID]
	if ok {
		delete(s.actors, accountID)
	}
	s.mu.Unlock()

	if ok {
		a.Behavior.OnDestroy(a)
	}
}

// StartGameLoop starts this stage's fixed-timestep loop (spec.md §4.3). A
// second call while one is already running is a no-op.
func (s *Stage) StartGameLoop(cfg timer.GameLoopConfig,
	onTick func(steps int, alpha float64),
) {
	s.gameLoopMu.Lock()
	defer s.gameLoopMu.Unlock()

	if s.gameLoop != nil {
		return
	}
	s.onTick = onTick
	s.gameLoop = timer.NewGameLoop(s, cfg)
	s.gameLoop.Start()
}

// StopGameLoop halts the stage's game loop, if running.
func (s *Stage) StopGameLoop() {
	s.gameLoopMu.Lock()
	gl := s.gameLoop
	s.gameLoop = nil
	s.gameLoopMu.Unlock()

	if gl != nil {
		gl.Stop()
	}
}

// IsGameLoopRunning reports whether a game loop is currently active.
func (s *Stage) IsGameLoopRunning() bool {
	s.gameLoopMu.Lock()
	defer s.gameLoopMu.Unlock()
	return s.gameLoop != nil
}

func (s *Stage) gameLoopFire(steps int, alpha float64) bool {
	s.gameLoopMu.Lock()
	cb := s.onTick
	s.gameLoopMu.Unlock()

	if cb == nil {
		return false
	}
	return s.Enqueue(AsyncMessage{Post: func() { cb(steps, alpha) }})
}
