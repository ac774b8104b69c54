package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stagecraft/stagert/internal/dispatch"
	"github.com/stagecraft/stagert/internal/errs"
	"github.com/stagecraft/stagert/internal/packet"
	"github.com/stagecraft/stagert/internal/reqcache"
	"github.com/stagecraft/stagert/internal/sender"
	"github.com/stagecraft/stagert/internal/stage"
	"github.com/stagecraft/stagert/internal/timer"
	"github.com/stagecraft/stagert/internal/worker"
)

type fakeTransport struct {
	id string

	mu     sync.Mutex
	sent   []*packet.Packet
	closed bool
}

func (f *fakeTransport) ID() string { return f.id }

func (f *fakeTransport) Send(pkt *packet.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, pkt)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) lastSent() *packet.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type echoActorBehavior struct {
	accountID string
}

func (b *echoActorBehavior) OnCreate(*stage.Actor) {}
func (b *echoActorBehavior) OnAuthenticate(a *stage.Actor, pkt *packet.Packet) bool {
	a.AccountID = b.accountID
	return true
}
func (b *echoActorBehavior) OnPostAuthenticate(*stage.Actor) {}
func (b *echoActorBehavior) OnJoinStage(*stage.Actor) bool   { return true }
func (b *echoActorBehavior) OnPostJoinStage(*stage.Actor)    {}
func (b *echoActorBehavior) OnDispatch(a *stage.Actor, pkt *packet.Packet) {
	a.Sender.Reply(&packet.Packet{MsgID: "Pong"})
}
func (b *echoActorBehavior) OnConnectionChanged(*stage.Actor, bool) {}
func (b *echoActorBehavior) OnDestroy(*stage.Actor)                 {}

type nopStageBehavior struct{}

func (nopStageBehavior) OnCreate(*stage.Stage) error             { return nil }
func (nopStageBehavior) OnDispatch(*stage.Stage, *packet.Packet) {}
func (nopStageBehavior) OnDestroy(*stage.Stage)                  {}

// transportRegistry is a test ClientTransport that routes a
// send_to_client push back to the fakeTransport that registered under
// that session id — standing in for a real transport layer's connection
// table.
type transportRegistry struct {
	mu    sync.Mutex
	byID  map[string]Transport
}

func newTransportRegistry() *transportRegistry {
	return &transportRegistry{byID: make(map[string]Transport)}
}

func (r *transportRegistry) register(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[t.ID()] = t
}

func (r *transportRegistry) PushToSession(sessionID string, pkt *packet.Packet) error {
	r.mu.Lock()
	t, ok := r.byID[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return t.Send(pkt)
}

func newTestAdapter(t *testing.T, accountID string) (*Adapter, *dispatch.Dispatcher, *transportRegistry) {
	t.Helper()

	d := dispatch.New(timer.New(), reqcache.New(time.Hour), nil)
	d.RegisterStageType("Battle", func(int64) stage.Behavior { return nopStageBehavior{} })

	registry := newTransportRegistry()
	deps := sender.NewDeps(
		nil,
		reqcache.New(time.Hour),
		timer.New(),
		worker.NewPool(1),
		worker.NewPool(1),
		inertPeers{}, registry, inertServices{},
	)

	cfg := Config{AuthMessageID: "Authenticate"}
	factory := func(string) (stage.ActorBehavior, error) {
		return &echoActorBehavior{accountID: accountID}, nil
	}
	return NewAdapter(cfg, d, deps, factory), d, registry
}

type inertPeers struct{}

func (inertPeers) SendToStage(string, int64, *packet.Packet) error { return nil }
func (inertPeers) SendToAPI(string, *packet.Packet) error          { return nil }
func (inertPeers) SendToSystem(string, *packet.Packet) error       { return nil }

type inertServices struct{}

func (inertServices) PeersForService(string, string) []string { return nil }

func TestPreAuthGatingClosesOnNonAuthFrame(t *testing.T) {
	a, _, _ := newTestAdapter(t, "alice")
	tr := &fakeTransport{id: "sess-1"}
	sess := a.Accept(tr)

	err := a.HandleFrame(sess, &packet.Packet{MsgID: "Ping"})
	require.ErrorIs(t, err, ErrNotAuthenticated)
	require.True(t, tr.isClosed())
}

func TestAuthenticateThenDispatchRoundTrip(t *testing.T) {
	a, d, registry := newTestAdapter(t, "alice")

	_, err := d.Create(100, "Battle")
	require.NoError(t, err)

	tr := &fakeTransport{id: "sess-1"}
	registry.register(tr)
	sess := a.Accept(tr)

	authPkt := &packet.Packet{MsgID: "Authenticate", StageID: 100, MsgSeq: 1}
	err = a.HandleFrame(sess, authPkt)
	require.NoError(t, err)
	require.False(t, tr.isClosed())

	reply := tr.lastSent()
	require.NotNil(t, reply)
	require.Equal(t, "alice", reply.AccountID)
	require.True(t, sess.authenticated.Load())

	pingPkt := &packet.Packet{MsgID: "Ping", StageID: 100, MsgSeq: 7}
	err = a.HandleFrame(sess, pingPkt)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		last := tr.lastSent()
		return last != nil && last.MsgID == "Pong"
	}, time.Second, time.Millisecond)
}

func TestAuthenticateWithoutAccountIDFails(t *testing.T) {
	a, d, _ := newTestAdapter(t, "")
	_, err := d.Create(100, "Battle")
	require.NoError(t, err)

	tr := &fakeTransport{id: "sess-1"}
	sess := a.Accept(tr)

	err = a.HandleFrame(sess, &packet.Packet{MsgID: "Authenticate", StageID: 100})
	require.ErrorIs(t, err, ErrMissingAccountID)
	require.True(t, tr.isClosed())

	reply := tr.lastSent()
	require.NotNil(t, reply)
	require.EqualValues(t, errs.InvalidAccountID, reply.ErrorCode)
}

func TestAuthenticateAgainstMissingStageFails(t *testing.T) {
	a, _, _ := newTestAdapter(t, "alice")

	tr := &fakeTransport{id: "sess-1"}
	sess := a.Accept(tr)

	err := a.HandleFrame(sess, &packet.Packet{MsgID: "Authenticate", StageID: 999})
	require.Error(t, err)
	require.True(t, tr.isClosed())
}

func TestDisconnectSynthesizesDisconnectMessage(t *testing.T) {
	a, d, _ := newTestAdapter(t, "alice")
	_, err := d.Create(100, "Battle")
	require.NoError(t, err)

	tr := &fakeTransport{id: "sess-1"}
	sess := a.Accept(tr)

	err = a.HandleFrame(sess, &packet.Packet{MsgID: "Authenticate", StageID: 100})
	require.NoError(t, err)

	// Disconnect must not panic and must not remove the actor from the
	// stage (spec.md §4.4: "The actor is not removed").
	a.Disconnect(sess)

	s, ok := d.Get(100)
	require.True(t, ok)
	require.Eventually(t, func() bool { return s.ActorCount() == 1 },
		time.Second, time.Millisecond)
}
