package session

import (
	"fmt"
	"sync"

	"github.com/stagecraft/stagert/internal/packet"
)

// Registry tracks every live Transport by session id across however many
// concrete transport servers (tcp, ws, ...) a process runs, and implements
// sender.ClientTransport so a Sender can push to a client session without
// knowing which transport accepted it.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Transport
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Transport)}
}

// Register records t under its own ID, called by a transport server when
// it accepts a connection, before Adapter.Accept.
func (r *Registry) Register(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[t.ID()] = t
}

// Unregister removes sessionID, called when a transport server's connection
// loop exits.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, sessionID)
}

// PushToSession implements sender.ClientTransport.
func (r *Registry) PushToSession(sessionID string, pkt *packet.Packet) error {
	r.mu.RLock()
	t, ok := r.conns[sessionID]
	r.mu.RUnlock()
	if !ok {
		pkt.Release()
		return fmt.Errorf("session: no live transport for session %q", sessionID)
	}
	return t.Send(pkt)
}
