// Package tcp is the reference raw-TCP transport: a length-prefixed binary
// framing identical to spec.md §6's wire format, read and written directly
// off a net.Conn with no further encoding layered on top. It satisfies
// session.Transport and drives session.Adapter the way the teacher's
// ws_client.go drives its Hub, generalized from JSON text frames to the
// binary request/response frames of package packet.
package tcp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagecraft/stagert/internal/packet"
	"github.com/stagecraft/stagert/internal/session"
)

// Config configures a Server.
type Config struct {
	// ListenAddr is the address to listen on, e.g. ":9000".
	ListenAddr string

	// MaxPacketSize caps a single inbound frame's length field (every
	// byte after the 4-byte length prefix); spec.md §6: "Oversize or
	// zero-length frames terminate the session".
	MaxPacketSize uint32

	// WriteTimeout bounds how long a single frame write may block
	// before the connection is dropped.
	WriteTimeout time.Duration
}

// DefaultWriteTimeout mirrors the teacher's writeWait for WebSocket frames,
// applied here to raw TCP writes instead.
const DefaultWriteTimeout = 10 * time.Second

// Server accepts raw TCP connections and adapts each one into a
// session.Session via adapter.
type Server struct {
	cfg      Config
	adapter  *session.Adapter
	registry *session.Registry
	listener net.Listener

	mu      sync.Mutex
	conns   map[string]*Conn
	closing bool
}

// NewServer constructs a Server. registry may be nil if this process has no
// cross-transport client push path (e.g. an API-only node). Call Serve to
// start accepting.
func NewServer(cfg Config, adapter *session.Adapter, registry *session.Registry) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	return &Server{cfg: cfg, adapter: adapter, registry: registry, conns: make(map[string]*Conn)}
}

// Serve listens on cfg.ListenAddr and blocks accepting connections until
// Close is called or the listener errors.
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			return err
		}
		go s.handle(nc)
	}
}

// Close stops accepting new connections and closes every live one. Part of
// the shutdown sequence's step 1 (SPEC_FULL.md §F).
func (s *Server) Close() error {
	s.mu.Lock()
	s.closing = true
	ln := s.listener
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (s *Server) handle(nc net.Conn) {
	conn := &Conn{
		id:           uuid.NewString(),
		nc:           nc,
		writeTimeout: s.cfg.WriteTimeout,
	}

	s.mu.Lock()
	s.conns[conn.id] = conn
	s.mu.Unlock()
	if s.registry != nil {
		s.registry.Register(conn)
	}

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn.id)
		s.mu.Unlock()
		if s.registry != nil {
			s.registry.Unregister(conn.id)
		}
		_ = nc.Close()
	}()

	sess := s.adapter.Accept(conn)

	for {
		pkt, err := packet.ReadRequestFrame(nc, s.cfg.MaxPacketSize)
		if err != nil {
			log.DebugS(context.Background(), "tcp connection read ended",
				"session_id", conn.id, "error", err)
			s.adapter.Disconnect(sess)
			return
		}
		if err := s.adapter.HandleFrame(sess, pkt); err != nil {
			log.DebugS(context.Background(), "frame handling closed session",
				"session_id", conn.id, "error", err)
			return
		}
	}
}

// Conn adapts a net.Conn into session.Transport.
type Conn struct {
	id           string
	nc           net.Conn
	writeTimeout time.Duration

	mu sync.Mutex
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(pkt *packet.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return packet.WriteResponseFrame(c.nc, pkt, 0)
}

func (c *Conn) Close() error {
	return c.nc.Close()
}
