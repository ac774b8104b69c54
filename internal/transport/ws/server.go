// Package ws is the reference WebSocket transport: spec.md §6's binary
// request/response frames carried as websocket.BinaryMessage payloads, one
// connection per client.Session. The read/write pump split and ping/pong
// keepalive are adapted from the teacher's ws_client.go, generalized from a
// JSON-only text protocol to the core's binary wire format.
package ws

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stagecraft/stagert/internal/packet"
	"github.com/stagecraft/stagert/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	sendBufferSize = 256
)

// Config configures a Server.
type Config struct {
	// ListenAddr is the address the HTTP upgrade endpoint listens on.
	ListenAddr string

	// Path is the HTTP path the websocket endpoint is mounted at.
	Path string

	// MaxPacketSize caps the size of a single inbound websocket message
	// (the frame without its 4-byte length prefix).
	MaxPacketSize uint32

	// CheckOrigin, if set, overrides the upgrader's default permissive
	// origin check.
	CheckOrigin func(r *http.Request) bool
}

// Server upgrades HTTP connections to WebSocket and adapts each into a
// session.Session via adapter.
type Server struct {
	cfg      Config
	adapter  *session.Adapter
	registry *session.Registry
	upgrader websocket.Upgrader
	http     *http.Server

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewServer constructs a Server. registry may be nil if this process has no
// cross-transport client push path. Call Serve to start listening.
func NewServer(cfg Config, adapter *session.Adapter, registry *session.Registry) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	s := &Server{
		cfg:      cfg,
		adapter:  adapter,
		registry: registry,
		conns:    make(map[string]*Conn),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     cfg.CheckOrigin,
	}
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleUpgrade)
	s.http = &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	return s
}

// Serve blocks running the HTTP upgrade endpoint until Close is called.
func (s *Server) Serve() error {
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close stops the upgrade endpoint and closes every live connection.
func (s *Server) Close() error {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return s.http.Close()
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.DebugS(context.Background(), "websocket upgrade failed", "error", err)
		return
	}

	conn := &Conn{
		id:            uuid.NewString(),
		ws:            wsConn,
		send:          make(chan *packet.Packet, sendBufferSize),
		maxPacketSize: s.cfg.MaxPacketSize,
	}

	s.mu.Lock()
	s.conns[conn.id] = conn
	s.mu.Unlock()
	if s.registry != nil {
		s.registry.Register(conn)
	}

	sess := s.adapter.Accept(conn)

	go conn.writePump()
	conn.readPump(s.adapter, sess)

	s.mu.Lock()
	delete(s.conns, conn.id)
	s.mu.Unlock()
	if s.registry != nil {
		s.registry.Unregister(conn.id)
	}
}

// Conn adapts a *websocket.Conn into session.Transport. Reads happen on the
// accepting goroutine via readPump; writes are serialized through a
// buffered channel drained by writePump, matching the teacher's split so a
// slow reader never blocks a concurrent Send.
type Conn struct {
	id            string
	ws            *websocket.Conn
	send          chan *packet.Packet
	maxPacketSize uint32

	mu     sync.Mutex
	closed bool
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(pkt *packet.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		pkt.Release()
		return nil
	}
	select {
	case c.send <- pkt:
		return nil
	default:
		pkt.Release()
		log.WarnS(context.Background(), "websocket send buffer full, dropping frame",
			nil, "session_id", c.id)
		return nil
	}
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.send)
	return c.ws.Close()
}

func (c *Conn) readPump(adapter *session.Adapter, sess *session.Session) {
	defer func() {
		adapter.Disconnect(sess)
		c.Close()
	}()

	c.ws.SetReadLimit(int64(c.maxPacketSize))
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		pkt, err := decodeFrameBody(data)
		if err != nil {
			log.DebugS(context.Background(), "malformed websocket frame, closing",
				"session_id", c.id, "error", err)
			return
		}

		if err := adapter.HandleFrame(sess, pkt); err != nil {
			return
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case pkt, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			var buf bytes.Buffer
			if err := packet.WriteResponseFrame(&buf, pkt, 0); err != nil {
				log.DebugS(context.Background(), "frame encode failed", "error", err)
				continue
			}
			if err := c.ws.WriteMessage(websocket.BinaryMessage, buf.Bytes()); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// decodeFrameBody decodes a frame whose leading 4-byte length prefix has
// already been stripped by the websocket message boundary itself.
func decodeFrameBody(data []byte) (*packet.Packet, error) {
	return packet.ReadRequestFrame(bytes.NewReader(prependLength(data)), uint32(len(data))+4)
}

func prependLength(data []byte) []byte {
	out := make([]byte, 4+len(data))
	out[0] = byte(len(data))
	out[1] = byte(len(data) >> 8)
	out[2] = byte(len(data) >> 16)
	out[3] = byte(len(data) >> 24)
	copy(out[4:], data)
	return out
}
