// Package mesh implements the reference ClusterBus: a gRPC-transported
// peer-to-peer mesh satisfying sender.PeerTransport. A peer dials another
// peer on the first send addressed to it and keeps that bidirectional Route
// stream open, pushing RoutePacket frames as SendToStage/SendToAPI/
// SendToSystem are called. Frames from the other peer arrive through that
// peer's own dialed stream into this process's Server, which only receives
// on an accepted stream and never writes back on it (SPEC_FULL.md §E.2).
package mesh

import (
	"context"
	"fmt"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/stagecraft/stagert/internal/dispatch"
	"github.com/stagecraft/stagert/internal/packet"
)

// PeerResolver maps a peer id to its dial address. The reference bus uses a
// static list; a real deployment plugs in service discovery here
// (SPEC_FULL.md §E.2).
type PeerResolver interface {
	Addr(peerID string) (string, bool)
	Peers() []string
}

// StaticResolver is a PeerResolver backed by a fixed id->addr map.
type StaticResolver map[string]string

func (r StaticResolver) Addr(peerID string) (string, bool) {
	addr, ok := r[peerID]
	return addr, ok
}

func (r StaticResolver) Peers() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	return ids
}

// StaticServiceRegistry is a sender.ServiceRegistry backed by a fixed
// "kind/service_id" -> member-peer-ids map, for deployments without a
// dynamic discovery mechanism.
type StaticServiceRegistry map[string][]string

func (r StaticServiceRegistry) PeersForService(kind, serviceID string) []string {
	return r[kind+"/"+serviceID]
}

// ClusterBus is the gRPC-backed reference PeerTransport.
type ClusterBus struct {
	selfID   string
	resolver PeerResolver
	inbound  *dispatch.Dispatcher

	mu    sync.Mutex
	conns map[string]*peerConn
}

type peerConn struct {
	conn   *grpc.ClientConn
	stream RouteStream

	mu sync.Mutex
}

// NewClusterBus constructs a ClusterBus. inbound.RouteInbound is called for
// every frame a peer pushes to us.
func NewClusterBus(selfID string, resolver PeerResolver, inbound *dispatch.Dispatcher) *ClusterBus {
	return &ClusterBus{
		selfID:   selfID,
		resolver: resolver,
		inbound:  inbound,
		conns:    make(map[string]*peerConn),
	}
}

func (b *ClusterBus) SendToStage(peerID string, stageID int64, pkt *packet.Packet) error {
	return b.send(peerID, "stage", stageID, pkt)
}

func (b *ClusterBus) SendToAPI(peerID string, pkt *packet.Packet) error {
	return b.send(peerID, "api", 0, pkt)
}

func (b *ClusterBus) SendToSystem(peerID string, pkt *packet.Packet) error {
	return b.send(peerID, "system", 0, pkt)
}

func (b *ClusterBus) send(peerID, kind string, stageID int64, pkt *packet.Packet) error {
	defer pkt.Release()

	pc, err := b.peer(peerID)
	if err != nil {
		return err
	}

	rp := &RoutePacket{
		MsgSeq:    pkt.MsgSeq,
		MsgID:     pkt.MsgID,
		From:      b.selfID,
		StageID:   stageID,
		AccountID: pkt.AccountID,
		SID:       pkt.SID,
		IsReply:   pkt.IsReply,
		ErrorCode: pkt.ErrorCode,
		Kind:      kind,
	}
	if pkt.Payload != nil {
		rp.Payload = append([]byte(nil), pkt.Payload.Bytes()...)
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.stream.Send(rp)
}

func (b *ClusterBus) peer(peerID string) (*peerConn, error) {
	b.mu.Lock()
	if pc, ok := b.conns[peerID]; ok {
		b.mu.Unlock()
		return pc, nil
	}
	b.mu.Unlock()

	addr, ok := b.resolver.Addr(peerID)
	if !ok {
		return nil, fmt.Errorf("mesh: unknown peer %q", peerID)
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		return nil, err
	}

	stream, err := conn.NewStream(context.Background(), &serviceDesc.Streams[0],
		fmt.Sprintf("/%s/Stream", serviceName))
	if err != nil {
		conn.Close()
		return nil, err
	}

	pc := &peerConn{conn: conn, stream: &clientRouteStream{ClientStream: stream}}

	b.mu.Lock()
	b.conns[peerID] = pc
	b.mu.Unlock()

	go b.drainInbound(peerID, pc)

	return pc, nil
}

// drainInbound routes any frame received on a dialed stream into this
// process's Dispatcher and forgets the cached connection once the stream
// ends. Server never sends on an accepted stream, so against it this loop
// only observes the stream ending.
func (b *ClusterBus) drainInbound(peerID string, pc *peerConn) {
	for {
		rp, err := pc.stream.Recv()
		if err == io.EOF || err != nil {
			b.mu.Lock()
			if b.conns[peerID] == pc {
				delete(b.conns, peerID)
			}
			b.mu.Unlock()
			_ = pc.conn.Close()
			return
		}
		b.inbound.RouteInbound(routePacketToPacket(rp))
	}
}

// Close tears down every peer connection.
func (b *ClusterBus) Close() error {
	b.mu.Lock()
	conns := b.conns
	b.conns = make(map[string]*peerConn)
	b.mu.Unlock()

	for _, pc := range conns {
		_ = pc.conn.Close()
	}
	return nil
}

func routePacketToPacket(rp *RoutePacket) *packet.Packet {
	pkt := &packet.Packet{
		MsgID:     rp.MsgID,
		MsgSeq:    rp.MsgSeq,
		StageID:   rp.StageID,
		AccountID: rp.AccountID,
		ErrorCode: rp.ErrorCode,
		IsReply:   rp.IsReply,
		From:      rp.From,
		SID:       rp.SID,
	}
	if len(rp.Payload) > 0 {
		pkt.Payload = packet.NewPayload(rp.Payload)
	}
	return pkt
}
