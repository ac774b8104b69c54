package sender

import "github.com/stagecraft/stagert/internal/packet"

// PeerTransport is the cross-process leg of the Sender: conceptually, the
// Sender serializes a RoutePacket and submits it to the ClusterBus, with
// transport framing between peers opaque to the core (spec.md §4.7's
// "Cross-process transport" note). A concrete mesh implementation (e.g.
// package transport/mesh) satisfies this.
type PeerTransport interface {
	SendToStage(peerID string, stageID int64, pkt *packet.Packet) error
	SendToAPI(peerID string, pkt *packet.Packet) error
	SendToSystem(peerID string, pkt *packet.Packet) error
}

// ClientTransport pushes a packet to a specific client session, used by a
// StageSender's send_to_client(session_id, ...) variant for server-side
// stages with no single bound actor (spec.md §4.7).
type ClientTransport interface {
	PushToSession(sessionID string, pkt *packet.Packet) error
}

// ServiceRegistry resolves a (kind, service_id) service group to its
// current member peer ids, refreshed by whatever discovery mechanism the
// cluster bus uses.
type ServiceRegistry interface {
	PeersForService(kind, serviceID string) []string
}
