// Package packet implements the opaque message envelope and reference
// counted payload buffers described in spec.md §3 and §4.1 (component C1).
// The core never inspects payload bytes; it only moves ownership of them.
package packet

import "fmt"

// MaxMsgIDLen is the wire limit on msg_id length in bytes (spec.md §3).
const MaxMsgIDLen = 255

// Packet is the opaque message envelope routed between sessions, stages,
// and mesh peers. Packet never copies its Payload; ownership transfers when
// a Packet is enqueued into a stage inbox or handed to the Request Cache
// (spec.md §4.1).
type Packet struct {
	// MsgID identifies the message type. Never empty (spec.md §3
	// invariant).
	MsgID string

	// MsgSeq is the correlation id. Zero means "not a request"; a
	// nonzero value paired with IsReply disambiguates request vs reply
	// sharing a sequence number (spec.md §3).
	MsgSeq uint16

	// StageID is the logical room this packet targets or originated
	// from.
	StageID int64

	// AccountID is set by the authentication step; empty before
	// authentication.
	AccountID string

	// ErrorCode is the u16 reply status; zero means success.
	ErrorCode uint16

	// IsReply disambiguates a reply from a request sharing MsgSeq.
	IsReply bool

	// From is the originating peer id; empty for client-origin
	// messages.
	From string

	// SID is the transport session id, used by server-side stages to
	// address send_to_client(sid, ...) (spec.md §4.7).
	SID string

	// Payload is the opaque byte buffer. May be nil for packets that
	// carry no body (e.g. a bare reply ack).
	Payload *Payload
}

// Validate enforces the wire invariants from spec.md §3: MsgID is never
// empty, and MsgSeq == 0 implies IsReply == false.
func (p *Packet) Validate() error {
	if p.MsgID == "" {
		return fmt.Errorf("packet: msg_id must not be empty")
	}
	if len(p.MsgID) > MaxMsgIDLen {
		return fmt.Errorf("packet: msg_id exceeds %d bytes", MaxMsgIDLen)
	}
	if p.MsgSeq == 0 && p.IsReply {
		return fmt.Errorf("packet: msg_seq == 0 cannot be a reply")
	}
	return nil
}

// IsRequest reports whether this packet expects a reply (nonzero MsgSeq and
// not itself a reply).
func (p *Packet) IsRequest() bool {
	return p.MsgSeq != 0 && !p.IsReply
}

// Release releases the packet's Payload, if any. Safe to call on a packet
// with a nil Payload.
func (p *Packet) Release() {
	if p.Payload != nil {
		p.Payload.Release()
	}
}

// ReplyHeader identifies the (from, msg_seq) pair a reply must carry to
// match its originating request, per spec.md §3's reply-matching invariant.
type ReplyHeader struct {
	From   string
	MsgSeq uint16
}

// NewErrorReply builds a reply Packet carrying only an error code, used by
// the Dispatcher and Sender when no user payload accompanies a failure
// (spec.md §7, "Recoverable, surfaced").
func NewErrorReply(msgID string, seq uint16, stageID int64, code uint16) *Packet {
	return &Packet{
		MsgID:     msgID,
		MsgSeq:    seq,
		StageID:   stageID,
		ErrorCode: code,
		IsReply:   true,
	}
}
