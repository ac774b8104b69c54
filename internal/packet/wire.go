package packet

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxPacketSize is the typical oversize cutoff named in spec.md §6.
const DefaultMaxPacketSize = 2 * 1024 * 1024

// ErrOversizeFrame and ErrEmptyFrame terminate the owning session per
// spec.md §6: "Oversize or zero-length frames terminate the session."
var (
	ErrOversizeFrame = fmt.Errorf("packet: frame exceeds max_packet_size")
	ErrEmptyFrame    = fmt.Errorf("packet: zero-length frame")
	ErrEmptyMsgID    = fmt.Errorf("packet: msg_id_len must be > 0")
)

// ReadRequestFrame decodes one client->server frame per spec.md §6:
//
//	[length: u32][msg_id_len: u8][msg_id][msg_seq: u16][stage_id: i64][payload]
//
// All integers are little-endian. length excludes itself and counts every
// byte that follows it in the frame.
func ReadRequestFrame(r io.Reader, maxPacketSize uint32) (*Packet, error) {
	if maxPacketSize == 0 {
		maxPacketSize = DefaultMaxPacketSize
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])

	if length == 0 {
		return nil, ErrEmptyFrame
	}
	if length > maxPacketSize {
		return nil, ErrOversizeFrame
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	return decodeRequestBody(body)
}

func decodeRequestBody(body []byte) (*Packet, error) {
	if len(body) < 1 {
		return nil, ErrEmptyMsgID
	}
	msgIDLen := int(body[0])
	if msgIDLen == 0 {
		return nil, ErrEmptyMsgID
	}

	offset := 1
	if len(body) < offset+msgIDLen+2+8 {
		return nil, fmt.Errorf("packet: truncated request frame")
	}

	msgID := string(body[offset : offset+msgIDLen])
	offset += msgIDLen

	msgSeq := binary.LittleEndian.Uint16(body[offset : offset+2])
	offset += 2

	stageID := int64(binary.LittleEndian.Uint64(body[offset : offset+8]))
	offset += 8

	var payload *Payload
	if offset < len(body) {
		payload = NewPayload(body[offset:])
	}

	return &Packet{
		MsgID:   msgID,
		MsgSeq:  msgSeq,
		StageID: stageID,
		Payload: payload,
	}, nil
}

// WriteResponseFrame encodes one server->client frame per spec.md §6:
//
//	[length: u32][msg_id_len: u8][msg_id][msg_seq: u16][stage_id: i64]
//	[error_code: u16][original_size: u32][payload]
//
// originalSize is 0 for uncompressed payloads; compression itself is an
// external concern per spec.md §1 and is not performed here.
func WriteResponseFrame(w io.Writer, p *Packet, originalSize uint32) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if len(p.MsgID) > 255 {
		return fmt.Errorf("packet: msg_id too long for u8 length prefix")
	}

	var body []byte
	body = append(body, byte(len(p.MsgID)))
	body = append(body, p.MsgID...)

	var seqBuf [2]byte
	binary.LittleEndian.PutUint16(seqBuf[:], p.MsgSeq)
	body = append(body, seqBuf[:]...)

	var stageBuf [8]byte
	binary.LittleEndian.PutUint64(stageBuf[:], uint64(p.StageID))
	body = append(body, stageBuf[:]...)

	var errBuf [2]byte
	binary.LittleEndian.PutUint16(errBuf[:], p.ErrorCode)
	body = append(body, errBuf[:]...)

	var origBuf [4]byte
	binary.LittleEndian.PutUint32(origBuf[:], originalSize)
	body = append(body, origBuf[:]...)

	if p.Payload != nil {
		body = append(body, p.Payload.Bytes()...)
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}
