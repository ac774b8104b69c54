package packet

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPayloadRoundTrip(t *testing.T) {
	p := NewPayload([]byte("hello stage"))
	require.Equal(t, "hello stage", string(p.Bytes()))
	require.False(t, p.IsReleased())

	p.Release()
	require.True(t, p.IsReleased())
}

func TestPayloadDoubleReleasePanics(t *testing.T) {
	p := NewPayload([]byte("x"))
	p.Release()

	require.Panics(t, func() {
		p.Release()
	})
}

func TestPayloadUseAfterReleasePanics(t *testing.T) {
	p := NewPayload([]byte("x"))
	p.Release()

	require.Panics(t, func() {
		_ = p.Bytes()
	})
}

func TestPayloadZeroCopyReleaseIsNoop(t *testing.T) {
	data := []byte("wrapped")
	p := WrapZeroCopy(data)

	p.Release()
	require.False(t, p.IsReleased())
	require.Equal(t, "wrapped", string(p.Bytes()))
}

func TestPacketValidate(t *testing.T) {
	valid := &Packet{MsgID: "ping", MsgSeq: 1}
	require.NoError(t, valid.Validate())

	empty := &Packet{MsgID: ""}
	require.Error(t, empty.Validate())

	badReply := &Packet{MsgID: "pong", MsgSeq: 0, IsReply: true}
	require.Error(t, badReply.Validate())
}

func TestRequestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	// Hand-encode a request frame using the same layout ReadRequestFrame
	// expects, then verify decoding recovers every field.
	msgID := "Ping"
	body := []byte{byte(len(msgID))}
	body = append(body, msgID...)
	body = append(body, 0x07, 0x00) // msg_seq = 7, little-endian
	body = append(body, 0x64, 0, 0, 0, 0, 0, 0, 0) // stage_id = 100
	body = append(body, "payload-bytes"...)

	length := uint32(len(body))
	buf.WriteByte(byte(length))
	buf.WriteByte(byte(length >> 8))
	buf.WriteByte(byte(length >> 16))
	buf.WriteByte(byte(length >> 24))
	buf.Write(body)

	pkt, err := ReadRequestFrame(&buf, 0)
	require.NoError(t, err)
	require.Equal(t, "Ping", pkt.MsgID)
	require.EqualValues(t, 7, pkt.MsgSeq)
	require.EqualValues(t, 100, pkt.StageID)
	require.Equal(t, "payload-bytes", string(pkt.Payload.Bytes()))
}

func TestReadRequestFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	_, err := ReadRequestFrame(&buf, 1024)
	require.ErrorIs(t, err, ErrOversizeFrame)
}

func TestReadRequestFrameRejectsEmpty(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})

	_, err := ReadRequestFrame(&buf, 1024)
	require.ErrorIs(t, err, ErrEmptyFrame)
}

func TestWriteResponseFrameRejectsInvalid(t *testing.T) {
	var buf bytes.Buffer
	bad := &Packet{MsgID: "", MsgSeq: 1}
	require.Error(t, WriteResponseFrame(&buf, bad, 0))
}

func TestWriteResponseFrameEncodesFields(t *testing.T) {
	var buf bytes.Buffer
	pkt := &Packet{
		MsgID:     "Pong",
		MsgSeq:    7,
		StageID:   100,
		ErrorCode: 0,
		IsReply:   true,
		Payload:   NewPayload([]byte("x")),
	}
	require.NoError(t, WriteResponseFrame(&buf, pkt, 0))
	require.Greater(t, buf.Len(), 4)
}
