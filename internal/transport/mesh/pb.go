package mesh

// RoutePacket mirrors spec.md §6's routing header field-for-field, plus an
// opaque payload. It crosses the wire as JSON via jsonCodec rather than a
// protoc-generated message (SPEC_FULL.md §E.2).
type RoutePacket struct {
	MsgSeq    uint16 `json:"msg_seq"`
	ServiceID string `json:"service_id"`
	MsgID     string `json:"msg_id"`
	From      string `json:"from"`
	StageID   int64  `json:"stage_id"`
	AccountID string `json:"account_id"`
	SID       string `json:"sid"`
	IsReply   bool   `json:"is_reply"`
	ErrorCode uint16 `json:"error_code"`
	Payload   []byte `json:"payload,omitempty"`

	// Kind distinguishes the three PeerTransport verbs, since they all
	// share one bidirectional stream.
	Kind string `json:"kind"` // "stage" | "api" | "system"
}

// RouteAck describes an acknowledgement of a RoutePacket; it carries no
// application data. Neither Server nor ClusterBus sends one.
type RouteAck struct {
	MsgSeq uint16 `json:"msg_seq"`
}
