package mesh

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec lets the mesh's RoutePacket messages and the admin request/
// response types cross the wire as plain JSON instead of requiring a
// protoc-generated proto.Message implementation. Registered globally under
// the "json" name; the servers select it with grpc.ForceServerCodec and the
// clients with a default grpc.ForceCodec call option.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return codecName }

const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
