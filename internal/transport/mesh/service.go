package mesh

import (
	"google.golang.org/grpc"
)

// serviceName is the gRPC service path segment; there is no .proto source
// behind it (SPEC_FULL.md §E.2), so it's declared directly on the
// hand-written grpc.ServiceDesc below.
const serviceName = "stagert.mesh.Route"

// RouteServer is implemented by the mesh server side to accept one peer's
// inbound bidirectional stream of RoutePacket frames.
type RouteServer interface {
	Route(stream RouteStream) error
}

// RouteStream is the typed view over the raw grpc.ServerStream/ClientStream
// used on both ends of the Route RPC.
type RouteStream interface {
	Send(*RoutePacket) error
	Recv() (*RoutePacket, error)
}

type serverRouteStream struct {
	grpc.ServerStream
}

func (s *serverRouteStream) Send(m *RoutePacket) error {
	return s.ServerStream.SendMsg(m)
}

func (s *serverRouteStream) Recv() (*RoutePacket, error) {
	m := new(RoutePacket)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func routeStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(RouteServer).Route(&serverRouteStream{ServerStream: stream})
}

// serviceDesc is the hand-written stand-in for what protoc-gen-go-grpc
// would otherwise generate from a route.proto defining one bidi-streaming
// RPC (SPEC_FULL.md §E.2).
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RouteServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       routeStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "stagert/mesh/route.proto",
}

type clientRouteStream struct {
	grpc.ClientStream
}

func (s *clientRouteStream) Send(m *RoutePacket) error {
	return s.ClientStream.SendMsg(m)
}

func (s *clientRouteStream) Recv() (*RoutePacket, error) {
	m := new(RoutePacket)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
