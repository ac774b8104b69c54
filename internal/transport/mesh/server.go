package mesh

import (
	"io"
	"net"

	"google.golang.org/grpc"

	"github.com/stagecraft/stagert/internal/dispatch"
)

// Server runs the RouteService gRPC endpoint every peer exposes, accepting
// inbound streams from the rest of the mesh and routing their frames into
// the local Dispatcher.
type Server struct {
	listenAddr string
	inbound    *dispatch.Dispatcher
	grpcServer *grpc.Server
}

// NewServer constructs a Server. Call Serve to start listening.
func NewServer(listenAddr string, inbound *dispatch.Dispatcher) *Server {
	return &Server{listenAddr: listenAddr, inbound: inbound}
}

// Serve blocks accepting peer connections until Close is called.
func (s *Server) Serve() error {
	lis, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}

	s.grpcServer = grpc.NewServer(grpc.ForceServerCodec(jsonCodec{}))
	s.grpcServer.RegisterService(&serviceDesc, (RouteServer)(s))

	return s.grpcServer.Serve(lis)
}

// Close stops the gRPC server, draining in-flight streams gracefully.
func (s *Server) Close() error {
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	return nil
}

// Route accepts one peer's bidirectional stream and routes every inbound
// RoutePacket into this process's Dispatcher until the stream closes.
func (s *Server) Route(stream RouteStream) error {
	for {
		rp, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		s.inbound.RouteInbound(routePacketToPacket(rp))
	}
}
