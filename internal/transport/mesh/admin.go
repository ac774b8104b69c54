package mesh

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/stagecraft/stagert/internal/deadletter"
	"github.com/stagecraft/stagert/internal/dispatch"
	"github.com/stagecraft/stagert/internal/timer"
)

// AdminStageInfo mirrors dispatch.StageInfo over the wire.
type AdminStageInfo struct {
	ID         int64  `json:"id"`
	Type       string `json:"type"`
	ActorCount int    `json:"actor_count"`
}

// AdminTimerInfo mirrors timer.Info over the wire.
type AdminTimerInfo struct {
	ID        uint64 `json:"id"`
	StageID   int64  `json:"stage_id"`
	Kind      int    `json:"kind"`
	Remaining int    `json:"remaining"`
}

// AdminDeadLetterEntry mirrors deadletter.Entry over the wire.
type AdminDeadLetterEntry struct {
	Reason    string `json:"reason"`
	MsgID     string `json:"msg_id"`
	StageID   int64  `json:"stage_id"`
	AccountID string `json:"account_id,omitempty"`
	PeerID    string `json:"peer_id,omitempty"`
}

// StagesListRequest/Response, TimersListRequest/Response, and
// DeadLettersTailRequest/Response back cmd/stagectl's three read-only
// admin verbs (SPEC_FULL.md §D.5). There is no admin.proto behind these;
// like RoutePacket, they cross the wire via jsonCodec.
type StagesListRequest struct{}
type StagesListResponse struct {
	Stages []AdminStageInfo `json:"stages"`
}

type TimersListRequest struct {
	StageID int64 `json:"stage_id"`
}
type TimersListResponse struct {
	Timers []AdminTimerInfo `json:"timers"`
}

type DeadLettersTailRequest struct {
	Count int `json:"count"`
}
type DeadLettersTailResponse struct {
	Entries []AdminDeadLetterEntry `json:"entries"`
}

// AdminServer implements the control-plane surface cmd/stagectl talks to.
type AdminServer struct {
	dispatcher  *dispatch.Dispatcher
	timers      *timer.Manager
	deadLetters *deadletter.Log
}

// NewAdminServer constructs an AdminServer. deadLetters may be nil if the
// process isn't keeping one.
func NewAdminServer(d *dispatch.Dispatcher, timers *timer.Manager, deadLetters *deadletter.Log) *AdminServer {
	return &AdminServer{dispatcher: d, timers: timers, deadLetters: deadLetters}
}

func (s *AdminServer) StagesList(_ context.Context, _ *StagesListRequest) (*StagesListResponse, error) {
	stages := s.dispatcher.ListStages()
	out := make([]AdminStageInfo, len(stages))
	for i, st := range stages {
		out[i] = AdminStageInfo{ID: st.ID, Type: st.Type, ActorCount: st.ActorCount}
	}
	return &StagesListResponse{Stages: out}, nil
}

func (s *AdminServer) TimersList(_ context.Context, req *TimersListRequest) (*TimersListResponse, error) {
	infos := s.timers.ListForStage(req.StageID)
	out := make([]AdminTimerInfo, len(infos))
	for i, ti := range infos {
		out[i] = AdminTimerInfo{ID: ti.ID, StageID: ti.StageID, Kind: int(ti.Kind), Remaining: ti.Remaining}
	}
	return &TimersListResponse{Timers: out}, nil
}

func (s *AdminServer) DeadLettersTail(_ context.Context, req *DeadLettersTailRequest) (*DeadLettersTailResponse, error) {
	if s.deadLetters == nil {
		return &DeadLettersTailResponse{}, nil
	}
	entries := s.deadLetters.Recent(req.Count)
	out := make([]AdminDeadLetterEntry, len(entries))
	for i, e := range entries {
		out[i] = AdminDeadLetterEntry{
			Reason: string(e.Reason), MsgID: e.MsgID, StageID: e.StageID,
			AccountID: e.AccountID, PeerID: e.PeerID,
		}
	}
	return &DeadLettersTailResponse{Entries: out}, nil
}

const adminServiceName = "stagert.mesh.Admin"

func adminStagesListHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	req := new(StagesListRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(*AdminServer).StagesList(ctx, req)
}

func adminTimersListHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	req := new(TimersListRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(*AdminServer).TimersList(ctx, req)
}

func adminDeadLettersTailHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	req := new(DeadLettersTailRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(*AdminServer).DeadLettersTail(ctx, req)
}

// adminServiceDesc is the hand-written stand-in for generated admin.proto
// stubs (SPEC_FULL.md §D.5).
var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: adminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StagesList", Handler: adminStagesListHandler},
		{MethodName: "TimersList", Handler: adminTimersListHandler},
		{MethodName: "DeadLettersTail", Handler: adminDeadLettersTailHandler},
	},
	Metadata: "stagert/mesh/admin.proto",
}

// AdminGRPCServer runs AdminServer behind a gRPC listener.
type AdminGRPCServer struct {
	listenAddr string
	admin      *AdminServer
	grpcServer *grpc.Server
}

// NewAdminGRPCServer constructs an AdminGRPCServer. Call Serve to start
// listening.
func NewAdminGRPCServer(listenAddr string, admin *AdminServer) *AdminGRPCServer {
	return &AdminGRPCServer{listenAddr: listenAddr, admin: admin}
}

// Serve blocks accepting stagectl connections until Close is called.
func (s *AdminGRPCServer) Serve() error {
	lis, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}
	s.grpcServer = grpc.NewServer(grpc.ForceServerCodec(jsonCodec{}))
	s.grpcServer.RegisterService(&adminServiceDesc, s.admin)
	return s.grpcServer.Serve(lis)
}

// Close stops the admin gRPC server.
func (s *AdminGRPCServer) Close() error {
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	return nil
}

// AdminClient is the stagectl-side RPC stub, hand-written against
// adminServiceDesc the same way service.go's clientRouteStream is against
// serviceDesc.
type AdminClient struct {
	conn *grpc.ClientConn
}

// DialAdmin connects to a running daemon's admin endpoint.
func DialAdmin(addr string, opts ...grpc.DialOption) (*AdminClient, error) {
	opts = append(opts,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &AdminClient{conn: conn}, nil
}

func (c *AdminClient) Close() error { return c.conn.Close() }

func (c *AdminClient) StagesList(ctx context.Context) (*StagesListResponse, error) {
	resp := new(StagesListResponse)
	err := c.conn.Invoke(ctx, "/"+adminServiceName+"/StagesList", &StagesListRequest{}, resp)
	return resp, err
}

func (c *AdminClient) TimersList(ctx context.Context, stageID int64) (*TimersListResponse, error) {
	resp := new(TimersListResponse)
	err := c.conn.Invoke(ctx, "/"+adminServiceName+"/TimersList", &TimersListRequest{StageID: stageID}, resp)
	return resp, err
}

func (c *AdminClient) DeadLettersTail(ctx context.Context, count int) (*DeadLettersTailResponse, error) {
	resp := new(DeadLettersTailResponse)
	err := c.conn.Invoke(ctx, "/"+adminServiceName+"/DeadLettersTail", &DeadLettersTailRequest{Count: count}, resp)
	return resp, err
}
