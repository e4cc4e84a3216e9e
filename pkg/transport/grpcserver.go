package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tensorfleet/gradsync/pkg/core"
	"github.com/tensorfleet/gradsync/pkg/server"
)

const (
	serviceName    = "gradsync.kv.KV"
	pushFullMethod = "/gradsync.kv.KV/Push"
	pullFullMethod = "/gradsync.kv.KV/Pull"
)

// KVServer is the service contract; the service descriptor below is
// maintained by hand, there is no generated code.
type KVServer interface {
	Push(ctx context.Context, req *PushRequest) (*PushResponse, error)
	Pull(ctx context.Context, req *PullRequest) (*PullResponse, error)
}

// KVService exposes a *server.Server over gRPC.
type KVService struct {
	srv *server.Server
}

var _ KVServer = (*KVService)(nil)

func NewKVService(srv *server.Server) *KVService {
	return &KVService{srv: srv}
}

// Register attaches the service to a gRPC server.
func (s *KVService) Register(gs *grpc.Server) {
	gs.RegisterService(&kvServiceDesc, s)
}

func (s *KVService) Push(ctx context.Context, req *PushRequest) (*PushResponse, error) {
	if err := s.srv.Push(ctx, req.Rank, req.Keys, req.Vals, req.Lens, req.Cmd); err != nil {
		return nil, rpcError(err)
	}
	return &PushResponse{}, nil
}

func (s *KVService) Pull(ctx context.Context, req *PullRequest) (*PullResponse, error) {
	vals, err := s.srv.Pull(ctx, req.Rank, req.Keys, req.Lens, req.Cmd)
	if err != nil {
		return nil, rpcError(err)
	}
	return &PullResponse{Vals: vals}, nil
}

// rpcError maps a server error onto the gRPC code carrying the same
// meaning, so clients can recover the status classification.
func rpcError(err error) error {
	st := core.StatusFromError(err)
	switch st.Type() {
	case core.StatusPreconditionError:
		return status.Error(codes.FailedPrecondition, st.Reason())
	case core.StatusInvalidArgument:
		return status.Error(codes.InvalidArgument, st.Reason())
	case core.StatusAborted:
		return status.Error(codes.Aborted, st.Reason())
	default:
		return status.Error(codes.Unknown, st.Reason())
	}
}

func pushHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PushRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVServer).Push(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: pushFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(KVServer).Push(ctx, req.(*PushRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func pullHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PullRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVServer).Pull(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: pullFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(KVServer).Pull(ctx, req.(*PullRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var kvServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*KVServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Push", Handler: pushHandler},
		{MethodName: "Pull", Handler: pullHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/transport/messages.go",
}
