package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/flowqueue/internal/rpc"
	"github.com/ChuLiYu/flowqueue/pkg/types"
)

type callerCtxKey struct{}

// GRPCService exposes the worker operations as flowqueue.v1.Coordinator.
type GRPCService struct {
	coord *Coordinator
}

var _ rpc.CoordinatorServer = (*GRPCService)(nil)

// NewGRPCServer creates a gRPC server with the coordinator service and the
// basic credentials interceptor registered.
func NewGRPCServer(c *Coordinator, auth *Authenticator, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(AuthInterceptor(auth)))
	s := grpc.NewServer(opts...)
	rpc.RegisterCoordinatorServer(s, &GRPCService{coord: c})
	return s
}

// AuthInterceptor resolves the "authorization" metadata to a caller.
func AuthInterceptor(auth *Authenticator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		var header string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get("authorization"); len(v) > 0 {
				header = v[0]
			}
		}
		caller, ok := auth.AuthenticateHeader(header)
		if !ok {
			log.Warn("Rejected unauthenticated call", "method", info.FullMethod)
			return nil, status.Error(codes.Unauthenticated, ErrUnauthenticated.Error())
		}
		return handler(context.WithValue(ctx, callerCtxKey{}, caller), req)
	}
}

func callerFrom(ctx context.Context) types.Caller {
	caller, _ := ctx.Value(callerCtxKey{}).(types.Caller)
	return caller
}

func decode(in *structpb.Struct, v any) error {
	if err := rpc.FromStruct(in, v); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}

func reply(v any, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, grpcError(err)
	}
	out, err := rpc.ToStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (g *GRPCService) NextTask(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req types.NextTaskRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	task, err := g.coord.NextTask(ctx, callerFrom(ctx), req)
	return reply(rpc.NextTaskResponse{Task: task}, err)
}

func (g *GRPCService) UpdateProgress(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var u types.ProgressUpdate
	if err := decode(in, &u); err != nil {
		return nil, err
	}
	changed, err := g.coord.UpdateProgress(ctx, callerFrom(ctx), u)
	return reply(rpc.ChangedResponse{Changed: changed}, err)
}

func (g *GRPCService) Keepalive(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req rpc.KeepaliveRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	changed, err := g.coord.Keepalive(ctx, callerFrom(ctx), req.TaskID, req.Worker)
	return reply(rpc.ChangedResponse{Changed: changed}, err)
}

func (g *GRPCService) SaveResults(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req rpc.ResultsRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	locations, err := g.coord.SaveResults(ctx, callerFrom(ctx), req.TaskID, req.Files)
	return reply(rpc.ResultsResponse{Locations: locations}, err)
}

func (g *GRPCService) Unlock(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var ref rpc.TaskRef
	if err := decode(in, &ref); err != nil {
		return nil, err
	}
	err := g.coord.Unlock(ctx, callerFrom(ctx), ref.TaskID)
	return reply(rpc.ChangedResponse{Changed: err == nil}, err)
}

func (g *GRPCService) RemoveTask(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var ref rpc.TaskRef
	if err := decode(in, &ref); err != nil {
		return nil, err
	}
	removed, err := g.coord.RemoveTasks(ctx, callerFrom(ctx), []types.TaskID{ref.TaskID})
	return reply(rpc.ChangedResponse{Changed: removed}, err)
}
