package worker

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/flowqueue/internal/rpc"
	"github.com/ChuLiYu/flowqueue/pkg/types"
)

// flakyCoordinator answers Unavailable to the first failures calls.
type flakyCoordinator struct {
	failures int32
	code     codes.Code
	calls    atomic.Int32
}

func (f *flakyCoordinator) answer(v any) (*structpb.Struct, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, status.Error(f.code, "coordinator unavailable")
	}
	return rpc.ToStruct(v)
}

func (f *flakyCoordinator) NextTask(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req types.NextTaskRequest
	if err := rpc.FromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return f.answer(rpc.NextTaskResponse{Task: &types.Task{TaskID: 11, Name: req.TasksToAsk[0]}})
}

func (f *flakyCoordinator) UpdateProgress(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return f.answer(rpc.ChangedResponse{Changed: true})
}

func (f *flakyCoordinator) Keepalive(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return f.answer(rpc.ChangedResponse{Changed: true})
}

func (f *flakyCoordinator) SaveResults(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return f.answer(rpc.ResultsResponse{Locations: []string{"s3://bucket/1/a.png"}})
}

func (f *flakyCoordinator) Unlock(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return f.answer(rpc.ChangedResponse{Changed: true})
}

func (f *flakyCoordinator) RemoveTask(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return f.answer(rpc.ChangedResponse{Changed: true})
}

func newGrpcSource(t *testing.T, srv rpc.CoordinatorServer) *GrpcSource {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	rpc.RegisterCoordinatorServer(gs, srv)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	src := NewGrpcSource(conn, 2*time.Second)
	src.backoff = time.Millisecond
	return src
}

func TestGrpcSourceRetriesUnavailable(t *testing.T) {
	srv := &flakyCoordinator{failures: 2, code: codes.Unavailable}
	src := newGrpcSource(t, srv)

	ok, err := src.Keepalive(context.Background(), 4, types.WorkerDetails{})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(3), srv.calls.Load())
}

func TestGrpcSourceNextTaskIsSentOnce(t *testing.T) {
	srv := &flakyCoordinator{failures: 1, code: codes.DeadlineExceeded}
	src := newGrpcSource(t, srv)
	req := types.NextTaskRequest{TasksToAsk: []string{"upscale"}}

	_, err := src.NextTask(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
	assert.Equal(t, int32(1), srv.calls.Load())

	task, err := src.NextTask(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, types.TaskID(11), task.TaskID)
	assert.Equal(t, "upscale", task.Name)
}

func TestGrpcSourceGivesUp(t *testing.T) {
	srv := &flakyCoordinator{failures: 5, code: codes.Unavailable}
	src := newGrpcSource(t, srv)

	_, err := src.UpdateProgress(context.Background(), types.ProgressUpdate{TaskID: 1})
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Equal(t, int32(3), srv.calls.Load())
}

func TestGrpcSourceFinalCodes(t *testing.T) {
	srv := &flakyCoordinator{failures: 1, code: codes.NotFound}
	src := newGrpcSource(t, srv)

	_, err := src.SaveResults(context.Background(), 1, nil)
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
	assert.Equal(t, int32(1), srv.calls.Load())

	locations, err := src.SaveResults(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"s3://bucket/1/a.png"}, locations)
}

func TestGrpcSourceTaskCalls(t *testing.T) {
	src := newGrpcSource(t, &flakyCoordinator{})
	ctx := context.Background()

	ok, err := src.Keepalive(ctx, 3, types.WorkerDetails{Key: types.WorkerKey{UserID: "alice"}})
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, src.Unlock(ctx, 3))

	removed, err := src.RemoveTask(ctx, 3)
	require.NoError(t, err)
	assert.True(t, removed)
}
