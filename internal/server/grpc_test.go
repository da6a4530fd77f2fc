package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/flowqueue/internal/rpc"
	"github.com/ChuLiYu/flowqueue/internal/worker"
	"github.com/ChuLiYu/flowqueue/pkg/types"
)

func (e *env) grpcSource(t *testing.T, user, pass string) *worker.GrpcSource {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := NewGRPCServer(e.coord, e.auth)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithPerRPCCredentials(rpc.BasicAuth{Username: user, Password: pass}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return worker.NewGrpcSource(conn, 5*time.Second)
}

func TestGRPCWorkerLifecycle(t *testing.T) {
	e := newEnv(t, testUsers)
	ctx := context.Background()
	id := e.admit(t, admitRequest("txt2img", "alice")).TaskID
	src := e.grpcSource(t, "alice", "a-pass")
	w := details("alice", "node-1")

	task, err := src.NextTask(ctx, types.NextTaskRequest{Worker: w, TasksToAsk: []string{"txt2img"}})
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, id, task.TaskID)
	assert.Equal(t, "a lighthouse", task.InputParams["prompt"])

	ok, err := src.UpdateProgress(ctx, types.ProgressUpdate{TaskID: id, Progress: 60, Worker: w})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = src.Keepalive(ctx, id, w)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, src.Unlock(ctx, id))

	removed, err := src.RemoveTask(ctx, id)
	require.NoError(t, err)
	assert.True(t, removed)

	ok, err = src.UpdateProgress(ctx, types.ProgressUpdate{TaskID: id, Progress: 70, Worker: w})
	require.NoError(t, err)
	assert.False(t, ok, "a removed task is gone")
}

func TestGRPCRejectsBadCredentials(t *testing.T) {
	e := newEnv(t, testUsers)
	src := e.grpcSource(t, "alice", "nope")

	_, err := src.NextTask(context.Background(), types.NextTaskRequest{})
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestGRPCErrorCodes(t *testing.T) {
	e := newEnv(t, testUsers)
	ctx := context.Background()
	src := e.grpcSource(t, "root", "toor")

	err := src.Unlock(ctx, 404)
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = src.NextTask(ctx, types.NextTaskRequest{TasksToAsk: []string{"txt2img"}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err), "a worker key needs a user and a host")
}

func TestErrorClass(t *testing.T) {
	cases := []struct {
		err  error
		http int
		code codes.Code
	}{
		{&types.ValidationError{Reason: "bad"}, 400, codes.InvalidArgument},
		{ErrForbidden, 403, codes.PermissionDenied},
		{ErrUnauthenticated, 401, codes.Unauthenticated},
		{context.Canceled, 500, codes.Internal},
	}
	for _, tc := range cases {
		h, c := errorClass(tc.err)
		assert.Equal(t, tc.http, h, tc.err.Error())
		assert.Equal(t, tc.code, c, tc.err.Error())
	}

	st := status.Error(codes.Aborted, "kept")
	assert.Equal(t, st, grpcError(st))
	assert.Nil(t, grpcError(nil))
}
