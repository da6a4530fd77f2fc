package worker

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/flowqueue/internal/rpc"
	"github.com/ChuLiYu/flowqueue/pkg/types"
)

// GrpcSource is an implementation of TaskSource that talks to the
// coordinator over gRPC.
type GrpcSource struct {
	client   *rpc.CoordinatorClient
	timeout  time.Duration
	attempts int
	backoff  time.Duration
}

// NewGrpcSource creates a new GrpcSource.
// conn should be an established gRPC connection carrying the credentials.
func NewGrpcSource(conn grpc.ClientConnInterface, timeout time.Duration) *GrpcSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GrpcSource{
		client:   rpc.NewCoordinatorClient(conn),
		timeout:  timeout,
		attempts: defaultAttempts,
		backoff:  200 * time.Millisecond,
	}
}

// NextTask is sent once: a claim whose answer was lost stays locked until its
// lease expires. gRPC itself replays calls that never left the client.
func (s *GrpcSource) NextTask(ctx context.Context, req types.NextTaskRequest) (*types.Task, error) {
	var resp rpc.NextTaskResponse
	if err := s.callN(ctx, 1, rpc.MethodNextTask, req, &resp); err != nil {
		return nil, err
	}
	return resp.Task, nil
}

func (s *GrpcSource) UpdateProgress(ctx context.Context, u types.ProgressUpdate) (bool, error) {
	var resp rpc.ChangedResponse
	if err := s.call(ctx, rpc.MethodUpdateProgress, u, &resp); err != nil {
		return false, err
	}
	return resp.Changed, nil
}

func (s *GrpcSource) Keepalive(ctx context.Context, id types.TaskID, worker types.WorkerDetails) (bool, error) {
	var resp rpc.ChangedResponse
	if err := s.call(ctx, rpc.MethodKeepalive, rpc.KeepaliveRequest{TaskID: id, Worker: worker}, &resp); err != nil {
		return false, err
	}
	return resp.Changed, nil
}

func (s *GrpcSource) SaveResults(ctx context.Context, id types.TaskID, files []types.ResultFile) ([]string, error) {
	var resp rpc.ResultsResponse
	if err := s.call(ctx, rpc.MethodSaveResults, rpc.ResultsRequest{TaskID: id, Files: files}, &resp); err != nil {
		return nil, err
	}
	return resp.Locations, nil
}

func (s *GrpcSource) Unlock(ctx context.Context, id types.TaskID) error {
	return s.call(ctx, rpc.MethodUnlock, rpc.TaskRef{TaskID: id}, nil)
}

func (s *GrpcSource) RemoveTask(ctx context.Context, id types.TaskID) (bool, error) {
	var resp rpc.ChangedResponse
	if err := s.call(ctx, rpc.MethodRemoveTask, rpc.TaskRef{TaskID: id}, &resp); err != nil {
		return false, err
	}
	return resp.Changed, nil
}

// call retries Unavailable and DeadlineExceeded; every other status is final.
func (s *GrpcSource) call(ctx context.Context, method string, req, resp any) error {
	return s.callN(ctx, s.attempts, method, req, resp)
}

func (s *GrpcSource) callN(ctx context.Context, attempts int, method string, req, resp any) error {
	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.client.Call(callCtx, method, req, resp)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		code := status.Code(err)
		if attempt >= attempts || (code != codes.Unavailable && code != codes.DeadlineExceeded) {
			if code != codes.Unavailable && code != codes.DeadlineExceeded {
				log.Error("Coordinator rejected call", "method", method, "code", code, "error", err)
			}
			return fmt.Errorf("rpc %s failed: %w", method, err)
		}
		log.Warn("Coordinator call failed, retrying", "method", method, "attempt", attempt, "code", code)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoff * time.Duration(attempt)):
		}
	}
}
