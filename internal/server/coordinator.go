// ============================================================================
// flowqueue Coordinator Service
// ============================================================================
//
// Package: internal/server
// File: coordinator.go
// Purpose: the operations remote workers and operators call, independent of
//          the transport. The HTTP API (http.go) and the gRPC service
//          (grpc.go) both decode a request, authenticate the caller and
//          delegate here.
//
// Caller scoping:
//   admin      acts on every task and worker
//   non-admin  reports under its own user, only receives and touches its
//              own tasks; other users' tasks look absent
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/flowqueue/internal/matcher"
	"github.com/ChuLiYu/flowqueue/internal/registry"
	"github.com/ChuLiYu/flowqueue/internal/taskqueue"
	"github.com/ChuLiYu/flowqueue/pkg/types"
)

var log = slog.Default()

var (
	ErrForbidden       = errors.New("operation requires an admin account")
	ErrUnauthenticated = errors.New("missing or invalid credentials")
)

// DefaultWorkerWindow is how recently a worker must have been seen to be
// listed by default.
const DefaultWorkerWindow = 10 * time.Minute

// Coordinator serves task matching and reporting to remote callers.
type Coordinator struct {
	queue    *taskqueue.Queue
	matcher  *matcher.Matcher
	registry *registry.Registry
}

// NewCoordinator creates the service over a queue and its matcher.
func NewCoordinator(q *taskqueue.Queue, m *matcher.Matcher) *Coordinator {
	return &Coordinator{queue: q, matcher: m, registry: registry.New(q.Store())}
}

// ============================================================================
// Worker operations
// ============================================================================

// NextTask claims a task for the calling worker.
func (c *Coordinator) NextTask(ctx context.Context, caller types.Caller, req types.NextTaskRequest) (*types.Task, error) {
	scopeNext(caller, &req)
	return c.matcher.FindNextTask(ctx, req)
}

// UpdateProgress records a progress report. A task the caller may not see is
// reported as gone.
func (c *Coordinator) UpdateProgress(ctx context.Context, caller types.Caller, u types.ProgressUpdate) (bool, error) {
	scopeWorker(caller, &u.Worker)
	if ok, err := c.visible(ctx, caller, u.TaskID); !ok || err != nil {
		return false, err
	}
	return c.queue.UpdateProgress(ctx, u)
}

// Keepalive renews the lock lease of a task held by the calling worker.
func (c *Coordinator) Keepalive(ctx context.Context, caller types.Caller, id types.TaskID, worker types.WorkerDetails) (bool, error) {
	scopeWorker(caller, &worker)
	if ok, err := c.visible(ctx, caller, id); !ok || err != nil {
		return false, err
	}
	return c.queue.Keepalive(ctx, id, worker)
}

// SaveResults stores the result files of a task.
func (c *Coordinator) SaveResults(ctx context.Context, caller types.Caller, id types.TaskID, files []types.ResultFile) ([]string, error) {
	if _, err := c.queue.GetTask(ctx, id, ownerScope(caller)); err != nil {
		return nil, err
	}
	return c.queue.SaveResults(ctx, id, files)
}

// Unlock gives a task back.
func (c *Coordinator) Unlock(ctx context.Context, caller types.Caller, id types.TaskID) error {
	if _, err := c.queue.GetTask(ctx, id, ownerScope(caller)); err != nil {
		return err
	}
	return c.queue.Unlock(ctx, id)
}

// RemoveTasks deletes tasks of the caller (any task for an admin).
func (c *Coordinator) RemoveTasks(ctx context.Context, caller types.Caller, ids []types.TaskID) (bool, error) {
	return c.queue.RemoveTasks(ctx, ids, ownerScope(caller))
}

// visible reports whether the caller may act on the task. Admins skip the
// lookup.
func (c *Coordinator) visible(ctx context.Context, caller types.Caller, id types.TaskID) (bool, error) {
	if caller.Admin {
		return true, nil
	}
	_, err := c.queue.GetTask(ctx, id, caller.UserID)
	if errors.Is(err, taskqueue.ErrTaskNotFound) {
		return false, nil
	}
	return err == nil, err
}

// ============================================================================
// Operator operations
// ============================================================================

// Admit admits a task owned by the caller. Admins may admit on behalf of
// another user.
func (c *Coordinator) Admit(ctx context.Context, caller types.Caller, req taskqueue.AdmitRequest) (*types.Task, error) {
	switch {
	case !caller.Admin && req.UserID != "" && req.UserID != caller.UserID:
		return nil, ErrForbidden
	case req.UserID == "":
		req.UserID = caller.UserID
	}
	return c.queue.Admit(ctx, req)
}

// Tasks lists the caller's tasks (all tasks for an admin).
func (c *Coordinator) Tasks(ctx context.Context, caller types.Caller, f types.TaskFilter) ([]*types.Task, error) {
	if !caller.Admin {
		f.UserID = caller.UserID
	}
	return c.queue.GetTasks(ctx, f)
}

// RestartTask resets an unfinished task of the caller.
func (c *Coordinator) RestartTask(ctx context.Context, caller types.Caller, id types.TaskID) error {
	return c.queue.RestartTask(ctx, id, ownerScope(caller))
}

// Workers lists the caller's workers seen within the window.
func (c *Coordinator) Workers(ctx context.Context, caller types.Caller, f types.WorkerFilter) ([]types.Worker, error) {
	if !caller.Admin {
		f.UserID = caller.UserID
	}
	return c.registry.List(ctx, f)
}

// SetTasksToGive replaces the allow-list of a worker.
func (c *Coordinator) SetTasksToGive(ctx context.Context, caller types.Caller, workerID string, names []string) error {
	ok, err := c.registry.SetTasksToGive(ctx, caller, workerID, names)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrWorkerNotFound, workerID)
	}
	log.Info("Worker allow-list updated", "worker_id", workerID, "tasks", names)
	return nil
}

// Stats returns the queue counters.
func (c *Coordinator) Stats(ctx context.Context) (taskqueue.Stats, error) {
	return c.queue.QueueStats(ctx)
}
