// ============================================================================
// flowqueue Task Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Defines the abstraction for claiming tasks and reporting progress.
//
// Motivation:
//   A worker either shares the database with the coordinator or only reaches
//   it over the network. The runner does not care which:
//
//   - LocalSource: direct calls into the task queue and the matcher.
//   - HTTPSource:  the coordinator HTTP API with basic credentials.
//   - GrpcSource:  the flowqueue.v1.Coordinator gRPC service.
//
// ============================================================================

package worker

import (
	"context"

	"github.com/ChuLiYu/flowqueue/internal/matcher"
	"github.com/ChuLiYu/flowqueue/internal/taskqueue"
	"github.com/ChuLiYu/flowqueue/pkg/types"
)

// TaskSource is the coordinator as seen from a worker.
type TaskSource interface {
	// NextTask claims the best pending task for the worker, nil when there
	// is none.
	NextTask(ctx context.Context, req types.NextTaskRequest) (*types.Task, error)

	// UpdateProgress reports progress; false means the task must be dropped.
	UpdateProgress(ctx context.Context, u types.ProgressUpdate) (bool, error)

	// Keepalive renews the task lock.
	Keepalive(ctx context.Context, id types.TaskID, worker types.WorkerDetails) (bool, error)

	// SaveResults uploads the output files of a finished task.
	SaveResults(ctx context.Context, id types.TaskID, files []types.ResultFile) ([]string, error)

	// Unlock gives a claimed task back without finishing it.
	Unlock(ctx context.Context, id types.TaskID) error

	// RemoveTask deletes a task with its lock and files.
	RemoveTask(ctx context.Context, id types.TaskID) (bool, error)
}

// LocalSource serves a worker that shares the store with the coordinator.
type LocalSource struct {
	queue   *taskqueue.Queue
	matcher *matcher.Matcher
}

// NewLocalSource creates a source backed by q and m.
func NewLocalSource(q *taskqueue.Queue, m *matcher.Matcher) *LocalSource {
	return &LocalSource{queue: q, matcher: m}
}

func (s *LocalSource) NextTask(ctx context.Context, req types.NextTaskRequest) (*types.Task, error) {
	return s.matcher.FindNextTask(ctx, req)
}

func (s *LocalSource) UpdateProgress(ctx context.Context, u types.ProgressUpdate) (bool, error) {
	return s.queue.UpdateProgress(ctx, u)
}

func (s *LocalSource) Keepalive(ctx context.Context, id types.TaskID, worker types.WorkerDetails) (bool, error) {
	return s.queue.Keepalive(ctx, id, worker)
}

func (s *LocalSource) SaveResults(ctx context.Context, id types.TaskID, files []types.ResultFile) ([]string, error) {
	return s.queue.SaveResults(ctx, id, files)
}

func (s *LocalSource) Unlock(ctx context.Context, id types.TaskID) error {
	return s.queue.Unlock(ctx, id)
}

func (s *LocalSource) RemoveTask(ctx context.Context, id types.TaskID) (bool, error) {
	return s.queue.RemoveTasks(ctx, []types.TaskID{id}, "")
}
