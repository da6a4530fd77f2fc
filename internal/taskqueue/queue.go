// ============================================================================
// flowqueue Task Queue
// ============================================================================
//
// Package: internal/taskqueue
// File: queue.go
// Purpose: admission, listing, progress, restart and removal of tasks.
//
// Admission is split in two steps so that graph preparation happens between
// id allocation and persistence:
//
//   CreateTask      allocate id (tasks_queue insert), purge stale files,
//                   return an in-memory task (progress 0, no error)
//   <prepare>       FlowPreparer turns the flow + params into a graph
//   PutTaskInQueue  insert the tasks_details row
//
// Admit runs the three in order and removes the task's input files if any
// step fails, so a rejected admission leaves nothing behind.
//
// Error classes:
//   *types.ValidationError  bad input, task never persisted
//   ErrRateLimited          user exceeded the admission budget
//   ErrTaskNotFound / ErrTaskFinished / ErrTaskLocked  restart preconditions
//   anything else           persistence error, transaction rolled back
//
// ============================================================================

package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ChuLiYu/flowqueue/internal/artifacts"
	"github.com/ChuLiYu/flowqueue/internal/files"
	"github.com/ChuLiYu/flowqueue/internal/locks"
	"github.com/ChuLiYu/flowqueue/internal/metrics"
	"github.com/ChuLiYu/flowqueue/internal/observability"
	"github.com/ChuLiYu/flowqueue/internal/ratelimit"
	"github.com/ChuLiYu/flowqueue/internal/store"
	"github.com/ChuLiYu/flowqueue/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskFinished = errors.New("task already finished")
	ErrTaskLocked   = errors.New("task is locked by a worker")
	ErrRateLimited  = errors.New("admission rate limit exceeded")
)

// AdmitRequest is everything needed to admit one task.
type AdmitRequest struct {
	Name         string                   `json:"name"`
	UserID       string                   `json:"user_id"`
	Priority     int                      `json:"priority"`
	InputParams  map[string]any           `json:"input_params"`
	Flow         map[string]any           `json:"flow_comfy"`
	Outputs      []types.OutputDescriptor `json:"outputs"`
	InputFiles   map[string][]byte        `json:"input_files,omitempty"`
	ParentTaskID *types.TaskID            `json:"parent_task_id,omitempty"`
	CustomWorker *string                  `json:"custom_worker,omitempty"`
}

// Queue is the task queue over the durable store.
type Queue struct {
	store     *store.Store
	locks     *locks.Manager
	dirs      *files.Dirs
	artifacts artifacts.Store
	preparer  FlowPreparer
	limiter   ratelimit.Limiter
	metrics   *metrics.Collector
}

// Option customizes a Queue.
type Option func(*Queue)

func WithPreparer(p FlowPreparer) Option { return func(q *Queue) { q.preparer = p } }
func WithArtifacts(a artifacts.Store) Option { return func(q *Queue) { q.artifacts = a } }
func WithLimiter(l ratelimit.Limiter) Option { return func(q *Queue) { q.limiter = l } }
func WithMetrics(m *metrics.Collector) Option { return func(q *Queue) { q.metrics = m } }

// New creates a queue. dirs may be nil when the process keeps no task files.
func New(s *store.Store, lm *locks.Manager, dirs *files.Dirs, opts ...Option) *Queue {
	q := &Queue{
		store:    s,
		locks:    lm,
		dirs:     dirs,
		preparer: PassthroughPreparer{},
		limiter:  ratelimit.Unlimited{},
	}
	if dirs != nil {
		q.artifacts = artifacts.NewLocal(dirs)
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Store returns the underlying store.
func (q *Queue) Store() *store.Store { return q.store }

// Locks returns the lock manager.
func (q *Queue) Locks() *locks.Manager { return q.locks }

// ============================================================================
// Admission
// ============================================================================

// CreateTask allocates a task id and returns the initial in-memory task.
// Nothing but the id is persisted.
func (q *Queue) CreateTask(ctx context.Context, req AdmitRequest) (*types.Task, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return nil, &types.ValidationError{Field: "name", Reason: "required"}
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, &types.ValidationError{Field: "user_id", Reason: "required"}
	}

	row := &store.TaskQueue{}
	if err := q.store.DB(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("taskqueue: allocate task id: %w", err)
	}
	id := types.TaskID(row.ID)

	if q.dirs != nil {
		if n := q.dirs.RemoveTaskFiles(id); n > 0 {
			log.Warn("Removed stale files for reused task id", "task_id", id, "count", n)
		}
	}

	params := req.InputParams
	if params == nil {
		params = map[string]any{}
	}
	task := &types.Task{
		TaskID:       id,
		Name:         req.Name,
		Priority:     req.Priority,
		InputParams:  params,
		Outputs:      req.Outputs,
		UserID:       req.UserID,
		ParentTaskID: req.ParentTaskID,
		CustomWorker: req.CustomWorker,
		CreatedAt:    q.store.Now(),
	}
	return task.Clone(), nil
}

// PutTaskInQueue persists a prepared task. Constraint violations propagate;
// the caller owns cleanup of the task's input files.
func (q *Queue) PutTaskInQueue(ctx context.Context, task *types.Task) error {
	if task.TaskID <= 0 {
		return &types.ValidationError{Field: "task_id", Reason: "not allocated"}
	}
	if task.Outputs == nil {
		task.Outputs = []types.OutputDescriptor{}
	}
	if err := q.store.DB(ctx).Create(store.TaskDetailsFromTask(task)).Error; err != nil {
		log.Error("Failed to persist task", "task_id", task.TaskID, "error", err)
		return fmt.Errorf("taskqueue: put task %s: %w", task.TaskID, err)
	}
	return nil
}

// Admit runs the full admission: rate limit, id allocation, input files,
// preparation and persistence.
func (q *Queue) Admit(ctx context.Context, req AdmitRequest) (task *types.Task, err error) {
	ctx, span := observability.StartSpan(ctx, "taskqueue.admit",
		attribute.String("task.name", req.Name),
		attribute.String("user.id", req.UserID))
	defer func() { observability.EndSpan(span, err) }()

	res, err := q.limiter.Allow(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("taskqueue: rate limiter: %w", err)
	}
	if !res.Allowed {
		q.metrics.RecordLimited()
		return nil, fmt.Errorf("%w: retry after %s", ErrRateLimited, res.RetryAfter)
	}

	task, err = q.CreateTask(ctx, req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int64("task.id", int64(task.TaskID)))

	cleanup := func() {
		if q.dirs != nil {
			q.dirs.RemoveInputs(task.TaskID)
		}
	}

	if len(req.InputFiles) > 0 {
		if q.dirs == nil {
			return nil, &types.ValidationError{Field: "input_files", Reason: "this process stores no task files"}
		}
		for name, data := range req.InputFiles {
			if _, err := q.dirs.WriteInput(task.TaskID, name, data); err != nil {
				cleanup()
				return nil, err
			}
		}
	}

	graph, outputs, err := q.preparer.Prepare(ctx, task, req.Flow)
	if err != nil {
		cleanup()
		if types.IsValidationError(err) {
			log.Info("Task rejected by flow preparation", "task_id", task.TaskID, "error", err)
			return nil, err
		}
		return nil, fmt.Errorf("taskqueue: prepare task %s: %w", task.TaskID, err)
	}
	task.FlowComfy = graph
	if len(task.Outputs) == 0 {
		task.Outputs = outputs
	}

	if err := q.PutTaskInQueue(ctx, task); err != nil {
		cleanup()
		return nil, err
	}

	q.metrics.RecordAdmitted()
	log.Info("Task admitted", "task_id", task.TaskID, "name", task.Name, "priority", task.Priority)
	return task, nil
}
