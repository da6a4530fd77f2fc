// ============================================================================
// flowqueue Worker Matcher
// ============================================================================
//
// Package: internal/matcher
// File: matcher.go
// Purpose: pick the best pending task for a worker and claim it atomically.
//
// FindNextTask:
//   1. upsert the worker heartbeat (own transaction), remember isNew
//   2. no declared task names -> no work
//   3. known worker -> read its tasks_to_give allow-list
//   4. candidates: no error, progress < 100, no live lock, name in
//      tasks_to_ask (and in tasks_to_give when set), custom_worker unset or
//      this worker, owner = scope when scoped
//   5. order: priority DESC, name = last_task_name DESC (only when the last
//      name is still asked for), task_id ASC
//   6. take one row, insert its lock in the same transaction
//   7. return a detached copy, then run the claim hooks
//
// Losing the lock insert to a concurrent matcher returns (nil, nil); the
// worker's next poll redoes the whole selection.
//
// ============================================================================

package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ChuLiYu/flowqueue/internal/locks"
	"github.com/ChuLiYu/flowqueue/internal/metrics"
	"github.com/ChuLiYu/flowqueue/internal/observability"
	"github.com/ChuLiYu/flowqueue/internal/registry"
	"github.com/ChuLiYu/flowqueue/internal/store"
	"github.com/ChuLiYu/flowqueue/pkg/types"
)

var log = slog.Default()

// ClaimHook runs after a task was claimed, outside the claim transaction.
// Errors are logged; the claim stands.
type ClaimHook interface {
	AfterClaim(ctx context.Context, task *types.Task, worker types.WorkerDetails) error
}

// ClaimHookFunc adapts a function to ClaimHook.
type ClaimHookFunc func(ctx context.Context, task *types.Task, worker types.WorkerDetails) error

func (f ClaimHookFunc) AfterClaim(ctx context.Context, task *types.Task, worker types.WorkerDetails) error {
	return f(ctx, task, worker)
}

// Matcher hands out tasks to workers.
type Matcher struct {
	store    *store.Store
	locks    *locks.Manager
	registry *registry.Registry
	metrics  *metrics.Collector
	hooks    []ClaimHook
}

// Option customizes a Matcher.
type Option func(*Matcher)

// WithHooks appends post-claim hooks.
func WithHooks(h ...ClaimHook) Option {
	return func(m *Matcher) { m.hooks = append(m.hooks, h...) }
}

// WithMetrics records claims and contention.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Matcher) { m.metrics = c }
}

// New creates a matcher.
func New(s *store.Store, lm *locks.Manager, opts ...Option) *Matcher {
	m := &Matcher{store: s, locks: lm, registry: registry.New(s)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FindNextTask claims the best pending task for the requesting worker, or
// returns nil when there is none (or the race for it was lost).
func (m *Matcher) FindNextTask(ctx context.Context, req types.NextTaskRequest) (task *types.Task, err error) {
	workerID := req.Worker.ID()
	ctx, span := observability.StartSpan(ctx, "matcher.find_next_task",
		attribute.String("worker.id", workerID))
	defer func() { observability.EndSpan(span, err) }()

	isNew, err := m.registry.UpsertHeartbeat(ctx, req.Worker)
	if err != nil {
		return nil, fmt.Errorf("matcher: heartbeat: %w", err)
	}

	ask := types.NormalizeNames(req.TasksToAsk)
	if len(ask) == 0 {
		return nil, nil
	}

	var give []string
	if !isNew {
		if give, err = m.registry.TasksToGive(ctx, workerID); err != nil {
			return nil, fmt.Errorf("matcher: %w", err)
		}
	}

	now := m.store.Now()
	var contended bool
	err = m.store.Transaction(ctx, func(tx *gorm.DB) error {
		row, err := selectCandidate(tx, req, ask, give, workerID, now)
		if err != nil || row == nil {
			return err
		}

		acquired, err := m.locks.Acquire(tx, types.TaskID(row.TaskID), workerID, now)
		if err != nil {
			return err
		}
		if !acquired {
			contended = true
			return nil
		}

		if err := tx.Model(&store.TaskDetails{}).
			Where("task_id = ?", row.TaskID).
			Updates(map[string]any{"worker_id": workerID, "updated_at": now}).Error; err != nil {
			return err
		}
		// Re-read: acquiring over an expired lock resets progress.
		var claimed store.TaskDetails
		if err := tx.Where("task_id = ?", row.TaskID).Take(&claimed).Error; err != nil {
			return err
		}
		task = claimed.ToTask()
		return nil
	})
	if err != nil {
		log.Error("Failed to match task", "worker_id", workerID, "error", err)
		return nil, fmt.Errorf("matcher: %w", err)
	}

	if contended {
		m.metrics.RecordClaim(true)
		log.Debug("Lost claim race", "worker_id", workerID)
		return nil, nil
	}
	if task == nil {
		return nil, nil
	}

	m.metrics.RecordClaim(false)
	span.SetAttributes(attribute.Int64("task.id", int64(task.TaskID)))
	log.Info("Task claimed", "task_id", task.TaskID, "name", task.Name, "worker_id", workerID)

	for _, h := range m.hooks {
		if herr := h.AfterClaim(ctx, task.Clone(), req.Worker); herr != nil {
			log.Warn("Claim hook failed", "task_id", task.TaskID, "worker_id", workerID, "error", herr)
		}
	}
	return task, nil
}

func selectCandidate(tx *gorm.DB, req types.NextTaskRequest, ask, give []string, workerID string, now time.Time) (*store.TaskDetails, error) {
	q := tx.Model(&store.TaskDetails{}).
		Select("tasks_details.*").
		Joins("LEFT JOIN task_locks ON task_locks.task_id = tasks_details.task_id").
		Where("(task_locks.id IS NULL OR (task_locks.expires_at IS NOT NULL AND task_locks.expires_at < ?))", now).
		Where("tasks_details.error = ''").
		Where("tasks_details.progress < ?", types.ProgressFinished).
		Where("tasks_details.name IN ?", ask)
	if len(give) > 0 {
		q = q.Where("tasks_details.name IN ?", give)
	}
	q = q.Where("(tasks_details.custom_worker IS NULL OR tasks_details.custom_worker = ?)", workerID)
	if req.UserScope != "" {
		q = q.Where("tasks_details.user_id = ?", req.UserScope)
	}

	order := "tasks_details.priority DESC"
	var vars []any
	if req.LastTaskName != "" && types.ContainsString(ask, req.LastTaskName) {
		order += ", CASE WHEN tasks_details.name = ? THEN 1 ELSE 0 END DESC"
		vars = append(vars, req.LastTaskName)
	}
	order += ", tasks_details.task_id ASC"

	var row store.TaskDetails
	err := q.Order(clause.OrderBy{Expression: clause.Expr{SQL: order, Vars: vars, WithoutParentheses: true}}).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}
