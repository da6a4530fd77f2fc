package taskqueue

import (
	"context"
	"fmt"
	"math"

	"gorm.io/gorm"

	"github.com/ChuLiYu/flowqueue/internal/locks"
	"github.com/ChuLiYu/flowqueue/internal/registry"
	"github.com/ChuLiYu/flowqueue/internal/store"
	"github.com/ChuLiYu/flowqueue/pkg/types"
)

// ============================================================================
// Progress
// ============================================================================

// UpdateProgress records a progress report from the executing worker.
//
// In one transaction it refreshes the worker heartbeat, updates the task row
// (only while progress < 100) and maintains the task lock: a terminal update
// releases it, any other update extends it. The result is false when the
// task is gone, already finished or held by another worker; the caller must
// stop executing it.
func (q *Queue) UpdateProgress(ctx context.Context, u types.ProgressUpdate) (bool, error) {
	holder := u.Worker.ID()
	progress := clampProgress(u.Progress)
	now := q.store.Now()

	var changed bool
	err := q.store.Transaction(ctx, func(tx *gorm.DB) error {
		if _, err := registry.UpsertTx(tx, u.Worker, now); err != nil {
			return err
		}

		lock, err := locks.GetTx(tx, u.TaskID)
		if err != nil {
			return err
		}
		if lock != nil && lock.Holder != holder {
			if !lock.Expired(now) {
				log.Warn("Progress from a worker that does not hold the task",
					"task_id", u.TaskID, "worker_id", holder, "holder", lock.Holder)
				return nil
			}
			if err := locks.ReleaseTx(tx, u.TaskID); err != nil {
				return err
			}
			lock = nil
		}

		updates := map[string]any{
			"progress":       progress,
			"error":          u.Error,
			"execution_time": u.ExecutionTime,
			"worker_id":      holder,
			"updated_at":     now,
		}
		if progress >= types.ProgressFinished {
			updates["finished_at"] = now
		}
		res := tx.Model(&store.TaskDetails{}).
			Where("task_id = ? AND progress < ?", int64(u.TaskID), types.ProgressFinished).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		changed = true

		switch {
		case u.Terminal():
			return locks.ReleaseTx(tx, u.TaskID)
		case lock != nil:
			_, err := q.locks.ExtendTx(tx, u.TaskID, holder, now)
			return err
		default:
			// The lock was swept while the worker was still alive.
			_, err := q.locks.Acquire(tx, u.TaskID, holder, now)
			return err
		}
	})
	if err != nil {
		log.Error("Failed to update progress", "task_id", u.TaskID, "worker_id", holder, "error", err)
		return false, fmt.Errorf("taskqueue: update progress of task %s: %w", u.TaskID, err)
	}
	if changed {
		q.metrics.RecordProgress(progress, u.Error != "", u.ExecutionTime)
	}
	return changed, nil
}

func clampProgress(p float64) float64 {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	if p > types.ProgressFinished {
		return types.ProgressFinished
	}
	return p
}

// Keepalive extends the lock lease of a task without touching its row.
func (q *Queue) Keepalive(ctx context.Context, id types.TaskID, worker types.WorkerDetails) (bool, error) {
	return q.locks.Extend(ctx, id, worker.ID())
}

// Unlock releases the lock of a task. Unlocking an unlocked task is a no-op.
func (q *Queue) Unlock(ctx context.Context, id types.TaskID) error {
	return q.locks.Release(ctx, id)
}

// ============================================================================
// Restart / Remove
// ============================================================================

// RestartTask resets an unfinished task so the matcher hands it out again:
// progress 0, no error, no worker, no finish time.
//
// Finished tasks are rejected with ErrTaskFinished and tasks held by a live
// lock with ErrTaskLocked. An expired lock is dropped. A non-empty userID
// scopes the restart to that owner.
func (q *Queue) RestartTask(ctx context.Context, id types.TaskID, userID string) error {
	now := q.store.Now()
	err := q.store.Transaction(ctx, func(tx *gorm.DB) error {
		row, err := getRowTx(tx, id, userID)
		if err != nil {
			return err
		}
		if row.Progress >= types.ProgressFinished {
			return ErrTaskFinished
		}

		lock, err := locks.GetTx(tx, id)
		if err != nil {
			return err
		}
		if lock != nil {
			if !lock.Expired(now) {
				return ErrTaskLocked
			}
			if err := locks.ReleaseTx(tx, id); err != nil {
				return err
			}
		}

		return tx.Model(&store.TaskDetails{}).
			Where("task_id = ? AND progress < ?", int64(id), types.ProgressFinished).
			Updates(map[string]any{
				"progress":    0,
				"error":       "",
				"worker_id":   nil,
				"finished_at": nil,
				"updated_at":  now,
			}).Error
	})
	if err != nil {
		return err
	}
	log.Info("Task restarted", "task_id", id)
	return nil
}

// RemoveTasks deletes tasks and their locks in one transaction. It reports
// whether any row was removed. The tasks' input and output files and their
// stored results are removed afterwards whatever the outcome of the delete.
func (q *Queue) RemoveTasks(ctx context.Context, ids []types.TaskID, userID string) (bool, error) {
	if len(ids) == 0 {
		return false, nil
	}
	targets := idList(ids)
	fileTargets := ids
	if userID != "" {
		// Until ownership is known no file may be touched.
		fileTargets = nil
	}

	var removed bool
	err := q.store.Transaction(ctx, func(tx *gorm.DB) error {
		if userID != "" {
			var owned []int64
			if err := tx.Model(&store.TaskDetails{}).
				Where("task_id IN ? AND user_id = ?", targets, userID).
				Pluck("task_id", &owned).Error; err != nil {
				return err
			}
			targets = owned
			fileTargets = make([]types.TaskID, 0, len(owned))
			for _, id := range owned {
				fileTargets = append(fileTargets, types.TaskID(id))
			}
			if len(targets) == 0 {
				return nil
			}
		}

		res := tx.Where("task_id IN ?", targets).Delete(&store.TaskLock{})
		if res.Error != nil {
			return res.Error
		}
		affected := res.RowsAffected
		res = tx.Where("task_id IN ?", targets).Delete(&store.TaskDetails{})
		if res.Error != nil {
			return res.Error
		}
		removed = affected+res.RowsAffected > 0
		return nil
	})

	if q.dirs != nil {
		for _, id := range fileTargets {
			q.dirs.RemoveTaskFiles(id)
		}
	}
	if q.artifacts != nil {
		for _, id := range fileTargets {
			if derr := q.artifacts.Delete(ctx, id); derr != nil {
				log.Warn("Failed to remove task results", "task_id", id, "error", derr)
			}
		}
	}

	if err != nil {
		log.Error("Failed to remove tasks", "task_ids", ids, "error", err)
		return false, fmt.Errorf("taskqueue: remove tasks: %w", err)
	}
	if removed {
		log.Info("Tasks removed", "task_ids", ids)
	}
	return removed, nil
}

// ============================================================================
// Results
// ============================================================================

// SaveResults stores the result files of a task in the artifact store and
// returns their locations in input order.
func (q *Queue) SaveResults(ctx context.Context, id types.TaskID, results []types.ResultFile) ([]string, error) {
	if q.artifacts == nil {
		return nil, fmt.Errorf("taskqueue: no artifact store configured")
	}
	if _, err := q.GetTask(ctx, id, ""); err != nil {
		return nil, err
	}
	locations := make([]string, 0, len(results))
	for _, f := range results {
		if f.Name == "" {
			return locations, &types.ValidationError{Field: "name", Reason: "result file needs a name"}
		}
		loc, err := q.artifacts.Put(ctx, id, f)
		if err != nil {
			log.Error("Failed to store result", "task_id", id, "file", f.Name, "error", err)
			return locations, err
		}
		locations = append(locations, loc)
	}
	log.Info("Results stored", "task_id", id, "count", len(locations))
	return locations, nil
}
