package taskqueue

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/ChuLiYu/flowqueue/internal/store"
	"github.com/ChuLiYu/flowqueue/pkg/types"
)

// maxChildDepth bounds the recursive child fetch.
const maxChildDepth = 16

// GetTasks lists tasks matching the filter in task id order.
//
// With IncludeChildren the children of the result set are fetched one level
// per query and attached to their parents.
func (q *Queue) GetTasks(ctx context.Context, f types.TaskFilter) ([]*types.Task, error) {
	db := q.store.DB(ctx).Model(&store.TaskDetails{})
	if len(f.TaskIDs) > 0 {
		db = db.Where("task_id IN ?", idList(f.TaskIDs))
	}
	if f.Name != "" {
		db = db.Where("name = ?", f.Name)
	}
	if f.UserID != "" {
		db = db.Where("user_id = ?", f.UserID)
	}
	if f.Finished != nil {
		if *f.Finished {
			db = db.Where("progress >= ?", types.ProgressFinished)
		} else {
			db = db.Where("progress < ?", types.ProgressFinished)
		}
	}
	if f.OnlyParent {
		db = db.Where("parent_task_id IS NULL")
	}

	var rows []store.TaskDetails
	if err := db.Order("task_id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("taskqueue: get tasks: %w", err)
	}
	tasks := toTasks(rows)
	if f.IncludeChildren && len(tasks) > 0 {
		if err := q.attachChildren(ctx, tasks, f.UserID); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func (q *Queue) attachChildren(ctx context.Context, parents []*types.Task, userID string) error {
	seen := make(map[types.TaskID]bool, len(parents))
	frontier := make(map[types.TaskID]*types.Task, len(parents))
	for _, p := range parents {
		seen[p.TaskID] = true
		frontier[p.TaskID] = p
	}

	for depth := 0; depth < maxChildDepth && len(frontier) > 0; depth++ {
		ids := make([]int64, 0, len(frontier))
		for id := range frontier {
			ids = append(ids, int64(id))
		}
		db := q.store.DB(ctx).Where("parent_task_id IN ?", ids)
		if userID != "" {
			db = db.Where("user_id = ?", userID)
		}
		var rows []store.TaskDetails
		if err := db.Order("task_id ASC").Find(&rows).Error; err != nil {
			return fmt.Errorf("taskqueue: get child tasks: %w", err)
		}

		next := make(map[types.TaskID]*types.Task, len(rows))
		for _, child := range toTasks(rows) {
			if seen[child.TaskID] {
				continue
			}
			seen[child.TaskID] = true
			parent := frontier[*child.ParentTaskID]
			parent.Children = append(parent.Children, child)
			next[child.TaskID] = child
		}
		frontier = next
	}
	return nil
}

// GetTask returns one task. A non-empty userID scopes the lookup to that owner.
func (q *Queue) GetTask(ctx context.Context, id types.TaskID, userID string) (*types.Task, error) {
	return getTaskTx(q.store.DB(ctx), id, userID)
}

func getTaskTx(tx *gorm.DB, id types.TaskID, userID string) (*types.Task, error) {
	row, err := getRowTx(tx, id, userID)
	if err != nil {
		return nil, err
	}
	return row.ToTask(), nil
}

func getRowTx(tx *gorm.DB, id types.TaskID, userID string) (*store.TaskDetails, error) {
	db := tx.Where("task_id = ?", int64(id))
	if userID != "" {
		db = db.Where("user_id = ?", userID)
	}
	var row store.TaskDetails
	err := db.Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("taskqueue: get task %s: %w", id, err)
	}
	return &row, nil
}

// Stats counts tasks by state.
type Stats struct {
	Pending  int64 `json:"pending"`
	Locked   int64 `json:"locked"`
	Failed   int64 `json:"failed"`
	Finished int64 `json:"finished"`
}

// QueueStats counts pending, locked, failed and finished tasks. Expired locks
// count as pending.
func (q *Queue) QueueStats(ctx context.Context) (Stats, error) {
	now := q.store.Now()
	var st Stats
	err := q.store.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Model(&store.TaskDetails{}).
			Where("progress >= ?", types.ProgressFinished).
			Count(&st.Finished).Error; err != nil {
			return err
		}
		if err := tx.Model(&store.TaskDetails{}).
			Where("error <> '' AND progress < ?", types.ProgressFinished).
			Count(&st.Failed).Error; err != nil {
			return err
		}
		if err := tx.Model(&store.TaskLock{}).
			Where("expires_at IS NULL OR expires_at >= ?", now).
			Count(&st.Locked).Error; err != nil {
			return err
		}
		return tx.Model(&store.TaskDetails{}).
			Joins("LEFT JOIN task_locks ON task_locks.task_id = tasks_details.task_id AND (task_locks.expires_at IS NULL OR task_locks.expires_at >= ?)", now).
			Where("task_locks.id IS NULL AND tasks_details.error = '' AND tasks_details.progress < ?", types.ProgressFinished).
			Count(&st.Pending).Error
	})
	if err != nil {
		return Stats{}, fmt.Errorf("taskqueue: stats: %w", err)
	}
	return st, nil
}

// RefreshMetrics publishes QueueStats to the metrics gauges.
func (q *Queue) RefreshMetrics(ctx context.Context) error {
	st, err := q.QueueStats(ctx)
	if err != nil {
		return err
	}
	q.metrics.UpdateQueueStats(st.Pending, st.Locked, st.Failed, st.Finished)
	return nil
}

func toTasks(rows []store.TaskDetails) []*types.Task {
	out := make([]*types.Task, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].ToTask())
	}
	return out
}

func idList(ids []types.TaskID) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		out = append(out, int64(id))
	}
	return out
}
