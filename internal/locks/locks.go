// ============================================================================
// flowqueue Task Lock Manager
// ============================================================================
//
// Package: internal/locks
// File: locks.go
// Purpose: exclusive, crash-safe claim on a task.
//
// A lock is one task_locks row. The unique index on task_id makes a second
// insert fail, which is how two matchers racing for the same task are
// separated: the loser gets acquired=false and simply polls again.
//
// Leases:
//   Every lock carries expires_at = locked_at + TTL. The executing worker
//   extends it through its progress updates and keepalives. A lock whose
//   lease has passed is treated as absent: the matcher may claim the task
//   again (progress is reset to 0 first) and the sweeper job deletes it.
//
//   TTL <= 0 disables expiry (locks live until released).
//
// ============================================================================

package locks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/ChuLiYu/flowqueue/internal/store"
	"github.com/ChuLiYu/flowqueue/pkg/types"
)

var log = slog.Default()

// DefaultTTL is the lease granted when none is configured.
const DefaultTTL = 2 * time.Minute

// Lock is the public view of a task_locks row.
type Lock struct {
	TaskID    types.TaskID
	Holder    string
	LockedAt  time.Time
	ExpiresAt *time.Time
}

// Expired reports whether the lease has passed at now.
func (l *Lock) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && l.ExpiresAt.Before(now)
}

// Manager acquires and releases task locks.
type Manager struct {
	store *store.Store
	ttl   time.Duration
}

// NewManager creates a lock manager with the given lease TTL.
func NewManager(s *store.Store, ttl time.Duration) *Manager {
	return &Manager{store: s, ttl: ttl}
}

// TTL returns the lease duration.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

func (m *Manager) expiry(now time.Time) *time.Time {
	if m.ttl <= 0 {
		return nil
	}
	t := now.Add(m.ttl)
	return &t
}

// ============================================================================
// Acquire / Release
// ============================================================================

// Acquire claims the task for holder inside the caller's transaction.
//
// An expired lock on the task is dropped first and the task's progress reset
// to 0. Contention is not an error: acquired=false, err=nil.
func (m *Manager) Acquire(tx *gorm.DB, taskID types.TaskID, holder string, now time.Time) (bool, error) {
	if _, err := m.dropExpired(tx, taskID, now); err != nil {
		return false, err
	}
	ok, err := store.ClaimInsert(tx, &store.TaskLock{
		TaskID:    int64(taskID),
		WorkerID:  holder,
		LockedAt:  now,
		ExpiresAt: m.expiry(now),
	}, "task_id")
	if err != nil {
		return false, fmt.Errorf("locks: acquire task %s: %w", taskID, err)
	}
	return ok, nil
}

// TryAcquire runs Acquire in its own transaction.
func (m *Manager) TryAcquire(ctx context.Context, taskID types.TaskID, holder string) (bool, error) {
	var acquired bool
	err := m.store.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		acquired, err = m.Acquire(tx, taskID, holder, m.store.Now())
		return err
	})
	return acquired, err
}

// Release deletes the lock of the task. Releasing a missing lock is not an
// error.
func (m *Manager) Release(ctx context.Context, taskID types.TaskID) error {
	return ReleaseTx(m.store.DB(ctx), taskID)
}

// ReleaseTx is Release inside an existing transaction.
func ReleaseTx(tx *gorm.DB, taskID types.TaskID) error {
	if err := tx.Where("task_id = ?", int64(taskID)).Delete(&store.TaskLock{}).Error; err != nil {
		return fmt.Errorf("locks: release task %s: %w", taskID, err)
	}
	return nil
}

// ============================================================================
// Lease maintenance
// ============================================================================

// Extend pushes the lease of a lock held by holder. False means the lock is
// gone or belongs to someone else.
func (m *Manager) Extend(ctx context.Context, taskID types.TaskID, holder string) (bool, error) {
	return m.ExtendTx(m.store.DB(ctx), taskID, holder, m.store.Now())
}

// ExtendTx is Extend inside an existing transaction.
func (m *Manager) ExtendTx(tx *gorm.DB, taskID types.TaskID, holder string, now time.Time) (bool, error) {
	ok, err := store.ClaimUpdate(tx, &store.TaskLock{},
		map[string]any{"expires_at": m.expiry(now)},
		"task_id = ? AND worker_id = ?", int64(taskID), holder)
	if err != nil {
		return false, fmt.Errorf("locks: extend task %s: %w", taskID, err)
	}
	return ok, nil
}

// Get returns the lock of the task, or nil when unlocked.
func (m *Manager) Get(ctx context.Context, taskID types.TaskID) (*Lock, error) {
	return GetTx(m.store.DB(ctx), taskID)
}

// GetTx is Get inside an existing transaction.
func GetTx(tx *gorm.DB, taskID types.TaskID) (*Lock, error) {
	var row store.TaskLock
	err := tx.Where("task_id = ?", int64(taskID)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("locks: get task %s: %w", taskID, err)
	}
	return &Lock{
		TaskID:    types.TaskID(row.TaskID),
		Holder:    row.WorkerID,
		LockedAt:  row.LockedAt,
		ExpiresAt: row.ExpiresAt,
	}, nil
}

// SweepExpired deletes every expired lock and resets the progress of the
// unfinished tasks they guarded. It returns the number of locks removed.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	now := m.store.Now()
	var swept int
	err := m.store.Transaction(ctx, func(tx *gorm.DB) error {
		var ids []int64
		if err := tx.Model(&store.TaskLock{}).
			Where("expires_at IS NOT NULL AND expires_at < ?", now).
			Pluck("task_id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		res := tx.Where("task_id IN ? AND expires_at < ?", ids, now).Delete(&store.TaskLock{})
		if res.Error != nil {
			return res.Error
		}
		swept = int(res.RowsAffected)
		return resetProgress(tx, ids)
	})
	if err != nil {
		return 0, fmt.Errorf("locks: sweep: %w", err)
	}
	if swept > 0 {
		log.Info("Swept expired task locks", "count", swept)
	}
	return swept, nil
}

func (m *Manager) dropExpired(tx *gorm.DB, taskID types.TaskID, now time.Time) (bool, error) {
	res := tx.Where("task_id = ? AND expires_at IS NOT NULL AND expires_at < ?", int64(taskID), now).
		Delete(&store.TaskLock{})
	if res.Error != nil {
		return false, fmt.Errorf("locks: drop expired lock of task %s: %w", taskID, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	log.Warn("Reclaiming task with expired lock", "task_id", taskID)
	return true, resetProgress(tx, []int64{int64(taskID)})
}

// resetProgress restarts stranded unfinished tasks from scratch.
func resetProgress(tx *gorm.DB, ids []int64) error {
	return tx.Model(&store.TaskDetails{}).
		Where("task_id IN ? AND progress < ?", ids, types.ProgressFinished).
		Updates(map[string]any{"progress": 0, "worker_id": nil}).Error
}
