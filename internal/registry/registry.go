// Package registry keeps the heartbeat and capability rows of workers.
//
// A worker row is keyed by its structured WorkerKey; the rendered display id
// is stored alongside for lookups by id. Rows are never deleted. Readers age
// out stale workers with a last_seen window.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ChuLiYu/flowqueue/internal/store"
	"github.com/ChuLiYu/flowqueue/pkg/types"
)

var log = slog.Default()

var (
	ErrWorkerNotFound = errors.New("worker not found")
	ErrEmptyKey       = errors.New("worker key requires user and hostname")
)

var keyColumns = []string{"user_id", "hostname", "device_name", "device_index"}

// Registry reads and writes worker rows.
type Registry struct {
	store *store.Store
}

// New creates a registry over the store.
func New(s *store.Store) *Registry {
	return &Registry{store: s}
}

// UpsertHeartbeat records a heartbeat in its own transaction and reports
// whether the worker was seen for the first time.
func (r *Registry) UpsertHeartbeat(ctx context.Context, d types.WorkerDetails) (bool, error) {
	var isNew bool
	err := r.store.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		isNew, err = UpsertTx(tx, d, r.store.Now())
		return err
	})
	return isNew, err
}

// UpsertTx updates the worker row matching the key, inserting it when absent.
func UpsertTx(tx *gorm.DB, d types.WorkerDetails, now time.Time) (bool, error) {
	if d.Key.UserID == "" || d.Key.Hostname == "" {
		return false, ErrEmptyKey
	}
	fields := map[string]any{
		"worker_id":        d.ID(),
		"os":               d.OS,
		"version":          d.Version,
		"embedded_runtime": d.EmbeddedRuntime,
		"device_type":      d.DeviceType,
		"vram_total":       d.VRAMTotal,
		"vram_free":        d.VRAMFree,
		"ram_total":        d.RAMTotal,
		"ram_free":         d.RAMFree,
		"last_seen":        now,
	}
	res := tx.Model(&store.Worker{}).
		Where("user_id = ? AND hostname = ? AND device_name = ? AND device_index = ?",
			d.Key.UserID, d.Key.Hostname, d.Key.DeviceName, d.Key.DeviceIndex).
		Updates(fields)
	if res.Error != nil {
		return false, fmt.Errorf("registry: update %s: %w", d.ID(), res.Error)
	}
	if res.RowsAffected > 0 {
		return false, nil
	}

	row := &store.Worker{
		WorkerID:        d.ID(),
		UserID:          d.Key.UserID,
		Hostname:        d.Key.Hostname,
		DeviceName:      d.Key.DeviceName,
		DeviceIndex:     d.Key.DeviceIndex,
		OS:              d.OS,
		Version:         d.Version,
		EmbeddedRuntime: d.EmbeddedRuntime,
		DeviceType:      d.DeviceType,
		VRAMTotal:       d.VRAMTotal,
		VRAMFree:        d.VRAMFree,
		RAMTotal:        d.RAMTotal,
		RAMFree:         d.RAMFree,
		TasksToGive:     datatypes.JSONSlice[string]{},
		LastSeen:        now,
		CreatedAt:       now,
	}
	cols := make([]clause.Column, 0, len(keyColumns))
	for _, c := range keyColumns {
		cols = append(cols, clause.Column{Name: c})
	}
	updateCols := make([]string, 0, len(fields))
	for k := range fields {
		updateCols = append(updateCols, k)
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   cols,
		DoUpdates: clause.AssignmentColumns(updateCols),
	}).Create(row).Error
	if err != nil {
		return false, fmt.Errorf("registry: insert %s: %w", d.ID(), err)
	}
	log.Info("Registered new worker", "worker_id", d.ID())
	return true, nil
}

// List returns workers matching the filter, most recently seen first.
func (r *Registry) List(ctx context.Context, f types.WorkerFilter) ([]types.Worker, error) {
	q := r.store.DB(ctx).Model(&store.Worker{})
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.WorkerID != "" {
		q = q.Where("worker_id = ?", f.WorkerID)
	}
	if f.SeenWithin > 0 {
		q = q.Where("last_seen >= ?", r.store.Now().Add(-f.SeenWithin))
	}
	var rows []store.Worker
	if err := q.Order("last_seen DESC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	out := make([]types.Worker, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].ToWorker())
	}
	return out, nil
}

// Get returns one worker by display id.
func (r *Registry) Get(ctx context.Context, workerID string) (*types.Worker, error) {
	var row store.Worker
	err := r.store.DB(ctx).Where("worker_id = ?", workerID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWorkerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", workerID, err)
	}
	w := row.ToWorker()
	return &w, nil
}

// SetTasksToGive replaces the allow-list of a worker. Only an admin or the
// worker's owner may change it; false means no row matched for this caller.
func (r *Registry) SetTasksToGive(ctx context.Context, caller types.Caller, workerID string, names []string) (bool, error) {
	predicate := "worker_id = ?"
	args := []any{workerID}
	if !caller.Admin {
		predicate += " AND user_id = ?"
		args = append(args, caller.UserID)
	}
	list := datatypes.JSONSlice[string](types.NormalizeNames(names))
	ok, err := store.ClaimUpdate(r.store.DB(ctx), &store.Worker{},
		map[string]any{"tasks_to_give": list}, predicate, args...)
	if err != nil {
		return false, fmt.Errorf("registry: set tasks_to_give of %s: %w", workerID, err)
	}
	return ok, nil
}

// TasksToGive returns the allow-list of a worker; empty means unrestricted.
func (r *Registry) TasksToGive(ctx context.Context, workerID string) ([]string, error) {
	return TasksToGiveTx(r.store.DB(ctx), workerID)
}

// TasksToGiveTx is TasksToGive inside an existing transaction.
func TasksToGiveTx(tx *gorm.DB, workerID string) ([]string, error) {
	var row store.Worker
	err := tx.Select("tasks_to_give").Where("worker_id = ?", workerID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: tasks_to_give of %s: %w", workerID, err)
	}
	return []string(row.TasksToGive), nil
}
