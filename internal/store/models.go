package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/ChuLiYu/flowqueue/pkg/types"
)

// ============================================================================
// Table models
// ============================================================================

// TaskQueue is used purely as a monotonic id generator for tasks.
type TaskQueue struct {
	ID int64 `gorm:"column:id;primaryKey;autoIncrement"`
}

func (TaskQueue) TableName() string { return "tasks_queue" }

// TaskDetails is the persisted Task row.
type TaskDetails struct {
	TaskID        int64                                     `gorm:"column:task_id;primaryKey;autoIncrement:false"`
	Name          string                                    `gorm:"column:name;size:255;not null;index"`
	Priority      int                                       `gorm:"column:priority;not null;default:0;index"`
	InputParams   datatypes.JSONMap                         `gorm:"column:input_params"`
	FlowComfy     datatypes.JSONMap                         `gorm:"column:flow_comfy"`
	Outputs       datatypes.JSONSlice[types.OutputDescriptor] `gorm:"column:outputs"`
	Progress      float64                                   `gorm:"column:progress;not null;default:0"`
	Error         string                                    `gorm:"column:error;not null;default:''"`
	ExecutionTime float64                                   `gorm:"column:execution_time;not null;default:0"`
	WorkerID      *string                                   `gorm:"column:worker_id;size:512"`
	UserID        string                                    `gorm:"column:user_id;size:255;not null;index"`
	ParentTaskID  *int64                                    `gorm:"column:parent_task_id;index"`
	CustomWorker  *string                                   `gorm:"column:custom_worker;size:512"`
	CreatedAt     time.Time                                 `gorm:"column:created_at;not null"`
	UpdatedAt     *time.Time                                `gorm:"column:updated_at;autoUpdateTime:false"`
	FinishedAt    *time.Time                                `gorm:"column:finished_at"`
}

func (TaskDetails) TableName() string { return "tasks_details" }

// TaskLock marks a task as claimed. The unique index on task_id is the
// at-most-one-executor guarantee.
type TaskLock struct {
	ID        int64      `gorm:"column:id;primaryKey;autoIncrement"`
	TaskID    int64      `gorm:"column:task_id;not null;uniqueIndex"`
	WorkerID  string     `gorm:"column:worker_id;size:512;not null;default:''"`
	LockedAt  time.Time  `gorm:"column:locked_at;not null"`
	ExpiresAt *time.Time `gorm:"column:expires_at;index"`
}

func (TaskLock) TableName() string { return "task_locks" }

// Worker is one registered compute identity.
type Worker struct {
	ID              int64                       `gorm:"column:id;primaryKey;autoIncrement"`
	WorkerID        string                      `gorm:"column:worker_id;size:512;not null;index"`
	UserID          string                      `gorm:"column:user_id;size:255;not null;uniqueIndex:idx_workers_key"`
	Hostname        string                      `gorm:"column:hostname;size:255;not null;uniqueIndex:idx_workers_key"`
	DeviceName      string                      `gorm:"column:device_name;size:255;not null;uniqueIndex:idx_workers_key"`
	DeviceIndex     int                         `gorm:"column:device_index;not null;uniqueIndex:idx_workers_key"`
	OS              string                      `gorm:"column:os;size:64;not null;default:''"`
	Version         string                      `gorm:"column:version;size:64;not null;default:''"`
	EmbeddedRuntime bool                        `gorm:"column:embedded_runtime;not null;default:false"`
	DeviceType      string                      `gorm:"column:device_type;size:64;not null;default:''"`
	VRAMTotal       int64                       `gorm:"column:vram_total;not null;default:0"`
	VRAMFree        int64                       `gorm:"column:vram_free;not null;default:0"`
	RAMTotal        int64                       `gorm:"column:ram_total;not null;default:0"`
	RAMFree         int64                       `gorm:"column:ram_free;not null;default:0"`
	TasksToGive     datatypes.JSONSlice[string] `gorm:"column:tasks_to_give"`
	LastSeen        time.Time                   `gorm:"column:last_seen;not null;index"`
	CreatedAt       time.Time                   `gorm:"column:created_at;not null"`
}

func (Worker) TableName() string { return "workers" }

// BackgroundJobLock is the distributed lease of one named periodic job.
type BackgroundJobLock struct {
	ID        int64      `gorm:"column:id;primaryKey;autoIncrement"`
	JobName   string     `gorm:"column:job_name;size:255;not null;uniqueIndex"`
	WorkerID  *string    `gorm:"column:worker_id;size:512"`
	ExpiresAt *time.Time `gorm:"column:expires_at"`
	LastRunAt *time.Time `gorm:"column:last_run_at"`
}

func (BackgroundJobLock) TableName() string { return "background_job_locks" }

// allModels lists every table managed by AutoMigrate.
func allModels() []any {
	return []any{
		&TaskQueue{},
		&TaskDetails{},
		&TaskLock{},
		&Worker{},
		&BackgroundJobLock{},
	}
}

// ============================================================================
// Conversions
// ============================================================================

// ToTask converts a row to a detached domain task.
func (d *TaskDetails) ToTask() *types.Task {
	t := &types.Task{
		TaskID:        types.TaskID(d.TaskID),
		Name:          d.Name,
		Priority:      d.Priority,
		InputParams:   plainNumbers(d.InputParams),
		FlowComfy:     plainNumbers(d.FlowComfy),
		Outputs:       []types.OutputDescriptor(d.Outputs),
		Progress:      d.Progress,
		Error:         d.Error,
		ExecutionTime: d.ExecutionTime,
		WorkerID:      d.WorkerID,
		UserID:        d.UserID,
		CustomWorker:  d.CustomWorker,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
		FinishedAt:    d.FinishedAt,
	}
	if d.ParentTaskID != nil {
		p := types.TaskID(*d.ParentTaskID)
		t.ParentTaskID = &p
	}
	// Clone detaches the task from the row's maps and slices.
	return t.Clone()
}

// plainNumbers copies m with every json.Number turned into a float64.
// JSONMap.Scan decodes with UseNumber, while tasks built in memory carry the
// float64 values encoding/json produces.
func plainNumbers(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = plainValue(v)
	}
	return out
}

func plainValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		return plainNumbers(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = plainValue(e)
		}
		return out
	default:
		return v
	}
}

// TaskDetailsFromTask converts a domain task to a row.
func TaskDetailsFromTask(t *types.Task) *TaskDetails {
	c := t.Clone()
	d := &TaskDetails{
		TaskID:        int64(c.TaskID),
		Name:          c.Name,
		Priority:      c.Priority,
		InputParams:   datatypes.JSONMap(c.InputParams),
		FlowComfy:     datatypes.JSONMap(c.FlowComfy),
		Outputs:       datatypes.JSONSlice[types.OutputDescriptor](c.Outputs),
		Progress:      c.Progress,
		Error:         c.Error,
		ExecutionTime: c.ExecutionTime,
		WorkerID:      c.WorkerID,
		UserID:        c.UserID,
		CustomWorker:  c.CustomWorker,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
		FinishedAt:    c.FinishedAt,
	}
	if c.ParentTaskID != nil {
		p := int64(*c.ParentTaskID)
		d.ParentTaskID = &p
	}
	return d
}

// ToWorker converts a row to the domain worker.
func (w *Worker) ToWorker() types.Worker {
	return types.Worker{
		WorkerDetails: types.WorkerDetails{
			Key: types.WorkerKey{
				UserID:      w.UserID,
				Hostname:    w.Hostname,
				DeviceName:  w.DeviceName,
				DeviceIndex: w.DeviceIndex,
			},
			OS:              w.OS,
			Version:         w.Version,
			EmbeddedRuntime: w.EmbeddedRuntime,
			DeviceType:      w.DeviceType,
			VRAMTotal:       w.VRAMTotal,
			VRAMFree:        w.VRAMFree,
			RAMTotal:        w.RAMTotal,
			RAMFree:         w.RAMFree,
		},
		WorkerID:    w.WorkerID,
		TasksToGive: append([]string(nil), w.TasksToGive...),
		LastSeen:    w.LastSeen,
		CreatedAt:   w.CreatedAt,
	}
}
