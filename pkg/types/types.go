// Package types defines the domain model shared by the flowqueue packages:
// tasks, workers, worker identities and the requests exchanged between a
// worker process and the coordinator.
package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TaskID is the monotonic identifier assigned at admission.
type TaskID int64

// String renders the id in decimal.
func (id TaskID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ProgressFinished marks a successfully finished task.
const ProgressFinished = 100.0

// OutputDescriptor describes one output the flow produces.
type OutputDescriptor struct {
	ComfyNodeID string `json:"comfy_node_id"`
	Type        string `json:"type"` // image, video, audio, text
	Name        string `json:"name,omitempty"`
}

// Task is a unit of work derived from a flow invocation.
//
// Values returned by the queue and the matcher are detached copies; callers
// may mutate them freely.
type Task struct {
	// Identity and payload
	TaskID      TaskID             `json:"task_id"`
	Name        string             `json:"name"`
	Priority    int                `json:"priority"`
	InputParams map[string]any     `json:"input_params"`
	FlowComfy   map[string]any     `json:"flow_comfy,omitempty"`
	Outputs     []OutputDescriptor `json:"outputs"`

	// Execution state
	Progress      float64 `json:"progress"`
	Error         string  `json:"error"`
	ExecutionTime float64 `json:"execution_time"`
	WorkerID      *string `json:"worker_id"`

	// Ownership and placement
	UserID       string  `json:"user_id"`
	ParentTaskID *TaskID `json:"parent_task_id"`
	CustomWorker *string `json:"custom_worker"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  *time.Time `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at"`

	// Children is filled only by recursive queries.
	Children []*Task `json:"child_tasks,omitempty"`
}

// Finished reports whether the task reached 100%.
func (t *Task) Finished() bool {
	return t.Progress >= ProgressFinished
}

// Failed reports whether the task stopped with an error before finishing.
func (t *Task) Failed() bool {
	return t.Error != "" && !t.Finished()
}

// Clone returns a deep copy of the task, children included.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.InputParams = cloneMap(t.InputParams)
	c.FlowComfy = cloneMap(t.FlowComfy)
	if t.Outputs != nil {
		c.Outputs = append([]OutputDescriptor(nil), t.Outputs...)
	}
	c.WorkerID = cloneString(t.WorkerID)
	c.CustomWorker = cloneString(t.CustomWorker)
	if t.ParentTaskID != nil {
		p := *t.ParentTaskID
		c.ParentTaskID = &p
	}
	c.UpdatedAt = cloneTime(t.UpdatedAt)
	c.FinishedAt = cloneTime(t.FinishedAt)
	if t.Children != nil {
		c.Children = make([]*Task, len(t.Children))
		for i, child := range t.Children {
			c.Children[i] = child.Clone()
		}
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case map[string]any:
			out[k] = cloneMap(vv)
		case []any:
			out[k] = append([]any(nil), vv...)
		default:
			out[k] = v
		}
	}
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TaskFilter selects tasks for GetTasks.
type TaskFilter struct {
	TaskIDs         []TaskID
	Name            string
	UserID          string
	Finished        *bool // nil: any; true: progress == 100; false: progress < 100
	OnlyParent      bool  // exclude tasks that have a parent
	IncludeChildren bool  // attach child tasks recursively
}

// ProgressUpdate is what a worker reports while executing a task.
type ProgressUpdate struct {
	TaskID        TaskID        `json:"task_id"`
	Progress      float64       `json:"progress"`
	Error         string        `json:"error"`
	ExecutionTime float64       `json:"execution_time"`
	Worker        WorkerDetails `json:"worker_details"`
}

// Terminal reports whether the update ends the execution attempt.
func (u ProgressUpdate) Terminal() bool {
	return u.Progress >= ProgressFinished || u.Error != ""
}

// NextTaskRequest is the "ask for work" call of a worker.
type NextTaskRequest struct {
	Worker       WorkerDetails `json:"worker_details"`
	TasksToAsk   []string      `json:"tasks_names"`
	LastTaskName string        `json:"last_task_name"`
	// UserScope restricts matching to tasks of one owner when set.
	UserScope string `json:"user_scope,omitempty"`
}

// ResultFile is one output file uploaded after a task finishes.
type ResultFile struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// ValidationError is returned by admission when the input parameters or the
// flow definition are rejected. The task is never persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err carries a *ValidationError.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// ContainsString reports whether list has s.
func ContainsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// NormalizeNames trims, drops empties and duplicates, keeping order.
func NormalizeNames(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// Caller is the authenticated identity behind a request.
type Caller struct {
	UserID string
	Admin  bool
}
