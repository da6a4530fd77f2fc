package progress

import (
	"sync"
	"time"

	"github.com/ChuLiYu/flowqueue/internal/engine"
	"github.com/ChuLiYu/flowqueue/pkg/types"
)

// Snapshot is a consistent copy of the active task state.
type Snapshot struct {
	TaskID        types.TaskID
	State         State
	Progress      float64
	Error         string
	ExecutionTime float64
	Version       uint64
}

// Terminal reports whether the snapshot is the last one of the execution.
func (s Snapshot) Terminal() bool {
	return s.State.Terminal()
}

// ActiveTask is the in-memory state of the task a worker executes. The engine
// event callback writes it, the reporter reads it; every access holds mu.
type ActiveTask struct {
	mu       sync.Mutex
	taskID   types.TaskID
	promptID string
	tracker  *Tracker
	started  time.Time
	ended    time.Time
	version  uint64
	now      func() time.Time
	notify   chan struct{}
}

// NewActiveTask tracks the execution of task whose graph has nodeCount nodes.
func NewActiveTask(taskID types.TaskID, nodeCount int) *ActiveTask {
	return newActiveTask(taskID, nodeCount, time.Now)
}

func newActiveTask(taskID types.TaskID, nodeCount int, now func() time.Time) *ActiveTask {
	return &ActiveTask{
		taskID:   taskID,
		promptID: engine.PromptID(taskID),
		tracker:  NewTracker(nodeCount),
		started:  now(),
		now:      now,
		notify:   make(chan struct{}, 1),
	}
}

// TaskID returns the tracked task.
func (a *ActiveTask) TaskID() types.TaskID {
	return a.taskID
}

// PromptID returns the engine prompt id of the task.
func (a *ActiveTask) PromptID() string {
	return a.promptID
}

// HandleEvent is the engine callback. Events of other prompts and events the
// state machine rejects are ignored.
func (a *ActiveTask) HandleEvent(ev engine.Event) {
	if ev.PromptID != a.promptID {
		return
	}
	a.mu.Lock()
	err := a.tracker.Apply(ev)
	if err == nil {
		a.bumpLocked()
	}
	a.mu.Unlock()
	if err != nil {
		log.Debug("Ignored engine event", "task_id", a.taskID, "event", ev.Kind, "error", err)
	}
}

// Fail ends a live execution with msg.
func (a *ActiveTask) Fail(msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tracker.State().Terminal() {
		return
	}
	a.tracker.Fail(msg)
	a.bumpLocked()
}

// Interrupt ends a live execution as interrupted.
func (a *ActiveTask) Interrupt() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tracker.State().Terminal() {
		return
	}
	a.tracker.Interrupt()
	a.bumpLocked()
}

func (a *ActiveTask) bumpLocked() {
	a.version++
	if a.tracker.State().Terminal() && a.ended.IsZero() {
		a.ended = a.now()
	}
	select {
	case a.notify <- struct{}{}:
	default:
	}
}

// Changed is signaled after every state change. Signals coalesce.
func (a *ActiveTask) Changed() <-chan struct{} {
	return a.notify
}

// Snapshot returns the current state.
func (a *ActiveTask) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	end := a.ended
	if end.IsZero() {
		end = a.now()
	}
	return Snapshot{
		TaskID:        a.taskID,
		State:         a.tracker.State(),
		Progress:      a.tracker.Progress(),
		Error:         a.tracker.Message(),
		ExecutionTime: end.Sub(a.started).Seconds(),
		Version:       a.version,
	}
}

// NodeCount counts the nodes of a flow graph.
func NodeCount(graph map[string]any) int {
	n := 0
	for _, v := range graph {
		if _, ok := v.(map[string]any); ok {
			n++
		}
	}
	return n
}
