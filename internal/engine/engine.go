// Package engine talks to the external generation engine that executes flow
// graphs. The rest of the worker only sees the Engine interface and the
// normalized Event stream.
package engine

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/ChuLiYu/flowqueue/pkg/types"
)

var (
	ErrExecutionFailed = errors.New("engine: execution failed")
	ErrInterrupted     = errors.New("engine: execution interrupted")
)

// EventKind names an engine event.
type EventKind string

const (
	EventExecuting   EventKind = "executing"
	EventProgress    EventKind = "progress"
	EventCached      EventKind = "execution_cached"
	EventError       EventKind = "execution_error"
	EventInterrupted EventKind = "execution_interrupted"
	EventSuccess     EventKind = "execution_success"
)

// Event is one normalized engine event.
type Event struct {
	Kind     EventKind
	PromptID string
	Node     string   // executing, progress, execution_error
	Nodes    []string // execution_cached
	Value    int      // progress
	Max      int      // progress
	Message  string   // execution_error
}

// Terminal reports whether the event ends the execution.
func (e Event) Terminal() bool {
	switch e.Kind {
	case EventError, EventInterrupted, EventSuccess:
		return true
	}
	return false
}

// Engine executes flow graphs.
type Engine interface {
	// Execute submits graph under promptID and streams its events to onEvent
	// until a terminal event arrives or ctx is done. The returned error is nil
	// only after execution_success.
	Execute(ctx context.Context, promptID string, graph map[string]any, onEvent func(Event)) error
	// Interrupt aborts the running execution.
	Interrupt(ctx context.Context) error
	// Results fetches the output files of a finished prompt.
	Results(ctx context.Context, promptID string) ([]types.ResultFile, error)
}

const promptPrefix = "task-"

// PromptID is the engine prompt id of a task.
func PromptID(id types.TaskID) string {
	return promptPrefix + id.String()
}

// TaskIDFromPrompt is the inverse of PromptID.
func TaskIDFromPrompt(promptID string) (types.TaskID, bool) {
	rest, ok := strings.CutPrefix(promptID, promptPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return types.TaskID(n), true
}
