// ============================================================================
// flowqueue Progress Accumulation
// ============================================================================
//
// Package: internal/progress
// File: fsm.go
// Purpose: turn the engine event stream of one prompt into a progress value.
//
// 狀態轉換表 (State Machine):
//
//   from \ event   executing  progress   cached   error  interrupted  success
//   idle           executing  executing  cached   error  interrupted  success
//   executing      executing  executing  cached   error  interrupted  success
//   cached         executing  executing  cached   error  interrupted  success
//   error / interrupted / success: terminal, every event is rejected
//
// Progress math, N = number of nodes in the graph:
//   per node      99 / N
//   executing X   node X starts; the previously running node counts as done
//   progress v/m  done*per + per*v/m (sub progress of the running node)
//   cached k      k more nodes done
//   success       exactly 100
//
// The value never decreases and stays below 100 until success.
//
// ============================================================================

package progress

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/flowqueue/internal/engine"
)

// State of one execution.
type State string

const (
	StateIdle        State = "idle"
	StateExecuting   State = "executing"
	StateCached      State = "cached"
	StateError       State = "error"
	StateInterrupted State = "interrupted"
	StateSuccess     State = "success"
)

// Terminal reports whether no further event is accepted.
func (s State) Terminal() bool {
	return s == StateError || s == StateInterrupted || s == StateSuccess
}

var ErrInvalidTransition = errors.New("invalid progress transition")

const (
	maxRunning = 99.0
	finished   = 100.0
)

var liveTransitions = map[engine.EventKind]State{
	engine.EventExecuting:   StateExecuting,
	engine.EventProgress:    StateExecuting,
	engine.EventCached:      StateCached,
	engine.EventError:       StateError,
	engine.EventInterrupted: StateInterrupted,
	engine.EventSuccess:     StateSuccess,
}

var transitions = map[State]map[engine.EventKind]State{
	StateIdle:      liveTransitions,
	StateExecuting: liveTransitions,
	StateCached:    liveTransitions,
}

// Tracker accumulates progress for one execution. It is not safe for
// concurrent use; ActiveTask guards it.
type Tracker struct {
	state    State
	perNode  float64
	nodes    int
	done     map[string]struct{}
	running  string
	sub      float64
	progress float64
	message  string
}

// NewTracker creates a tracker for a graph of nodeCount nodes.
func NewTracker(nodeCount int) *Tracker {
	if nodeCount < 1 {
		nodeCount = 1
	}
	return &Tracker{
		state:   StateIdle,
		perNode: maxRunning / float64(nodeCount),
		nodes:   nodeCount,
		done:    make(map[string]struct{}),
	}
}

func (t *Tracker) State() State { return t.state }

func (t *Tracker) Progress() float64 { return t.progress }

func (t *Tracker) Message() string { return t.message }

// Apply feeds one event. It returns ErrInvalidTransition when the event is
// not allowed in the current state; the tracker is then unchanged.
func (t *Tracker) Apply(ev engine.Event) error {
	next, ok := transitions[t.state][ev.Kind]
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev.Kind, t.state)
	}

	switch ev.Kind {
	case engine.EventExecuting:
		t.finishRunning()
		t.running = ev.Node
		t.sub = 0
	case engine.EventProgress:
		if ev.Node != "" && ev.Node != t.running {
			t.finishRunning()
			t.running = ev.Node
		}
		if ev.Max > 0 {
			t.sub = clamp01(float64(ev.Value) / float64(ev.Max))
		}
	case engine.EventCached:
		for _, n := range ev.Nodes {
			t.done[n] = struct{}{}
		}
	case engine.EventError:
		t.message = ev.Message
	case engine.EventInterrupted:
		t.message = "interrupted"
	}
	t.state = next
	t.recompute()
	return nil
}

// Fail moves a live tracker to the error state with msg. It is a no-op on a
// terminal tracker.
func (t *Tracker) Fail(msg string) {
	if t.state.Terminal() {
		return
	}
	t.state = StateError
	t.message = msg
}

// Interrupt moves a live tracker to the interrupted state.
func (t *Tracker) Interrupt() {
	if t.state.Terminal() {
		return
	}
	t.state = StateInterrupted
	t.message = "interrupted"
}

func (t *Tracker) finishRunning() {
	if t.running != "" {
		t.done[t.running] = struct{}{}
		t.running = ""
	}
}

func (t *Tracker) recompute() {
	if t.state == StateSuccess {
		t.progress = finished
		return
	}
	done := len(t.done)
	if done > t.nodes {
		done = t.nodes
	}
	p := float64(done) * t.perNode
	if t.running != "" {
		p += t.sub * t.perNode
	}
	if p > maxRunning {
		p = maxRunning
	}
	if p > t.progress {
		t.progress = p
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
