// ============================================================================
// flowqueue Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: one device loop: claim a task, run it on the engine, report.
//
// How it works:
//   Each Runner is an independent goroutine that continuously executes the
//   following loop:
//   1. Ask the TaskSource for work (tasks_to_ask, last task name)
//   2. Nothing: sleep, doubling the pause from MinPause up to MaxPause
//   3. A task: execute it, reset the pause, go to 1
//
// Execution Model:
//   ┌──────────────────────────────────────────────┐
//   │  Runner goroutine                            │
//   │   engine.Execute ── events ──▶ ActiveTask    │
//   │                                   │          │
//   │   Reporter goroutine ◀── Changed ─┘          │
//   │     └─ UpdateProgress / Keepalive            │
//   └──────────────────────────────────────────────┘
//
// Cancellation:
//   - Coordinator answers "task gone": reporter interrupts the ActiveTask
//     and the engine, the runner moves on.
//   - Process shutdown: the engine call is canceled and the task lock is
//     given back so another worker can pick the task up at once.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ChuLiYu/flowqueue/internal/engine"
	"github.com/ChuLiYu/flowqueue/internal/progress"
	"github.com/ChuLiYu/flowqueue/pkg/types"
)

var log = slog.Default()

// Outcome of one executed task.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeFailed      Outcome = "failed"
	OutcomeGone        Outcome = "gone"
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeAborted     Outcome = "aborted"
)

// Runner executes tasks for one device.
type Runner struct {
	source    TaskSource
	engine    engine.Engine
	details   types.WorkerDetails
	tasks     []string
	minPause  time.Duration
	maxPause  time.Duration
	keepalive time.Duration
	poll      time.Duration
	lastTask  string
}

// NewRunner creates the runner of device index in cfg.
func NewRunner(cfg Config, index int, src TaskSource, eng engine.Engine) *Runner {
	cfg.ApplyDefaults()
	return &Runner{
		source:    src,
		engine:    eng,
		details:   cfg.Details(index),
		tasks:     types.NormalizeNames(cfg.TasksToAsk),
		minPause:  cfg.MinPause,
		maxPause:  cfg.MaxPause,
		keepalive: cfg.LockTTL / 4,
		poll:      progress.DefaultPollInterval,
	}
}

// Details returns the identity the runner reports.
func (r *Runner) Details() types.WorkerDetails {
	return r.details
}

// Run is the main loop of the runner. It returns when ctx is done.
func (r *Runner) Run(ctx context.Context) {
	id := r.details.ID()
	log.Info("Worker started", "worker_id", id, "tasks", r.tasks)
	pause := r.minPause
	for {
		if ctx.Err() != nil {
			log.Info("Worker stopped", "worker_id", id)
			return
		}

		task, err := r.source.NextTask(ctx, types.NextTaskRequest{
			Worker:       r.details,
			TasksToAsk:   r.tasks,
			LastTaskName: r.lastTask,
		})
		if err != nil && ctx.Err() == nil {
			log.Warn("Failed to ask for a task", "worker_id", id, "error", err)
		}
		if err == nil && task != nil {
			outcome := r.Execute(ctx, task)
			log.Info("Task execution ended", "task_id", task.TaskID, "name", task.Name,
				"worker_id", id, "outcome", outcome)
			r.lastTask = task.Name
			pause = r.minPause
			continue
		}

		select {
		case <-ctx.Done():
			log.Info("Worker stopped", "worker_id", id)
			return
		case <-time.After(pause):
		}
		pause *= 2
		if pause > r.maxPause {
			pause = r.maxPause
		}
	}
}

// Execute runs one claimed task to its end.
func (r *Runner) Execute(ctx context.Context, task *types.Task) Outcome {
	active := progress.NewActiveTask(task.TaskID, progress.NodeCount(task.FlowComfy))
	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()

	reporter := progress.NewReporter(r.source, r.details,
		progress.WithPollInterval(r.poll),
		progress.WithKeepalive(r.keepalive),
		progress.WithOnGone(func() {
			cancelExec()
			r.interruptEngine(ctx, task.TaskID)
		}))
	reported := make(chan error, 1)
	go func() { reported <- reporter.Run(ctx, active) }()

	if len(task.FlowComfy) == 0 {
		active.Fail("task has no flow graph")
	} else if err := r.engine.Execute(execCtx, active.PromptID(), task.FlowComfy, active.HandleEvent); err != nil {
		active.Fail(err.Error())
	}

	reportErr := <-reported
	snap := active.Snapshot()
	switch {
	case errors.Is(reportErr, progress.ErrTaskGone):
		return OutcomeGone
	case reportErr != nil:
		// Shutdown mid task: hand the task back.
		r.release(ctx, task.TaskID)
		return OutcomeAborted
	case snap.State == progress.StateSuccess:
		r.upload(ctx, task)
		return OutcomeSuccess
	case snap.State == progress.StateInterrupted:
		return OutcomeInterrupted
	default:
		return OutcomeFailed
	}
}

func (r *Runner) upload(ctx context.Context, task *types.Task) {
	files, err := r.engine.Results(ctx, engine.PromptID(task.TaskID))
	if err != nil {
		log.Error("Failed to collect results", "task_id", task.TaskID, "error", err)
		return
	}
	if len(files) == 0 {
		return
	}
	locations, err := r.source.SaveResults(ctx, task.TaskID, files)
	if err != nil {
		log.Error("Failed to upload results", "task_id", task.TaskID, "error", err)
		return
	}
	log.Debug("Results uploaded", "task_id", task.TaskID, "locations", locations)
}

func (r *Runner) interruptEngine(ctx context.Context, id types.TaskID) {
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.engine.Interrupt(ictx); err != nil {
		log.Warn("Failed to interrupt engine", "task_id", id, "error", err)
	}
}

func (r *Runner) release(ctx context.Context, id types.TaskID) {
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.source.Unlock(uctx, id); err != nil {
		log.Warn("Failed to release task lock", "task_id", id, "error", err)
	}
}
