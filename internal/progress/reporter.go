package progress

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ChuLiYu/flowqueue/pkg/types"
)

var log = slog.Default()

// ErrTaskGone is returned by Reporter.Run when the coordinator no longer
// accepts updates for the task (deleted, finished or taken over).
var ErrTaskGone = errors.New("task no longer accepts progress")

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultKeepalive    = 30 * time.Second
)

// Updater is the coordinator side of progress reporting.
type Updater interface {
	UpdateProgress(ctx context.Context, u types.ProgressUpdate) (bool, error)
	Keepalive(ctx context.Context, id types.TaskID, worker types.WorkerDetails) (bool, error)
}

// Reporter pushes the changes of an ActiveTask to the coordinator.
type Reporter struct {
	updater   Updater
	worker    types.WorkerDetails
	poll      time.Duration
	keepalive time.Duration
	onGone    func()
}

// ReporterOption customizes a Reporter.
type ReporterOption func(*Reporter)

// WithPollInterval sets how often the active task is compared with the last
// pushed version.
func WithPollInterval(d time.Duration) ReporterOption {
	return func(r *Reporter) {
		if d > 0 {
			r.poll = d
		}
	}
}

// WithKeepalive sets the lock renewal period, normally a quarter of the lock TTL.
func WithKeepalive(d time.Duration) ReporterOption {
	return func(r *Reporter) {
		if d > 0 {
			r.keepalive = d
		}
	}
}

// WithOnGone registers a callback run once when the task is gone, used to
// abort the engine.
func WithOnGone(fn func()) ReporterOption {
	return func(r *Reporter) { r.onGone = fn }
}

// NewReporter creates a reporter acting as worker.
func NewReporter(u Updater, worker types.WorkerDetails, opts ...ReporterOption) *Reporter {
	r := &Reporter{
		updater:   u,
		worker:    worker,
		poll:      DefaultPollInterval,
		keepalive: DefaultKeepalive,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run pushes every new version of task until the terminal snapshot was
// accepted (nil), the coordinator rejects an update (ErrTaskGone) or ctx is
// done. Transport errors are logged and the push is retried on the next poll.
func (r *Reporter) Run(ctx context.Context, task *ActiveTask) error {
	poll := time.NewTicker(r.poll)
	defer poll.Stop()
	keepalive := time.NewTicker(r.keepalive)
	defer keepalive.Stop()

	var pushed uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-keepalive.C:
			r.renew(ctx, task.TaskID())
			continue
		case <-task.Changed():
		case <-poll.C:
		}

		snap := task.Snapshot()
		if snap.Version == pushed {
			continue
		}
		ok, err := r.updater.UpdateProgress(ctx, types.ProgressUpdate{
			TaskID:        snap.TaskID,
			Progress:      snap.Progress,
			Error:         snap.Error,
			ExecutionTime: snap.ExecutionTime,
			Worker:        r.worker,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("Failed to push progress", "task_id", snap.TaskID, "progress", snap.Progress, "error", err)
			continue
		}
		if !ok {
			log.Warn("Task gone, stopping execution", "task_id", snap.TaskID)
			task.Interrupt()
			if r.onGone != nil {
				r.onGone()
			}
			return ErrTaskGone
		}
		pushed = snap.Version
		if snap.Terminal() {
			log.Debug("Final progress pushed", "task_id", snap.TaskID, "state", snap.State)
			return nil
		}
	}
}

func (r *Reporter) renew(ctx context.Context, id types.TaskID) {
	ok, err := r.updater.Keepalive(ctx, id, r.worker)
	switch {
	case err != nil:
		log.Warn("Failed to renew task lock", "task_id", id, "error", err)
	case !ok:
		// The next progress update re-locks or reports the task gone.
		log.Warn("Task lock not held at renewal", "task_id", id)
	}
}
