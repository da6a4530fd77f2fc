package progress

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/flowqueue/internal/engine"
	"github.com/ChuLiYu/flowqueue/pkg/types"
)

// ============================================================================
// Helper functions
// ============================================================================

type fakeUpdater struct {
	mu         sync.Mutex
	updates    []types.ProgressUpdate
	accept     bool
	failFirst  int
	keepalives atomic.Int32
}

func (f *fakeUpdater) UpdateProgress(_ context.Context, u types.ProgressUpdate) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFirst > 0 {
		f.failFirst--
		return false, errors.New("connection reset")
	}
	f.updates = append(f.updates, u)
	return f.accept, nil
}

func (f *fakeUpdater) Keepalive(context.Context, types.TaskID, types.WorkerDetails) (bool, error) {
	f.keepalives.Add(1)
	return true, nil
}

func (f *fakeUpdater) recorded() []types.ProgressUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.ProgressUpdate(nil), f.updates...)
}

var worker = types.WorkerDetails{Key: types.WorkerKey{UserID: "u", Hostname: "h", DeviceName: "cuda"}}

func runReporter(t *testing.T, r *Reporter, task *ActiveTask) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), task) }()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("reporter did not stop")
		return nil
	}
}

// ============================================================================
// ActiveTask
// ============================================================================

func TestActiveTaskFiltersPromptAndVersions(t *testing.T) {
	a := NewActiveTask(7, 2)
	assert.Equal(t, "task-7", a.PromptID())
	assert.Equal(t, uint64(0), a.Snapshot().Version)

	a.HandleEvent(engine.Event{Kind: engine.EventExecuting, PromptID: "task-8", Node: "1"})
	assert.Equal(t, uint64(0), a.Snapshot().Version)

	a.HandleEvent(engine.Event{Kind: engine.EventExecuting, PromptID: "task-7", Node: "1"})
	snap := a.Snapshot()
	assert.Equal(t, uint64(1), snap.Version)
	assert.Equal(t, StateExecuting, snap.State)
	select {
	case <-a.Changed():
	default:
		t.Fatal("change not signaled")
	}

	a.HandleEvent(engine.Event{Kind: engine.EventSuccess, PromptID: "task-7"})
	a.HandleEvent(engine.Event{Kind: engine.EventProgress, PromptID: "task-7", Value: 1, Max: 2})
	snap = a.Snapshot()
	assert.Equal(t, uint64(2), snap.Version, "events after the end are ignored")
	assert.Equal(t, 100.0, snap.Progress)
	assert.True(t, snap.Terminal())
}

func TestActiveTaskExecutionTimeFreezesAtEnd(t *testing.T) {
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	advance := func(d time.Duration) { mu.Lock(); now = now.Add(d); mu.Unlock() }

	a := newActiveTask(1, 1, clock)
	advance(3 * time.Second)
	assert.Equal(t, 3.0, a.Snapshot().ExecutionTime)

	a.Fail("boom")
	advance(time.Minute)
	snap := a.Snapshot()
	assert.Equal(t, 3.0, snap.ExecutionTime)
	assert.Equal(t, "boom", snap.Error)

	a.Fail("again")
	assert.Equal(t, "boom", a.Snapshot().Error)
}

func TestNodeCount(t *testing.T) {
	assert.Equal(t, 2, NodeCount(map[string]any{
		"1":      map[string]any{"class_type": "LoadImage"},
		"2":      map[string]any{"class_type": "SaveImage"},
		"extras": "ignored",
	}))
}

// ============================================================================
// Reporter
// ============================================================================

func TestReporterPushesUntilSuccess(t *testing.T) {
	up := &fakeUpdater{accept: true}
	task := NewActiveTask(1, 2)
	r := NewReporter(up, worker, WithPollInterval(5*time.Millisecond))
	done := runReporter(t, r, task)

	task.HandleEvent(engine.Event{Kind: engine.EventExecuting, PromptID: "task-1", Node: "1"})
	task.HandleEvent(engine.Event{Kind: engine.EventProgress, PromptID: "task-1", Node: "1", Value: 1, Max: 2})
	time.Sleep(20 * time.Millisecond)
	task.HandleEvent(engine.Event{Kind: engine.EventExecuting, PromptID: "task-1", Node: "2"})
	task.HandleEvent(engine.Event{Kind: engine.EventSuccess, PromptID: "task-1"})

	require.NoError(t, wait(t, done))

	updates := up.recorded()
	require.NotEmpty(t, updates)
	last := -1.0
	for _, u := range updates {
		assert.Equal(t, types.TaskID(1), u.TaskID)
		assert.Equal(t, worker, u.Worker)
		assert.GreaterOrEqual(t, u.Progress, last)
		last = u.Progress
	}
	final := updates[len(updates)-1]
	assert.Equal(t, 100.0, final.Progress)
	assert.Empty(t, final.Error)
	for _, u := range updates[:len(updates)-1] {
		assert.Less(t, u.Progress, 100.0)
	}
}

func TestReporterPushesFailure(t *testing.T) {
	up := &fakeUpdater{accept: true}
	task := NewActiveTask(1, 2)
	done := runReporter(t, NewReporter(up, worker, WithPollInterval(5*time.Millisecond)), task)

	task.HandleEvent(engine.Event{Kind: engine.EventError, PromptID: "task-1", Message: "bad lora"})
	require.NoError(t, wait(t, done))

	updates := up.recorded()
	require.NotEmpty(t, updates)
	assert.Equal(t, "bad lora", updates[len(updates)-1].Error)
}

func TestReporterStopsWhenTaskGone(t *testing.T) {
	up := &fakeUpdater{accept: false}
	task := NewActiveTask(1, 2)
	var aborted atomic.Bool
	r := NewReporter(up, worker,
		WithPollInterval(5*time.Millisecond),
		WithOnGone(func() { aborted.Store(true) }))
	done := runReporter(t, r, task)

	task.HandleEvent(engine.Event{Kind: engine.EventExecuting, PromptID: "task-1", Node: "1"})
	assert.ErrorIs(t, wait(t, done), ErrTaskGone)
	assert.True(t, aborted.Load())
	assert.Equal(t, StateInterrupted, task.Snapshot().State)
}

func TestReporterRetriesTransportErrors(t *testing.T) {
	up := &fakeUpdater{accept: true, failFirst: 2}
	task := NewActiveTask(1, 1)
	done := runReporter(t, NewReporter(up, worker, WithPollInterval(5*time.Millisecond)), task)

	task.HandleEvent(engine.Event{Kind: engine.EventSuccess, PromptID: "task-1"})
	require.NoError(t, wait(t, done))

	updates := up.recorded()
	require.Len(t, updates, 1)
	assert.Equal(t, 100.0, updates[0].Progress)
}

func TestReporterRenewsLock(t *testing.T) {
	up := &fakeUpdater{accept: true}
	task := NewActiveTask(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewReporter(up, worker, WithPollInterval(5*time.Millisecond), WithKeepalive(5*time.Millisecond))
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, task) }()

	require.Eventually(t, func() bool { return up.keepalives.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, wait(t, done), context.Canceled)
}
