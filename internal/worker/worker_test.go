package worker

// ============================================================================
// Worker Test File
// Purpose: Verify task execution, progress reporting, cancellation and the pool
// ============================================================================

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/flowqueue/internal/engine"
	"github.com/ChuLiYu/flowqueue/internal/files"
	"github.com/ChuLiYu/flowqueue/internal/locks"
	"github.com/ChuLiYu/flowqueue/internal/matcher"
	"github.com/ChuLiYu/flowqueue/internal/store/storetest"
	"github.com/ChuLiYu/flowqueue/internal/taskqueue"
	"github.com/ChuLiYu/flowqueue/pkg/types"
)

// ============================================================================
// Helper functions
// ============================================================================

// scriptEngine replays a fixed event script for every prompt.
type scriptEngine struct {
	script  []engine.Event
	started chan struct{} // closed after the script, when block is set
	proceed chan struct{} // then one progress event is sent once this closes
	block   bool
	results []types.ResultFile

	interrupts atomic.Int32
}

func (e *scriptEngine) Execute(ctx context.Context, promptID string, _ map[string]any, onEvent func(engine.Event)) error {
	for _, ev := range e.script {
		ev.PromptID = promptID
		onEvent(ev)
		switch ev.Kind {
		case engine.EventSuccess:
			return nil
		case engine.EventError:
			return engine.ErrExecutionFailed
		}
	}
	if !e.block {
		return nil
	}
	close(e.started)
	if e.proceed != nil {
		select {
		case <-e.proceed:
			onEvent(engine.Event{Kind: engine.EventProgress, PromptID: promptID, Node: "1", Value: 1, Max: 2})
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (e *scriptEngine) Interrupt(context.Context) error {
	e.interrupts.Add(1)
	return nil
}

func (e *scriptEngine) Results(context.Context, string) ([]types.ResultFile, error) {
	return e.results, nil
}

type env struct {
	q    *taskqueue.Queue
	dirs *files.Dirs
	src  *LocalSource
}

func newEnv(t *testing.T) *env {
	t.Helper()
	s := storetest.New(t)
	root := t.TempDir()
	dirs, err := files.New(files.Config{InputDir: filepath.Join(root, "in"), OutputDir: filepath.Join(root, "out")})
	require.NoError(t, err)
	lm := locks.NewManager(s, time.Minute)
	q := taskqueue.New(s, lm, dirs)
	return &env{q: q, dirs: dirs, src: NewLocalSource(q, matcher.New(s, lm))}
}

func testConfig() Config {
	return Config{
		UserID:     "alice",
		Hostname:   "gpu-box",
		DeviceName: "rtx",
		TasksToAsk: []string{"upscale"},
		MinPause:   time.Millisecond,
		MaxPause:   4 * time.Millisecond,
	}
}

func (e *env) admit(t *testing.T) types.TaskID {
	t.Helper()
	task, err := e.q.Admit(context.Background(), taskqueue.AdmitRequest{
		Name:   "upscale",
		UserID: "alice",
		Flow: map[string]any{
			"1": map[string]any{"class_type": "LoadImage", "inputs": map[string]any{}},
			"2": map[string]any{"class_type": "SaveImage", "inputs": map[string]any{}},
		},
	})
	require.NoError(t, err)
	return task.TaskID
}

func (e *env) claim(t *testing.T, r *Runner) *types.Task {
	t.Helper()
	task, err := e.src.NextTask(context.Background(), types.NextTaskRequest{
		Worker: r.Details(), TasksToAsk: []string{"upscale"},
	})
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}

func newRunner(src TaskSource, eng engine.Engine) *Runner {
	r := NewRunner(testConfig(), 0, src, eng)
	r.poll = 5 * time.Millisecond
	return r
}

// ============================================================================
// Execution
// ============================================================================

func TestExecuteSuccessUploadsResults(t *testing.T) {
	e := newEnv(t)
	id := e.admit(t)
	eng := &scriptEngine{
		script: []engine.Event{
			{Kind: engine.EventExecuting, Node: "1"},
			{Kind: engine.EventProgress, Node: "1", Value: 1, Max: 2},
			{Kind: engine.EventExecuting, Node: "2"},
			{Kind: engine.EventSuccess},
		},
		results: []types.ResultFile{{Name: "out.png", Data: []byte("png")}},
	}
	r := newRunner(e.src, eng)
	task := e.claim(t, r)

	assert.Equal(t, OutcomeSuccess, r.Execute(context.Background(), task))

	stored, err := e.q.GetTask(context.Background(), id, "")
	require.NoError(t, err)
	assert.Equal(t, 100.0, stored.Progress)
	assert.Empty(t, stored.Error)
	assert.NotNil(t, stored.FinishedAt)
	require.NotNil(t, stored.WorkerID)
	assert.Equal(t, r.Details().ID(), *stored.WorkerID)

	lock, err := e.q.Locks().Get(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, lock)
	assert.Len(t, e.dirs.Outputs(id), 1)
}

func TestExecuteEngineFailureMakesTaskRestartable(t *testing.T) {
	e := newEnv(t)
	id := e.admit(t)
	eng := &scriptEngine{script: []engine.Event{
		{Kind: engine.EventExecuting, Node: "1"},
		{Kind: engine.EventError, Message: "CUDA out of memory"},
	}}
	r := newRunner(e.src, eng)

	assert.Equal(t, OutcomeFailed, r.Execute(context.Background(), e.claim(t, r)))

	stored, err := e.q.GetTask(context.Background(), id, "")
	require.NoError(t, err)
	assert.Equal(t, "CUDA out of memory", stored.Error)
	assert.Less(t, stored.Progress, 100.0)
	assert.NoError(t, e.q.RestartTask(context.Background(), id, ""))
}

func TestExecuteWithoutGraphFails(t *testing.T) {
	e := newEnv(t)
	id := e.admit(t)
	r := newRunner(e.src, &scriptEngine{})
	task := e.claim(t, r)
	task.FlowComfy = nil

	assert.Equal(t, OutcomeFailed, r.Execute(context.Background(), task))
	stored, err := e.q.GetTask(context.Background(), id, "")
	require.NoError(t, err)
	assert.Equal(t, "task has no flow graph", stored.Error)
}

func TestExecuteStopsWhenTaskRemoved(t *testing.T) {
	e := newEnv(t)
	id := e.admit(t)
	eng := &scriptEngine{
		script:  []engine.Event{{Kind: engine.EventExecuting, Node: "1"}},
		block:   true,
		started: make(chan struct{}),
		proceed: make(chan struct{}),
	}
	r := newRunner(e.src, eng)
	task := e.claim(t, r)

	outcome := make(chan Outcome, 1)
	go func() { outcome <- r.Execute(context.Background(), task) }()

	<-eng.started
	removed, err := e.src.RemoveTask(context.Background(), id)
	require.NoError(t, err)
	require.True(t, removed)
	close(eng.proceed)

	select {
	case got := <-outcome:
		assert.Equal(t, OutcomeGone, got)
	case <-time.After(5 * time.Second):
		t.Fatal("runner kept executing a removed task")
	}
	assert.Equal(t, int32(1), eng.interrupts.Load())
}

func TestExecuteShutdownHandsTaskBack(t *testing.T) {
	e := newEnv(t)
	id := e.admit(t)
	eng := &scriptEngine{block: true, started: make(chan struct{})}
	r := newRunner(e.src, eng)
	task := e.claim(t, r)

	ctx, cancel := context.WithCancel(context.Background())
	outcome := make(chan Outcome, 1)
	go func() { outcome <- r.Execute(ctx, task) }()
	<-eng.started
	cancel()

	select {
	case got := <-outcome:
		assert.Equal(t, OutcomeAborted, got)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}

	lock, err := e.q.Locks().Get(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, lock)

	other := NewRunner(testConfig(), 1, e.src, eng)
	again := e.claim(t, other)
	assert.Equal(t, id, again.TaskID)
}

// ============================================================================
// Poll loop
// ============================================================================

type countingSource struct {
	LocalSource
	mu    sync.Mutex
	asks  []types.NextTaskRequest
	tasks []*types.Task
	err   error
}

func (s *countingSource) NextTask(_ context.Context, req types.NextTaskRequest) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asks = append(s.asks, req)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.tasks) == 0 {
		return nil, nil
	}
	t := s.tasks[0]
	s.tasks = s.tasks[1:]
	return t, nil
}

func (s *countingSource) UpdateProgress(context.Context, types.ProgressUpdate) (bool, error) {
	return true, nil
}

func (s *countingSource) Keepalive(context.Context, types.TaskID, types.WorkerDetails) (bool, error) {
	return true, nil
}

func (s *countingSource) requests() []types.NextTaskRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.NextTaskRequest(nil), s.asks...)
}

func TestRunSendsLastTaskName(t *testing.T) {
	src := &countingSource{tasks: []*types.Task{{TaskID: 1, Name: "upscale"}}}
	r := newRunner(src, &scriptEngine{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { r.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return len(src.requests()) >= 3 }, 2*time.Second, time.Millisecond)
	cancel()
	<-done

	asks := src.requests()
	assert.Empty(t, asks[0].LastTaskName)
	assert.Equal(t, "upscale", asks[1].LastTaskName)
	assert.Equal(t, []string{"upscale"}, asks[0].TasksToAsk)
	assert.Equal(t, "alice:gpu-box:[rtx]:0", asks[0].Worker.ID())
}

func TestRunSurvivesSourceErrors(t *testing.T) {
	src := &countingSource{err: errors.New("connection refused")}
	r := newRunner(src, &scriptEngine{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { r.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return len(src.requests()) >= 3 }, 2*time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}

// ============================================================================
// Pool
// ============================================================================

func TestPoolLifecycle(t *testing.T) {
	assert.ErrorIs(t, NewPool().Start(context.Background()), ErrPoolEmpty)

	src := &countingSource{}
	cfg := testConfig()
	pool := NewPool(NewRunner(cfg, 0, src, &scriptEngine{}), NewRunner(cfg, 1, src, &scriptEngine{}))
	assert.Equal(t, 2, pool.Size())
	assert.False(t, pool.IsStarted())

	require.NoError(t, pool.Start(context.Background()))
	assert.True(t, pool.IsStarted())
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolStarted)

	require.Eventually(t, func() bool {
		seen := map[string]bool{}
		for _, req := range src.requests() {
			seen[req.Worker.ID()] = true
		}
		return len(seen) == 2
	}, 2*time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() { pool.Stop(); close(stopped) }()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	assert.Equal(t, ModeLocal, cfg.Mode)
	assert.Equal(t, 1, cfg.Devices)
	assert.Equal(t, time.Second, cfg.MinPause)
	assert.Equal(t, 10*time.Second, cfg.MaxPause)
	assert.Equal(t, 2*time.Minute, cfg.LockTTL)
	assert.NotEmpty(t, cfg.Hostname)
}
