// ============================================================================
// flowqueue Worker Pool - 多裝置執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Runner goroutine 的生命週期
//
// 設計:
//   一個 worker 進程可以驅動多張 GPU。每張卡 (device index) 對應一個 Runner，
//   也就是一個獨立的 worker key，因此 matcher 會把它們當成不同的 worker。
//
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Runner 0│──▶ TaskSource ──▶ coordinator
//   │  │Runner 1│──▶ TaskSource
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool(runners...) - 建立 Pool
//   2. Start(ctx)          - 每個 Runner 啟動一個 goroutine
//   3. Stop()              - 取消 context，等待所有 Runner 結束
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolStarted 表示 Pool 已啟動
	ErrPoolStarted = errors.New("worker pool already started")
	// ErrPoolEmpty 表示 Pool 沒有任何 Runner
	ErrPoolEmpty = errors.New("worker pool has no runners")
)

// Pool runs a fixed set of runners.
type Pool struct {
	runners []*Runner
	wg      sync.WaitGroup
	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
}

// NewPool creates a pool of runners.
func NewPool(runners ...*Runner) *Pool {
	return &Pool{runners: runners}
}

// Start launches every runner. They stop when ctx is done or Stop is called.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if len(p.runners) == 0 {
		return ErrPoolEmpty
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for _, r := range p.runners {
		p.wg.Add(1)
		go func(r *Runner) {
			defer p.wg.Done()
			r.Run(ctx)
		}(r)
	}
	p.started = true
	log.Info("Worker pool started", "runners", len(p.runners))
	return nil
}

// Stop cancels the runners and waits for them. A running task is handed
// back to the coordinator by its runner.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
}

// Wait blocks until every runner has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Size returns the number of runners.
func (p *Pool) Size() int {
	return len(p.runners)
}

// IsStarted reports whether Start succeeded.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
