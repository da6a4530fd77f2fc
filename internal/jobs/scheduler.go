// ============================================================================
// flowqueue Background Job Scheduler
// ============================================================================
//
// Package: internal/jobs
// File: scheduler.go
// Purpose: run named periodic jobs in at most one process of the deployment.
//
// 每個 job 在 background_job_locks 有一列 (lease):
//
//   no row          RunImmediately  -> INSERT claimed row (conflict: skip)
//                   Interval only   -> INSERT unclaimed row, last_run_at = now
//   held, live      another holder  -> skip
//   free / expired  conditional UPDATE, 1 row affected -> claimed
//
// While a job runs its lease is renewed every TTL/4. A renewal that touches no
// row means another process took the lease over: the job context is canceled.
// The lease is released (holder cleared, last_run_at stamped) whatever way the
// body ends, panics included.
//
// ============================================================================

package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/ChuLiYu/flowqueue/internal/metrics"
	"github.com/ChuLiYu/flowqueue/internal/observability"
	"github.com/ChuLiYu/flowqueue/internal/store"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrDuplicateJob = errors.New("job already registered")
	ErrInvalidJob   = errors.New("invalid job")
	ErrJobPanicked  = errors.New("job panicked")
	ErrLeaseLost    = errors.New("job lease lost")
)

const (
	DefaultCycle    = 10 * time.Second
	DefaultLeaseTTL = time.Minute

	// MinLeaseTTL keeps the heartbeat period (TTL/4) a usable ticker interval.
	MinLeaseTTL = 20 * time.Millisecond
)

// Job is one named periodic unit of work.
type Job struct {
	Name string
	// Interval is the minimum time between the end of one run and the start
	// of the next. Zero runs the job on every cycle.
	Interval time.Duration
	// RunImmediately runs the job on the first cycle instead of one interval
	// after it was first seen.
	RunImmediately bool
	LeaseTTL       time.Duration
	Run            func(ctx context.Context) error
}

func (j Job) leaseTTL() time.Duration {
	if j.LeaseTTL > 0 {
		return j.LeaseTTL
	}
	return DefaultLeaseTTL
}

// Scheduler evaluates the registered jobs every cycle.
type Scheduler struct {
	store   *store.Store
	metrics *metrics.Collector
	holder  string
	cycle   time.Duration

	mu      sync.Mutex
	jobs    []Job
	running map[string]bool
	wg      sync.WaitGroup
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithCycle sets the evaluation period.
func WithCycle(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.cycle = d
		}
	}
}

// WithHolder overrides the generated holder id.
func WithHolder(id string) Option {
	return func(s *Scheduler) { s.holder = id }
}

// WithMetrics records job runs and lost leases.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = c }
}

// NewScheduler creates a scheduler with a process-unique holder id of the
// form hostname:pid:uuid.
func NewScheduler(s *store.Store, opts ...Option) *Scheduler {
	sch := &Scheduler{
		store:   s,
		holder:  defaultHolder(),
		cycle:   DefaultCycle,
		running: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(sch)
	}
	return sch
}

func defaultHolder() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString())
}

// Holder returns the id this scheduler writes into the leases it holds.
func (s *Scheduler) Holder() string {
	return s.holder
}

// Register adds a job. Names are unique per scheduler.
func (s *Scheduler) Register(j Job) error {
	switch {
	case j.Name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidJob)
	case j.Run == nil:
		return fmt.Errorf("%w: %s has no body", ErrInvalidJob, j.Name)
	case j.Interval < 0:
		return fmt.Errorf("%w: %s has a negative interval", ErrInvalidJob, j.Name)
	case j.Interval == 0 && !j.RunImmediately:
		return fmt.Errorf("%w: %s never becomes due", ErrInvalidJob, j.Name)
	case j.LeaseTTL > 0 && j.LeaseTTL < MinLeaseTTL:
		return fmt.Errorf("%w: %s lease ttl %s is below %s", ErrInvalidJob, j.Name, j.LeaseTTL, MinLeaseTTL)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.jobs {
		if existing.Name == j.Name {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, j.Name)
		}
	}
	s.jobs = append(s.jobs, j)
	return nil
}

// Run evaluates the jobs immediately and then every cycle until ctx is done.
// It returns after every job started by this scheduler has finished.
func (s *Scheduler) Run(ctx context.Context) {
	log.Info("Background scheduler started", "holder", s.holder, "cycle", s.cycle)
	ticker := time.NewTicker(s.cycle)
	defer ticker.Stop()

	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.Wait()
			log.Info("Background scheduler stopped", "holder", s.holder)
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one evaluation cycle: every due job whose lease can be claimed is
// started in its own goroutine. It returns the names of the started jobs.
func (s *Scheduler) Tick(ctx context.Context) []string {
	s.mu.Lock()
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()

	var started []string
	for _, j := range jobs {
		if ctx.Err() != nil {
			break
		}
		if !s.markRunning(j.Name) {
			continue
		}
		claimed, err := s.claim(ctx, j)
		if err != nil {
			log.Error("Failed to claim job lease", "job", j.Name, "error", err)
		}
		if !claimed {
			s.clearRunning(j.Name)
			continue
		}
		started = append(started, j.Name)
		s.wg.Add(1)
		go func(j Job) {
			defer s.wg.Done()
			defer s.clearRunning(j.Name)
			s.execute(ctx, j)
		}(j)
	}
	return started
}

// Wait blocks until all running jobs have returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) markRunning(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[name] {
		return false
	}
	s.running[name] = true
	return true
}

func (s *Scheduler) clearRunning(name string) {
	s.mu.Lock()
	delete(s.running, name)
	s.mu.Unlock()
}

// ============================================================================
// Lease
// ============================================================================

// claim tries to take the lease of j for this scheduler.
func (s *Scheduler) claim(ctx context.Context, j Job) (bool, error) {
	now := s.store.Now()
	expires := now.Add(j.leaseTTL())
	holder := s.holder

	var claimed bool
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		var row store.BackgroundJobLock
		err := tx.Where("job_name = ?", j.Name).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if j.RunImmediately {
				claimed, err = store.ClaimInsert(tx, &store.BackgroundJobLock{
					JobName:   j.Name,
					WorkerID:  &holder,
					ExpiresAt: &expires,
				}, "job_name")
				return err
			}
			// First sighting: due one interval from now.
			_, err = store.ClaimInsert(tx, &store.BackgroundJobLock{JobName: j.Name, LastRunAt: &now}, "job_name")
			return err
		}
		if err != nil {
			return err
		}

		if row.WorkerID != nil && *row.WorkerID != holder &&
			row.ExpiresAt != nil && row.ExpiresAt.After(now) {
			return nil
		}

		claimed, err = store.ClaimUpdate(tx, &store.BackgroundJobLock{},
			map[string]any{"worker_id": holder, "expires_at": expires},
			"job_name = ? AND (worker_id IS NULL OR worker_id = ? OR expires_at < ?) "+
				"AND (last_run_at IS NULL OR last_run_at <= ? OR expires_at < ?)",
			j.Name, holder, now, now.Add(-j.Interval), now)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("jobs: claim %s: %w", j.Name, err)
	}
	if claimed {
		log.Debug("Job lease claimed", "job", j.Name, "holder", holder, "expires_at", expires)
	}
	return claimed, nil
}

// renew extends the lease while this scheduler still holds it.
func (s *Scheduler) renew(ctx context.Context, j Job) (bool, error) {
	expires := s.store.Now().Add(j.leaseTTL())
	return store.ClaimUpdate(s.store.DB(ctx), &store.BackgroundJobLock{},
		map[string]any{"expires_at": expires},
		"job_name = ? AND worker_id = ?", j.Name, s.holder)
}

// release clears the lease and stamps last_run_at.
func (s *Scheduler) release(ctx context.Context, j Job) {
	ok, err := store.ClaimUpdate(s.store.DB(ctx), &store.BackgroundJobLock{},
		map[string]any{"worker_id": nil, "expires_at": nil, "last_run_at": s.store.Now()},
		"job_name = ? AND worker_id = ?", j.Name, s.holder)
	switch {
	case err != nil:
		log.Error("Failed to release job lease", "job", j.Name, "error", err)
	case !ok:
		log.Warn("Job lease was no longer held at release", "job", j.Name, "holder", s.holder)
	}
}

// ============================================================================
// Execution
// ============================================================================

func (s *Scheduler) execute(parent context.Context, j Job) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	ctx, span := observability.StartSpan(ctx, "jobs.run", attribute.String("job", j.Name))

	var lost atomic.Bool
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		if !s.heartbeat(ctx, j) {
			lost.Store(true)
			cancel()
		}
	}()

	start := time.Now()
	err := invoke(ctx, j)
	cancel()
	<-heartbeatDone

	releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(parent), 5*time.Second)
	s.release(releaseCtx, j)
	releaseCancel()

	result := "ok"
	switch {
	case lost.Load():
		result = "canceled"
		if err == nil {
			err = ErrLeaseLost
		}
		s.metrics.RecordLeaseLost("job")
	case errors.Is(err, ErrJobPanicked):
		result = "panic"
	case err != nil && parent.Err() != nil:
		result = "canceled"
	case err != nil:
		result = "error"
	}
	s.metrics.RecordJobRun(j.Name, result)
	observability.EndSpan(span, err)

	if err != nil {
		log.Warn("Job run ended with error", "job", j.Name, "result", result,
			"duration", time.Since(start), "error", err)
		return
	}
	log.Info("Job run completed", "job", j.Name, "duration", time.Since(start))
}

// heartbeat renews the lease every TTL/4 until ctx is done. It returns false
// when the lease was lost.
func (s *Scheduler) heartbeat(ctx context.Context, j Job) bool {
	ticker := time.NewTicker(j.leaseTTL() / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return true
		case <-ticker.C:
			ok, err := s.renew(ctx, j)
			if ctx.Err() != nil {
				return true
			}
			if err != nil {
				log.Error("Failed to renew job lease", "job", j.Name, "error", err)
				return false
			}
			if !ok {
				log.Warn("Job lease taken over", "job", j.Name, "holder", s.holder)
				return false
			}
		}
	}
}

func invoke(ctx context.Context, j Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrJobPanicked, r)
		}
	}()
	return j.Run(ctx)
}
