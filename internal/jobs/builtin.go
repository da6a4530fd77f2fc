package jobs

import (
	"context"
	"time"

	"github.com/ChuLiYu/flowqueue/internal/locks"
	"github.com/ChuLiYu/flowqueue/internal/taskqueue"
)

const (
	LockSweeperName = "task_lock_sweeper"
	QueueStatsName  = "queue_stats"
)

// LockSweeper drops expired task locks so their tasks can be matched again.
func LockSweeper(lm *locks.Manager, interval time.Duration) Job {
	return Job{
		Name:           LockSweeperName,
		Interval:       interval,
		RunImmediately: true,
		Run: func(ctx context.Context) error {
			n, err := lm.SweepExpired(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				log.Info("Expired task locks swept", "job", LockSweeperName, "count", n)
			}
			return nil
		},
	}
}

// QueueStats refreshes the queue gauges.
func QueueStats(q *taskqueue.Queue, interval time.Duration) Job {
	return Job{
		Name:           QueueStatsName,
		Interval:       interval,
		RunImmediately: true,
		Run:            q.RefreshMetrics,
	}
}

// Config tunes the scheduler and the built-in jobs.
type Config struct {
	Enabled       bool          `yaml:"enabled"`
	Cycle         time.Duration `yaml:"cycle"`
	LeaseTTL      time.Duration `yaml:"lease_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	StatsInterval time.Duration `yaml:"stats_interval"`
}

// ApplyDefaults fills unset durations.
func (c *Config) ApplyDefaults() {
	if c.Cycle <= 0 {
		c.Cycle = DefaultCycle
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 15 * time.Second
	}
}

// RegisterBuiltins registers the sweeper and the stats job on s.
func RegisterBuiltins(s *Scheduler, cfg Config, q *taskqueue.Queue) error {
	sweep := LockSweeper(q.Locks(), cfg.SweepInterval)
	sweep.LeaseTTL = cfg.LeaseTTL
	if err := s.Register(sweep); err != nil {
		return err
	}
	stats := QueueStats(q, cfg.StatsInterval)
	stats.LeaseTTL = cfg.LeaseTTL
	return s.Register(stats)
}
