// ============================================================================
// flowqueue Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: counters, gauges and histograms for admission, matching,
//          execution and background jobs.
//
// Metric families:
//
//   Counters:
//     flowqueue_tasks_admitted_total        admitted tasks
//     flowqueue_tasks_claimed_total         successful matcher claims
//     flowqueue_claims_contended_total      claims lost to another worker
//     flowqueue_tasks_finished_total        tasks that reached 100%
//     flowqueue_tasks_failed_total          tasks stopped with an error
//     flowqueue_progress_updates_total      accepted progress updates
//     flowqueue_admissions_limited_total    admissions rejected by the limiter
//     flowqueue_background_job_runs_total   {job, result}
//     flowqueue_lease_lost_total            {kind} job or task lease lost
//
//   Gauges (refreshed by the queue_stats background job):
//     flowqueue_tasks_pending / _locked / _errored / _done
//
//   Histogram:
//     flowqueue_task_execution_seconds      execution time reported on finish
//
// A nil *Collector is valid and records nothing, so components can be built
// without metrics in tests.
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var log = slog.Default()

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	tasksAdmitted   prometheus.Counter
	tasksClaimed    prometheus.Counter
	claimsContended prometheus.Counter
	tasksFinished   prometheus.Counter
	tasksFailed     prometheus.Counter
	progressUpdates prometheus.Counter
	limited         prometheus.Counter

	// 背景任務
	jobRuns   *prometheus.CounterVec
	leaseLost *prometheus.CounterVec

	// 效能指標
	executionTime prometheus.Histogram

	// 狀態指標
	tasksPending prometheus.Gauge
	tasksLocked  prometheus.Gauge
	tasksErrored prometheus.Gauge
	tasksDone    prometheus.Gauge
}

// NewCollector creates the collector and registers it on reg, or on the
// default registerer when reg is nil.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		tasksAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowqueue_tasks_admitted_total",
			Help: "Total number of tasks admitted into the queue",
		}),
		tasksClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowqueue_tasks_claimed_total",
			Help: "Total number of tasks claimed by workers",
		}),
		claimsContended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowqueue_claims_contended_total",
			Help: "Total number of claims lost to a concurrent matcher",
		}),
		tasksFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowqueue_tasks_finished_total",
			Help: "Total number of tasks finished successfully",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowqueue_tasks_failed_total",
			Help: "Total number of tasks that stopped with an error",
		}),
		progressUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowqueue_progress_updates_total",
			Help: "Total number of accepted progress updates",
		}),
		limited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowqueue_admissions_limited_total",
			Help: "Total number of admissions rejected by the rate limiter",
		}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowqueue_background_job_runs_total",
			Help: "Background job runs by job name and result",
		}, []string{"job", "result"}),
		leaseLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowqueue_lease_lost_total",
			Help: "Leases lost while held, by kind",
		}, []string{"kind"}),
		executionTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowqueue_task_execution_seconds",
			Help:    "Execution time of finished tasks in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),
		tasksPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowqueue_tasks_pending",
			Help: "Tasks waiting for a worker",
		}),
		tasksLocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowqueue_tasks_locked",
			Help: "Tasks currently claimed by a worker",
		}),
		tasksErrored: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowqueue_tasks_errored",
			Help: "Failed tasks waiting for a restart",
		}),
		tasksDone: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowqueue_tasks_done",
			Help: "Finished tasks still stored",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.tasksAdmitted,
		c.tasksClaimed,
		c.claimsContended,
		c.tasksFinished,
		c.tasksFailed,
		c.progressUpdates,
		c.limited,
		c.jobRuns,
		c.leaseLost,
		c.executionTime,
		c.tasksPending,
		c.tasksLocked,
		c.tasksErrored,
		c.tasksDone,
	)
	return c
}

// RecordAdmitted 記錄任務加入佇列
func (c *Collector) RecordAdmitted() {
	if c == nil {
		return
	}
	c.tasksAdmitted.Inc()
}

// RecordClaim records a matcher attempt; contended means the lock insert lost.
func (c *Collector) RecordClaim(contended bool) {
	if c == nil {
		return
	}
	if contended {
		c.claimsContended.Inc()
		return
	}
	c.tasksClaimed.Inc()
}

// RecordProgress records an accepted progress update. Terminal updates also
// count the outcome.
func (c *Collector) RecordProgress(progress float64, failed bool, executionSeconds float64) {
	if c == nil {
		return
	}
	c.progressUpdates.Inc()
	switch {
	case failed:
		c.tasksFailed.Inc()
	case progress >= 100:
		c.tasksFinished.Inc()
		c.executionTime.Observe(executionSeconds)
	}
}

// RecordLimited 記錄被限流的提交
func (c *Collector) RecordLimited() {
	if c == nil {
		return
	}
	c.limited.Inc()
}

// RecordJobRun records one background job run. result is "ok", "error",
// "panic" or "canceled".
func (c *Collector) RecordJobRun(job, result string) {
	if c == nil {
		return
	}
	c.jobRuns.WithLabelValues(job, result).Inc()
}

// RecordLeaseLost records a lease that could not be renewed.
func (c *Collector) RecordLeaseLost(kind string) {
	if c == nil {
		return
	}
	c.leaseLost.WithLabelValues(kind).Inc()
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(pending, locked, errored, done int64) {
	if c == nil {
		return
	}
	c.tasksPending.Set(float64(pending))
	c.tasksLocked.Set(float64(locked))
	c.tasksErrored.Set(float64(errored))
	c.tasksDone.Set(float64(done))
}

// Handler returns the /metrics handler for the given gatherer, or for the
// default gatherer when g is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is canceled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("Metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
