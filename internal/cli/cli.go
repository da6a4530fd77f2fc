// ============================================================================
// flowqueue CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the command line interface based on the Cobra framework
//
// Command Structure:
//   flowqueue                      # Root command
//   ├── server                     # Coordinator: HTTP + gRPC API, jobs
//   ├── worker                     # Run tasks on the generation engine
//   ├── enqueue -f tasks.json      # Admit tasks from a JSON file
//   ├── tasks                      # List tasks
//   ├── workers                    # List recently seen workers
//   ├── restart <task_id>          # Reset an unfinished task
//   ├── remove <task_id>...        # Delete tasks with their files
//   ├── --config, -c               # Config file (default: configs/flowqueue.yaml)
//   └── --version
//
// Configuration Management:
//   YAML config file, sections: store, server, worker, engine, jobs, files,
//   artifacts, ratelimit, metrics, tracing, log, auth. A missing file at the
//   default path falls back to built-in defaults (local SQLite store).
//
// server Command:
//   1. Load config, set up logging and tracing
//   2. Open the store, build queue + matcher
//   3. Start the background job scheduler (lock sweeper, queue stats)
//   4. Serve HTTP and gRPC until SIGINT / SIGTERM
//
// worker Command:
//   worker.mode selects the task source:
//   - local: shares the store with the coordinator and runs the jobs
//   - http:  worker.server_url with basic credentials
//   - grpc:  worker.grpc_addr with basic credentials
//   One runner per device; on shutdown claimed tasks are handed back.
//
// Operator commands (enqueue, tasks, workers, restart, remove) act directly
// on the configured store.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/flowqueue/internal/artifacts"
	"github.com/ChuLiYu/flowqueue/internal/engine"
	"github.com/ChuLiYu/flowqueue/internal/files"
	"github.com/ChuLiYu/flowqueue/internal/jobs"
	"github.com/ChuLiYu/flowqueue/internal/locks"
	"github.com/ChuLiYu/flowqueue/internal/matcher"
	"github.com/ChuLiYu/flowqueue/internal/metrics"
	"github.com/ChuLiYu/flowqueue/internal/observability"
	"github.com/ChuLiYu/flowqueue/internal/ratelimit"
	"github.com/ChuLiYu/flowqueue/internal/registry"
	"github.com/ChuLiYu/flowqueue/internal/rpc"
	"github.com/ChuLiYu/flowqueue/internal/server"
	"github.com/ChuLiYu/flowqueue/internal/store"
	"github.com/ChuLiYu/flowqueue/internal/taskqueue"
	"github.com/ChuLiYu/flowqueue/internal/worker"
	"github.com/ChuLiYu/flowqueue/pkg/types"
)

const defaultConfigPath = "configs/flowqueue.yaml"

// Version is stamped at build time.
var Version = "0.1.0"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flowqueue",
		Short: "flowqueue: a durable task queue for generation workflows",
		Long: `flowqueue admits workflow tasks, matches them to GPU workers and tracks
their progress:
- priority, allow-list and affinity based matching
- lock leases with keepalive and sweeping
- HTTP and gRPC coordination API
- leased background jobs`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigPath, "config file path")

	rootCmd.AddCommand(buildServerCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildTasksCommand())
	rootCmd.AddCommand(buildWorkersCommand())
	rootCmd.AddCommand(buildRestartCommand())
	rootCmd.AddCommand(buildRemoveCommand())

	return rootCmd
}

// ============================================================================
// Shared setup
// ============================================================================

// app is the store side of a process.
type app struct {
	cfg     *Config
	store   *store.Store
	queue   *taskqueue.Queue
	matcher *matcher.Matcher
	metrics *metrics.Collector
	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn("Close failed", "error", err)
		}
	}
}

func setup() (*Config, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := setupLogging(os.Stderr, cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openApp(cfg *Config, collector *metrics.Collector) (*app, error) {
	if cfg.Store.Driver == store.DriverSQLite {
		if err := ensureParentDir(cfg.Store.DSN); err != nil {
			return nil, err
		}
	}
	s, err := store.Open(cfg.Store.Config)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: s, metrics: collector, closers: []func() error{s.Close}}

	dirs, err := files.New(cfg.Files)
	if err != nil {
		a.Close()
		return nil, err
	}
	results, err := artifacts.New(cfg.Artifacts, dirs)
	if err != nil {
		a.Close()
		return nil, err
	}
	limiter, err := ratelimit.New(cfg.RateLimit)
	if err != nil {
		a.Close()
		return nil, err
	}
	if c, ok := limiter.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}

	lm := locks.NewManager(s, cfg.Store.LockTTL)
	a.queue = taskqueue.New(s, lm, dirs,
		taskqueue.WithArtifacts(results),
		taskqueue.WithLimiter(limiter),
		taskqueue.WithMetrics(collector))
	a.matcher = matcher.New(s, lm, matcher.WithMetrics(collector))
	return a, nil
}

// startScheduler runs the background jobs of a process sharing the store.
// It returns nil when jobs are disabled.
func startScheduler(ctx context.Context, a *app) (*jobs.Scheduler, error) {
	if !a.cfg.Jobs.Enabled {
		return nil, nil
	}
	scheduler := jobs.NewScheduler(a.store, jobs.WithCycle(a.cfg.Jobs.Cycle), jobs.WithMetrics(a.metrics))
	if err := jobs.RegisterBuiltins(scheduler, a.cfg.Jobs, a.queue); err != nil {
		return nil, err
	}
	go scheduler.Run(ctx)
	return scheduler, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// ============================================================================
// server
// ============================================================================

func buildServerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Start the coordinator (HTTP + gRPC API, background jobs)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

func runServer(cfg *Config) error {
	ctx, stop := signalContext()
	defer stop()

	shutdownTracing, err := observability.Init(ctx, "flowqueue-server", cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	var (
		collector *metrics.Collector
		gatherer  prometheus.Gatherer
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		collector = metrics.NewCollector(reg)
		gatherer = reg
	}

	a, err := openApp(cfg, collector)
	if err != nil {
		return err
	}
	defer a.Close()

	scheduler, err := startScheduler(ctx, a)
	if err != nil {
		return err
	}

	if gatherer != nil && cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, gatherer); err != nil {
				log.Error("Metrics server failed", "error", err)
			}
		}()
		gatherer = nil
	}

	coord := server.NewCoordinator(a.queue, a.matcher)
	srv := server.New(cfg.Server, coord, server.NewAuthenticator(cfg.Auth), gatherer)
	log.Info("Coordinator started", "http", cfg.Server.HTTPAddr, "grpc", cfg.Server.GRPCAddr,
		"jobs", cfg.Jobs.Enabled)
	err = srv.Run(ctx)

	if scheduler != nil {
		stop()
		scheduler.Wait()
	}
	log.Info("Coordinator stopped")
	return err
}

// ============================================================================
// worker
// ============================================================================

func buildWorkerCommand() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a worker that runs tasks on the generation engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			if mode != "" {
				cfg.Worker.Mode = mode
			}
			return runWorker(cfg)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "task source: local, http or grpc (overrides worker.mode)")
	return cmd
}

func runWorker(cfg *Config) error {
	ctx, stop := signalContext()
	defer stop()

	cfg.Worker.Version = Version
	if cfg.Worker.UserID == "" {
		cfg.Worker.UserID = cfg.Worker.Username
	}
	if cfg.Worker.UserID == "" {
		return errors.New("worker.user_id is required")
	}
	if len(cfg.Worker.TasksToAsk) == 0 {
		return errors.New("worker.tasks lists no flow names")
	}

	src, closeSource, err := buildSource(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSource()

	runners := make([]*worker.Runner, 0, cfg.Worker.Devices)
	for i := 0; i < cfg.Worker.Devices; i++ {
		eng, err := engine.NewComfy(cfg.Engine)
		if err != nil {
			return err
		}
		runners = append(runners, worker.NewRunner(cfg.Worker, i, src, eng))
	}

	pool := worker.NewPool(runners...)
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	log.Info("Worker started", "mode", cfg.Worker.Mode, "devices", pool.Size(), "tasks", cfg.Worker.TasksToAsk)

	<-ctx.Done()
	log.Info("Received shutdown signal, stopping gracefully...")
	pool.Stop()
	log.Info("Worker stopped")
	return nil
}

// buildSource returns the task source of the configured mode. A local worker
// shares the store, so it also runs the background jobs until closed.
func buildSource(ctx context.Context, cfg *Config) (worker.TaskSource, func(), error) {
	w := cfg.Worker
	switch w.Mode {
	case worker.ModeLocal:
		a, err := openApp(cfg, nil)
		if err != nil {
			return nil, nil, err
		}
		jobsCtx, cancel := context.WithCancel(ctx)
		scheduler, err := startScheduler(jobsCtx, a)
		if err != nil {
			cancel()
			a.Close()
			return nil, nil, err
		}
		closeFn := func() {
			cancel()
			if scheduler != nil {
				scheduler.Wait()
			}
			a.Close()
		}
		return worker.NewLocalSource(a.queue, a.matcher), closeFn, nil

	case worker.ModeHTTP:
		src, err := worker.NewHTTPSource(w.ServerURL, w.Username, w.Password, w.RequestTimeout)
		if err != nil {
			return nil, nil, err
		}
		return src, func() {}, nil

	case worker.ModeGRPC:
		if w.GRPCAddr == "" {
			return nil, nil, errors.New("worker.grpc_addr is required in grpc mode")
		}
		opts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
		if w.Username != "" {
			opts = append(opts, grpc.WithPerRPCCredentials(rpc.BasicAuth{Username: w.Username, Password: w.Password}))
		}
		conn, err := grpc.NewClient(w.GRPCAddr, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to coordinator: %w", err)
		}
		return worker.NewGrpcSource(conn, w.RequestTimeout), func() { _ = conn.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown worker mode %q", w.Mode)
	}
}

// ============================================================================
// Operator commands
// ============================================================================

func buildEnqueueCommand() *cobra.Command {
	var taskFile string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue tasks from a JSON file",
		Long: `Read task definitions from a JSON file and admit them.

JSON format:
[
  {
    "name": "txt2img",
    "user_id": "alice",
    "priority": 5,
    "input_params": {"prompt": "a lighthouse"},
    "flow_comfy": {"9": {"class_type": "SaveImage", "inputs": {}}}
  }
]`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskFile == "" {
				return fmt.Errorf("task file is required (use --file or -f)")
			}
			cfg, err := setup()
			if err != nil {
				return err
			}
			a, err := openApp(cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()
			return enqueueTasks(cmd.Context(), a.queue, taskFile, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&taskFile, "file", "f", "", "JSON file containing task definitions")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func enqueueTasks(ctx context.Context, q *taskqueue.Queue, filePath string, out io.Writer) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read task file: %w", err)
	}
	var reqs []taskqueue.AdmitRequest
	if err := json.Unmarshal(data, &reqs); err != nil {
		return fmt.Errorf("failed to parse task file: %w", err)
	}

	admitted := 0
	for i, req := range reqs {
		task, err := q.Admit(ctx, req)
		if err != nil {
			log.Error("Task rejected", "index", i, "name", req.Name, "error", err)
			continue
		}
		fmt.Fprintf(out, "%s\t%s\n", task.TaskID, task.Name)
		admitted++
	}
	log.Info("Tasks enqueued", "admitted", admitted, "total", len(reqs), "file", filePath)
	if admitted < len(reqs) {
		return fmt.Errorf("%d of %d tasks rejected", len(reqs)-admitted, len(reqs))
	}
	return nil
}

func buildTasksCommand() *cobra.Command {
	var (
		name     string
		userID   string
		pending  bool
		finished bool
	)
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			a, err := openApp(cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			f := types.TaskFilter{Name: name, UserID: userID}
			switch {
			case pending && finished:
				return errors.New("--pending and --finished are exclusive")
			case pending:
				f.Finished = new(bool)
			case finished:
				done := true
				f.Finished = &done
			}
			tasks, err := a.queue.GetTasks(cmd.Context(), f)
			if err != nil {
				return err
			}
			printTasks(cmd.OutOrStdout(), tasks)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "only tasks of this flow name")
	cmd.Flags().StringVar(&userID, "user", "", "only tasks of this user")
	cmd.Flags().BoolVar(&pending, "pending", false, "only unfinished tasks")
	cmd.Flags().BoolVar(&finished, "finished", false, "only finished tasks")
	return cmd
}

func printTasks(out io.Writer, tasks []*types.Task) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tUSER\tPRIORITY\tPROGRESS\tWORKER\tERROR")
	for _, t := range tasks {
		workerID := "-"
		if t.WorkerID != nil {
			workerID = *t.WorkerID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.1f\t%s\t%s\n",
			t.TaskID, t.Name, t.UserID, t.Priority, t.Progress, workerID, t.Error)
	}
	_ = tw.Flush()
}

func buildWorkersCommand() *cobra.Command {
	var within time.Duration
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "List recently seen workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			a, err := openApp(cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			workers, err := registry.New(a.store).List(cmd.Context(), types.WorkerFilter{SeenWithin: within})
			if err != nil {
				return err
			}
			printWorkers(cmd.OutOrStdout(), workers)
			return nil
		},
	}
	cmd.Flags().DurationVar(&within, "within", server.DefaultWorkerWindow, "last seen window (0 lists all)")
	return cmd
}

func printWorkers(out io.Writer, workers []types.Worker) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKER\tDEVICE\tVERSION\tTASKS_TO_GIVE\tLAST_SEEN")
	for _, w := range workers {
		give := "*"
		if len(w.TasksToGive) > 0 {
			raw, _ := json.Marshal(w.TasksToGive)
			give = string(raw)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			w.WorkerID, w.DeviceType, w.Version, give, w.LastSeen.Format(time.RFC3339))
	}
	_ = tw.Flush()
}

func buildRestartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <task_id>",
		Short: "Reset an unfinished task so it is handed out again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseTaskIDs(args)
			if err != nil {
				return err
			}
			cfg, err := setup()
			if err != nil {
				return err
			}
			a, err := openApp(cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.queue.RestartTask(cmd.Context(), ids[0], ""); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %s restarted\n", ids[0])
			return nil
		},
	}
}

func buildRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <task_id>...",
		Short: "Delete tasks with their locks and files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseTaskIDs(args)
			if err != nil {
				return err
			}
			cfg, err := setup()
			if err != nil {
				return err
			}
			a, err := openApp(cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()
			removed, err := a.queue.RemoveTasks(cmd.Context(), ids, "")
			if err != nil {
				return err
			}
			if !removed {
				return taskqueue.ErrTaskNotFound
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d task(s) removed\n", len(ids))
			return nil
		},
	}
}

func parseTaskIDs(args []string) ([]types.TaskID, error) {
	ids := make([]types.TaskID, 0, len(args))
	for _, a := range args {
		n, err := strconv.ParseInt(a, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("bad task id %q", a)
		}
		ids = append(ids, types.TaskID(n))
	}
	return ids, nil
}
