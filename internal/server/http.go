package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/flowqueue/internal/metrics"
	"github.com/ChuLiYu/flowqueue/internal/rpc"
	"github.com/ChuLiYu/flowqueue/internal/taskqueue"
	"github.com/ChuLiYu/flowqueue/pkg/types"
)

const callerKey = "flowqueue.caller"

// RouterOption customizes the HTTP router.
type RouterOption func(*router)

// WithGatherer serves the registry at /metrics.
func WithGatherer(g prometheus.Gatherer) RouterOption {
	return func(r *router) { r.gatherer = g }
}

// WithWorkerWindow sets the default last-seen window of GET /workers.
func WithWorkerWindow(d time.Duration) RouterOption {
	return func(r *router) { r.workerWindow = d }
}

type router struct {
	coord        *Coordinator
	auth         *Authenticator
	gatherer     prometheus.Gatherer
	workerWindow time.Duration
}

// TasksToGiveRequest replaces the allow-list of a worker.
type TasksToGiveRequest struct {
	WorkerID    string   `json:"worker_id"`
	TasksToGive []string `json:"tasks_to_give"`
}

// NewRouter builds the HTTP API.
func NewRouter(c *Coordinator, auth *Authenticator, opts ...RouterOption) *gin.Engine {
	rt := &router{coord: c, auth: auth, workerWindow: DefaultWorkerWindow}
	for _, opt := range opts {
		opt(rt)
	}

	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(gin.Recovery(), requestLogger())

	e.GET("/healthz", rt.healthz)
	if rt.gatherer != nil {
		e.GET("/metrics", gin.WrapH(metrics.Handler(rt.gatherer)))
	}

	api := e.Group("/", rt.authenticate)
	api.POST("/tasks/next", rt.nextTask)
	api.PUT("/tasks/progress", rt.updateProgress)
	api.PUT("/tasks/lock", rt.keepalive)
	api.DELETE("/tasks/lock", rt.unlock)
	api.PUT("/tasks/results", rt.saveResults)
	api.DELETE("/tasks/task", rt.removeTask)
	api.POST("/tasks", rt.admit)
	api.GET("/tasks", rt.listTasks)
	api.POST("/tasks/restart", rt.restart)
	api.GET("/workers", rt.listWorkers)
	api.PUT("/workers/tasks-to-give", rt.setTasksToGive)
	return e
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		attrs := []any{"method", c.Request.Method, "path", c.FullPath(),
			"status", status, "duration", time.Since(start)}
		if status >= http.StatusInternalServerError {
			log.Error("Request failed", attrs...)
			return
		}
		log.Debug("Request served", attrs...)
	}
}

func (rt *router) authenticate(c *gin.Context) {
	caller, ok := rt.auth.AuthenticateHeader(c.GetHeader("Authorization"))
	if !ok {
		c.Header("WWW-Authenticate", `Basic realm="flowqueue"`)
		abort(c, ErrUnauthenticated)
		return
	}
	c.Set(callerKey, caller)
	c.Next()
}

func callerOf(c *gin.Context) types.Caller {
	v, _ := c.Get(callerKey)
	caller, _ := v.(types.Caller)
	return caller
}

func abort(c *gin.Context, err error) {
	code, _ := errorClass(err)
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "invalid request body",
			"details": err.Error(),
		})
		return false
	}
	return true
}

func queryTaskIDs(c *gin.Context) ([]types.TaskID, bool) {
	raw := c.QueryArray("task_id")
	ids := make([]types.TaskID, 0, len(raw))
	for _, s := range raw {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			abort(c, &types.ValidationError{Field: "task_id", Reason: "not an integer: " + s})
			return nil, false
		}
		ids = append(ids, types.TaskID(n))
	}
	return ids, true
}

// ============================================================================
// Handlers
// ============================================================================

func (rt *router) healthz(c *gin.Context) {
	if err := rt.coord.queue.Store().Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (rt *router) nextTask(c *gin.Context) {
	var req types.NextTaskRequest
	if !bind(c, &req) {
		return
	}
	task, err := rt.coord.NextTask(c.Request.Context(), callerOf(c), req)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, rpc.NextTaskResponse{Task: task})
}

func (rt *router) updateProgress(c *gin.Context) {
	var u types.ProgressUpdate
	if !bind(c, &u) {
		return
	}
	changed, err := rt.coord.UpdateProgress(c.Request.Context(), callerOf(c), u)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, rpc.ChangedResponse{Changed: changed})
}

func (rt *router) keepalive(c *gin.Context) {
	var req rpc.KeepaliveRequest
	if !bind(c, &req) {
		return
	}
	changed, err := rt.coord.Keepalive(c.Request.Context(), callerOf(c), req.TaskID, req.Worker)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, rpc.ChangedResponse{Changed: changed})
}

func (rt *router) unlock(c *gin.Context) {
	ids, ok := queryTaskIDs(c)
	if !ok {
		return
	}
	if len(ids) != 1 {
		abort(c, &types.ValidationError{Field: "task_id", Reason: "exactly one task id required"})
		return
	}
	if err := rt.coord.Unlock(c.Request.Context(), callerOf(c), ids[0]); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, rpc.ChangedResponse{Changed: true})
}

func (rt *router) saveResults(c *gin.Context) {
	var req rpc.ResultsRequest
	if !bind(c, &req) {
		return
	}
	locations, err := rt.coord.SaveResults(c.Request.Context(), callerOf(c), req.TaskID, req.Files)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, rpc.ResultsResponse{Locations: locations})
}

func (rt *router) removeTask(c *gin.Context) {
	ids, ok := queryTaskIDs(c)
	if !ok {
		return
	}
	removed, err := rt.coord.RemoveTasks(c.Request.Context(), callerOf(c), ids)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, rpc.ChangedResponse{Changed: removed})
}

func (rt *router) admit(c *gin.Context) {
	var req taskqueue.AdmitRequest
	if !bind(c, &req) {
		return
	}
	task, err := rt.coord.Admit(c.Request.Context(), callerOf(c), req)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"task": task})
}

func (rt *router) listTasks(c *gin.Context) {
	ids, ok := queryTaskIDs(c)
	if !ok {
		return
	}
	f := types.TaskFilter{
		TaskIDs:         ids,
		Name:            c.Query("name"),
		UserID:          c.Query("user_id"),
		OnlyParent:      c.Query("only_parent") == "true",
		IncludeChildren: c.Query("children") == "true",
	}
	if v := c.Query("finished"); v != "" {
		finished, err := strconv.ParseBool(v)
		if err != nil {
			abort(c, &types.ValidationError{Field: "finished", Reason: err.Error()})
			return
		}
		f.Finished = &finished
	}
	tasks, err := rt.coord.Tasks(c.Request.Context(), callerOf(c), f)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (rt *router) restart(c *gin.Context) {
	var ref rpc.TaskRef
	if !bind(c, &ref) {
		return
	}
	if err := rt.coord.RestartTask(c.Request.Context(), callerOf(c), ref.TaskID); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, rpc.ChangedResponse{Changed: true})
}

func (rt *router) listWorkers(c *gin.Context) {
	f := types.WorkerFilter{
		UserID:     c.Query("user_id"),
		WorkerID:   c.Query("worker_id"),
		SeenWithin: rt.workerWindow,
	}
	if v := c.Query("seen_within"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			abort(c, &types.ValidationError{Field: "seen_within", Reason: err.Error()})
			return
		}
		f.SeenWithin = d
	}
	workers, err := rt.coord.Workers(c.Request.Context(), callerOf(c), f)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workers": workers})
}

func (rt *router) setTasksToGive(c *gin.Context) {
	var req TasksToGiveRequest
	if !bind(c, &req) {
		return
	}
	if req.WorkerID == "" {
		abort(c, &types.ValidationError{Field: "worker_id", Reason: "required"})
		return
	}
	if err := rt.coord.SetTasksToGive(c.Request.Context(), callerOf(c), req.WorkerID, req.TasksToGive); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, rpc.ChangedResponse{Changed: true})
}
