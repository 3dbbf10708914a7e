package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kilnworks/kiln/pkg/config"
	"github.com/kilnworks/kiln/pkg/log"
	"github.com/kilnworks/kiln/pkg/queue"
	"github.com/kilnworks/kiln/pkg/store"
	"github.com/kilnworks/kiln/pkg/types"
)

// TaskService admits and cancels tasks; the scheduler implements it
type TaskService interface {
	Submit(task *types.Task) (string, error)
	Cancel(taskID string) error
}

// TaskReader reads task state; the queue implements it
type TaskReader interface {
	Get(taskID string) (*types.Task, error)
	Stats() queue.Stats
	Snapshot() []*types.Task
}

// WorkerLister reads worker state; the registry implements it
type WorkerLister interface {
	List() []*types.Worker
}

// Server is the HTTP boundary. It translates requests into calls on
// the scheduler, queue, and registry and shapes the response envelope;
// it holds no orchestration logic of its own.
type Server struct {
	cfg     *config.Config
	tasks   TaskService
	reader  TaskReader
	workers WorkerLister
	logger  zerolog.Logger

	startTime time.Time
	srv       *http.Server
}

// New builds the API server and its routes
func New(cfg *config.Config, tasks TaskService, reader TaskReader, workers WorkerLister) *Server {
	s := &Server{
		cfg:       cfg,
		tasks:     tasks,
		reader:    reader,
		workers:   workers,
		logger:    log.WithComponent("api"),
		startTime: time.Now(),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/tasks/submit", s.submitTask)
		apiGroup.GET("/tasks/:task_id/status", s.taskStatus)
		apiGroup.POST("/tasks/:task_id/cancel", s.cancelTask)
		apiGroup.GET("/tasks", s.listTasks)
		apiGroup.GET("/workers", s.listWorkers)
		apiGroup.GET("/status", s.systemStatus)
		apiGroup.GET("/health", s.health)
	}
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.srv = &http.Server{
		Addr:              cfg.APIAddr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start begins serving in the background
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("api server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("api server failed")
		}
	}()
}

// Stop drains in-flight requests and shuts the listener down
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

// apiError is the machine-readable error shape of failed responses
type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func respond(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func respondError(c *gin.Context, httpStatus int, kind, message string) {
	c.JSON(httpStatus, gin.H{"success": false, "error": apiError{Kind: kind, Message: message}})
}

// submitRequest uses pointers for defaultable fields so absence is
// distinguishable from explicit zero values.
type submitRequest struct {
	TaskID         string   `json:"task_id"`
	Prompt         string   `json:"prompt"`
	NegativePrompt *string  `json:"negative_prompt"`
	Width          *int     `json:"width"`
	Height         *int     `json:"height"`
	Steps          *int     `json:"steps"`
	CFGScale       *float64 `json:"cfg_scale"`
	Seed           *int64   `json:"seed"`
	ModelName      *string  `json:"model_name"`
}

func (s *Server) submitTask(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_argument", "malformed request body")
		return
	}
	if req.Prompt == "" {
		respondError(c, http.StatusBadRequest, "invalid_argument", "prompt is required")
		return
	}

	task := &types.Task{
		ID:             req.TaskID,
		Prompt:         req.Prompt,
		NegativePrompt: orDefault(req.NegativePrompt, ""),
		Width:          orDefault(req.Width, config.DefaultWidth),
		Height:         orDefault(req.Height, config.DefaultHeight),
		Steps:          orDefault(req.Steps, config.DefaultSteps),
		GuidanceScale:  orDefault(req.CFGScale, config.DefaultCFGScale),
		Seed:           req.Seed,
		ModelName:      orDefault(req.ModelName, config.DefaultModelName),
	}

	id, err := s.tasks.Submit(task)
	if err != nil {
		if errors.Is(err, queue.ErrDuplicateID) {
			respondError(c, http.StatusBadRequest, "invalid_argument", err.Error())
			return
		}
		s.logger.Error().Err(err).Msg("task submission failed")
		respondError(c, http.StatusInternalServerError, "internal", "failed to submit task")
		return
	}
	respond(c, gin.H{"task_id": id, "status": types.TaskStatusQueued})
}

func (s *Server) taskStatus(c *gin.Context) {
	taskID := c.Param("task_id")
	task, err := s.reader.Get(taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(c, http.StatusNotFound, "not_found", "task "+taskID+" not found")
			return
		}
		respondError(c, http.StatusServiceUnavailable, "unavailable", "task state unavailable")
		return
	}
	respond(c, gin.H{"task_id": task.ID, "status": task.Status, "details": task})
}

func (s *Server) cancelTask(c *gin.Context) {
	taskID := c.Param("task_id")
	if err := s.tasks.Cancel(taskID); err != nil {
		switch {
		case errors.Is(err, queue.ErrUnknownTask):
			respondError(c, http.StatusNotFound, "not_found", "task "+taskID+" not found")
		case errors.Is(err, queue.ErrNotCancellable):
			respondError(c, http.StatusBadRequest, "invalid_argument", "task "+taskID+" is no longer queued")
		default:
			respondError(c, http.StatusServiceUnavailable, "unavailable", "cancel failed")
		}
		return
	}
	respond(c, gin.H{"task_id": taskID, "status": types.TaskStatusCancelled})
}

func (s *Server) listTasks(c *gin.Context) {
	stats := s.reader.Stats()
	respond(c, gin.H{"tasks": gin.H{
		"queued":    stats.Queued,
		"active":    stats.Active,
		"completed": stats.Completed,
		"recent":    s.reader.Snapshot(),
	}})
}

func (s *Server) listWorkers(c *gin.Context) {
	workers := s.workers.List()
	counts := map[types.WorkerStatus]int{}
	for _, w := range workers {
		counts[w.Status]++
	}
	respond(c, gin.H{"workers": gin.H{"total": len(workers), "by_status": counts, "details": workers}})
}

func (s *Server) systemStatus(c *gin.Context) {
	stats := s.reader.Stats()
	counts := map[types.WorkerStatus]int{}
	for _, w := range s.workers.List() {
		counts[w.Status]++
	}
	respond(c, gin.H{
		"status": gin.H{
			"queue_depth":    stats.Queued,
			"active_tasks":   stats.Active,
			"workers":        counts,
			"uptime_seconds": time.Since(s.startTime).Seconds(),
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) health(c *gin.Context) {
	respond(c, gin.H{"status": "healthy"})
}

func orDefault[T any](v *T, fallback T) T {
	if v != nil {
		return *v
	}
	return fallback
}
