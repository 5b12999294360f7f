// Package server exposes the orchestrator over HTTP: project lifecycle,
// review gate decisions, notifications, engine introspection and a
// websocket event stream. A cron scheduler drives the periodic monitor.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"troop/internal/config"
	"troop/internal/dispatch"
	"troop/internal/engine"
	"troop/internal/logging"
	"troop/internal/notify"
	"troop/internal/registry"
	"troop/internal/review"
	"troop/internal/supervisor"
	"troop/internal/workspace"
)

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Registry  *registry.Registry
	Engine    *engine.Engine
	Reviews   *review.Machine
	Queue     *notify.Queue
	Workspace *workspace.Initializer
	Hub       *Hub
	Metrics   prometheus.Gatherer
	Log       logging.Logger
}

// Server is the HTTP front of the orchestrator.
type Server struct {
	cfg       config.RuntimeConfig
	deps      Deps
	log       logging.Logger
	router    *gin.Engine
	http      *http.Server
	cron      *cron.Cron
	startTime time.Time
}

// New assembles the router and scheduler. Call Run to serve.
func New(cfg config.RuntimeConfig, deps Deps) *Server {
	if deps.Hub == nil {
		deps.Hub = NewHub(deps.Log)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
	corsConfig.AllowWebSockets = true
	router.Use(cors.New(corsConfig))

	s := &Server{
		cfg:       cfg,
		deps:      deps,
		log:       logging.OrNop(deps.Log),
		router:    router,
		cron:      cron.New(),
		startTime: time.Now(),
	}
	s.routes()

	if deps.Queue != nil {
		hub := deps.Hub
		deps.Queue.SetListener(func(n notify.Notification) {
			hub.Broadcast("notification", n.ProjectKey, map[string]any{
				"id":       n.ID,
				"type":     n.Type,
				"title":    n.Title,
				"priority": n.Priority,
			})
		})
	}

	s.http = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.GET("/api/health", s.health)
	s.router.GET("/ws", s.deps.Hub.Handle)

	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Metrics, promhttp.HandlerOpts{})))
	}

	api := s.router.Group("/api")
	{
		api.POST("/projects", s.createProject)
		api.GET("/projects", s.listProjects)
		api.GET("/projects/:key", s.getProject)
		api.POST("/projects/:key/pause", s.pauseProject)
		api.POST("/projects/:key/resume", s.resumeProject)
		api.DELETE("/projects/:key", s.deleteProject)
		api.GET("/projects/:key/status", s.projectStatus)
		api.GET("/projects/:key/agents", s.projectAgents)

		api.GET("/projects/:key/reviews", s.listReviews)
		api.GET("/projects/:key/reviews/:id", s.reviewDetail)
		api.POST("/projects/:key/reviews/:id/approve", s.approveReview)
		api.POST("/projects/:key/reviews/:id/reject", s.rejectReview)

		api.GET("/projects/:key/notifications", s.listNotifications)
		api.POST("/projects/:key/notifications/read-all", s.markAllRead)
		api.POST("/notifications/:id/read", s.markRead)

		api.GET("/engine/agents", s.engineAgents)
	}
}

// Run starts the scheduler and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.MonitorSchedule != "" {
		if _, err := s.cron.AddFunc(s.cfg.MonitorSchedule, s.monitorTick); err != nil {
			return fmt.Errorf("schedule monitor (%q): %w", s.cfg.MonitorSchedule, err)
		}
		s.cron.Start()
		s.log.Info("Monitor scheduled: %s", s.cfg.MonitorSchedule)
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening on %s", s.cfg.HTTPAddr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutting down HTTP server")
	<-s.cron.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// monitorTick dispatches one monitoring sweep per active project.
func (s *Server) monitorTick() {
	if s.deps.Registry == nil || s.deps.Engine == nil {
		return
	}
	for _, p := range s.deps.Registry.List() {
		if p.Status != registry.StatusActive {
			continue
		}
		d := dispatch.NewDispatch("monitoring", "", p.Key, p.WorkspacePath)
		d.WorkerType = dispatch.WorkerMonitor
		payload, err := d.Encode()
		if err != nil {
			continue
		}
		agentID, err := s.deps.Engine.Spawn(context.Background(), dispatch.WorkerMonitor, string(payload))
		if err != nil {
			s.log.Warn("Monitor dispatch for %s failed: %v", p.Key, err)
			continue
		}
		s.deps.Hub.Broadcast("agent_spawned", p.Key, map[string]any{
			"agent_id": agentID, "agent_type": dispatch.WorkerMonitor,
		})
	}
}

func (s *Server) health(c *gin.Context) {
	active := 0
	if s.deps.Engine != nil {
		active = len(s.deps.Engine.ListActive())
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"active_agents":  active,
		"ws_clients":     s.deps.Hub.ClientCount(),
	})
}

type createProjectRequest struct {
	Key           string `json:"key" binding:"required"`
	Name          string `json:"name" binding:"required"`
	WorkspacePath string `json:"workspace_path" binding:"required"`
}

func (s *Server) createProject(c *gin.Context) {
	var body createProjectRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.Contains(body.WorkspacePath, "..") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path traversal not allowed"})
		return
	}

	if s.deps.Workspace != nil {
		if err := s.deps.Workspace.Init(c.Request.Context(), body.WorkspacePath, body.Key); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	project, err := s.deps.Registry.Register(body.Key, body.Name, body.WorkspacePath)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	s.spawnInitialize(c.Request.Context(), project)
	s.deps.Hub.Broadcast("project_created", body.Key, map[string]any{
		"project_key": body.Key, "name": body.Name,
	})
	s.log.Info("Created project: %s", body.Key)
	c.JSON(http.StatusCreated, project)
}

// spawnInitialize kicks off the workflow supervisor for a fresh project.
func (s *Server) spawnInitialize(ctx context.Context, project registry.Project) {
	if s.deps.Engine == nil {
		return
	}
	req, err := json.Marshal(supervisor.Request{Action: supervisor.ActionInitialize})
	if err != nil {
		return
	}
	d := dispatch.NewDispatch("supervision", "", project.Key, project.WorkspacePath)
	d.WorkerType = dispatch.WorkerSupervisor
	d.Instructions = string(req)

	payload, err := d.Encode()
	if err != nil {
		return
	}
	agentID, err := s.deps.Engine.Spawn(ctx, dispatch.WorkerSupervisor, string(payload))
	if err != nil {
		s.log.Warn("Could not spawn supervisor for %s: %v", project.Key, err)
		return
	}
	if err := s.deps.Registry.SetMinder(project.Key, agentID); err != nil {
		s.log.Warn("Could not record minder for %s: %v", project.Key, err)
	}
	s.deps.Hub.Broadcast("agent_spawned", project.Key, map[string]any{
		"agent_id": agentID, "agent_type": dispatch.WorkerSupervisor,
	})
}

func (s *Server) listProjects(c *gin.Context) {
	status := c.Query("status")
	projects := s.deps.Registry.List()
	if status != "" {
		filtered := projects[:0]
		for _, p := range projects {
			if p.Status == status {
				filtered = append(filtered, p)
			}
		}
		projects = filtered
	}
	c.JSON(http.StatusOK, projects)
}

func (s *Server) getProject(c *gin.Context) {
	project, ok := s.deps.Registry.Get(c.Param("key"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("project %q not found", c.Param("key"))})
		return
	}
	c.JSON(http.StatusOK, project)
}

func (s *Server) pauseProject(c *gin.Context) {
	s.setProjectStatus(c, registry.StatusPaused, "project_paused")
}

func (s *Server) resumeProject(c *gin.Context) {
	s.setProjectStatus(c, registry.StatusActive, "project_resumed")
}

func (s *Server) setProjectStatus(c *gin.Context, status, event string) {
	key := c.Param("key")
	project, err := s.deps.Registry.SetStatus(key, status)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.deps.Hub.Broadcast(event, key, map[string]any{"project_key": key})
	c.JSON(http.StatusOK, project)
}

func (s *Server) deleteProject(c *gin.Context) {
	key := c.Param("key")
	if err := s.deps.Registry.Remove(key); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if s.deps.Queue != nil {
		s.deps.Queue.ClearProject(key)
	}
	s.deps.Hub.Broadcast("project_deleted", key, map[string]any{"project_key": key})
	s.log.Info("Deleted project: %s", key)
	c.Status(http.StatusNoContent)
}

func (s *Server) projectStatus(c *gin.Context) {
	key := c.Param("key")
	project, ok := s.deps.Registry.Get(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("project %q not found", key)})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"project_key":   project.Key,
		"name":          project.Name,
		"status":        project.Status,
		"active_agents": len(s.projectInstances(key)),
	})
}

func (s *Server) projectAgents(c *gin.Context) {
	key := c.Param("key")
	if _, ok := s.deps.Registry.Get(key); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("project %q not found", key)})
		return
	}
	c.JSON(http.StatusOK, s.projectInstances(key))
}

func (s *Server) engineAgents(c *gin.Context) {
	if s.deps.Engine == nil {
		c.JSON(http.StatusOK, []engine.Instance{})
		return
	}
	if c.Query("all") == "true" {
		c.JSON(http.StatusOK, s.deps.Engine.ListAll())
		return
	}
	c.JSON(http.StatusOK, s.deps.Engine.ListActive())
}

// projectInstances filters active engine instances by project key.
func (s *Server) projectInstances(key string) []engine.Instance {
	out := []engine.Instance{}
	if s.deps.Engine == nil {
		return out
	}
	for _, inst := range s.deps.Engine.ListActive() {
		if inst.ProjectKey == key {
			out = append(out, inst)
		}
	}
	return out
}

// workspaceFor resolves a project's workspace or writes the 404.
func (s *Server) workspaceFor(c *gin.Context) (registry.Project, bool) {
	key := c.Param("key")
	project, ok := s.deps.Registry.Get(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("project %q not found", key)})
		return registry.Project{}, false
	}
	return project, true
}

func (s *Server) listReviews(c *gin.Context) {
	project, ok := s.workspaceFor(c)
	if !ok {
		return
	}
	gates, err := s.deps.Reviews.List(c.Request.Context(), project.WorkspacePath)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gates)
}

func (s *Server) reviewDetail(c *gin.Context) {
	project, ok := s.workspaceFor(c)
	if !ok {
		return
	}
	gate, err := s.deps.Reviews.Detail(c.Request.Context(), project.WorkspacePath, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gate)
}

type reviewDecisionRequest struct {
	Feedback      string `json:"feedback"`
	EditedContent string `json:"edited_content"`
}

func (s *Server) approveReview(c *gin.Context) {
	project, ok := s.workspaceFor(c)
	if !ok {
		return
	}
	var body reviewDecisionRequest
	_ = c.ShouldBindJSON(&body)

	res, err := s.deps.Reviews.Approve(c.Request.Context(), project.Key, project.WorkspacePath,
		c.Param("id"), body.Feedback, body.EditedContent)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) rejectReview(c *gin.Context) {
	project, ok := s.workspaceFor(c)
	if !ok {
		return
	}
	var body reviewDecisionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.deps.Reviews.Reject(c.Request.Context(), project.Key, project.WorkspacePath,
		c.Param("id"), body.Feedback)
	if err != nil {
		status := http.StatusConflict
		if strings.Contains(err.Error(), "feedback is required") {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) listNotifications(c *gin.Context) {
	key := c.Param("key")
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"notifications": s.deps.Queue.Unread(key, limit),
		"unread_count":  s.deps.Queue.CountUnread(key),
	})
}

func (s *Server) markRead(c *gin.Context) {
	s.deps.Queue.MarkRead(c.Param("id"))
	c.Status(http.StatusNoContent)
}

func (s *Server) markAllRead(c *gin.Context) {
	n := s.deps.Queue.MarkAllRead(c.Param("key"))
	c.JSON(http.StatusOK, gin.H{"marked_read": n})
}
