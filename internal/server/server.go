// Package server exposes the patrol daemon's HTTP API. Handlers are data
// plumbing only; run logic lives in the core packages.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sigma-snaken/sigma-patrol/internal/config"
	"github.com/sigma-snaken/sigma-patrol/internal/logging"
	"github.com/sigma-snaken/sigma-patrol/internal/model"
	"github.com/sigma-snaken/sigma-patrol/internal/patrol"
	"github.com/sigma-snaken/sigma-patrol/internal/relay"
)

// PatrolControl is the orchestrator surface the API consumes.
type PatrolControl interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
	Status() patrol.Status
}

// RelayStatus reports the live relay handles.
type RelayStatus interface {
	Status() []relay.HandleStatus
}

// Store is the persistence surface the API consumes.
type Store interface {
	GetRun(ctx context.Context, id int64) (model.PatrolRun, error)
	ListRuns(ctx context.Context, limit int) ([]model.PatrolRun, error)
	ListInspections(ctx context.Context, runID int64) ([]model.InspectionResult, error)
	ListAlerts(ctx context.Context, runID int64) ([]model.AlertEvent, error)
	ListWaypoints(ctx context.Context, enabledOnly bool) ([]model.Waypoint, error)
	SaveWaypoint(ctx context.Context, w model.Waypoint) error
	DeleteWaypoint(ctx context.Context, id string) error
	ListSchedules(ctx context.Context) ([]model.ScheduleEntry, error)
	SaveSchedule(ctx context.Context, e model.ScheduleEntry) error
	DeleteSchedule(ctx context.Context, id string) error
	GetSettings(ctx context.Context) (config.Settings, error)
	SaveSettings(ctx context.Context, settings config.Settings) error
}

type response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, response{Success: true, Data: data})
}

func fail(c *gin.Context, code int, err error) {
	c.JSON(code, response{Success: false, Error: err.Error()})
}

// Server wires the API routes over the core components.
type Server struct {
	patrol PatrolControl
	store  Store
	relays RelayStatus
	logger logging.Logger

	engine     *gin.Engine
	httpServer *http.Server
}

// New builds the server. relays may be nil when no supervisor is running.
func New(addr string, patrolCtl PatrolControl, st Store, relays RelayStatus, logger logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	engine.Use(cors.New(corsConfig))

	s := &Server{
		patrol: patrolCtl,
		store:  st,
		relays: relays,
		logger: logging.OrNop(logger),
		engine: engine,
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      engine,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api")
	api.GET("/health", s.handleHealth)

	p := api.Group("/patrol")
	{
		p.POST("/start", s.handlePatrolStart)
		p.POST("/stop", s.handlePatrolStop)
		p.GET("/status", s.handlePatrolStatus)
	}

	runs := api.Group("/runs")
	{
		runs.GET("", s.handleListRuns)
		runs.GET("/:id", s.handleGetRun)
		runs.GET("/:id/results", s.handleListResults)
		runs.GET("/:id/alerts", s.handleListAlerts)
	}

	waypoints := api.Group("/waypoints")
	{
		waypoints.GET("", s.handleListWaypoints)
		waypoints.POST("", s.handleSaveWaypoint)
		waypoints.DELETE("/:id", s.handleDeleteWaypoint)
	}

	schedules := api.Group("/schedules")
	{
		schedules.GET("", s.handleListSchedules)
		schedules.POST("", s.handleSaveSchedule)
		schedules.DELETE("/:id", s.handleDeleteSchedule)
	}

	api.GET("/settings", s.handleGetSettings)
	api.PUT("/settings", s.handlePutSettings)
	api.GET("/relays", s.handleRelayStatus)
}

// Handler returns the underlying HTTP handler, used directly in tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info("http api listening on %s", s.httpServer.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(c *gin.Context) {
	ok(c, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handlePatrolStart(c *gin.Context) {
	if err := s.patrol.Start(c.Request.Context()); err != nil {
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, patrol.ErrAlreadyRunning):
			code = http.StatusConflict
		case errors.Is(err, patrol.ErrNotConfigured):
			code = http.StatusPreconditionFailed
		}
		fail(c, code, err)
		return
	}
	ok(c, s.patrol.Status())
}

func (s *Server) handlePatrolStop(c *gin.Context) {
	s.patrol.Stop(c.Request.Context())
	ok(c, s.patrol.Status())
}

func (s *Server) handlePatrolStatus(c *gin.Context) {
	ok(c, s.patrol.Status())
}

func (s *Server) handleListRuns(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			fail(c, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	runs, err := s.store.ListRuns(c.Request.Context(), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, runs)
}

func (s *Server) runID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, http.StatusBadRequest, errors.New("invalid run id"))
		return 0, false
	}
	return id, true
}

func (s *Server) handleGetRun(c *gin.Context) {
	id, valid := s.runID(c)
	if !valid {
		return
	}
	run, err := s.store.GetRun(c.Request.Context(), id)
	if err != nil {
		fail(c, http.StatusNotFound, err)
		return
	}
	ok(c, run)
}

func (s *Server) handleListResults(c *gin.Context) {
	id, valid := s.runID(c)
	if !valid {
		return
	}
	results, err := s.store.ListInspections(c.Request.Context(), id)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, results)
}

func (s *Server) handleListAlerts(c *gin.Context) {
	id, valid := s.runID(c)
	if !valid {
		return
	}
	alerts, err := s.store.ListAlerts(c.Request.Context(), id)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, alerts)
}

func (s *Server) handleListWaypoints(c *gin.Context) {
	waypoints, err := s.store.ListWaypoints(c.Request.Context(), false)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, waypoints)
}

func (s *Server) handleSaveWaypoint(c *gin.Context) {
	var wp model.Waypoint
	if err := c.ShouldBindJSON(&wp); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if wp.Name == "" {
		fail(c, http.StatusBadRequest, errors.New("waypoint name is required"))
		return
	}
	if wp.ID == "" {
		wp.ID = uuid.NewString()
	}
	if err := s.store.SaveWaypoint(c.Request.Context(), wp); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, wp)
}

func (s *Server) handleDeleteWaypoint(c *gin.Context) {
	if err := s.store.DeleteWaypoint(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, nil)
}

func (s *Server) handleListSchedules(c *gin.Context) {
	entries, err := s.store.ListSchedules(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, entries)
}

func (s *Server) handleSaveSchedule(c *gin.Context) {
	var entry model.ScheduleEntry
	if err := c.ShouldBindJSON(&entry); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if _, err := time.Parse("15:04", entry.TimeOfDay); err != nil {
		fail(c, http.StatusBadRequest, errors.New("time must be HH:MM"))
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if err := s.store.SaveSchedule(c.Request.Context(), entry); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, entry)
}

func (s *Server) handleDeleteSchedule(c *gin.Context) {
	if err := s.store.DeleteSchedule(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, nil)
}

func (s *Server) handleGetSettings(c *gin.Context) {
	settings, err := s.store.GetSettings(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	settings.GeminiAPIKey = redact(settings.GeminiAPIKey)
	settings.TelegramBotToken = redact(settings.TelegramBotToken)
	ok(c, settings)
}

func (s *Server) handlePutSettings(c *gin.Context) {
	var settings config.Settings
	if err := c.ShouldBindJSON(&settings); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	// Redacted secrets echoed back by a client keep their stored values.
	current, err := s.store.GetSettings(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	if settings.GeminiAPIKey == redact(current.GeminiAPIKey) {
		settings.GeminiAPIKey = current.GeminiAPIKey
	}
	if settings.TelegramBotToken == redact(current.TelegramBotToken) {
		settings.TelegramBotToken = current.TelegramBotToken
	}
	if err := s.store.SaveSettings(c.Request.Context(), settings); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, nil)
}

func (s *Server) handleRelayStatus(c *gin.Context) {
	if s.relays == nil {
		ok(c, []relay.HandleStatus{})
		return
	}
	ok(c, s.relays.Status())
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
