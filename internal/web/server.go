package web

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"crowsnest/internal/config"
	"crowsnest/internal/eventsub"
	"crowsnest/internal/logging"
	"crowsnest/internal/monitoring"
	"crowsnest/internal/recorder"
	"crowsnest/internal/state"
	"crowsnest/internal/supervisor"
	"crowsnest/internal/token"
	"crowsnest/internal/ws"
)

// DefaultPort is where the UI backend listens.
const DefaultPort = "8420"

// Controller is the supervisor surface the API drives.
type Controller interface {
	AddChannel(ctx context.Context, login string, downloadsEnabled bool) error
	RemoveChannel(ctx context.Context, login string) error
	ReplaceRoster(ctx context.Context, incoming map[string]state.Channel) error
	SetDownloadsEnabled(ctx context.Context, login string, enabled bool) error
	RestartPush(ctx context.Context) error
	Summary() supervisor.StatusSummary
}

// Recordings is the recorder surface the API drives.
type Recordings interface {
	StartRecording(ctx context.Context, login string) error
	StopRecording(login string) bool
}

// Credentials is the token surface the API drives.
type Credentials interface {
	Replace(ctx context.Context, fresh token.Bundle) error
	HasToken() bool
	ExpiresAt() int64
}

// PushStatus exposes the subscription pipeline state.
type PushStatus interface {
	Snapshot() eventsub.Status
}

// Config wires the API server's collaborators.
type Config struct {
	Store     *state.Store
	Control   Controller
	Pool      Recordings
	Tokens    Credentials
	Push      PushStatus
	Hub       *ws.Hub
	ConfigDir string
	Logger    logging.Logger
	Health    *monitoring.HealthChecker
	Metrics   *monitoring.MetricsCollector
}

// Server is the UI backend: REST API plus the realtime websocket.
type Server struct {
	store     *state.Store
	control   Controller
	pool      Recordings
	tokens    Credentials
	push      PushStatus
	hub       *ws.Hub
	configDir string
	logger    logging.Logger
	health    *monitoring.HealthChecker
	metrics   *monitoring.MetricsCollector
}

func NewServer(cfg Config) *Server {
	return &Server{
		store:     cfg.Store,
		control:   cfg.Control,
		pool:      cfg.Pool,
		tokens:    cfg.Tokens,
		push:      cfg.Push,
		hub:       cfg.Hub,
		configDir: cfg.ConfigDir,
		logger:    cfg.Logger,
		health:    cfg.Health,
		metrics:   cfg.Metrics,
	}
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if s.metrics != nil {
		router.Use(s.metrics.MetricsMiddleware())
		router.GET("/metrics", s.metrics.Handler())
	}
	if s.health != nil {
		router.GET("/health", s.health.Handler())
	}

	router.GET("/ws", func(c *gin.Context) {
		s.hub.ServeWS(c.Writer, c.Request)
	})

	api := router.Group("/api")
	{
		api.GET("/status", s.getStatus)

		api.GET("/streamers", s.listStreamers)
		api.PUT("/streamers", s.replaceStreamers)
		api.POST("/streamers", s.addStreamer)
		api.GET("/streamers/:name", s.getStreamer)
		api.DELETE("/streamers/:name", s.removeStreamer)
		api.PATCH("/streamers/:name", s.updateStreamer)
		api.POST("/streamers/:name/downloads", s.setDownloads)
		api.POST("/streamers/:name/record", s.startRecording)
		api.DELETE("/streamers/:name/record", s.stopRecording)

		api.GET("/settings/storage", s.getStorage)
		api.PUT("/settings/storage", s.updateStorage)

		api.GET("/token", s.getToken)
		api.POST("/token", s.replaceToken)

		api.GET("/eventsub/status", s.getPushStatus)
		api.POST("/eventsub/reconnect", s.reconnectPush)
	}

	return router
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.control.Summary())
}

func (s *Server) listStreamers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"streamers": s.store.List()})
}

// replaceStreamers applies a full roster write from the UI.
func (s *Server) replaceStreamers(c *gin.Context) {
	var incoming map[string]state.Channel
	if err := c.ShouldBindJSON(&incoming); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.control.ReplaceRoster(c.Request.Context(), incoming); err != nil {
		s.logger.WithError(err).Error("Failed to replace roster")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save streamers"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"streamers": s.store.List()})
}

func (s *Server) addStreamer(c *gin.Context) {
	var req struct {
		Name             string `json:"streamer_name" binding:"required"`
		DownloadsEnabled bool   `json:"downloads_enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	login := strings.ToLower(strings.TrimSpace(req.Name))
	if err := s.control.AddChannel(c.Request.Context(), login, req.DownloadsEnabled); err != nil {
		s.logger.WithError(err).WithField("streamer", login).Error("Failed to add streamer")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Could not resolve streamer " + login})
		return
	}

	ch, _ := s.store.Get(login)
	c.JSON(http.StatusCreated, gin.H{"streamer": login, "channel": ch})
}

func (s *Server) getStreamer(c *gin.Context) {
	login := strings.ToLower(c.Param("name"))
	ch, ok := s.store.Get(login)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown streamer " + login})
		return
	}
	c.JSON(http.StatusOK, gin.H{"streamer": login, "channel": ch})
}

func (s *Server) removeStreamer(c *gin.Context) {
	login := strings.ToLower(c.Param("name"))
	if err := s.control.RemoveChannel(c.Request.Context(), login); err != nil {
		s.logger.WithError(err).WithField("streamer", login).Error("Failed to remove streamer")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to remove streamer"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": login})
}

// updateStreamer patches per-channel capture settings.
func (s *Server) updateStreamer(c *gin.Context) {
	login := strings.ToLower(c.Param("name"))
	if _, ok := s.store.Get(login); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown streamer " + login})
		return
	}

	var req struct {
		SaveDirectory *string `json:"save_directory"`
		Resolution    *string `json:"stream_resolution"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := s.store.Update(login, func(ch *state.Channel) {
		if req.SaveDirectory != nil && *req.SaveDirectory != "" {
			ch.SaveDirectory = *req.SaveDirectory
		}
		if req.Resolution != nil && *req.Resolution != "" {
			ch.Resolution = *req.Resolution
		}
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save settings"})
		return
	}

	ch, _ := s.store.Get(login)
	c.JSON(http.StatusOK, gin.H{"streamer": login, "channel": ch})
}

func (s *Server) setDownloads(c *gin.Context) {
	login := strings.ToLower(c.Param("name"))
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.control.SetDownloadsEnabled(c.Request.Context(), login, *req.Enabled); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"streamer": login, "downloads_enabled": *req.Enabled})
}

// startRecording maps the pool's precondition failures to HTTP statuses
// the UI can distinguish.
func (s *Server) startRecording(c *gin.Context) {
	login := strings.ToLower(c.Param("name"))
	err := s.pool.StartRecording(c.Request.Context(), login)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"streamer": login, "status": "downloading"})
	case errors.Is(err, recorder.ErrAlreadyRecording):
		c.JSON(http.StatusConflict, gin.H{"error": "Recording already in progress"})
	case errors.Is(err, recorder.ErrCooldown):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Channel is in post-recording cooldown"})
	case errors.Is(err, recorder.ErrNotLive):
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": "Channel is not live"})
	case errors.Is(err, recorder.ErrNoTitle), errors.Is(err, recorder.ErrNoChannelID):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		s.logger.WithError(err).WithField("streamer", login).Error("Failed to start recording")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start recording"})
	}
}

func (s *Server) stopRecording(c *gin.Context) {
	login := strings.ToLower(c.Param("name"))
	if !s.pool.StopRecording(login) {
		c.JSON(http.StatusNotFound, gin.H{"error": "No recording in progress for " + login})
		return
	}
	c.JSON(http.StatusOK, gin.H{"streamer": login, "status": "stopped"})
}

func (s *Server) getStorage(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"path": config.StoragePath(s.configDir)})
}

func (s *Server) updateStorage(c *gin.Context) {
	var req struct {
		Path string `json:"path" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := config.UpdateStoragePath(s.configDir, req.Path); err != nil {
		s.logger.WithError(err).Error("Failed to update storage path")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update storage path"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": req.Path})
}

func (s *Server) getToken(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"present":    s.tokens.HasToken(),
		"expires_at": s.tokens.ExpiresAt(),
	})
}

// replaceToken installs a credential bundle obtained through the browser
// flow. The supervisor's refresh subscriber bounces the push sessions.
func (s *Server) replaceToken(c *gin.Context) {
	var bundle token.Bundle
	if err := c.ShouldBindJSON(&bundle); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if bundle.AccessToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "access_token is required"})
		return
	}

	if err := s.tokens.Replace(c.Request.Context(), bundle); err != nil {
		s.logger.WithError(err).Error("Failed to install token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to install token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"present": true, "expires_at": s.tokens.ExpiresAt()})
}

func (s *Server) getPushStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.push.Snapshot())
}

func (s *Server) reconnectPush(c *gin.Context) {
	if err := s.control.RestartPush(c.Request.Context()); err != nil {
		s.logger.WithError(err).Error("Failed to restart push sessions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to restart subscriptions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reconnecting"})
}
