// Package api is the dashboard HTTP API: admin login, site management,
// generation jobs, logs and their live websocket stream.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sitebuilder/internal/agents"
	"sitebuilder/internal/auth"
	"sitebuilder/internal/config"
	"sitebuilder/internal/db"
	"sitebuilder/internal/logging"
	"sitebuilder/internal/middleware"
	"sitebuilder/internal/storage"
	"sitebuilder/internal/websocket"
)

// StatusChecker reports whether the agent CLI is installed and logged in.
type StatusChecker interface {
	CheckStatus(ctx context.Context) agents.Status
}

// Options are the collaborators of the API server. Store and Agent are
// optional.
type Options struct {
	Config    *config.Config
	DB        *db.Database
	Auth      *auth.Service
	Hub       *websocket.Hub
	Generator *Generator
	Store     storage.Store
	Agent     StatusChecker
	Log       *zap.Logger
}

type Server struct {
	cfg   *config.Config
	db    *db.Database
	auth  *auth.Service
	hub   *websocket.Hub
	gen   *Generator
	store storage.Store
	agent StatusChecker
	log   *zap.Logger

	loginLimiter *middleware.IPRateLimiter
}

func NewServer(o Options) *Server {
	return &Server{
		cfg:          o.Config,
		db:           o.DB,
		auth:         o.Auth,
		hub:          o.Hub,
		gen:          o.Generator,
		store:        o.Store,
		agent:        o.Agent,
		log:          logging.OrNop(o.Log).With(zap.String("component", "api")),
		loginLimiter: middleware.NewIPRateLimiter(10, 5),
	}
}

// Routes registers every endpoint on r.
func (s *Server) Routes(r gin.IRouter) {
	r.GET("/health", s.Health)
	r.GET("/health/deep", s.DeepHealth)

	v1 := r.Group("/api/v1")
	v1.POST("/auth/login", middleware.RateLimit(s.loginLimiter), s.Login)
	v1.POST("/auth/logout", s.Logout)

	p := v1.Group("", middleware.RequireAuth(s.auth))
	p.PUT("/settings/password", s.ChangePassword)
	p.GET("/agent/status", s.AgentStatus)

	p.GET("/sites", s.ListSites)
	p.POST("/sites", s.CreateSite)
	p.GET("/sites/:id", s.GetSite)
	p.PUT("/sites/:id", s.UpdateSite)
	p.DELETE("/sites/:id", s.DeleteSite)
	p.POST("/sites/:id/generate", s.Generate)
	p.GET("/sites/:id/logs", s.ListLogs)
	p.GET("/sites/:id/ws", s.StreamLogs)
	p.GET("/sites/:id/artifact", s.DownloadArtifact)

	p.GET("/jobs/:id", s.GetJob)
}

// Health returns quickly for load balancer checks.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// DeepHealth also pings the database.
func (s *Server) DeepHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if err := s.db.Health(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "database": s.db.Stats()})
}

// AgentStatus reports whether the agent CLI is installed and logged in.
func (s *Server) AgentStatus(c *gin.Context) {
	if s.agent == nil {
		middleware.Abort(c, http.StatusServiceUnavailable, "AGENT_UNAVAILABLE", "No agent configured")
		return
	}
	c.JSON(http.StatusOK, s.agent.CheckStatus(c.Request.Context()))
}

// dbError maps store errors to API errors.
func (s *Server) dbError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		middleware.Abort(c, http.StatusNotFound, "NOT_FOUND", "Site not found")
	case errors.Is(err, db.ErrSiteBusy):
		middleware.Abort(c, http.StatusConflict, "SITE_BUSY", "An operation is already running on this site")
	case errors.Is(err, db.ErrSiteExists):
		middleware.Abort(c, http.StatusConflict, "SITE_EXISTS", "A site with this name already exists")
	default:
		s.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		middleware.Abort(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "Internal server error")
	}
}
