package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sitebuilder/internal/browser"
	"sitebuilder/internal/db"
	"sitebuilder/internal/middleware"
	"sitebuilder/internal/websocket"
	"sitebuilder/pkg/models"
)

type createSiteRequest struct {
	// Name defaults to the slug of DisplayName.
	Name        string         `json:"name"`
	DisplayName string         `json:"displayName" binding:"required"`
	SourceURL   string         `json:"sourceUrl"`
	ClientInfo  map[string]any `json:"clientInfo"`
}

type updateSiteRequest struct {
	DisplayName *string        `json:"displayName"`
	SourceURL   *string        `json:"sourceUrl"`
	ClientInfo  map[string]any `json:"clientInfo"`
}

func (s *Server) ListSites(c *gin.Context) {
	f := db.SiteFilter{Search: c.Query("search")}
	if st := c.Query("status"); st != "" && st != "all" {
		f.Status = models.SiteStatus(strings.ToUpper(st))
		if !f.Status.Valid() {
			middleware.Abort(c, http.StatusBadRequest, "INVALID_STATUS", "Unknown status: "+st)
			return
		}
	}
	sites, err := s.db.ListSites(c.Request.Context(), f)
	if err != nil {
		s.dbError(c, err)
		return
	}
	c.JSON(http.StatusOK, sites)
}

func (s *Server) CreateSite(c *gin.Context) {
	var req createSiteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.Abort(c, http.StatusBadRequest, "INVALID_REQUEST", "displayName is required")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = models.Slugify(req.DisplayName)
	}
	if !models.ValidSlug(name) {
		middleware.Abort(c, http.StatusBadRequest, "INVALID_NAME", "name must contain only lower case letters, digits and dashes")
		return
	}
	site := &models.Site{Name: name, DisplayName: strings.TrimSpace(req.DisplayName), ClientInfo: req.ClientInfo}
	if u := strings.TrimSpace(req.SourceURL); u != "" {
		if !browser.IsHTTPURL(u) {
			middleware.Abort(c, http.StatusBadRequest, "INVALID_URL", "sourceUrl must be an http(s) URL")
			return
		}
		site.SourceURL = &u
	}
	if err := s.db.CreateSite(c.Request.Context(), site); err != nil {
		s.dbError(c, err)
		return
	}
	s.log.Info("site created", zap.String("site", site.Name))
	c.JSON(http.StatusCreated, site)
}

func (s *Server) GetSite(c *gin.Context) {
	site, err := s.db.GetSiteDetail(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.dbError(c, err)
		return
	}
	c.JSON(http.StatusOK, site)
}

func (s *Server) UpdateSite(c *gin.Context) {
	var req updateSiteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.Abort(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if req.SourceURL != nil {
		u := strings.TrimSpace(*req.SourceURL)
		if u != "" && !browser.IsHTTPURL(u) {
			middleware.Abort(c, http.StatusBadRequest, "INVALID_URL", "sourceUrl must be an http(s) URL")
			return
		}
		req.SourceURL = &u
	}
	site, err := s.db.UpdateSite(c.Request.Context(), c.Param("id"), db.SiteUpdate{
		DisplayName: req.DisplayName,
		SourceURL:   req.SourceURL,
		ClientInfo:  req.ClientInfo,
	})
	if err != nil {
		s.dbError(c, err)
		return
	}
	c.JSON(http.StatusOK, site)
}

// DeleteSite removes a site unless an operation is running on it. The
// generated files and artifacts are kept.
func (s *Server) DeleteSite(c *gin.Context) {
	ctx := c.Request.Context()
	site, err := s.db.GetSite(ctx, c.Param("id"))
	if err != nil {
		s.dbError(c, err)
		return
	}
	if site.Status.Busy() {
		s.dbError(c, db.ErrSiteBusy)
		return
	}
	if err := s.db.DeleteSite(ctx, site.ID); err != nil {
		s.dbError(c, err)
		return
	}
	s.log.Info("site deleted", zap.String("site", site.Name))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Generate starts a generation job. The body is optional.
func (s *Server) Generate(c *gin.Context) {
	var opts GenerateOptions
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			middleware.Abort(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
	}
	job, err := s.gen.Start(c.Request.Context(), c.Param("id"), opts)
	if err != nil {
		s.dbError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID, "status": models.SiteGenerating})
}

// GetJob returns the stored job, with the live phases while it runs.
func (s *Server) GetJob(c *gin.Context) {
	job, err := s.db.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			middleware.Abort(c, http.StatusNotFound, "NOT_FOUND", "Job not found")
			return
		}
		s.dbError(c, err)
		return
	}
	body := gin.H{"job": job}
	if live, ok := s.gen.Active(job.ID); ok {
		body["live"] = live.Snapshot()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) ListLogs(c *gin.Context) {
	after, _ := strconv.ParseUint(c.Query("after"), 10, 64)
	limit, _ := strconv.Atoi(c.Query("limit"))
	ctx := c.Request.Context()
	if _, err := s.db.GetSite(ctx, c.Param("id")); err != nil {
		s.dbError(c, err)
		return
	}
	logs, err := s.db.ListLogs(ctx, c.Param("id"), uint(after), limit)
	if err != nil {
		s.dbError(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

// StreamLogs upgrades to a websocket carrying the site's events, starting
// with its status and the latest logs.
func (s *Server) StreamLogs(c *gin.Context) {
	ctx := c.Request.Context()
	site, err := s.db.GetSite(ctx, c.Param("id"))
	if err != nil {
		s.dbError(c, err)
		return
	}
	logs, err := s.db.ListLogs(ctx, site.ID, 0, 100)
	if err != nil {
		s.dbError(c, err)
		return
	}
	s.hub.ServeSite(c, site.ID,
		websocket.Message{Type: websocket.MessageTypeStatus, Data: map[string]any{"status": site.Status}},
		websocket.Message{Type: websocket.MessageTypeHistory, Data: logs},
	)
}

// DownloadArtifact streams the site's published build archive.
func (s *Server) DownloadArtifact(c *gin.Context) {
	ctx := c.Request.Context()
	site, err := s.db.GetSite(ctx, c.Param("id"))
	if err != nil {
		s.dbError(c, err)
		return
	}
	if s.store == nil || site.ArtifactKey == nil || *site.ArtifactKey == "" {
		middleware.Abort(c, http.StatusNotFound, "NO_ARTIFACT", "No build artifact for this site")
		return
	}
	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.zip"`, site.Name))
	if err := s.store.Download(ctx, *site.ArtifactKey, c.Writer); err != nil {
		s.log.Error("artifact download", zap.String("site", site.Name), zap.Error(err))
		if !c.Writer.Written() {
			c.Writer.Header().Del("Content-Disposition")
			middleware.Abort(c, http.StatusNotFound, "NO_ARTIFACT", "Build artifact is missing")
		}
	}
}
