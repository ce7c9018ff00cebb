package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sitebuilder/internal/auth"
	"sitebuilder/internal/middleware"
)

type loginRequest struct {
	Password string `json:"password" binding:"required"`
}

// Login checks the admin password and returns a session token, also set
// as an httpOnly cookie.
func (s *Server) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.Abort(c, http.StatusBadRequest, "INVALID_REQUEST", "Password is required")
		return
	}

	settings, err := s.db.EnsureSettings(c.Request.Context(), s.cfg.AdminPassword)
	if err != nil {
		s.dbError(c, err)
		return
	}
	if err := auth.CheckPassword(req.Password, settings.AdminPassword); err != nil {
		s.log.Warn("failed login", zap.String("client_ip", c.ClientIP()))
		middleware.Abort(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid password")
		return
	}

	token, expiresAt, err := s.auth.IssueToken()
	if err != nil {
		s.dbError(c, err)
		return
	}
	s.session().Write(c, token, s.auth.Expiry())
	c.JSON(http.StatusOK, gin.H{"token": token, "expiresAt": expiresAt})
}

func (s *Server) session() auth.Session {
	return auth.Session{Domain: s.cfg.CookieDomain, Secure: s.cfg.IsProduction()}
}

func (s *Server) Logout(c *gin.Context) {
	s.session().Clear(c)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" binding:"required"`
	NewPassword     string `json:"newPassword" binding:"required"`
}

func (s *Server) ChangePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.Abort(c, http.StatusBadRequest, "INVALID_REQUEST", "currentPassword and newPassword are required")
		return
	}
	ctx := c.Request.Context()
	settings, err := s.db.EnsureSettings(ctx, s.cfg.AdminPassword)
	if err != nil {
		s.dbError(c, err)
		return
	}
	if err := auth.CheckPassword(req.CurrentPassword, settings.AdminPassword); err != nil {
		middleware.Abort(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Current password is incorrect")
		return
	}
	if err := auth.ValidatePasswordStrength(req.NewPassword); err != nil {
		middleware.Abort(c, http.StatusBadRequest, "WEAK_PASSWORD", err.Error())
		return
	}
	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		s.dbError(c, err)
		return
	}
	if err := s.db.SetAdminPassword(ctx, hash); err != nil {
		s.dbError(c, err)
		return
	}
	s.log.Info("admin password changed")
	c.JSON(http.StatusOK, gin.H{"success": true})
}
