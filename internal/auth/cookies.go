package auth

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// SessionCookie names the httpOnly cookie carrying the dashboard token.
const SessionCookie = "dashboard_session"

// Session writes and clears the session cookie. Secure is set in production
// where the dashboard is served over TLS.
type Session struct {
	Domain string
	Secure bool
}

// Write stores token for ttl.
func (s Session) Write(c *gin.Context, token string, ttl time.Duration) {
	s.set(c, token, int(ttl.Seconds()))
}

// Clear expires the cookie.
func (s Session) Clear(c *gin.Context) {
	s.set(c, "", -1)
}

func (s Session) set(c *gin.Context, value string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookie, value, maxAge, "/", s.Domain, s.Secure, true)
}

// SessionToken returns the token from the session cookie, or "".
func SessionToken(c *gin.Context) string {
	token, err := c.Cookie(SessionCookie)
	if err != nil {
		return ""
	}
	return token
}
