package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusMiddleware_RecordsRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := Get()

	r := gin.New()
	r.Use(PrometheusMiddleware())
	r.GET("/api/v1/sites/:id", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/metrics", PrometheusHandler())

	before := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("/api/v1/sites/:id", "GET", "2xx"))

	for _, id := range []string{"a", "b"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sites/"+id, nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}

	after := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("/api/v1/sites/:id", "GET", "2xx"))
	assert.Equal(t, before+2, after)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, w.Body.String(), "sitebuilder_http_requests_total")
}

func TestRecordAgentInvocation(t *testing.T) {
	m := Get()
	before := testutil.ToFloat64(m.AgentInvocationsTotal.WithLabelValues("hero", "error"))
	m.RecordAgentInvocation("hero", "error", 2*time.Second)
	assert.Equal(t, before+1, testutil.ToFloat64(m.AgentInvocationsTotal.WithLabelValues("hero", "error")))
}

func TestStatusCodeToLabel(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"}, {204, "2xx"}, {302, "3xx"}, {404, "4xx"}, {409, "4xx"}, {503, "5xx"}, {100, "unknown"},
	}
	for _, tt := range tests {
		if got := statusCodeToLabel(tt.code); got != tt.want {
			t.Fatalf("statusCodeToLabel(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestPrometheusMiddleware_UnmatchedAndSkipped(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := Get()

	r := gin.New()
	r.Use(PrometheusMiddleware())
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	unmatched := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("unmatched", "GET", "4xx"))
	health := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("/health", "GET", "2xx"))

	for _, path := range []string{"/nope", "/health"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, unmatched+1, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("unmatched", "GET", "4xx")))
	assert.Equal(t, health, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("/health", "GET", "2xx")))
}
