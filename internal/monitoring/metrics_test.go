package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// One collector for the whole package; registering the same metric names
// twice panics in the default registry.
func TestMetricsCollector(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mc := NewMetricsCollector("crowsnest-test", "9.9.9")

	mc.ObserveNotification("online")
	mc.ObserveRecording("completed")
	mc.ObserveSessionRestart()
	mc.RegisterGaugeFunc("monitored_channels", "Channels in the roster", func() float64 { return 3 })

	router := gin.New()
	router.Use(mc.MetricsMiddleware())
	router.GET("/metrics", mc.Handler())
	router.GET("/api/status", func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	for _, metric := range []string{
		`crowsnest_test_http_requests_total{endpoint="/api/status",method="GET",status="200"} 1`,
		`crowsnest_test_push_notifications_total{kind="online"} 1`,
		`crowsnest_test_recordings_total{status="completed"} 1`,
		`crowsnest_test_push_session_restarts_total 1`,
		`crowsnest_test_monitored_channels 3`,
		`crowsnest_test_service_info{version="9.9.9"} 1`,
	} {
		assert.Contains(t, body, metric)
	}
}
