package monitoring

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector manages Prometheus metrics for the service
type MetricsCollector struct {
	serviceName string

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	activeConnections   prometheus.Gauge
	serviceInfo         *prometheus.GaugeVec

	// Domain counters.
	notificationsTotal   *prometheus.CounterVec
	recordingsTotal      *prometheus.CounterVec
	sessionRestartsTotal prometheus.Counter
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(serviceName, version string) *MetricsCollector {
	sanitized := strings.ReplaceAll(serviceName, "-", "_")

	mc := &MetricsCollector{serviceName: sanitized}

	mc.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: mc.serviceName + "_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	mc.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    mc.serviceName + "_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	mc.activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: mc.serviceName + "_active_connections",
			Help: "Number of active HTTP connections",
		},
	)

	mc.serviceInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: mc.serviceName + "_service_info",
			Help: "Service information",
		},
		[]string{"version"},
	)

	mc.notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: mc.serviceName + "_push_notifications_total",
			Help: "Push notifications processed, by transition",
		},
		[]string{"kind"},
	)

	mc.recordingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: mc.serviceName + "_recordings_total",
			Help: "Recordings finished, by outcome",
		},
		[]string{"status"},
	)

	mc.sessionRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: mc.serviceName + "_push_session_restarts_total",
			Help: "Full push session restarts",
		},
	)

	prometheus.MustRegister(mc.httpRequestsTotal)
	prometheus.MustRegister(mc.httpRequestDuration)
	prometheus.MustRegister(mc.activeConnections)
	prometheus.MustRegister(mc.serviceInfo)
	prometheus.MustRegister(mc.notificationsTotal)
	prometheus.MustRegister(mc.recordingsTotal)
	prometheus.MustRegister(mc.sessionRestartsTotal)

	mc.serviceInfo.WithLabelValues(version).Set(1)

	return mc
}

// RegisterGaugeFunc registers a live-read gauge backed by a callback.
func (mc *MetricsCollector) RegisterGaugeFunc(name, help string, fn func() float64) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: mc.serviceName + "_" + name,
			Help: help,
		},
		fn,
	))
}

// ObserveNotification counts one processed push notification.
func (mc *MetricsCollector) ObserveNotification(kind string) {
	mc.notificationsTotal.WithLabelValues(kind).Inc()
}

// ObserveRecording counts one finished recording.
func (mc *MetricsCollector) ObserveRecording(status string) {
	mc.recordingsTotal.WithLabelValues(status).Inc()
}

// ObserveSessionRestart counts one full push restart.
func (mc *MetricsCollector) ObserveSessionRestart() {
	mc.sessionRestartsTotal.Inc()
}

// MetricsMiddleware returns middleware that collects HTTP metrics
func (mc *MetricsCollector) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		mc.activeConnections.Inc()
		defer mc.activeConnections.Dec()

		c.Next()

		duration := time.Since(start).Seconds()
		method := c.Request.Method
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		status := strconv.Itoa(c.Writer.Status())

		mc.httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
		mc.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (mc *MetricsCollector) Handler() gin.HandlerFunc {
	handler := promhttp.Handler()
	return func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	}
}
