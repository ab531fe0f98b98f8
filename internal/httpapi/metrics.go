package httpapi

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	llRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerlock_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	llRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledgerlock_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	llVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerlock_verifications_total",
		Help: "Total verification runs by mode and outcome.",
	}, []string{"mode", "result"})

	llChainBreaksDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgerlock_chain_breaks_detected_total",
		Help: "Total chain continuity breaks detected across all scans.",
	})

	llForensicScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerlock_forensic_scans_total",
		Help: "Total forensic scans by resulting severity.",
	}, []string{"severity"})

	llReanchorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgerlock_reanchors_total",
		Help: "Total trust re-anchoring operations performed.",
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		llRequestsTotal.WithLabelValues(method, path, status).Inc()
		llRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordVerification records one verification run.
func RecordVerification(mode string, match bool) {
	result := "match"
	if !match {
		result = "mismatch"
	}
	llVerificationsTotal.WithLabelValues(mode, result).Inc()
}

// RecordChainBreaks records continuity breaks found by a scan.
func RecordChainBreaks(n int) {
	llChainBreaksDetected.Add(float64(n))
}

// RecordForensicScan records a completed forensic scan.
func RecordForensicScan(severity string) {
	llForensicScansTotal.WithLabelValues(severity).Inc()
}

// RecordReanchor records a trust re-anchoring operation.
func RecordReanchor() {
	llReanchorsTotal.Inc()
}
