package httpapi

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loyalty_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "path"},
	)

	webhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_webhook_events_total",
			Help: "Webhook events received by topic and outcome",
		},
		[]string{"topic", "outcome"},
	)

	sweepRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_sweep_runs_total",
			Help: "Expiry sweep runs by job and outcome",
		},
		[]string{"job", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(webhookEventsTotal)
	prometheus.MustRegister(sweepRunsTotal)
}

func metricsMiddleware() gin.HandlerFunc {
	return func(ginCtx *gin.Context) {
		start := time.Now()
		path := ginCtx.FullPath()
		if path == "" {
			path = "unmatched"
		}
		ginCtx.Next()
		status := strconv.Itoa(ginCtx.Writer.Status())
		httpRequestsTotal.WithLabelValues(ginCtx.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(ginCtx.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
