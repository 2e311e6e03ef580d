// Package metrics provides Prometheus instrumentation for the hub.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "timevision",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "timevision",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SessionsStartedTotal counts started viewing sessions.
	SessionsStartedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "timevision",
		Name:      "sessions_started_total",
		Help:      "Total viewing sessions started.",
	})

	// SessionsStoppedTotal counts stopped sessions by end reason.
	SessionsStoppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "timevision",
			Name:      "sessions_stopped_total",
			Help:      "Total viewing sessions stopped by end reason.",
		},
		[]string{"reason"},
	)

	// SessionSecondsRecorded accumulates metered viewing time.
	SessionSecondsRecorded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "timevision",
		Name:      "session_seconds_recorded_total",
		Help:      "Total viewing seconds committed to durable records.",
	})

	// DailyCapRejections counts session starts refused by the daily cap.
	DailyCapRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "timevision",
		Name:      "daily_cap_rejections_total",
		Help:      "Session starts rejected because the user hit the daily cap.",
	})

	// WatchdogReapsTotal counts sessions force-closed by the watchdog.
	WatchdogReapsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "timevision",
		Name:      "watchdog_reaps_total",
		Help:      "Stale sessions closed by the heartbeat watchdog.",
	})

	// WatchdogSweepDuration observes full watchdog sweep latency.
	WatchdogSweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "timevision",
		Name:      "watchdog_sweep_duration_seconds",
		Help:      "Duration of a full watchdog scan over live sessions.",
		Buckets:   prometheus.DefBuckets,
	})

	// AnomaliesFlaggedTotal counts anomalies persisted by type.
	AnomaliesFlaggedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "timevision",
			Name:      "anomalies_flagged_total",
			Help:      "Traffic anomalies flagged by the daily detector, by type.",
		},
		[]string{"type"},
	)

	// SettlementRunsTotal counts settlement job executions by result.
	SettlementRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "timevision",
			Name:      "settlement_runs_total",
			Help:      "Monthly settlement runs by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected duplex protocol clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "timevision",
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "timevision", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "timevision", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "timevision", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SessionsStartedTotal,
		SessionsStoppedTotal,
		SessionSecondsRecorded,
		DailyCapRejections,
		WatchdogReapsTotal,
		WatchdogSweepDuration,
		AnomaliesFlaggedTotal,
		SettlementRunsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// Middleware records request counts and latencies per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// FullPath is the route pattern (e.g. /api/session/start), which keeps
		// label cardinality bounded. Unmatched routes collapse to "unmatched".
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		status := statusLabel(c.Writer.Status())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// CollectDBStats periodically copies sql.DB pool stats into gauges.
// Call in a goroutine; returns when ctx is cancelled.
func CollectDBStats(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

func statusLabel(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
