// Package metrics provides Prometheus instrumentation for the escrow service.
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

const namespace = "fiatescrow"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EscrowTransitionsTotal counts lifecycle operations by name and outcome.
	// Outcome is "ok" or the stable error code of the rejection.
	EscrowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_transitions_total",
			Help:      "Total escrow lifecycle operations by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	// EscrowDuration observes time from creation to a terminal state.
	EscrowDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "escrow_duration_seconds",
			Help:      "Time from escrow creation to terminal state in seconds.",
			Buckets:   []float64{60, 300, 900, 1800, 3600, 21600, 86400, 259200, 604800},
		},
		[]string{"state"},
	)

	// TransfersDispatchedTotal counts custody transfer dispatch attempts.
	TransfersDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_dispatched_total",
			Help:      "Total custody transfer dispatch attempts by leg and result.",
		},
		[]string{"leg", "result"},
	)

	// OutboxPending tracks transfers waiting for dispatch.
	OutboxPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "outbox_pending_transfers",
		Help:      "Number of custody transfers waiting for dispatch.",
	})

	// OutboxParked tracks transfers the dispatcher stopped retrying.
	OutboxParked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "outbox_parked_transfers",
		Help:      "Number of custody transfers parked until an operator requeues them.",
	})

	// ReconciliationCustodyBalance is custody's balance at the last run.
	ReconciliationCustodyBalance = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reconciliation_custody_balance_units",
		Help:      "Custody account balance in smallest units at the last reconciliation.",
	})

	// ReconciliationObligations is what custody should hold at the last run.
	ReconciliationObligations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reconciliation_obligations_units",
		Help:      "Outstanding escrow obligations in smallest units at the last reconciliation.",
	})

	// ReconciliationDrift is balance minus obligations.
	ReconciliationDrift = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reconciliation_drift_units",
		Help:      "Custody balance minus obligations at the last reconciliation.",
	})

	// ReconciliationRunsTotal counts reconciliation runs by result.
	ReconciliationRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_runs_total",
			Help:      "Total reconciliation runs by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowTransitionsTotal,
		EscrowDuration,
		TransfersDispatchedTotal,
		OutboxPending,
		OutboxParked,
		ReconciliationCustodyBalance,
		ReconciliationObligations,
		ReconciliationDrift,
		ReconciliationRunsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitCount,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
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
			DBWaitCount.Set(float64(stats.WaitCount))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not the raw path
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
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
