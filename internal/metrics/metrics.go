// Package metrics provides Prometheus instrumentation for the FolioPay core.
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
			Namespace: "foliopay",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "foliopay",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EscrowCreatedTotal counts escrow transactions admitted past the fraud gate.
	EscrowCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "foliopay",
		Name:      "escrow_created_total",
		Help:      "Total escrow transactions created.",
	})

	// EscrowCompletedTotal counts escrows that reached the completed state.
	EscrowCompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "foliopay",
		Name:      "escrow_completed_total",
		Help:      "Total escrow transactions completed (funds released).",
	})

	// EscrowCancelledTotal counts cancellations by cause (expiry, gateway, caller).
	EscrowCancelledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foliopay",
		Name:      "escrow_cancelled_total",
		Help:      "Total escrow transactions cancelled by cause.",
	}, []string{"cause"})

	// EscrowRefundedTotal counts refunds by mode.
	EscrowRefundedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foliopay",
		Name:      "escrow_refunded_total",
		Help:      "Total escrow refunds by mode.",
	}, []string{"mode"})

	// ConfirmationsTotal counts confirmation events by role and action.
	ConfirmationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foliopay",
		Name:      "confirmations_total",
		Help:      "Total confirmation events recorded by role and action.",
	}, []string{"role", "action"})

	// FraudChecksTotal counts fraud assessments by recommendation.
	FraudChecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foliopay",
		Name:      "fraud_checks_total",
		Help:      "Total fraud checks by recommendation.",
	}, []string{"recommendation"})

	// FraudScore observes the distribution of computed risk scores.
	FraudScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "foliopay",
		Name:      "fraud_risk_score",
		Help:      "Distribution of fraud risk scores.",
		Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
	})

	// SweepProcessedTotal counts transactions handled by recovery sweeps by outcome.
	SweepProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foliopay",
		Name:      "sweep_processed_total",
		Help:      "Total transactions processed by recovery sweeps, by outcome.",
	}, []string{"outcome"})

	// RetryAttemptsTotal counts payment capture retry attempts by strategy.
	RetryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foliopay",
		Name:      "retry_attempts_total",
		Help:      "Total payment capture retries by strategy.",
	}, []string{"strategy"})

	// EscalationsTotal counts escalation tier advances.
	EscalationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foliopay",
		Name:      "escalations_total",
		Help:      "Total timeout escalations by tier.",
	}, []string{"level"})

	// EscrowDuration observes time from creation to terminal state.
	EscrowDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "foliopay",
		Name:      "escrow_duration_seconds",
		Help:      "Time from escrow creation to resolution in seconds.",
		Buckets:   []float64{60, 600, 3600, 14400, 43200, 86400, 172800, 604800},
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "foliopay", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "foliopay", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "foliopay", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "foliopay", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowCreatedTotal,
		EscrowCompletedTotal,
		EscrowCancelledTotal,
		EscrowRefundedTotal,
		ConfirmationsTotal,
		FraudChecksTotal,
		FraudScore,
		SweepProcessedTotal,
		RetryAttemptsTotal,
		EscalationsTotal,
		EscrowDuration,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
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
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
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
