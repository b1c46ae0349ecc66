// Package metrics provides Prometheus instrumentation for the PesaBridge settlement core.
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
			Namespace: "pesabridge",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pesabridge",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EscrowTransitionsTotal counts escrow status transitions.
	EscrowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pesabridge",
			Name:      "escrow_transitions_total",
			Help:      "Total escrow status transitions by from-status and to-status.",
		},
		[]string{"from", "to"},
	)

	// EscrowsByStatus tracks the current number of escrows in each status.
	EscrowsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pesabridge",
			Name:      "escrows_by_status",
			Help:      "Current number of escrows by status.",
		},
		[]string{"status"},
	)

	// EscrowSettlementDuration observes time from escrow creation to completion.
	EscrowSettlementDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pesabridge",
		Name:      "escrow_settlement_duration_seconds",
		Help:      "Time from escrow creation to completed status in seconds.",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600, 86400},
	})

	// QueueJobsTotal counts queue job outcomes.
	QueueJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pesabridge",
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Total queue jobs by priority and outcome (completed, retried, failed, deduplicated, expired).",
		},
		[]string{"priority", "outcome"},
	)

	// QueueDepth tracks the number of waiting jobs per priority tier.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pesabridge",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of waiting jobs per priority tier.",
		},
		[]string{"priority"},
	)

	// QueueProcessingJobs tracks jobs currently being processed.
	QueueProcessingJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pesabridge",
		Subsystem: "queue",
		Name:      "processing_jobs",
		Help:      "Number of jobs currently in the processing set.",
	})

	// QueueStalledRequeuedTotal counts stalled jobs returned to their tier.
	QueueStalledRequeuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pesabridge",
		Subsystem: "queue",
		Name:      "stalled_requeued_total",
		Help:      "Total stalled processing jobs swept back into their priority tier.",
	})

	// JobAttemptDuration observes wall time of a single transfer attempt.
	JobAttemptDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pesabridge",
		Subsystem: "queue",
		Name:      "attempt_duration_seconds",
		Help:      "Duration of a single crypto transfer attempt in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	// TransfersTotal counts on-chain transfer submissions by chain, token and result.
	TransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pesabridge",
			Name:      "transfers_total",
			Help:      "Total on-chain token transfers by chain, token, and result.",
		},
		[]string{"chain", "token", "result"},
	)

	// WebhooksTotal counts M-Pesa callback ingestions by kind and outcome.
	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pesabridge",
			Name:      "webhooks_total",
			Help:      "Total M-Pesa callbacks ingested by kind (stk, b2c) and outcome (applied, duplicate, unmatched, rejected).",
		},
		[]string{"kind", "outcome"},
	)

	// RollbacksTotal counts rollback outcomes.
	RollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pesabridge",
			Name:      "rollbacks_total",
			Help:      "Total rollbacks by trigger (timeout, failure) and result (refunded, error).",
		},
		[]string{"trigger", "result"},
	)

	// ConfirmationTimersActive tracks armed confirmation-window timers.
	ConfirmationTimersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pesabridge",
		Name:      "confirmation_timers_active",
		Help:      "Number of currently armed confirmation-window timers.",
	})

	// ManualReviewTotal counts escrows flagged for manual intervention.
	ManualReviewTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pesabridge",
		Name:      "manual_review_total",
		Help:      "Total escrows flagged as requiring manual intervention.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pesabridge", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pesabridge", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pesabridge", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pesabridge", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pesabridge", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pesabridge", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowTransitionsTotal,
		EscrowsByStatus,
		EscrowSettlementDuration,
		QueueJobsTotal,
		QueueDepth,
		QueueProcessingJobs,
		QueueStalledRequeuedTotal,
		JobAttemptDuration,
		TransfersTotal,
		WebhooksTotal,
		RollbacksTotal,
		ConfirmationTimersActive,
		ManualReviewTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
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
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
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
