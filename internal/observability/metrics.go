package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ledger engine.
type Metrics struct {
	// --- Settlement pipeline ---
	SettlementsApplied   *prometheus.CounterVec
	SettlementsRejected  *prometheus.CounterVec
	SettlementDuration   *prometheus.HistogramVec
	SettlementDuplicates *prometheus.CounterVec

	// --- Snapshot lifecycle ---
	SnapshotsOpened *prometheus.CounterVec
	SnapshotsClosed *prometheus.CounterVec

	// --- Invariants ---
	InvariantViolations *prometheus.CounterVec

	// --- Locking ---
	LockWaitDuration prometheus.Histogram
	LockTimeouts     prometheus.Counter

	// --- Outbound events ---
	PublishDrops    prometheus.Counter
	EventsPublished *prometheus.CounterVec

	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	settleBuckets := []float64{
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0,
	}

	return &Metrics{
		SettlementsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_settlements_applied_total",
			Help: "Settlement operations committed to the log",
		}, []string{"kind"}),

		SettlementsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_settlements_rejected_total",
			Help: "Settlement operations rejected before commit",
		}, []string{"kind", "reason"}),

		SettlementDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "broker_settlement_duration_seconds",
			Help:    "End-to-end duration of one settlement operation",
			Buckets: settleBuckets,
		}, []string{"kind"}),

		SettlementDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_settlement_duplicates_total",
			Help: "Duplicate settlements caught (cache/store)",
		}, []string{"tier"}),

		SnapshotsOpened: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_snapshots_opened_total",
			Help: "Loss or profit episodes opened",
		}, []string{"direction"}),

		SnapshotsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_snapshots_closed_total",
			Help: "Loss or profit episodes fully settled",
		}, []string{"direction", "mode"}),

		InvariantViolations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_invariant_violations_total",
			Help: "Post-write invariant check failures (should stay zero)",
		}, []string{"check"}),

		LockWaitDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "broker_lock_wait_duration_seconds",
			Help:    "Time spent waiting for the per-account lock",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),

		LockTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "broker_lock_timeouts_total",
			Help: "Account lock acquisitions that timed out",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "broker_publish_drops_total",
			Help: "Outbound events dropped due to full publish channel",
		}),

		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_events_published_total",
			Help: "Outbound events published to the broker stream",
		}, []string{"kind"}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),

		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "broker_http_request_duration_seconds",
			Help:    "HTTP request duration by route",
			Buckets: settleBuckets,
		}, []string{"method", "route"}),
	}
}
