package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks sessions that are neither expired nor revoked.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessionguard_active_sessions",
			Help: "Number of active sessions",
		},
	)

	// BlacklistChecks counts blacklist lookups by outcome (hit|miss|degraded).
	BlacklistChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionguard_blacklist_checks_total",
			Help: "Total number of JTI blacklist lookups",
		},
		[]string{"outcome"},
	)

	// SessionEvictions counts sessions revoked by the concurrency arbiter.
	SessionEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionguard_session_evictions_total",
			Help: "Sessions evicted because a user exceeded the concurrency cap",
		},
	)

	// AnomalyDetections counts anomaly verdicts by kind (impossible_travel|rapid_multi_ip|device_churn).
	AnomalyDetections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionguard_anomaly_detections_total",
			Help: "Anomalies flagged by the detector",
		},
		[]string{"kind"},
	)

	// AuditEvents counts durable audit writes by severity.
	AuditEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionguard_audit_events_total",
			Help: "Audit events written to the durable store",
		},
		[]string{"severity"},
	)

	// CleanupDuration measures how long a full cleanup sweep takes.
	CleanupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sessionguard_cleanup_duration_seconds",
			Help:    "Duration of cleanup sweeps",
			Buckets: prometheus.DefBuckets,
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sessionguard_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
