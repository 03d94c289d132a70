// Package metrics provides Prometheus metrics for the civicguard security core.
// Names are stable; dashboards and alerts rely on them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "civicguard"

//nolint:gochecknoglobals // Prometheus collectors are registered once per process.
var (
	// AuditAppendsTotal counts ledger appends by outcome of the append itself.
	AuditAppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_appends_total",
			Help:      "Audit ledger appends by result (ok, error).",
		},
		[]string{"result"},
	)

	// AuditVerifyInvalidTotal counts entries whose recomputed hash did not match.
	AuditVerifyInvalidTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_verify_invalid_total",
			Help:      "Audit entries that failed hash verification.",
		},
	)

	// RateLimitDecisionsTotal counts rate-limit decisions by policy and outcome.
	RateLimitDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_decisions_total",
			Help:      "Rate limit decisions by policy and outcome (allowed, denied, error).",
		},
		[]string{"policy", "outcome"},
	)

	// RateLimitCheckDurationSeconds is rate-limit check latency by algorithm.
	RateLimitCheckDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ratelimit_check_duration_seconds",
			Help:      "Rate limit check duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2.5, 10), // 100µs to ~1.5s
		},
		[]string{"algorithm"},
	)

	// BotVerdictsTotal counts bot analyses by resulting threat level.
	BotVerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bot_verdicts_total",
			Help:      "Bot analyses by threat level.",
		},
		[]string{"level"},
	)

	// ThreatsTotal counts recorded threats by type and level.
	ThreatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threats_total",
			Help:      "Recorded threats by type and level.",
		},
		[]string{"type", "level"},
	)

	// ThreatsSuppressedTotal counts detections folded into an active threat.
	ThreatsSuppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threats_suppressed_total",
			Help:      "Detections suppressed as repeats of an active threat, by type.",
		},
		[]string{"type"},
	)

	// ReputationReportsTotal counts IP reputation updates by report type.
	ReputationReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reputation_reports_total",
			Help:      "IP reputation updates by report type (positive, negative).",
		},
		[]string{"type"},
	)

	// MaintenanceEntriesTotal counts retention work by operation and result.
	MaintenanceEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_entries_total",
			Help:      "Audit entries processed by maintenance, by operation (archive, delete, restore) and result.",
		},
		[]string{"operation", "result"},
	)

	// WSClients is the number of connected threat stream clients.
	WSClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_clients",
			Help:      "Connected threat stream WebSocket clients.",
		},
	)

	// HTTPRequestsTotal counts API requests by route pattern, method and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code.",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
)
