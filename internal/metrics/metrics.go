// Package metrics defines the Prometheus collectors for the gateway.
// Collectors are package-level and registered via promauto; both the server
// and the worker expose them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics

	// EmailsAccepted counts requests that passed validation and were
	// durably committed (202).
	EmailsAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailgate",
			Subsystem: "ingest",
			Name:      "accepted_total",
			Help:      "Total send requests accepted (202)",
		},
		[]string{"company_id"},
	)

	// EmailsRejected counts requests refused at the edge.
	EmailsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailgate",
			Subsystem: "ingest",
			Name:      "rejected_total",
			Help:      "Total send requests rejected before enqueue",
		},
		[]string{"code"},
	)

	// IngestionDuration tracks enqueueSend latency.
	IngestionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mailgate",
			Subsystem: "ingest",
			Name:      "duration_seconds",
			Help:      "Time to validate, persist and enqueue a send request",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)

	// Queue metrics

	// JobsEnqueued counts jobs handed to the queue, including retries.
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailgate",
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Total jobs enqueued",
		},
		[]string{"kind"}, // kind: initial, retry, replay
	)

	// QueueDepth tracks jobs by queue section. Sections: waiting,
	// prioritized, delayed, active.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mailgate",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Jobs in the queue by section",
		},
		[]string{"section"},
	)

	// QueueWaitDuration tracks enqueue-to-claim latency.
	QueueWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mailgate",
			Subsystem: "queue",
			Name:      "wait_seconds",
			Help:      "Time a job spent queued before a worker claimed it",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
	)

	// DLQDepth tracks dead-letter entries.
	DLQDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mailgate",
			Subsystem: "queue",
			Name:      "dlq_depth",
			Help:      "Entries currently in the dead-letter queue",
		},
	)

	// DLQPromoted counts jobs moved to the DLQ.
	DLQPromoted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailgate",
			Subsystem: "queue",
			Name:      "dlq_promoted_total",
			Help:      "Total jobs promoted to the dead-letter queue",
		},
		[]string{"reason"}, // reason: max_attempts, ttl_expired, non_retryable
	)

	// FairnessRounds tracks rounds a tenant has waited without processing.
	FairnessRounds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mailgate",
			Subsystem: "queue",
			Name:      "fairness_rounds",
			Help:      "Scheduling rounds a tenant has gone without processing",
		},
		[]string{"company_id"},
	)

	// Worker / dispatch metrics

	// EmailsDispatched counts provider dispatch attempts.
	EmailsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailgate",
			Subsystem: "dispatch",
			Name:      "attempts_total",
			Help:      "Total dispatch attempts by provider",
		},
		[]string{"provider"},
	)

	// EmailsSent counts successful sends.
	EmailsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailgate",
			Subsystem: "dispatch",
			Name:      "sent_total",
			Help:      "Total emails accepted by a provider",
		},
		[]string{"provider"},
	)

	// EmailsFailed counts failed attempts by taxonomy category.
	EmailsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailgate",
			Subsystem: "dispatch",
			Name:      "failed_total",
			Help:      "Total failed dispatch attempts by error category",
		},
		[]string{"provider", "category"},
	)

	// EmailsRetried counts retry schedules.
	EmailsRetried = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mailgate",
			Subsystem: "dispatch",
			Name:      "retried_total",
			Help:      "Total attempts rescheduled with backoff",
		},
	)

	// DispatchDuration tracks provider call latency.
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mailgate",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Provider dispatch duration",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider"},
	)

	// EndToEndDuration tracks enqueue to SENT.
	EndToEndDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mailgate",
			Subsystem: "dispatch",
			Name:      "end_to_end_seconds",
			Help:      "Time from enqueue to terminal SENT",
			Buckets:   []float64{0.5, 1, 5, 15, 60, 300, 900, 3600, 14400},
		},
	)

	// SuppressionHits counts sends blocked by the suppression list.
	SuppressionHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailgate",
			Subsystem: "admission",
			Name:      "suppression_hits_total",
			Help:      "Total sends blocked by the suppression list",
		},
		[]string{"company_id"},
	)

	// RateLimitRejections counts admission rate-limit denials.
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailgate",
			Subsystem: "admission",
			Name:      "rate_limit_rejections_total",
			Help:      "Total requests rejected by per-company rate limits",
		},
		[]string{"company_id", "window"},
	)

	// CircuitBreakerState tracks provider breaker state.
	// 0 = closed (healthy), 1 = open (tripped), 2 = half-open (probing)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mailgate",
			Subsystem: "dispatch",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per provider and region",
		},
		[]string{"provider", "region"},
	)

	// BreakGlassSessions counts audit elevations.
	BreakGlassSessions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mailgate",
			Subsystem: "audit",
			Name:      "break_glass_sessions_total",
			Help:      "Total break-glass sessions opened",
		},
	)
)

// Circuit breaker state values for CircuitBreakerState.
const (
	CircuitClosed   = 0
	CircuitOpen     = 1
	CircuitHalfOpen = 2
)
