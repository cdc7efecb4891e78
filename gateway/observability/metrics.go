package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksSubmitted counts tasks accepted by the API, by type.
	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conduit_tasks_submitted_total",
		Help: "Total tasks accepted for asynchronous execution",
	}, []string{"type"})

	// TasksCompleted counts terminal transitions, by type and final state.
	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conduit_tasks_terminal_total",
		Help: "Total tasks reaching a terminal state",
	}, []string{"type", "state"})

	// TaskRetries counts retry attempts scheduled by the orchestrator.
	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conduit_task_retries_total",
		Help: "Total task retry attempts",
	})

	// TaskRuntimeSeconds tracks end-to-end execution time per attempt.
	TaskRuntimeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "conduit_task_runtime_seconds",
		Help:    "Task execution time distribution",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
	})

	// QueueDepth tracks the number of pending work items visible to this instance.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conduit_queue_depth",
		Help: "Current number of pending work items",
	})

	// ClaimsActive tracks claims currently held by this instance.
	ClaimsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conduit_claims_active",
		Help: "Claims currently held by this worker instance",
	})

	// OrphansRecovered counts tasks rescued from dead workers.
	OrphansRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conduit_orphans_recovered_total",
		Help: "Tasks returned to the retry set after claim expiry",
	})

	// RedisLatency tracks round-trip latency of store operations.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "conduit_redis_latency_seconds",
		Help:    "Latency of Redis operations",
		Buckets: prometheus.DefBuckets,
	})

	// ProviderState exposes the health state machine per provider
	// (0=healthy, 1=throttled, 2=quarantined, 3=recovering, 4=permanently_failed).
	ProviderState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "conduit_provider_state",
		Help: "Provider health state (0=healthy 1=throttled 2=quarantined 3=recovering 4=failed)",
	}, []string{"provider"})

	// ProviderHealthScore exposes the composite health score per provider.
	ProviderHealthScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "conduit_provider_health_score",
		Help: "Composite provider health score (0-1)",
	}, []string{"provider"})

	// FailoversInitiated counts failover events by failed provider.
	FailoversInitiated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conduit_failovers_total",
		Help: "Provider failovers initiated",
	}, []string{"from", "to"})

	// WebhookDeliveries counts outbound webhook results.
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conduit_webhook_deliveries_total",
		Help: "Outbound webhook delivery attempts by outcome",
	}, []string{"event", "outcome"})

	// EventPublishFailures tracks failed event publish attempts (best-effort bus).
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conduit_event_publish_failures_total",
		Help: "Failed event publish attempts (non-blocking, best-effort)",
	}, []string{"topic"})

	// ChargesEmitted counts charge events published to the ledger, by operation.
	ChargesEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conduit_charges_total",
		Help: "Charge events emitted to the billing ledger",
	}, []string{"provider", "operation"})

	// WSClients tracks connected event-hub websocket clients.
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conduit_ws_clients",
		Help: "Connected websocket event hub clients",
	})
)
