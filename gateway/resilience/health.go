// Package resilience tracks upstream provider health and routes traffic
// around degraded providers. Each provider carries a state machine
// (Healthy, Throttled, Quarantined, Recovering, PermanentlyFailed), a
// circuit breaker and a throttle level; two timers drive health
// evaluation and recovery probing.
package resilience

import (
	"time"
)

// ProviderState is a provider's position in the health state machine.
type ProviderState string

const (
	StateHealthy           ProviderState = "healthy"
	StateThrottled         ProviderState = "throttled"
	StateQuarantined       ProviderState = "quarantined"
	StateRecovering        ProviderState = "recovering"
	StatePermanentlyFailed ProviderState = "permanently_failed"
)

// Capability names an operation class a provider supports.
type Capability string

const (
	CapTranscribe Capability = "transcribe"
	CapSynthesize Capability = "synthesize"
	CapImage      Capability = "image"
	CapVideo      Capability = "video"
	CapRealtime   Capability = "realtime"
)

// ProviderInfo is the static registration record for one provider.
type ProviderInfo struct {
	ID              string
	Capabilities    []Capability
	ModelCategories []string
}

func (p ProviderInfo) supports(c Capability, category string) bool {
	capOK := false
	for _, pc := range p.Capabilities {
		if pc == c {
			capOK = true
			break
		}
	}
	if !capOK {
		return false
	}
	if category == "" {
		return true
	}
	for _, mc := range p.ModelCategories {
		if mc == category {
			return true
		}
	}
	return false
}

// Health is the mutable health record for one provider.
type Health struct {
	ProviderID          string        `json:"provider_id"`
	State               ProviderState `json:"state"`
	HealthScore         float64       `json:"health_score"` // 0..1
	ConsecutiveFailures int           `json:"consecutive_failures"`
	ThrottleLevel       float64       `json:"throttle_level"` // fraction of traffic admitted
	QuarantinedAt       time.Time     `json:"quarantined_at,omitempty"`
	QuarantineReason    string        `json:"quarantine_reason,omitempty"`
	RecoveryStarted     time.Time     `json:"recovery_started,omitempty"`
	LastTransition      time.Time     `json:"last_transition"`
}

func (h *Health) healthy() bool {
	return h.State == StateHealthy || h.State == StateThrottled
}

// scoreDecay is the EWMA weight for new observations.
const scoreDecay = 0.1

type providerEntry struct {
	info    ProviderInfo
	health  Health
	breaker *CircuitBreaker
}

// recordOutcome folds one call result into the running health score and
// failure streak. Caller holds the controller lock.
func (e *providerEntry) recordOutcome(success bool) {
	outcome := 0.0
	if success {
		outcome = 1.0
		e.health.ConsecutiveFailures = 0
		e.breaker.RecordSuccess()
	} else {
		e.health.ConsecutiveFailures++
		e.breaker.RecordFailure()
	}
	e.health.HealthScore = e.health.HealthScore*(1-scoreDecay) + outcome*scoreDecay
}

// MetricsSnapshot is the per-provider input to a health-check cycle,
// assembled from the statistics and quality trackers.
type MetricsSnapshot struct {
	AvgResponseTimeMs float64
	ErrorRate         float64
	IsHealthy         bool
}

// FailoverStatus tracks the life of one failover.
type FailoverStatus string

const (
	FailoverInitiated     FailoverStatus = "initiated"
	FailoverActive        FailoverStatus = "active"
	FailoverRecovering    FailoverStatus = "recovering"
	FailoverCompleted     FailoverStatus = "completed"
	FailoverNoAlternative FailoverStatus = "no_alternative"
)

// FailoverRecord captures one reroute away from a failed provider.
type FailoverRecord struct {
	FailedProvider   string         `json:"failed_provider"`
	FailoverProvider string         `json:"failover_provider,omitempty"`
	InitiatedAt      time.Time      `json:"initiated_at"`
	Status           FailoverStatus `json:"status"`
}

// Router receives weight updates when the controller rebalances traffic.
// The ingress load balancer implements it; tests use a recording stub.
type Router interface {
	SetWeight(providerID string, weight float64)
}

// NopRouter discards weight updates.
type NopRouter struct{}

func (NopRouter) SetWeight(string, float64) {}

var _ Router = NopRouter{}
