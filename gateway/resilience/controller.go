package resilience

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/conduit-ai/conduit/gateway/errs"
	"github.com/conduit-ai/conduit/gateway/events"
	"github.com/conduit-ai/conduit/gateway/observability"
)

// Prober performs a lightweight health probe against one provider.
type Prober interface {
	Probe(ctx context.Context, providerID string) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, providerID string) error

func (f ProberFunc) Probe(ctx context.Context, providerID string) error {
	return f(ctx, providerID)
}

// Options tune the controller's thresholds and timers.
type Options struct {
	FailureThreshold    int           // consecutive failures before quarantine
	SlowThresholdMs     float64       // avg response time before throttling
	RecoveryThreshold   float64       // health score to leave Recovering
	MinQuarantine       time.Duration // before a probe can start recovery
	MaxQuarantine       time.Duration // before PermanentlyFailed
	HealthCheckInterval time.Duration
	RecoveryInterval    time.Duration
	BreakerStuckAfter   time.Duration // self-healing resets breakers open longer
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		FailureThreshold:    5,
		SlowThresholdMs:     5000,
		RecoveryThreshold:   0.8,
		MinQuarantine:       1 * time.Minute,
		MaxQuarantine:       30 * time.Minute,
		HealthCheckInterval: 2 * time.Minute,
		RecoveryInterval:    5 * time.Minute,
		BreakerStuckAfter:   1 * time.Hour,
	}
}

// Controller owns the per-provider health records and drives the state
// machine from call outcomes, metric snapshots and recovery probes.
type Controller struct {
	opts    Options
	bus     events.Publisher
	prober  Prober
	router  Router
	limiter *ProviderLimiter

	mu        sync.RWMutex
	providers map[string]*providerEntry
	failovers map[string]*FailoverRecord // keyed by failed provider

	// probe-result cache cleared by the self-healing sweep
	probeCache map[string]time.Time
}

func NewController(opts Options, bus events.Publisher, prober Prober, router Router, limiter *ProviderLimiter) *Controller {
	if bus == nil {
		bus = events.NewLogPublisher("resilience")
	}
	if router == nil {
		router = NopRouter{}
	}
	return &Controller{
		opts:       opts,
		bus:        bus,
		prober:     prober,
		router:     router,
		limiter:    limiter,
		providers:  make(map[string]*providerEntry),
		failovers:  make(map[string]*FailoverRecord),
		probeCache: make(map[string]time.Time),
	}
}

// Register adds a provider in the Healthy state.
func (c *Controller) Register(info ProviderInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.providers[info.ID]; ok {
		return
	}
	c.providers[info.ID] = &providerEntry{
		info: info,
		health: Health{
			ProviderID:     info.ID,
			State:          StateHealthy,
			HealthScore:    1.0,
			ThrottleLevel:  1.0,
			LastTransition: time.Now(),
		},
		breaker: NewCircuitBreaker(c.opts.FailureThreshold),
	}
	c.publishGauges(info.ID)
}

// HealthOf returns a copy of the provider's health record.
func (c *Controller) HealthOf(providerID string) (Health, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.providers[providerID]
	if !ok {
		return Health{}, false
	}
	return e.health, true
}

// Allow reports whether a call to the provider should proceed, consulting
// state, circuit breaker and throttle limiter.
func (c *Controller) Allow(providerID string) bool {
	c.mu.RLock()
	e, ok := c.providers[providerID]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	if !e.health.healthy() && e.health.State != StateRecovering {
		return false
	}
	if !e.breaker.Allow() {
		return false
	}
	if c.limiter != nil && !c.limiter.Allow(providerID) {
		return false
	}
	return true
}

// RecordSuccess folds a successful provider call into the health score.
func (c *Controller) RecordSuccess(providerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.providers[providerID]; ok {
		e.recordOutcome(true)
		observability.ProviderHealthScore.WithLabelValues(providerID).Set(e.health.HealthScore)
	}
}

// RecordFailure folds a failed call in and quarantines the provider when
// the failure streak crosses the threshold.
func (c *Controller) RecordFailure(ctx context.Context, providerID string, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.providers[providerID]
	if !ok {
		return
	}
	e.recordOutcome(false)
	observability.ProviderHealthScore.WithLabelValues(providerID).Set(e.health.HealthScore)

	if e.health.healthy() && e.health.ConsecutiveFailures >= c.opts.FailureThreshold {
		reason := fmt.Sprintf("%d consecutive failures", e.health.ConsecutiveFailures)
		if cause != nil {
			reason += ": " + errs.Sanitize(cause.Error())
		}
		c.quarantineLocked(ctx, e, reason)
	}
}

// Quarantine forces a provider out of rotation.
func (c *Controller) Quarantine(ctx context.Context, providerID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.providers[providerID]; ok && e.health.State != StateQuarantined {
		c.quarantineLocked(ctx, e, reason)
	}
}

// quarantineLocked transitions the entry and initiates failover. Caller
// holds the write lock.
func (c *Controller) quarantineLocked(ctx context.Context, e *providerEntry, reason string) {
	e.health.State = StateQuarantined
	e.health.QuarantinedAt = time.Now()
	e.health.QuarantineReason = reason
	e.health.ThrottleLevel = 0
	e.health.LastTransition = time.Now()
	c.applyThrottleLocked(e)
	c.publishGauges(e.info.ID)

	log.Printf("resilience: provider %s quarantined: %s", e.info.ID, reason)
	c.publish(ctx, events.ProviderQuarantined, e.info.ID, map[string]interface{}{
		"provider": e.info.ID,
		"reason":   reason,
	})
	c.initiateFailoverLocked(ctx, e)
}

// initiateFailoverLocked selects a healthy alternative with overlapping
// capability and model category. Caller holds the write lock.
func (c *Controller) initiateFailoverLocked(ctx context.Context, failed *providerEntry) {
	rec := &FailoverRecord{
		FailedProvider: failed.info.ID,
		InitiatedAt:    time.Now(),
		Status:         FailoverNoAlternative,
	}
	c.failovers[failed.info.ID] = rec

	var target *providerEntry
	for _, cap := range failed.info.Capabilities {
		if t := c.bestAlternativeLocked(cap, "", failed.info.ID); t != nil {
			if target == nil || t.health.HealthScore > target.health.HealthScore {
				target = t
			}
		}
	}
	if target == nil {
		log.Printf("resilience: no failover alternative for %s", failed.info.ID)
		return
	}

	rec.FailoverProvider = target.info.ID
	rec.Status = FailoverActive
	observability.FailoversInitiated.WithLabelValues(failed.info.ID, target.info.ID).Inc()
	log.Printf("resilience: failover %s -> %s", failed.info.ID, target.info.ID)
	c.publish(ctx, events.ProviderFailoverInitiated, failed.info.ID, map[string]interface{}{
		"failed_provider":   failed.info.ID,
		"failover_provider": target.info.ID,
	})
}

// bestAlternativeLocked returns the highest-scoring healthy provider
// supporting the capability/category, excluding one id. Caller holds a lock.
func (c *Controller) bestAlternativeLocked(cap Capability, category, exclude string) *providerEntry {
	var best *providerEntry
	for id, e := range c.providers {
		if id == exclude || !e.health.healthy() || !e.info.supports(cap, category) {
			continue
		}
		if best == nil || e.health.HealthScore > best.health.HealthScore {
			best = e
		}
	}
	return best
}

// SelectProvider picks the provider to serve a request: the preferred one
// when it is usable, otherwise the active failover target or the best
// healthy alternative. Returns errs.ErrNoProvider when nothing qualifies.
func (c *Controller) SelectProvider(preferred string, cap Capability, category string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if e, ok := c.providers[preferred]; ok {
		switch e.health.State {
		case StateHealthy, StateThrottled, StateRecovering:
			return preferred, nil
		}
		if rec, ok := c.failovers[preferred]; ok && rec.Status == FailoverActive {
			if t, ok := c.providers[rec.FailoverProvider]; ok && t.health.healthy() && t.info.supports(cap, category) {
				return rec.FailoverProvider, nil
			}
		}
	}
	if best := c.bestAlternativeLocked(cap, category, preferred); best != nil {
		return best.info.ID, nil
	}
	return "", errs.ErrNoProvider
}

// HealthCheck applies one evaluation cycle from a metrics snapshot.
func (c *Controller) HealthCheck(ctx context.Context, snapshots map[string]MetricsSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, e := range c.providers {
		snap, ok := snapshots[id]
		if !ok {
			continue
		}
		switch e.health.State {
		case StateHealthy:
			if !snap.IsHealthy || e.health.ConsecutiveFailures >= c.opts.FailureThreshold {
				c.quarantineLocked(ctx, e, "health check failed")
			} else if snap.AvgResponseTimeMs > c.opts.SlowThresholdMs {
				e.health.State = StateThrottled
				e.health.ThrottleLevel = 0.5
				e.health.LastTransition = time.Now()
				c.applyThrottleLocked(e)
				c.publishGauges(id)
				log.Printf("resilience: provider %s throttled to 50%% (avg %.0fms)", id, snap.AvgResponseTimeMs)
			}
		case StateThrottled:
			if !snap.IsHealthy || e.health.ConsecutiveFailures >= c.opts.FailureThreshold {
				c.quarantineLocked(ctx, e, "health check failed while throttled")
			} else if snap.AvgResponseTimeMs <= c.opts.SlowThresholdMs {
				e.health.State = StateHealthy
				e.health.ThrottleLevel = 1.0
				e.health.LastTransition = time.Now()
				c.applyThrottleLocked(e)
				c.publishGauges(id)
			}
		}
	}
}

// RecoveryCycle probes quarantined providers, advances recovering ones and
// runs the self-healing sweep.
func (c *Controller) RecoveryCycle(ctx context.Context) {
	c.mu.Lock()
	quarantined := make([]*providerEntry, 0)
	recovering := make([]*providerEntry, 0)
	for _, e := range c.providers {
		switch e.health.State {
		case StateQuarantined:
			quarantined = append(quarantined, e)
		case StateRecovering:
			recovering = append(recovering, e)
		}
	}
	c.mu.Unlock()

	for _, e := range quarantined {
		c.probeQuarantined(ctx, e)
	}
	for _, e := range recovering {
		c.probeRecovering(ctx, e)
	}
	c.selfHeal(ctx)
}

func (c *Controller) probeQuarantined(ctx context.Context, e *providerEntry) {
	c.mu.Lock()
	since := time.Since(e.health.QuarantinedAt)
	if since > c.opts.MaxQuarantine {
		e.health.State = StatePermanentlyFailed
		e.health.LastTransition = time.Now()
		c.publishGauges(e.info.ID)
		c.mu.Unlock()
		log.Printf("resilience: provider %s permanently failed after %s in quarantine", e.info.ID, since.Round(time.Second))
		return
	}
	if since < c.opts.MinQuarantine {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if c.prober == nil {
		return
	}
	err := c.prober.Probe(ctx, e.info.ID)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.probeCache[e.info.ID] = time.Now()
	if err != nil {
		log.Printf("resilience: probe of quarantined %s failed: %v", e.info.ID, err)
		return
	}
	e.health.State = StateRecovering
	e.health.RecoveryStarted = time.Now()
	e.health.ThrottleLevel = 0.1
	e.health.HealthScore = 0.5
	e.health.ConsecutiveFailures = 0
	e.health.LastTransition = time.Now()
	e.breaker.Reset()
	c.applyThrottleLocked(e)
	c.publishGauges(e.info.ID)
	log.Printf("resilience: provider %s entering recovery at 10%% traffic", e.info.ID)
	c.publish(ctx, events.ProviderRecoveryInitiated, e.info.ID, map[string]interface{}{
		"provider": e.info.ID,
	})
}

func (c *Controller) probeRecovering(ctx context.Context, e *providerEntry) {
	var err error
	if c.prober != nil {
		err = c.prober.Probe(ctx, e.info.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		// Back to quarantine; recovery restarts after the minimum wait.
		e.health.State = StateQuarantined
		e.health.QuarantinedAt = time.Now()
		e.health.QuarantineReason = "recovery probe failed"
		e.health.ThrottleLevel = 0
		e.health.LastTransition = time.Now()
		c.applyThrottleLocked(e)
		c.publishGauges(e.info.ID)
		return
	}

	e.recordOutcome(true)
	if e.health.ThrottleLevel < 1.0 {
		e.health.ThrottleLevel += 0.2
		if e.health.ThrottleLevel > 1.0 {
			e.health.ThrottleLevel = 1.0
		}
		c.applyThrottleLocked(e)
	}
	if e.health.HealthScore > c.opts.RecoveryThreshold {
		e.health.State = StateHealthy
		e.health.ThrottleLevel = 1.0
		e.health.LastTransition = time.Now()
		c.applyThrottleLocked(e)
		c.publishGauges(e.info.ID)
		log.Printf("resilience: provider %s recovered", e.info.ID)
		if rec, ok := c.failovers[e.info.ID]; ok && rec.Status == FailoverActive {
			rec.Status = FailoverCompleted
			c.publish(ctx, events.ProviderFailoverReverted, e.info.ID, map[string]interface{}{
				"provider":          e.info.ID,
				"failover_provider": rec.FailoverProvider,
			})
		}
	}
}

// selfHeal resets breakers stuck open, rebalances router weights by health
// score across usable providers, and clears the stale probe cache.
func (c *Controller) selfHeal(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, e := range c.providers {
		if opened := e.breaker.OpenSince(); !opened.IsZero() && time.Since(opened) > c.opts.BreakerStuckAfter {
			e.breaker.Reset()
			log.Printf("resilience: reset circuit breaker for %s (open since %s)", id, opened.Format(time.RFC3339))
		}
	}

	var total float64
	usable := make([]*providerEntry, 0, len(c.providers))
	for _, e := range c.providers {
		if e.health.healthy() {
			usable = append(usable, e)
			total += e.health.HealthScore
		} else {
			c.router.SetWeight(e.info.ID, 0)
		}
	}
	sort.Slice(usable, func(i, j int) bool { return usable[i].info.ID < usable[j].info.ID })
	for _, e := range usable {
		w := 0.0
		if total > 0 {
			w = e.health.HealthScore / total
		}
		c.router.SetWeight(e.info.ID, w)
	}

	cutoff := time.Now().Add(-c.opts.BreakerStuckAfter)
	for id, at := range c.probeCache {
		if at.Before(cutoff) {
			delete(c.probeCache, id)
		}
	}
}

// Start launches the health-check and recovery timers.
func (c *Controller) Start(ctx context.Context, snapshotFn func(context.Context) map[string]MetricsSnapshot) {
	go func() {
		ticker := time.NewTicker(c.opts.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if snapshotFn != nil {
					c.HealthCheck(ctx, snapshotFn(ctx))
				}
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(c.opts.RecoveryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.RecoveryCycle(ctx)
			}
		}
	}()
}

// applyThrottleLocked pushes the throttle level into the limiter. Caller
// holds the write lock.
func (c *Controller) applyThrottleLocked(e *providerEntry) {
	if c.limiter != nil {
		c.limiter.SetThrottle(e.info.ID, e.health.ThrottleLevel)
	}
}

// publishGauges exports state and score for one provider. Caller holds a
// lock.
func (c *Controller) publishGauges(id string) {
	e := c.providers[id]
	observability.ProviderState.WithLabelValues(id).Set(stateGaugeValue(e.health.State))
	observability.ProviderHealthScore.WithLabelValues(id).Set(e.health.HealthScore)
}

func stateGaugeValue(s ProviderState) float64 {
	switch s {
	case StateHealthy:
		return 0
	case StateThrottled:
		return 1
	case StateQuarantined:
		return 2
	case StateRecovering:
		return 3
	case StatePermanentlyFailed:
		return 4
	default:
		return -1
	}
}

func (c *Controller) publish(ctx context.Context, topic events.Topic, correlation string, payload map[string]interface{}) {
	if err := c.bus.Publish(ctx, topic, correlation, payload); err != nil {
		log.Printf("resilience: publish %s: %v", topic, err)
	}
}

// Failover returns a copy of the failover record for a provider, if any.
func (c *Controller) Failover(providerID string) (FailoverRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.failovers[providerID]
	if !ok {
		return FailoverRecord{}, false
	}
	return *rec, true
}
