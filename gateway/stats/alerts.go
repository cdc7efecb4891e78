package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"
)

// Thresholds configures alerting for one region. Zero values disable the
// corresponding check.
type Thresholds struct {
	MinHitRate        float64 `json:"min_hit_rate"`
	MaxResponseTimeMs float64 `json:"max_response_time"`
	MaxErrorRate      float64 `json:"max_error_rate"`
}

// AlertType identifies which threshold fired.
type AlertType string

const (
	AlertLowHitRate   AlertType = "low_hit_rate"
	AlertSlowResponse AlertType = "slow_response"
	AlertHighErrors   AlertType = "high_error_rate"
)

// Alert is the distributed alert payload.
type Alert struct {
	Region    string    `json:"region"`
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Instance  string    `json:"instance"`
	Timestamp time.Time `json:"timestamp"`
}

// Alerter evaluates thresholds and fans alerts out over the distributed
// channel. The cooldown map is a process-local mirror; across instances a
// duplicate alert inside the window is possible and benign.
type Alerter struct {
	collector *Collector

	mu        sync.Mutex
	lastFired map[string]time.Time // (region, type) -> last publish

	listenersMu sync.RWMutex
	listeners   []func(Alert)
}

func NewAlerter(collector *Collector) *Alerter {
	return &Alerter{
		collector: collector,
		lastFired: make(map[string]time.Time),
	}
}

// SetThresholds stores the region's alert configuration.
func (a *Alerter) SetThresholds(ctx context.Context, region string, t Thresholds) error {
	return a.collector.client.HSet(ctx, alertConfigKey(region), map[string]interface{}{
		"min_hit_rate":      t.MinHitRate,
		"max_response_time": t.MaxResponseTimeMs,
		"max_error_rate":    t.MaxErrorRate,
	}).Err()
}

// GetThresholds loads the region's alert configuration; zero-valued when
// unset.
func (a *Alerter) GetThresholds(ctx context.Context, region string) (Thresholds, error) {
	raw, err := a.collector.client.HGetAll(ctx, alertConfigKey(region)).Result()
	if err != nil {
		return Thresholds{}, err
	}
	var t Thresholds
	if v, ok := raw["min_hit_rate"]; ok {
		t.MinHitRate, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := raw["max_response_time"]; ok {
		t.MaxResponseTimeMs, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := raw["max_error_rate"]; ok {
		t.MaxErrorRate, _ = strconv.ParseFloat(v, 64)
	}
	return t, nil
}

// AddListener registers a local alert consumer.
func (a *Alerter) AddListener(fn func(Alert)) {
	a.listenersMu.Lock()
	defer a.listenersMu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// Check evaluates a region against its thresholds and fires at most one
// alert per (region, type) per 5-minute window.
func (a *Alerter) Check(ctx context.Context, region string) error {
	t, err := a.GetThresholds(ctx, region)
	if err != nil {
		return err
	}

	counters, err := a.collector.GlobalCounters(ctx, region)
	if err != nil {
		return err
	}

	hits := counters[HitCount]
	misses := counters[MissCount]
	errors := counters[ErrorCount]
	lookups := hits + misses
	ops := lookups + counters[SetCount] + counters[RemoveCount]

	if t.MinHitRate > 0 && lookups > 0 {
		hitRate := float64(hits) / float64(lookups)
		if hitRate < t.MinHitRate {
			a.fire(ctx, Alert{
				Region:    region,
				Type:      AlertLowHitRate,
				Message:   fmt.Sprintf("hit rate %.3f below %.3f", hitRate, t.MinHitRate),
				Value:     hitRate,
				Threshold: t.MinHitRate,
			})
		}
	}

	if t.MaxErrorRate > 0 && ops > 0 {
		errRate := float64(errors) / float64(ops)
		if errRate > t.MaxErrorRate {
			a.fire(ctx, Alert{
				Region:    region,
				Type:      AlertHighErrors,
				Message:   fmt.Sprintf("error rate %.3f above %.3f", errRate, t.MaxErrorRate),
				Value:     errRate,
				Threshold: t.MaxErrorRate,
			})
		}
	}

	if t.MaxResponseTimeMs > 0 {
		for _, op := range []string{"get", "set"} {
			p, err := a.collector.ResponsePercentiles(ctx, region, op)
			if err != nil {
				return err
			}
			if p.Samples > 0 && p.P95 > t.MaxResponseTimeMs {
				a.fire(ctx, Alert{
					Region:    region,
					Type:      AlertSlowResponse,
					Message:   fmt.Sprintf("%s p95 %.1fms above %.1fms", op, p.P95, t.MaxResponseTimeMs),
					Value:     p.P95,
					Threshold: t.MaxResponseTimeMs,
				})
			}
		}
	}
	return nil
}

func (a *Alerter) fire(ctx context.Context, alert Alert) {
	key := alert.Region + "|" + string(alert.Type)

	a.mu.Lock()
	if last, ok := a.lastFired[key]; ok && time.Since(last) < alertCooldown {
		a.mu.Unlock()
		return
	}
	a.lastFired[key] = time.Now()
	a.mu.Unlock()

	alert.Instance = a.collector.instanceID
	alert.Timestamp = time.Now().UTC()

	data, err := json.Marshal(alert)
	if err != nil {
		return
	}
	if err := a.collector.client.Publish(ctx, alertsChannel, data).Err(); err != nil {
		log.Printf("stats: alert publish: %v", err)
	}

	a.listenersMu.RLock()
	for _, fn := range a.listeners {
		fn(alert)
	}
	a.listenersMu.RUnlock()
}

// SubscribeAlerts delivers distributed alerts from other instances to the
// local listeners.
func (a *Alerter) SubscribeAlerts(ctx context.Context) error {
	pubsub := a.collector.client.Subscribe(ctx, alertsChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return err
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var alert Alert
				if err := json.Unmarshal([]byte(msg.Payload), &alert); err != nil {
					continue
				}
				if alert.Instance == a.collector.instanceID {
					continue // already delivered locally at fire time
				}
				a.listenersMu.RLock()
				for _, fn := range a.listeners {
					fn(alert)
				}
				a.listenersMu.RUnlock()
			}
		}
	}()
	return nil
}

// PublishSnapshot pushes the region's global counters onto the stats update
// channel. Called on a timer by the owning process.
func (c *Collector) PublishSnapshot(ctx context.Context, region string) error {
	counters, err := c.GlobalCounters(ctx, region)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]interface{}{
		"region":    region,
		"instance":  c.instanceID,
		"counters":  counters,
		"timestamp": time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, updatesChannel, payload).Err()
}
