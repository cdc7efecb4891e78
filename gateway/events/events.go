// Package events is the lifecycle event bus. Delivery is at-least-once and
// events are not the system of record: a consumer that misses or doubles an
// event reconciles by reading the task store.
package events

import (
	"context"
	"time"
)

// Topic names every lifecycle event the gateway publishes.
type Topic string

const (
	TaskCreated               Topic = "task.created"
	TaskClaimed               Topic = "task.claimed"
	TaskProgress              Topic = "task.progress"
	TaskCompleted             Topic = "task.completed"
	TaskFailed                Topic = "task.failed"
	TaskCancelled             Topic = "task.cancelled"
	ProgressCheckRequested    Topic = "progress.check_requested"
	ProgressTrackingCancelled Topic = "progress.tracking_cancelled"
	ProviderQuarantined       Topic = "provider.quarantined"
	ProviderFailoverInitiated Topic = "provider.failover_initiated"
	ProviderRecoveryInitiated Topic = "provider.recovery_initiated"
	ProviderFailoverReverted  Topic = "provider.failover_reverted"
	MediaGenerationCompleted  Topic = "media.generation_completed"
	WebhookDeliveryRequested  Topic = "webhook.delivery_requested"
	CacheStatisticsUpdate     Topic = "cache.stats_update"
	CacheAlert                Topic = "cache.alert"
	// BillingCharge carries cost results to the external ledger, which owns
	// balance truth. At most one charge event is emitted per task.
	BillingCharge Topic = "billing.charge"
)

// Event is the wire envelope. Every event carries the task (or correlation)
// id so consumers can reconcile against the task store.
type Event struct {
	ID            string    `json:"id"`
	Topic         Topic     `json:"topic"`
	TaskID        string    `json:"task_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Payload       []byte    `json:"payload"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source"`
}

// Publisher publishes lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, topic Topic, taskID string, payload interface{}) error
	Close() error
}

// Subscriber delivers events for a topic to a handler.
type Subscriber interface {
	Subscribe(ctx context.Context, topic Topic, handler func(Event)) (Subscription, error)
}

// Subscription is a live topic subscription.
type Subscription interface {
	Unsubscribe() error
}
