// Package queue is the distributed work queue: a Redis stream per priority
// class, a retry sorted set keyed by eligibility time, and a TTL claim key
// per task. Delivery is at-least-once; the orchestrator's side effects are
// keyed by task id so a doubled delivery stays correct.
package queue

import (
	"context"
	"time"
)

// WorkItem is a queued unit of work. It carries only the task id plus
// scheduling fields; the task record itself lives in the task store.
type WorkItem struct {
	TaskID       string    `json:"task_id"`
	Priority     int       `json:"priority"`
	VirtualKeyID string    `json:"virtual_key_id"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// Claim is the short-lived lease one worker holds on one task. At most one
// live claim exists per task; liveness is the claim key's TTL.
type Claim struct {
	TaskID        string    `json:"task_id"`
	InstanceID    string    `json:"instance_id"`
	ClaimedAt     time.Time `json:"claimed_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Queue is the work queue contract.
type Queue interface {
	// Enqueue appends the item to its priority class stream.
	Enqueue(ctx context.Context, item WorkItem) error

	// Dequeue returns the next work item this instance may execute, or nil
	// when nothing is eligible. Retry-scheduled items drain first (earliest
	// eligibility), then stream entries in strict priority order, FIFO
	// within a class. The returned item's claim is already held by
	// instanceID. When another instance wins the claim race the entry is
	// still consumed in-instance and nil is returned.
	Dequeue(ctx context.Context, instanceID string) (*WorkItem, error)

	// ExtendClaim renews the claim TTL; fails unless instanceID holds it.
	ExtendClaim(ctx context.Context, taskID, instanceID string, extension time.Duration) error

	// Acknowledge releases the claim and retires the work item.
	Acknowledge(ctx context.Context, taskID, instanceID string) error

	// ReturnToQueue releases the claim and schedules the task into the
	// retry set at now + retryAfter (30s when zero).
	ReturnToQueue(ctx context.Context, taskID, instanceID, reason string, retryAfter time.Duration) error

	// ScheduleRetry places an unclaimed task into the retry set without
	// touching any claim. Used by the orchestrator's backoff path after the
	// claim has been released.
	ScheduleRetry(ctx context.Context, item WorkItem, eligibleAt time.Time) error

	// RecoverOrphans rescues every active task whose claim has expired,
	// scheduling it for retry after the given delay. Idempotent: a second
	// immediate call finds nothing to do.
	RecoverOrphans(ctx context.Context, retryDelay time.Duration) (int, error)
}
