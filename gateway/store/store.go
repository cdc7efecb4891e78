// Package store is the durable task store (system of record). Records are
// TTL-bounded: 24h while non-terminal, 2h after a terminal transition, so
// completed-task polling stays possible while old work stays bounded.
package store

import (
	"context"
	"time"
)

const (
	// TTLActive bounds non-terminal records.
	TTLActive = 24 * time.Hour
	// TTLTerminal bounds records after a terminal transition.
	TTLTerminal = 2 * time.Hour
)

// Store is the task store contract. All writes fail fast on backend errors;
// callers retry with backoff up to their own deadline.
type Store interface {
	// Create allocates an id and writes the record with state=pending.
	Create(ctx context.Context, task *Task) error

	// Get returns nil if the task is unknown or evicted. Callers must treat
	// absence as terminal unknown, never as stale data.
	Get(ctx context.Context, taskID string) (*Task, error)

	// UpdateState applies an atomic state transition. Terminal states are
	// sticky: a transition from a terminal state fails with
	// errs.ErrTerminalState, except re-applying the same terminal state,
	// which is a no-op success.
	UpdateState(ctx context.Context, taskID string, update StateUpdate) (*Task, error)

	// UpdateProgress clamps percent to 0..100; only valid while the task is
	// pending or processing.
	UpdateProgress(ctx context.Context, taskID string, percent int, message string) error

	// Delete removes the record and its index membership.
	Delete(ctx context.Context, taskID string) error

	// Cleanup sweeps terminal records older than the threshold. Per-record
	// errors are logged and skipped.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)

	// MarkCharged records the charge idempotency marker for a task. Returns
	// false if a charge was already recorded, in which case the caller must
	// not emit another charge event.
	MarkCharged(ctx context.Context, taskID string) (bool, error)
}
