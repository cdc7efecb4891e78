package store

import "fmt"

// Redis key layout, namespace "conduit".
const (
	taskIndexKey = "conduit:tasks:index"
)

// TaskKey returns the record key for a task.
// Format: conduit:tasks:{id}
func TaskKey(id string) string {
	return fmt.Sprintf("conduit:tasks:%s", id)
}

// ChargeKey returns the charge idempotency key for a task. Written SET NX
// before a charge event is published so a second worker replaying the task
// after claim expiry cannot double-charge.
func ChargeKey(taskID string) string {
	return fmt.Sprintf("conduit:charges:%s", taskID)
}
