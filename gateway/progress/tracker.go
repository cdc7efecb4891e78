// Package progress synthesizes progress reports for in-flight tasks whose
// providers report nothing natively (third-party video generation in
// particular). Tracked tasks step through fixed checkpoints on a timer and
// drop out as soon as they leave the processing state.
package progress

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/conduit-ai/conduit/gateway/events"
	"github.com/conduit-ai/conduit/gateway/store"
	"github.com/conduit-ai/conduit/gateway/webhook"
)

// checkpoints are the synthetic progress values, visited in order.
var checkpoints = []int{10, 30, 50, 70, 90}

const (
	// TickInterval is how often tracked tasks are re-checked.
	TickInterval = 5 * time.Second

	// DefaultSpacing is the elapsed time per checkpoint when the caller
	// gives no estimate.
	DefaultSpacing = 15 * time.Second
)

type trackedTask struct {
	taskID         string
	taskType       store.TaskType
	startedAt      time.Time
	spacing        time.Duration
	nextCheckpoint int // index into checkpoints
	webhookURL     string
	webhookHeaders map[string]string
}

// Tracker drives synthetic progress for registered tasks.
type Tracker struct {
	store store.Store
	bus   events.Publisher

	mu      sync.Mutex
	tracked map[string]*trackedTask
}

func NewTracker(st store.Store, bus events.Publisher) *Tracker {
	return &Tracker{
		store:   st,
		bus:     bus,
		tracked: make(map[string]*trackedTask),
	}
}

// Track registers a task. spacing is the expected elapsed time between
// checkpoints; zero selects the default.
func (t *Tracker) Track(task *store.Task, spacing time.Duration) {
	if spacing <= 0 {
		spacing = DefaultSpacing
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tracked[task.ID]; ok {
		return
	}
	t.tracked[task.ID] = &trackedTask{
		taskID:         task.ID,
		taskType:       task.Type,
		startedAt:      time.Now(),
		spacing:        spacing,
		webhookURL:     task.WebhookURL,
		webhookHeaders: task.WebhookHeaders,
	}
}

// Cancel stops tracking and announces the cancellation.
func (t *Tracker) Cancel(ctx context.Context, taskID string) {
	t.mu.Lock()
	_, ok := t.tracked[taskID]
	delete(t.tracked, taskID)
	t.mu.Unlock()
	if !ok {
		return
	}
	if err := t.bus.Publish(ctx, events.ProgressTrackingCancelled, taskID, map[string]string{"task_id": taskID}); err != nil {
		log.Printf("progress: publish tracking cancelled for %s: %v", taskID, err)
	}
}

// Tracked reports whether a task is currently tracked.
func (t *Tracker) Tracked(taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tracked[taskID]
	return ok
}

// Run ticks until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.CheckAll(ctx)
		}
	}
}

// CheckAll evaluates every tracked task once.
func (t *Tracker) CheckAll(ctx context.Context) {
	t.mu.Lock()
	ids := make([]string, 0, len(t.tracked))
	for id := range t.tracked {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		if err := t.bus.Publish(ctx, events.ProgressCheckRequested, id, map[string]string{"task_id": id}); err != nil {
			log.Printf("progress: publish check request for %s: %v", id, err)
		}
		t.check(ctx, id)
	}
}

// check advances one task's checkpoint if due, untracks if the task left
// the processing state.
func (t *Tracker) check(ctx context.Context, taskID string) {
	t.mu.Lock()
	tt, ok := t.tracked[taskID]
	t.mu.Unlock()
	if !ok {
		return
	}

	task, err := t.store.Get(ctx, taskID)
	if err != nil {
		log.Printf("progress: load %s: %v", taskID, err)
		return
	}
	// Absent or no-longer-processing tasks drop out.
	if task == nil || task.State != store.StateProcessing {
		t.mu.Lock()
		delete(t.tracked, taskID)
		t.mu.Unlock()
		return
	}

	if tt.nextCheckpoint >= len(checkpoints) {
		return // holding at the last checkpoint until the task finishes
	}
	elapsed := time.Since(tt.startedAt)
	due := time.Duration(tt.nextCheckpoint+1) * tt.spacing
	if elapsed < due {
		return
	}

	percent := checkpoints[tt.nextCheckpoint]
	if err := t.store.UpdateProgress(ctx, taskID, percent, "estimated progress"); err != nil {
		log.Printf("progress: update %s to %d%%: %v", taskID, percent, err)
		return
	}

	t.mu.Lock()
	tt.nextCheckpoint++
	t.mu.Unlock()

	payload := map[string]interface{}{
		"task_id":  taskID,
		"progress": percent,
	}
	if err := t.bus.Publish(ctx, events.TaskProgress, taskID, payload); err != nil {
		log.Printf("progress: publish progress for %s: %v", taskID, err)
	}

	if tt.webhookURL != "" {
		del := webhook.Delivery{
			URL:     tt.webhookURL,
			Headers: tt.webhookHeaders,
			Notification: webhook.Notification{
				TaskID:    taskID,
				TaskType:  string(tt.taskType),
				Event:     string(events.TaskProgress),
				State:     string(store.StateProcessing),
				Progress:  percent,
				Timestamp: time.Now().UTC(),
			},
		}
		if err := t.bus.Publish(ctx, events.WebhookDeliveryRequested, taskID, del); err != nil {
			log.Printf("progress: request progress webhook for %s: %v", taskID, err)
		}
	}
}
