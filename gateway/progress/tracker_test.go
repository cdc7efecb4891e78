package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/conduit-ai/conduit/gateway/events"
	"github.com/conduit-ai/conduit/gateway/store"
)

type capturePublisher struct {
	mu     sync.Mutex
	topics []events.Topic
}

func (p *capturePublisher) Publish(_ context.Context, topic events.Topic, _ string, _ interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) count(topic events.Topic) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.topics {
		if t == topic {
			n++
		}
	}
	return n
}

func newProcessingTask(t *testing.T, st store.Store) *store.Task {
	t.Helper()
	ctx := context.Background()
	task := &store.Task{Type: store.TypeVideo, VirtualKeyID: "vk-1", WebhookURL: "https://example.com/hook"}
	if err := st.Create(ctx, task); err != nil {
		t.Fatal(err)
	}
	if _, err := st.UpdateState(ctx, task.ID, store.StateUpdate{State: store.StateProcessing}); err != nil {
		t.Fatal(err)
	}
	return task
}

func TestCheckpointsAdvanceWithElapsedTime(t *testing.T) {
	st := store.NewMemoryStore()
	pub := &capturePublisher{}
	tr := NewTracker(st, pub)
	ctx := context.Background()

	task := newProcessingTask(t, st)
	tr.Track(task, time.Nanosecond) // every checkpoint immediately due

	for i := 0; i < len(checkpoints); i++ {
		tr.CheckAll(ctx)
	}

	got, err := st.Get(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Progress != 90 {
		t.Errorf("progress = %d, want 90 after all checkpoints", got.Progress)
	}
	if n := pub.count(events.TaskProgress); n != len(checkpoints) {
		t.Errorf("TaskProgress events = %d, want %d", n, len(checkpoints))
	}
	if n := pub.count(events.WebhookDeliveryRequested); n != len(checkpoints) {
		t.Errorf("webhook requests = %d, want %d", n, len(checkpoints))
	}

	// Holding at 90: further checks change nothing.
	tr.CheckAll(ctx)
	got, _ = st.Get(ctx, task.ID)
	if got.Progress != 90 {
		t.Errorf("progress moved past the last checkpoint: %d", got.Progress)
	}
}

func TestCheckpointNotDueBeforeSpacing(t *testing.T) {
	st := store.NewMemoryStore()
	tr := NewTracker(st, &capturePublisher{})
	ctx := context.Background()

	task := newProcessingTask(t, st)
	tr.Track(task, time.Hour)

	tr.CheckAll(ctx)
	got, _ := st.Get(ctx, task.ID)
	if got.Progress != 0 {
		t.Errorf("progress = %d, want 0 before the first spacing elapses", got.Progress)
	}
}

func TestAutoCancelWhenTaskLeavesProcessing(t *testing.T) {
	st := store.NewMemoryStore()
	tr := NewTracker(st, &capturePublisher{})
	ctx := context.Background()

	task := newProcessingTask(t, st)
	tr.Track(task, time.Nanosecond)

	if _, err := st.UpdateState(ctx, task.ID, store.StateUpdate{State: store.StateCompleted, Result: []byte(`{}`)}); err != nil {
		t.Fatal(err)
	}
	tr.CheckAll(ctx)

	if tr.Tracked(task.ID) {
		t.Error("completed task still tracked")
	}
}

func TestAutoCancelOnEvictedTask(t *testing.T) {
	st := store.NewMemoryStore()
	tr := NewTracker(st, &capturePublisher{})
	ctx := context.Background()

	task := newProcessingTask(t, st)
	tr.Track(task, time.Nanosecond)
	if err := st.Delete(ctx, task.ID); err != nil {
		t.Fatal(err)
	}

	tr.CheckAll(ctx)
	if tr.Tracked(task.ID) {
		t.Error("evicted task still tracked")
	}
}

func TestCancelEmitsTrackingCancelled(t *testing.T) {
	st := store.NewMemoryStore()
	pub := &capturePublisher{}
	tr := NewTracker(st, pub)
	ctx := context.Background()

	task := newProcessingTask(t, st)
	tr.Track(task, time.Second)
	tr.Cancel(ctx, task.ID)

	if tr.Tracked(task.ID) {
		t.Error("cancelled task still tracked")
	}
	if pub.count(events.ProgressTrackingCancelled) != 1 {
		t.Error("ProgressTrackingCancelled not published")
	}

	// Cancelling an untracked task publishes nothing.
	tr.Cancel(ctx, task.ID)
	if pub.count(events.ProgressTrackingCancelled) != 1 {
		t.Error("duplicate cancel published an event")
	}
}
