package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/conduit-ai/conduit/gateway/errs"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s, err := NewRedisStore(client)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	return s, mr
}

func TestCreateAndGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	task := &Task{ID: "t1", Type: TypeTranscription, VirtualKeyID: "vk1", MaxRetries: 3}
	if err := s.Create(ctx, task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("expected task, got nil")
	}
	if got.State != StatePending {
		t.Errorf("expected pending, got %s", got.State)
	}
	if got.Progress != 0 {
		t.Errorf("expected progress 0, got %d", got.Progress)
	}
}

func TestGetUnknownReturnsNil(t *testing.T) {
	s, _ := newTestStore(t)

	got, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil for unknown task")
	}
}

func TestTerminalStateIsSticky(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	task := &Task{ID: "t1", Type: TypeImage}
	if err := s.Create(ctx, task); err != nil {
		t.Fatal(err)
	}

	result := json.RawMessage(`{"image_url":"https://cdn.example/t1.png"}`)
	updated, err := s.UpdateState(ctx, "t1", StateUpdate{State: StateCompleted, Result: result})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if updated.CompletedAt == nil {
		t.Error("completed_at not set on terminal transition")
	}
	if updated.Progress != 100 {
		t.Errorf("expected progress 100 on completion, got %d", updated.Progress)
	}

	// Re-applying the same terminal state is an idempotent no-op.
	if _, err := s.UpdateState(ctx, "t1", StateUpdate{State: StateCompleted}); err != nil {
		t.Errorf("same-terminal reapply should succeed, got %v", err)
	}

	// Any other transition from terminal is rejected.
	_, err = s.UpdateState(ctx, "t1", StateUpdate{State: StateProcessing})
	if !errors.Is(err, errs.ErrTerminalState) {
		t.Errorf("expected ErrTerminalState, got %v", err)
	}
	_, err = s.UpdateState(ctx, "t1", StateUpdate{State: StateFailed, Error: "late failure"})
	if !errors.Is(err, errs.ErrTerminalState) {
		t.Errorf("expected ErrTerminalState, got %v", err)
	}
}

func TestResultAndErrorMutuallyExclusive(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, &Task{ID: "t1", Type: TypeVideo}); err != nil {
		t.Fatal(err)
	}

	updated, err := s.UpdateState(ctx, "t1", StateUpdate{State: StateFailed, Error: "provider 503\nline2"})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Result != nil {
		t.Error("failed task must not carry a result")
	}
	if updated.Error != "provider 503 line2" {
		t.Errorf("error not sanitized: %q", updated.Error)
	}
}

func TestProgressClampAndTerminalGuard(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, &Task{ID: "t1", Type: TypeVideo}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateProgress(ctx, "t1", 150, "rendering"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(ctx, "t1")
	if got.Progress != 100 {
		t.Errorf("expected clamp to 100, got %d", got.Progress)
	}

	if _, err := s.UpdateState(ctx, "t1", StateUpdate{State: StateCancelled}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateProgress(ctx, "t1", 50, ""); !errors.Is(err, errs.ErrTerminalState) {
		t.Errorf("progress after terminal should fail, got %v", err)
	}
}

func TestTTLShrinksOnTerminal(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, &Task{ID: "t1", Type: TypeTTS}); err != nil {
		t.Fatal(err)
	}
	if mr.TTL(TaskKey("t1")) != TTLActive {
		t.Errorf("active TTL = %v, want %v", mr.TTL(TaskKey("t1")), TTLActive)
	}

	if _, err := s.UpdateState(ctx, "t1", StateUpdate{State: StateCompleted}); err != nil {
		t.Fatal(err)
	}
	if mr.TTL(TaskKey("t1")) != TTLTerminal {
		t.Errorf("terminal TTL = %v, want %v", mr.TTL(TaskKey("t1")), TTLTerminal)
	}
}

func TestEvictedTaskIsAbsent(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, &Task{ID: "t1", Type: TypeTTS}); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(TTLActive + time.Minute)

	got, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("expected absence after TTL eviction, never stale data")
	}
}

func TestCleanupSweepsOldTerminals(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, &Task{ID: "old", Type: TypeImage}); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, &Task{ID: "fresh", Type: TypeImage}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateState(ctx, "old", StateUpdate{State: StateCompleted}); err != nil {
		t.Fatal(err)
	}

	// Nothing is old enough yet.
	n, err := s.Cleanup(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected 0 removed, got %d", n)
	}

	// Zero threshold sweeps every terminal record; fresh stays pending.
	n, err = s.Cleanup(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 removed, got %d", n)
	}
	if got, _ := s.Get(ctx, "fresh"); got == nil {
		t.Error("non-terminal task must survive cleanup")
	}
}

func TestMarkChargedOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, err := s.MarkCharged(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.MarkCharged(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if !first || second {
		t.Errorf("charge marker must be exactly-once: first=%v second=%v", first, second)
	}
}
