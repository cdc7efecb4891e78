package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conduit-ai/conduit/gateway/errs"
)

// MemoryStore implements Store in process memory. Used for tests and
// single-node development; it honors the same transition rules as RedisStore
// but does not evict by TTL (Cleanup is the only reaper).
type MemoryStore struct {
	mu      sync.RWMutex
	tasks   map[string]*Task
	charged map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[string]*Task),
		charged: make(map[string]bool),
	}
}

func (s *MemoryStore) Create(ctx context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.State = StatePending
	task.Progress = 0
	task.CreatedAt = now
	task.UpdatedAt = now

	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, nil
	}
	cp := *task
	return &cp, nil
}

func (s *MemoryStore) UpdateState(ctx context.Context, taskID string, update StateUpdate) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, errs.ErrTaskNotFound
	}
	if task.State.IsTerminal() {
		if task.State == update.State {
			cp := *task
			return &cp, nil
		}
		return nil, errs.ErrTerminalState
	}

	applyUpdate(task, update)
	cp := *task
	return &cp, nil
}

func (s *MemoryStore) UpdateProgress(ctx context.Context, taskID string, percent int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return errs.ErrTaskNotFound
	}
	if task.State != StatePending && task.State != StateProcessing {
		return errs.ErrTerminalState
	}
	task.Progress = clampPercent(percent)
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, taskID)
	return nil
}

func (s *MemoryStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for id, task := range s.tasks {
		if task.State.IsTerminal() && task.UpdatedAt.Before(cutoff) {
			delete(s.tasks, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) MarkCharged(ctx context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.charged[taskID] {
		return false, nil
	}
	s.charged[taskID] = true
	return true, nil
}
