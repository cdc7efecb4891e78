package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/conduit-ai/conduit/gateway/errs"
	"github.com/conduit-ai/conduit/gateway/observability"
)

// transitionScript enforces terminal stickiness inside Redis. The full new
// record is computed client-side (only the claim holder mutates a task, so
// reads are not racy), but the terminal check and the write are one atomic
// step so a late writer can never resurrect a finished task.
//
// Returns:
//
//	 1: written
//	 0: same terminal state re-applied (idempotent no-op)
//	-1: key missing
//	-2: task already in a different terminal state
const transitionScript = `
local raw = redis.call("GET", KEYS[1])
if not raw then
    return -1
end
local cur = cjson.decode(raw)
local terminal = {completed=true, failed=true, cancelled=true, timed_out=true}
if terminal[cur.state] then
    if cur.state == ARGV[2] then
        return 0
    end
    return -2
end
redis.call("SET", KEYS[1], ARGV[1], "EX", tonumber(ARGV[3]))
return 1
`

// RedisStore implements Store on Redis.
type RedisStore struct {
	client        *redis.Client
	transitionSHA string
}

func NewRedisStore(client *redis.Client) (*RedisStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	// Preload the transition script so the text is not resent per call.
	sha, err := client.ScriptLoad(ctx, transitionScript).Result()
	if err != nil {
		return nil, fmt.Errorf("preload transition script: %w", err)
	}

	return &RedisStore{client: client, transitionSHA: sha}, nil
}

func (s *RedisStore) Create(ctx context.Context, task *Task) error {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	now := time.Now().UTC()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.State = StatePending
	task.Progress = 0
	task.CreatedAt = now
	task.UpdatedAt = now

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, TaskKey(task.ID), data, TTLActive)
	pipe.SAdd(ctx, taskIndexKey, task.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Get(ctx context.Context, taskID string) (*Task, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	data, err := s.client.Get(ctx, TaskKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", taskID, err)
	}
	return &task, nil
}

func (s *RedisStore) UpdateState(ctx context.Context, taskID string, update StateUpdate) (*Task, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	task, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, errs.ErrTaskNotFound
	}

	applyUpdate(task, update)

	ttl := TTLActive
	if task.State.IsTerminal() {
		ttl = TTLTerminal
	}

	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}

	res, err := s.client.EvalSha(ctx, s.transitionSHA,
		[]string{TaskKey(taskID)},
		string(data), string(task.State), int64(ttl.Seconds()),
	).Result()
	if err != nil {
		return nil, err
	}

	code, ok := res.(int64)
	if !ok {
		return nil, fmt.Errorf("unexpected transition script result %v", res)
	}
	switch code {
	case 1, 0:
		return task, nil
	case -1:
		return nil, errs.ErrTaskNotFound
	default:
		return nil, errs.ErrTerminalState
	}
}

func (s *RedisStore) UpdateProgress(ctx context.Context, taskID string, percent int, message string) error {
	task, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return errs.ErrTaskNotFound
	}
	if task.State != StatePending && task.State != StateProcessing {
		return errs.ErrTerminalState
	}

	percent = clampPercent(percent)
	task.Progress = percent
	task.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(task)
	if err != nil {
		return err
	}

	// The transition script keeps this write from clobbering a concurrent
	// terminal transition (progress races cancel).
	res, err := s.client.EvalSha(ctx, s.transitionSHA,
		[]string{TaskKey(taskID)},
		string(data), string(task.State), int64(TTLActive.Seconds()),
	).Result()
	if err != nil {
		return err
	}
	if code, ok := res.(int64); ok && code == -2 {
		return errs.ErrTerminalState
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, taskID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, TaskKey(taskID))
	pipe.SRem(ctx, taskIndexKey, taskID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	ids, err := s.client.SMembers(ctx, taskIndexKey).Result()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, id := range ids {
		task, err := s.Get(ctx, id)
		if err != nil {
			log.Printf("store: cleanup skipping %s: %v", id, err)
			continue
		}
		if task == nil {
			// Record already evicted by TTL; drop the index entry.
			s.client.SRem(ctx, taskIndexKey, id)
			continue
		}
		if task.State.IsTerminal() && task.UpdatedAt.Before(cutoff) {
			if err := s.Delete(ctx, id); err != nil {
				log.Printf("store: cleanup delete %s: %v", id, err)
				continue
			}
			removed++
		}
	}
	return removed, nil
}

func (s *RedisStore) MarkCharged(ctx context.Context, taskID string) (bool, error) {
	return s.client.SetNX(ctx, ChargeKey(taskID), time.Now().UTC().Format(time.RFC3339), TTLActive).Result()
}

func applyUpdate(task *Task, update StateUpdate) {
	now := time.Now().UTC()
	task.State = update.State
	task.UpdatedAt = now
	if update.Progress != nil {
		task.Progress = clampPercent(*update.Progress)
	}
	if update.Result != nil {
		task.Result = update.Result
		task.Error = ""
	}
	if update.Error != "" {
		task.Error = errs.Sanitize(update.Error)
		task.Result = nil
	}
	if update.RetryCount != nil {
		task.RetryCount = *update.RetryCount
	}
	task.NextRetryAt = update.NextRetryAt
	if update.State.IsTerminal() {
		task.CompletedAt = &now
		if update.State == StateCompleted {
			task.Progress = 100
		}
	}
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
