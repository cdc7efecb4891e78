package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/conduit-ai/conduit/gateway/errs"
	"github.com/conduit-ai/conduit/gateway/observability"
)

const (
	streamBase    = "conduit:imagegen:stream"
	consumerGroup = "conduit-imagegen"
	activeKey     = "conduit:imagegen:active"
	retryKey      = "conduit:imagegen:retry"

	// DefaultClaimTTL bounds a claim between heartbeats.
	DefaultClaimTTL = 5 * time.Minute
	// DefaultRetryAfter is the retry delay when the caller passes zero.
	DefaultRetryAfter = 30 * time.Second
)

func claimKey(taskID string) string {
	return fmt.Sprintf("conduit:imagegen:claims:%s", taskID)
}

// itemKey stores the claimed item's payload so reschedules (return-to-queue,
// orphan recovery) keep priority and virtual key instead of a bare task id.
func itemKey(taskID string) string {
	return fmt.Sprintf("conduit:imagegen:items:%s", taskID)
}

func errScratchKey(taskID string) string {
	return fmt.Sprintf("conduit:imagegen:errors:%s", taskID)
}

// renewScript extends the claim TTL only if the caller still owns it, and
// stamps the heartbeat. One atomic step so an expired-and-reacquired claim
// can never be renewed by the old owner.
//
// Returns 1 on success, -1 when the claim is gone, -2 on owner mismatch.
const renewScript = `
local raw = redis.call("GET", KEYS[1])
if not raw then
    return -1
end
local claim = cjson.decode(raw)
if claim.instance_id ~= ARGV[1] then
    return -2
end
claim.last_heartbeat = ARGV[3]
redis.call("SET", KEYS[1], cjson.encode(claim), "PX", tonumber(ARGV[2]))
return 1
`

// releaseScript deletes the claim, the active-set membership, the error
// scratch and the item payload, owner-checked.
const releaseScript = `
local raw = redis.call("GET", KEYS[1])
if not raw then
    return -1
end
local claim = cjson.decode(raw)
if claim.instance_id ~= ARGV[1] then
    return -2
end
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[2])
redis.call("DEL", KEYS[3])
redis.call("DEL", KEYS[4])
return 1
`

// retryPopScript pops the earliest retry-set member whose eligibility time
// has passed.
const retryPopScript = `
local items = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
if #items == 0 then
    return false
end
redis.call("ZREM", KEYS[1], items[1])
return items[1]
`

// Options tunes the Redis queue.
type Options struct {
	ClaimTTL time.Duration
	// PriorityLevels is the number of strict priority classes. Class 0 is
	// the base stream; class n lives on "<stream>:p<n>". One class by
	// default.
	PriorityLevels int
}

// RedisQueue implements Queue on a Redis stream + claim keys + retry ZSET.
type RedisQueue struct {
	client   *redis.Client
	opts     Options
	renewSHA string
	relSHA   string
	popSHA   string
}

func NewRedisQueue(ctx context.Context, client *redis.Client, opts Options) (*RedisQueue, error) {
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = DefaultClaimTTL
	}
	if opts.PriorityLevels <= 0 {
		opts.PriorityLevels = 1
	}

	q := &RedisQueue{client: client, opts: opts}

	for level := 0; level < opts.PriorityLevels; level++ {
		err := client.XGroupCreateMkStream(ctx, q.streamKey(level), consumerGroup, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("create consumer group: %w", err)
		}
	}

	var err error
	if q.renewSHA, err = client.ScriptLoad(ctx, renewScript).Result(); err != nil {
		return nil, fmt.Errorf("preload renew script: %w", err)
	}
	if q.relSHA, err = client.ScriptLoad(ctx, releaseScript).Result(); err != nil {
		return nil, fmt.Errorf("preload release script: %w", err)
	}
	if q.popSHA, err = client.ScriptLoad(ctx, retryPopScript).Result(); err != nil {
		return nil, fmt.Errorf("preload retry pop script: %w", err)
	}
	return q, nil
}

func (q *RedisQueue) streamKey(level int) string {
	if level == 0 {
		return streamBase
	}
	return fmt.Sprintf("%s:p%d", streamBase, level)
}

func (q *RedisQueue) levelFor(priority int) int {
	if priority < 0 {
		return 0
	}
	if priority >= q.opts.PriorityLevels {
		return q.opts.PriorityLevels - 1
	}
	return priority
}

func (q *RedisQueue) Enqueue(ctx context.Context, item WorkItem) error {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.streamKey(q.levelFor(item.Priority)),
		Values: map[string]interface{}{"item": data},
	}).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context, instanceID string) (*WorkItem, error) {
	// Retry-scheduled items compete at their eligible time, ahead of fresh
	// stream entries.
	item, err := q.popRetry(ctx)
	if err != nil {
		return nil, err
	}
	if item != nil {
		ok, err := q.acquireClaim(ctx, item, instanceID)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Another instance holds the claim; the item is consumed here
			// and the claim holder owns the task.
			return nil, nil
		}
		return item, nil
	}

	// Strict priority: class 0 drains before class 1, and so on.
	for level := 0; level < q.opts.PriorityLevels; level++ {
		res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: instanceID,
			Streams:  []string{q.streamKey(level), ">"},
			Count:    1,
			Block:    -1,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(res) == 0 || len(res[0].Messages) == 0 {
			continue
		}

		msg := res[0].Messages[0]
		// The offset advances whether or not the claim is won, so the item
		// is never replayed in-instance.
		q.client.XAck(ctx, q.streamKey(level), consumerGroup, msg.ID)

		raw, ok := msg.Values["item"].(string)
		if !ok {
			continue
		}
		var item WorkItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			continue
		}

		won, err := q.acquireClaim(ctx, &item, instanceID)
		if err != nil {
			return nil, err
		}
		if !won {
			return nil, nil
		}
		return &item, nil
	}
	return nil, nil
}

func (q *RedisQueue) popRetry(ctx context.Context) (*WorkItem, error) {
	nowMs := time.Now().UnixMilli()
	res, err := q.client.EvalSha(ctx, q.popSHA, []string{retryKey}, nowMs).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	raw, ok := res.(string)
	if !ok {
		return nil, nil
	}
	var item WorkItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, fmt.Errorf("unmarshal retry item: %w", err)
	}
	return &item, nil
}

func (q *RedisQueue) acquireClaim(ctx context.Context, item *WorkItem, instanceID string) (bool, error) {
	now := time.Now().UTC()
	claim := Claim{
		TaskID:        item.TaskID,
		InstanceID:    instanceID,
		ClaimedAt:     now,
		LastHeartbeat: now,
	}
	data, err := json.Marshal(claim)
	if err != nil {
		return false, err
	}

	won, err := q.client.SetNX(ctx, claimKey(item.TaskID), data, q.opts.ClaimTTL).Result()
	if err != nil {
		return false, err
	}
	if won {
		// Item payload outlives the claim so orphan recovery can reschedule
		// with the original priority and virtual key.
		if payload, err := json.Marshal(item); err == nil {
			q.client.Set(ctx, itemKey(item.TaskID), payload, 24*time.Hour)
		}
		q.client.SAdd(ctx, activeKey, item.TaskID)
		observability.ClaimsActive.Inc()
	}
	return won, nil
}

func (q *RedisQueue) ExtendClaim(ctx context.Context, taskID, instanceID string, extension time.Duration) error {
	if extension <= 0 {
		extension = q.opts.ClaimTTL
	}
	res, err := q.client.EvalSha(ctx, q.renewSHA,
		[]string{claimKey(taskID)},
		instanceID, extension.Milliseconds(), time.Now().UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return err
	}
	if code, ok := res.(int64); !ok || code != 1 {
		return errs.ErrClaimNotHeld
	}
	return nil
}

func (q *RedisQueue) releaseClaim(ctx context.Context, taskID, instanceID string) error {
	res, err := q.client.EvalSha(ctx, q.relSHA,
		[]string{claimKey(taskID), activeKey, errScratchKey(taskID), itemKey(taskID)},
		instanceID, taskID,
	).Result()
	if err != nil {
		return err
	}
	if code, ok := res.(int64); !ok || code != 1 {
		return errs.ErrClaimNotHeld
	}
	observability.ClaimsActive.Dec()
	return nil
}

func (q *RedisQueue) Acknowledge(ctx context.Context, taskID, instanceID string) error {
	return q.releaseClaim(ctx, taskID, instanceID)
}

func (q *RedisQueue) ReturnToQueue(ctx context.Context, taskID, instanceID, reason string, retryAfter time.Duration) error {
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}

	// Keep the failure reason around for diagnostics until the next ack.
	if reason != "" {
		q.client.Set(ctx, errScratchKey(taskID), reason, 24*time.Hour)
	}

	// Read the stored payload before release deletes it.
	item := q.loadItem(ctx, taskID)

	if err := q.releaseClaim(ctx, taskID, instanceID); err != nil && !errors.Is(err, errs.ErrClaimNotHeld) {
		return err
	}
	return q.ScheduleRetry(ctx, item, time.Now().Add(retryAfter))
}

// loadItem reconstructs the claimed item from its stored payload; a bare
// item with just the task id when the payload is gone.
func (q *RedisQueue) loadItem(ctx context.Context, taskID string) WorkItem {
	raw, err := q.client.Get(ctx, itemKey(taskID)).Result()
	if err == nil {
		var item WorkItem
		if json.Unmarshal([]byte(raw), &item) == nil && item.TaskID == taskID {
			return item
		}
	}
	return WorkItem{TaskID: taskID}
}

func (q *RedisQueue) ScheduleRetry(ctx context.Context, item WorkItem, eligibleAt time.Time) error {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return q.client.ZAdd(ctx, retryKey, redis.Z{
		Score:  float64(eligibleAt.UnixMilli()),
		Member: data,
	}).Err()
}

func (q *RedisQueue) RecoverOrphans(ctx context.Context, retryDelay time.Duration) (int, error) {
	ids, err := q.client.SMembers(ctx, activeKey).Result()
	if err != nil {
		return 0, err
	}

	recovered := 0
	eligibleAt := time.Now().Add(retryDelay)
	for _, id := range ids {
		exists, err := q.client.Exists(ctx, claimKey(id)).Result()
		if err != nil {
			return recovered, err
		}
		if exists > 0 {
			continue // live claim, not an orphan
		}
		if err := q.ScheduleRetry(ctx, q.loadItem(ctx, id), eligibleAt); err != nil {
			return recovered, err
		}
		q.client.SRem(ctx, activeKey, id)
		q.client.Del(ctx, itemKey(id))
		observability.OrphansRecovered.Inc()
		recovered++
	}
	return recovered, nil
}

// Depth returns the pending retry-set size plus stream backlog, best effort.
func (q *RedisQueue) Depth(ctx context.Context) int64 {
	depth, _ := q.client.ZCard(ctx, retryKey).Result()
	for level := 0; level < q.opts.PriorityLevels; level++ {
		n, _ := q.client.XLen(ctx, q.streamKey(level)).Result()
		depth += n
	}
	return depth
}
