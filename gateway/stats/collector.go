// Package stats is the distributed cache-statistics collector. Counters are
// plain atomic increments on Redis hashes (one per instance plus a global
// mirror), so the path is identical in a single process and across a fleet
// and no cross-instance locks exist.
package stats

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Metric names a cache counter.
type Metric string

const (
	HitCount       Metric = "HitCount"
	MissCount      Metric = "MissCount"
	SetCount       Metric = "SetCount"
	RemoveCount    Metric = "RemoveCount"
	EvictionCount  Metric = "EvictionCount"
	ErrorCount     Metric = "ErrorCount"
	EntryCount     Metric = "EntryCount"
	TotalDataBytes Metric = "TotalDataBytes"
)

// AllMetrics enumerates every counter, in exposition order.
var AllMetrics = []Metric{
	HitCount, MissCount, SetCount, RemoveCount,
	EvictionCount, ErrorCount, EntryCount, TotalDataBytes,
}

const (
	globalInstance = "global"

	instancesKey    = "conduit:cache:instances"
	updatesChannel  = "conduit:cache:stats:updates"
	alertsChannel   = "conduit:cache:alerts"
	heartbeatTTL    = 90 * time.Second
	maxSamplesKept  = 1000
	alertCooldown   = 5 * time.Minute
)

func statsKey(region, instance string) string {
	return fmt.Sprintf("conduit:cache:stats:%s:%s", region, instance)
}

func responseKey(region, op, instance string) string {
	return fmt.Sprintf("conduit:cache:response:%s:%s:%s", region, op, instance)
}

func heartbeatKey(instance string) string {
	return fmt.Sprintf("conduit:cache:heartbeat:%s", instance)
}

func alertConfigKey(region string) string {
	return fmt.Sprintf("conduit:cache:alerts:%s", region)
}

// Collector aggregates cache statistics for one instance of the fleet.
type Collector struct {
	client     *redis.Client
	instanceID string
}

func NewCollector(client *redis.Client, instanceID string) *Collector {
	return &Collector{client: client, instanceID: instanceID}
}

// Record applies one counter increment: once on this instance's hash and
// once on the region's global mirror. Both are atomic HINCRBYs; reruns only
// over-count if the event source itself duplicates.
func (c *Collector) Record(ctx context.Context, region string, metric Metric, delta int64) error {
	pipe := c.client.Pipeline()
	pipe.HIncrBy(ctx, statsKey(region, c.instanceID), string(metric), delta)
	pipe.HIncrBy(ctx, statsKey(region, globalInstance), string(metric), delta)
	_, err := pipe.Exec(ctx)
	return err
}

// RecordResponseTime appends a Get/Set latency sample, trimming the
// instance's sample set to the newest 1000.
func (c *Collector) RecordResponseTime(ctx context.Context, region, op string, millis float64) error {
	key := responseKey(region, op, c.instanceID)
	member := fmt.Sprintf("%s:%s", strconv.FormatFloat(millis, 'f', -1, 64), uuid.NewString())

	pipe := c.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(time.Now().UnixNano()), Member: member})
	pipe.ZRemRangeByRank(ctx, key, 0, int64(-(maxSamplesKept + 1)))
	_, err := pipe.Exec(ctx)
	return err
}

// Counters returns the counter hash for one (region, instance). Use
// instance "global" for the fleet mirror.
func (c *Collector) Counters(ctx context.Context, region, instance string) (map[Metric]int64, error) {
	raw, err := c.client.HGetAll(ctx, statsKey(region, instance)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[Metric]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[Metric(k)] = n
	}
	return out, nil
}

// GlobalCounters returns the fleet-wide mirror for a region.
func (c *Collector) GlobalCounters(ctx context.Context, region string) (map[Metric]int64, error) {
	return c.Counters(ctx, region, globalInstance)
}

// Heartbeat refreshes this instance's liveness key. Call on a timer shorter
// than the heartbeat TTL.
func (c *Collector) Heartbeat(ctx context.Context) error {
	pipe := c.client.Pipeline()
	pipe.Set(ctx, heartbeatKey(c.instanceID), time.Now().UTC().Format(time.RFC3339), heartbeatTTL)
	pipe.SAdd(ctx, instancesKey, c.instanceID)
	_, err := pipe.Exec(ctx)
	return err
}

// Unregister removes this instance on shutdown.
func (c *Collector) Unregister(ctx context.Context) error {
	pipe := c.client.Pipeline()
	pipe.Del(ctx, heartbeatKey(c.instanceID))
	pipe.SRem(ctx, instancesKey, c.instanceID)
	_, err := pipe.Exec(ctx)
	return err
}

// StartHeartbeat runs the liveness loop until ctx is cancelled.
func (c *Collector) StartHeartbeat(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Heartbeat(ctx); err != nil {
					log.Printf("stats: heartbeat: %v", err)
				}
			}
		}
	}()
}

// LiveInstances returns instances whose heartbeat key is unexpired.
func (c *Collector) LiveInstances(ctx context.Context) ([]string, error) {
	ids, err := c.client.SMembers(ctx, instancesKey).Result()
	if err != nil {
		return nil, err
	}
	var live []string
	for _, id := range ids {
		n, err := c.client.Exists(ctx, heartbeatKey(id)).Result()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			live = append(live, id)
		}
	}
	return live, nil
}

// parseSampleMillis extracts the latency value from a sample member.
func parseSampleMillis(member string) (float64, bool) {
	idx := strings.IndexByte(member, ':')
	if idx < 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(member[:idx], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
