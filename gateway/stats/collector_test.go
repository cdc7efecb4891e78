package stats

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCollector(t *testing.T, instance string) (*Collector, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewCollector(client, instance), mr, client
}

func sameServerCollector(client *redis.Client, instance string) *Collector {
	return NewCollector(client, instance)
}

func TestGlobalMirrorsInstanceCounters(t *testing.T) {
	c1, _, client := newTestCollector(t, "i1")
	c2 := sameServerCollector(client, "i2")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := c1.Record(ctx, "VirtualKeys", HitCount, 1); err != nil {
			t.Fatal(err)
		}
	}
	if err := c2.Record(ctx, "VirtualKeys", HitCount, 2); err != nil {
		t.Fatal(err)
	}
	if err := c2.Record(ctx, "VirtualKeys", MissCount, 1); err != nil {
		t.Fatal(err)
	}

	global, err := c1.GlobalCounters(ctx, "VirtualKeys")
	if err != nil {
		t.Fatal(err)
	}

	// Invariant: global equals the sum over instances.
	i1, _ := c1.Counters(ctx, "VirtualKeys", "i1")
	i2, _ := c1.Counters(ctx, "VirtualKeys", "i2")
	if global[HitCount] != i1[HitCount]+i2[HitCount] {
		t.Errorf("global hits %d != %d + %d", global[HitCount], i1[HitCount], i2[HitCount])
	}
	if global[HitCount] != 5 || global[MissCount] != 1 {
		t.Errorf("global = %v, want hits 5 misses 1", global)
	}
}

func TestPublishSnapshotOnUpdatesChannel(t *testing.T) {
	c, _, client := newTestCollector(t, "i1")
	ctx := context.Background()

	if err := c.Record(ctx, "VirtualKeys", HitCount, 4); err != nil {
		t.Fatal(err)
	}

	sub := client.Subscribe(ctx, updatesChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatal(err)
	}

	if err := c.PublishSnapshot(ctx, "VirtualKeys"); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-sub.Channel():
		var payload struct {
			Region   string           `json:"region"`
			Counters map[Metric]int64 `json:"counters"`
		}
		if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
			t.Fatal(err)
		}
		if payload.Region != "VirtualKeys" || payload.Counters[HitCount] != 4 {
			t.Errorf("snapshot = %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot on the updates channel")
	}
}

func TestPercentilesUnionAcrossLiveInstances(t *testing.T) {
	c1, _, client := newTestCollector(t, "i1")
	c2 := sameServerCollector(client, "i2")
	ctx := context.Background()

	if err := c1.Heartbeat(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c2.Heartbeat(ctx); err != nil {
		t.Fatal(err)
	}

	for _, ms := range []float64{10, 20, 30, 40, 50} {
		if err := c1.RecordResponseTime(ctx, "ModelMappings", "get", ms); err != nil {
			t.Fatal(err)
		}
	}
	for _, ms := range []float64{60, 70, 80, 90, 100} {
		if err := c2.RecordResponseTime(ctx, "ModelMappings", "get", ms); err != nil {
			t.Fatal(err)
		}
	}

	p, err := c1.ResponsePercentiles(ctx, "ModelMappings", "get")
	if err != nil {
		t.Fatal(err)
	}
	if p.Samples != 10 {
		t.Fatalf("union samples = %d, want 10", p.Samples)
	}
	if p.P50 != 50 {
		t.Errorf("p50 = %g, want 50", p.P50)
	}
	if p.P99 != 100 {
		t.Errorf("p99 = %g, want 100", p.P99)
	}
}

func TestDeadInstanceExcludedFromPercentiles(t *testing.T) {
	c1, mr, client := newTestCollector(t, "i1")
	c2 := sameServerCollector(client, "i2")
	ctx := context.Background()

	if err := c1.Heartbeat(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c2.Heartbeat(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c2.RecordResponseTime(ctx, "VirtualKeys", "set", 500); err != nil {
		t.Fatal(err)
	}

	// i2's heartbeat expires; only i1 is live and i1 has no samples.
	mr.FastForward(2 * time.Minute)
	if err := c1.Heartbeat(ctx); err != nil {
		t.Fatal(err)
	}

	p, err := c1.ResponsePercentiles(ctx, "VirtualKeys", "set")
	if err != nil {
		t.Fatal(err)
	}
	if p.Samples != 0 {
		t.Errorf("dead instance samples leaked in: %+v", p)
	}
}

func TestEmptyPercentilesAreZero(t *testing.T) {
	c, _, _ := newTestCollector(t, "i1")

	p, err := c.ResponsePercentiles(context.Background(), "Nowhere", "get")
	if err != nil {
		t.Fatalf("empty sample set must not error: %v", err)
	}
	if p.P50 != 0 || p.P95 != 0 || p.P99 != 0 {
		t.Errorf("empty percentiles = %+v, want zeros", p)
	}
}

func TestSampleTrimming(t *testing.T) {
	c, _, client := newTestCollector(t, "i1")
	ctx := context.Background()

	for i := 0; i < maxSamplesKept+100; i++ {
		if err := c.RecordResponseTime(ctx, "R", "get", float64(i)); err != nil {
			t.Fatal(err)
		}
	}

	n, err := client.ZCard(ctx, responseKey("R", "get", "i1")).Result()
	if err != nil {
		t.Fatal(err)
	}
	if n != maxSamplesKept {
		t.Errorf("kept %d samples, want %d", n, maxSamplesKept)
	}
}

func TestAlertCooldown(t *testing.T) {
	c, _, _ := newTestCollector(t, "i1")
	a := NewAlerter(c)
	ctx := context.Background()

	if err := a.SetThresholds(ctx, "VirtualKeys", Thresholds{MinHitRate: 0.9}); err != nil {
		t.Fatal(err)
	}

	// 1 hit, 9 misses: hit rate 0.1, well under threshold.
	if err := c.Record(ctx, "VirtualKeys", HitCount, 1); err != nil {
		t.Fatal(err)
	}
	if err := c.Record(ctx, "VirtualKeys", MissCount, 9); err != nil {
		t.Fatal(err)
	}

	var fired []Alert
	a.AddListener(func(al Alert) { fired = append(fired, al) })

	if err := a.Check(ctx, "VirtualKeys"); err != nil {
		t.Fatal(err)
	}
	if err := a.Check(ctx, "VirtualKeys"); err != nil {
		t.Fatal(err)
	}

	if len(fired) != 1 {
		t.Fatalf("expected 1 alert inside the cooldown window, got %d", len(fired))
	}
	if fired[0].Type != AlertLowHitRate {
		t.Errorf("alert type = %s", fired[0].Type)
	}
}

func TestPrometheusText(t *testing.T) {
	c, _, _ := newTestCollector(t, "i1")
	ctx := context.Background()

	if err := c.Record(ctx, "VirtualKeys", HitCount, 8); err != nil {
		t.Fatal(err)
	}
	if err := c.Record(ctx, "VirtualKeys", MissCount, 2); err != nil {
		t.Fatal(err)
	}

	text, err := c.PrometheusText(ctx, []string{"VirtualKeys"})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`cache_hits_total{region="VirtualKeys"} 8`,
		`cache_misses_total{region="VirtualKeys"} 2`,
		`cache_hit_rate{region="VirtualKeys"} 0.8`,
		`cache_response_time_milliseconds{region="VirtualKeys",quantile="0.95"}`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("exposition missing %q in:\n%s", want, text)
		}
	}
}
