package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// RegionSnapshot is the JSON export for one region.
type RegionSnapshot struct {
	Region      string                 `json:"region"`
	Counters    map[Metric]int64       `json:"counters"`
	HitRate     float64                `json:"hit_rate"`
	Percentiles map[string]Percentiles `json:"percentiles"`
}

// Snapshot assembles the JSON dump for a region from the global mirror.
func (c *Collector) Snapshot(ctx context.Context, region string) (RegionSnapshot, error) {
	counters, err := c.GlobalCounters(ctx, region)
	if err != nil {
		return RegionSnapshot{}, err
	}

	snap := RegionSnapshot{
		Region:      region,
		Counters:    counters,
		Percentiles: make(map[string]Percentiles, 2),
	}

	if lookups := counters[HitCount] + counters[MissCount]; lookups > 0 {
		snap.HitRate = float64(counters[HitCount]) / float64(lookups)
	}
	for _, op := range []string{"get", "set"} {
		p, err := c.ResponsePercentiles(ctx, region, op)
		if err != nil {
			return RegionSnapshot{}, err
		}
		snap.Percentiles[op] = p
	}
	return snap, nil
}

// DumpJSON renders snapshots for the given regions.
func (c *Collector) DumpJSON(ctx context.Context, regions []string) ([]byte, error) {
	out := make([]RegionSnapshot, 0, len(regions))
	for _, region := range regions {
		snap, err := c.Snapshot(ctx, region)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return json.MarshalIndent(out, "", "  ")
}

// PrometheusText renders the cache statistics in text exposition format.
// Label set is {region}, plus {region,quantile} for the latency summary.
func (c *Collector) PrometheusText(ctx context.Context, regions []string) (string, error) {
	var b strings.Builder

	b.WriteString("# TYPE cache_hits_total counter\n")
	b.WriteString("# TYPE cache_misses_total counter\n")
	b.WriteString("# TYPE cache_hit_rate gauge\n")
	b.WriteString("# TYPE cache_response_time_milliseconds summary\n")

	for _, region := range regions {
		snap, err := c.Snapshot(ctx, region)
		if err != nil {
			return "", err
		}

		fmt.Fprintf(&b, "cache_hits_total{region=%q} %d\n", region, snap.Counters[HitCount])
		fmt.Fprintf(&b, "cache_misses_total{region=%q} %d\n", region, snap.Counters[MissCount])
		fmt.Fprintf(&b, "cache_hit_rate{region=%q} %g\n", region, snap.HitRate)

		// Union of get+set samples feeds the summary.
		for _, q := range []struct {
			label string
			pick  func(Percentiles) float64
		}{
			{"0.5", func(p Percentiles) float64 { return p.P50 }},
			{"0.95", func(p Percentiles) float64 { return p.P95 }},
			{"0.99", func(p Percentiles) float64 { return p.P99 }},
		} {
			get := snap.Percentiles["get"]
			fmt.Fprintf(&b, "cache_response_time_milliseconds{region=%q,quantile=%q} %g\n",
				region, q.label, q.pick(get))
		}
	}
	return b.String(), nil
}
