package stats

import (
	"context"
	"math"
	"sort"
)

// Percentiles holds the on-demand latency summary for one (region, op).
type Percentiles struct {
	P50     float64 `json:"p50"`
	P95     float64 `json:"p95"`
	P99     float64 `json:"p99"`
	Samples int     `json:"samples"`
}

// ResponsePercentiles computes p50/p95/p99 over the union of samples across
// live instances. A point-in-time snapshot: it may lag by one sample
// interval. An empty sample set yields zeros, no error.
func (c *Collector) ResponsePercentiles(ctx context.Context, region, op string) (Percentiles, error) {
	instances, err := c.LiveInstances(ctx)
	if err != nil {
		return Percentiles{}, err
	}

	var values []float64
	for _, instance := range instances {
		members, err := c.client.ZRange(ctx, responseKey(region, op, instance), 0, -1).Result()
		if err != nil {
			return Percentiles{}, err
		}
		for _, m := range members {
			if v, ok := parseSampleMillis(m); ok {
				values = append(values, v)
			}
		}
	}

	if len(values) == 0 {
		return Percentiles{}, nil
	}
	sort.Float64s(values)

	return Percentiles{
		P50:     percentile(values, 0.50),
		P95:     percentile(values, 0.95),
		P99:     percentile(values, 0.99),
		Samples: len(values),
	}, nil
}

// percentile uses the nearest-rank method over a sorted slice.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
