// Package quality tracks transcription quality signals (confidence,
// accuracy, word error rate) in rolling windows per provider, model and
// language. Windows are process-local mirrors feeding the resilience
// controller's health evaluation.
package quality

import (
	"context"
	"log"
	"math"
	"sort"
	"sync"
	"time"
)

// Axis partitions samples.
type Axis string

const (
	AxisProvider Axis = "provider"
	AxisModel    Axis = "model"
	AxisLanguage Axis = "language"
)

// Trend describes the recent direction of a metric.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

const (
	windowRetention = 24 * time.Hour

	lowConfidence  = 0.7
	highConfidence = 0.95

	// Trend compares the mean of the oldest five samples against the
	// newest five; a swing past 5% either way leaves Stable.
	trendSampleCount = 5
	trendDelta       = 0.05

	minProviderConfidence = 0.8
	maxLanguageWER        = 0.15
)

// Sample is one quality observation.
type Sample struct {
	Confidence    float64
	Accuracy      float64
	WordErrorRate float64
	Timestamp     time.Time
}

// Metrics are the derived statistics for one window.
type Metrics struct {
	Count              int     `json:"count"`
	AvgConfidence      float64 `json:"avg_confidence"`
	MinConfidence      float64 `json:"min_confidence"`
	MaxConfidence      float64 `json:"max_confidence"`
	StdDevConfidence   float64 `json:"stddev_confidence"`
	AvgWER             float64 `json:"avg_wer"`
	LowConfidenceRate  float64 `json:"low_confidence_rate"`
	HighConfidenceRate float64 `json:"high_confidence_rate"`
	Trend              Trend   `json:"trend"`
}

// Recommendation flags a degraded axis value.
type Recommendation struct {
	Axis    Axis    `json:"axis"`
	Key     string  `json:"key"`
	Message string  `json:"message"`
	Value   float64 `json:"value"`
}

// Tracker maintains the rolling windows.
type Tracker struct {
	mu      sync.RWMutex
	windows map[Axis]map[string][]Sample
}

func NewTracker() *Tracker {
	return &Tracker{
		windows: map[Axis]map[string][]Sample{
			AxisProvider: {},
			AxisModel:    {},
			AxisLanguage: {},
		},
	}
}

// Record appends a sample to the provider, model and language windows.
func (t *Tracker) Record(provider, model, language string, s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.windows[AxisProvider][provider] = append(t.windows[AxisProvider][provider], s)
	t.windows[AxisModel][model] = append(t.windows[AxisModel][model], s)
	if language != "" {
		t.windows[AxisLanguage][language] = append(t.windows[AxisLanguage][language], s)
	}
}

// MetricsFor derives statistics for one window; zero Metrics when empty.
func (t *Tracker) MetricsFor(axis Axis, key string) Metrics {
	t.mu.RLock()
	samples := append([]Sample(nil), t.windows[axis][key]...)
	t.mu.RUnlock()

	if len(samples) == 0 {
		return Metrics{Trend: TrendStable}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].Timestamp.Before(samples[j].Timestamp) })

	m := Metrics{
		Count:         len(samples),
		MinConfidence: math.Inf(1),
		MaxConfidence: math.Inf(-1),
	}

	var sum, sumSq, werSum float64
	var low, high int
	for _, s := range samples {
		sum += s.Confidence
		sumSq += s.Confidence * s.Confidence
		werSum += s.WordErrorRate
		if s.Confidence < lowConfidence {
			low++
		}
		if s.Confidence >= highConfidence {
			high++
		}
		m.MinConfidence = math.Min(m.MinConfidence, s.Confidence)
		m.MaxConfidence = math.Max(m.MaxConfidence, s.Confidence)
	}

	n := float64(len(samples))
	m.AvgConfidence = sum / n
	m.AvgWER = werSum / n
	m.LowConfidenceRate = float64(low) / n
	m.HighConfidenceRate = float64(high) / n

	variance := sumSq/n - m.AvgConfidence*m.AvgConfidence
	if variance > 0 {
		m.StdDevConfidence = math.Sqrt(variance)
	}

	m.Trend = trendOf(samples)
	return m
}

func trendOf(sorted []Sample) Trend {
	if len(sorted) < 2*trendSampleCount {
		return TrendStable
	}
	oldest := meanConfidence(sorted[:trendSampleCount])
	newest := meanConfidence(sorted[len(sorted)-trendSampleCount:])
	if oldest == 0 {
		return TrendStable
	}
	change := (newest - oldest) / oldest
	switch {
	case change > trendDelta:
		return TrendImproving
	case change < -trendDelta:
		return TrendDeclining
	default:
		return TrendStable
	}
}

func meanConfidence(samples []Sample) float64 {
	var sum float64
	for _, s := range samples {
		sum += s.Confidence
	}
	return sum / float64(len(samples))
}

// Recommendations reports providers with weak average confidence and
// languages with excessive word error rate.
func (t *Tracker) Recommendations() []Recommendation {
	t.mu.RLock()
	providers := keysOf(t.windows[AxisProvider])
	languages := keysOf(t.windows[AxisLanguage])
	t.mu.RUnlock()

	var recs []Recommendation
	for _, p := range providers {
		m := t.MetricsFor(AxisProvider, p)
		if m.Count > 0 && m.AvgConfidence < minProviderConfidence {
			recs = append(recs, Recommendation{
				Axis:    AxisProvider,
				Key:     p,
				Message: "average confidence below threshold; consider rerouting traffic",
				Value:   m.AvgConfidence,
			})
		}
	}
	for _, l := range languages {
		m := t.MetricsFor(AxisLanguage, l)
		if m.Count > 0 && m.AvgWER > maxLanguageWER {
			recs = append(recs, Recommendation{
				Axis:    AxisLanguage,
				Key:     l,
				Message: "word error rate above threshold; consider a specialized model",
				Value:   m.AvgWER,
			})
		}
	}
	return recs
}

func keysOf(m map[string][]Sample) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Prune drops samples older than the retention window.
func (t *Tracker) Prune() int {
	cutoff := time.Now().Add(-windowRetention)

	t.mu.Lock()
	defer t.mu.Unlock()

	dropped := 0
	for _, byKey := range t.windows {
		for key, samples := range byKey {
			kept := samples[:0]
			for _, s := range samples {
				if s.Timestamp.After(cutoff) {
					kept = append(kept, s)
				} else {
					dropped++
				}
			}
			if len(kept) == 0 {
				delete(byKey, key)
			} else {
				byKey[key] = kept
			}
		}
	}
	return dropped
}

// StartPruning runs the retention sweep on a timer until ctx is cancelled.
func (t *Tracker) StartPruning(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := t.Prune(); n > 0 {
					log.Printf("quality: pruned %d expired samples", n)
				}
			}
		}
	}()
}
