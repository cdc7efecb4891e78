package resilience

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ProviderLimiter applies a token-bucket limit per provider. The base rate
// is scaled by the provider's throttle level, so a provider at level 0.5
// receives half its normal traffic.
type ProviderLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	baseRate float64
	burst    int
}

// NewProviderLimiter creates a limiter with baseRate tokens per second and
// burst b per provider.
func NewProviderLimiter(baseRate float64, burst int) *ProviderLimiter {
	return &ProviderLimiter{
		limiters: make(map[string]*rate.Limiter),
		baseRate: baseRate,
		burst:    burst,
	}
}

func (l *ProviderLimiter) limiterFor(provider string) *rate.Limiter {
	limiter, ok := l.limiters[provider]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(l.baseRate), l.burst)
		l.limiters[provider] = limiter
	}
	return limiter
}

// Allow checks whether a call to the provider may proceed now.
func (l *ProviderLimiter) Allow(provider string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limiterFor(provider).Allow()
}

// Reserve checks permission and returns the wait if the limit is exceeded.
func (l *ProviderLimiter) Reserve(provider string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := l.limiterFor(provider).Reserve()
	delay := r.Delay()
	if delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}

// SetThrottle rescales a provider's limit to baseRate * level.
func (l *ProviderLimiter) SetThrottle(provider string, level float64) {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiterFor(provider).SetLimit(rate.Limit(l.baseRate * level))
}
