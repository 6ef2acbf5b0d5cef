package ingestion

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy bounds retries of transient failures by both attempt count
// and total wall-clock time since the first attempt.
type RetryPolicy struct {
	Base        time.Duration
	Max         time.Duration
	Budget      time.Duration
	MaxAttempts int
	// Jitter spreads delays by up to this fraction in either direction.
	Jitter float64
}

// DefaultRetryPolicy retries for about two weeks: one minute doubling up
// to six hours between attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:        time.Minute,
		Max:         6 * time.Hour,
		Budget:      14 * 24 * time.Hour,
		MaxAttempts: 80,
		Jitter:      0.1,
	}
}

// Delay returns the backoff before the given retry (1-based).
func (p RetryPolicy) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := float64(p.Base) * math.Pow(2, float64(retry-1))
	if d > float64(p.Max) || math.IsInf(d, 0) {
		d = float64(p.Max)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(d)
}

// Next decides whether a task that has made attempts attempts, the first
// at first, gets another one. maxAttempts overrides the policy's cap when
// positive.
func (p RetryPolicy) Next(attempts int, first, now time.Time, maxAttempts int) (time.Duration, bool) {
	limit := p.MaxAttempts
	if maxAttempts > 0 && (limit <= 0 || maxAttempts < limit) {
		limit = maxAttempts
	}
	if limit > 0 && attempts >= limit {
		return 0, false
	}
	delay := p.Delay(attempts)
	if p.Budget > 0 && now.Add(delay).Sub(first) > p.Budget {
		return 0, false
	}
	return delay, true
}
