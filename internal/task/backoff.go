package task

import (
	"math"
	"math/rand"
	"time"
)

// computeDelay applies the retry policy's backoff formula for the upcoming
// attempt n (1-indexed, i.e. the attempt about to be made), then adds
// 10-20% jitter.
func computeDelay(policy RetryPolicy, n int) time.Duration {
	var delay time.Duration
	switch policy.Kind {
	case Exponential:
		factor := math.Pow(2, float64(n-1))
		delay = time.Duration(float64(policy.Initial) * factor)
	case Linear:
		delay = policy.Initial * time.Duration(n)
	default: // Fixed
		delay = policy.Initial
	}
	if policy.Max > 0 && delay > policy.Max {
		delay = policy.Max
	}
	return addJitter(delay)
}

func addJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return delay
	}
	// 10-20% jitter, added on top of delay.
	pct := 0.10 + rand.Float64()*0.10
	return delay + time.Duration(float64(delay)*pct)
}
