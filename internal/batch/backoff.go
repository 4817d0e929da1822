package batch

import (
	"math"
	"time"
)

// RetryPolicy maps a retry attempt to a backoff delay. Pure: no clock and
// no jitter.
type RetryPolicy struct {
	MaxRetries   int           `json:"max_retries"`
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
}

// DefaultRetryPolicy returns the production defaults: six retries starting
// at 2s, doubling, capped at 64s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   6,
		InitialDelay: 2 * time.Second,
		MaxDelay:     64 * time.Second,
		Multiplier:   2,
	}
}

// Delay returns min(initial * multiplier^attempt, max). Attempt 0 is the
// first retry.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}
	delay := time.Duration(float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt)))
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay <= 0) {
		delay = p.MaxDelay
	}
	return delay
}

// Exhausted reports whether the retry ceiling has been reached.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetries
}
