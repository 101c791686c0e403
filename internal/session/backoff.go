package session

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// NewBackoff returns a schedule that doubles from base up to max and never
// gives up. jitter is the randomization factor, 0 for exact doubling.
func NewBackoff(base, max time.Duration, jitter float64) *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(base),
		backoff.WithMaxInterval(max),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(jitter),
		backoff.WithMaxElapsedTime(0),
	)
}
