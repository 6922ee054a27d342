package queue

import (
	"math/rand"
	"time"
)

// BackoffStrategy defines the delay before an entry becomes eligible again.
type BackoffStrategy interface {
	// NextDelay returns the delay after the given number of attempts (1-based).
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff implements capped exponential backoff with optional jitter
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter is the fraction (0..1) of the delay randomized downwards.
	Jitter float64
}

// DefaultBackoff is 1s doubling up to 5m.
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2,
	}
}

func (eb *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	// initialDelay * multiplier^(attempt-1), capped before converting back
	delay := float64(eb.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= eb.Multiplier
		if delay >= float64(eb.MaxDelay) {
			delay = float64(eb.MaxDelay)
			break
		}
	}
	if eb.MaxDelay > 0 && delay > float64(eb.MaxDelay) {
		delay = float64(eb.MaxDelay)
	}

	if eb.Jitter > 0 {
		delay -= delay * eb.Jitter * rand.Float64()
	}
	return time.Duration(delay)
}
