package poll

import "time"

const (
	// DefaultSuccessInterval is the base delay between polls.
	DefaultSuccessInterval = 2 * time.Second
	// DefaultMaxInterval caps the delay after repeated failures.
	DefaultMaxInterval = 10 * time.Second
)

// Backoff computes the next-poll delay from the number of consecutive failures.
type Backoff struct {
	SuccessInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultBackoff returns the 2s base / 10s max backoff.
func DefaultBackoff() Backoff {
	return Backoff{SuccessInterval: DefaultSuccessInterval, MaxInterval: DefaultMaxInterval}
}

// Delay returns min(SuccessInterval*(failures+1), MaxInterval).
func (b Backoff) Delay(consecutiveFailures int) time.Duration {
	base := b.SuccessInterval
	if base <= 0 {
		base = DefaultSuccessInterval
	}
	maximum := b.MaxInterval
	if maximum < base {
		maximum = base
	}
	if consecutiveFailures < 0 {
		consecutiveFailures = 0
	}
	// Guard the multiplication against overflow for long failure streaks.
	if int64(consecutiveFailures+1) > int64(maximum/base) {
		return maximum
	}
	delay := base * time.Duration(consecutiveFailures+1)
	if delay > maximum {
		return maximum
	}
	return delay
}
