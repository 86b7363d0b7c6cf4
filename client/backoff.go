package client

import "time"

// Backoff computes the reconnect delay for the given consecutive failure
// count: base doubling per attempt, capped at max. Pure function of its
// inputs so the reconnect policy is testable without real time passing;
// jitter is applied separately by the caller.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
