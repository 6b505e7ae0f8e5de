package resilience

import "time"

// JobBackoff returns the deterministic delay before a failed job becomes
// eligible again: base × 2^(attempt-1), capped. With a 30s base this gives
// 30s, 60s, 120s, … No jitter: the schedule must be reproducible for
// operator inspection and tests.
func JobBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
