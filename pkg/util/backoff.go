package util

import (
	"context"
	"time"
)

// ExponentialBackoff returns the delay before retry number attempt (1-based):
// base, 2*base, 4*base ... capped at max. A zero max means uncapped.
func ExponentialBackoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 || base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
		// 溢出保护
		if d <= 0 {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// SleepContext waits for d or until ctx is done, whichever comes first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
