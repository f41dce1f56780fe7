package sync

import (
	"math"
	"math/rand"
	"time"
)

// backoffDelay computes base × factor^attempt capped at max, randomized
// within ±50% so simultaneous retries from many clients spread out.
func backoffDelay(base time.Duration, factor float64, attempt int, max time.Duration) time.Duration {
	d := float64(base) * math.Pow(factor, float64(attempt))
	if d > float64(max) {
		d = float64(max)
	}
	jitter := 0.5 + rand.Float64() // [0.5, 1.5)
	return time.Duration(d * jitter)
}
