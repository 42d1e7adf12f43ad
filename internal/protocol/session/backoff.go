package session

import (
	"math/rand"
	"time"
)

// KnockWait is how long a knock waits for its answer after the given
// send (1-based) before the knock is repeated. The wait grows by
// Multiplier per unanswered knock up to MaxDelay. With Jitter set the
// wait is drawn from [d/2, d) so peers knocking on one another at the
// same instant drift apart instead of colliding on every retry.
func (b BackoffConfig) KnockWait(attempt int, rng *rand.Rand) time.Duration {
	d := b.InitialDelay
	if d <= 0 {
		return 0
	}
	growth := b.Multiplier
	if growth < 1 {
		growth = 1
	}
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * growth)
		if b.MaxDelay > 0 && d >= b.MaxDelay {
			d = b.MaxDelay
			break
		}
	}
	if b.MaxDelay > 0 && d > b.MaxDelay {
		d = b.MaxDelay
	}
	if b.Jitter && rng != nil && d > 1 {
		half := d / 2
		d = half + time.Duration(rng.Int63n(int64(d-half)))
	}
	return d
}
