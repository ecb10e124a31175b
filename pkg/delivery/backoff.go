package delivery

import (
	"math/rand"
	"time"
)

const (
	backoffBase   = time.Second
	backoffFactor = 2
	backoffCap    = 60 * time.Second
)

// BackoffFunc returns the wait before retry number attempt (1-based,
// counting failed attempts so far).
type BackoffFunc func(attempt int) time.Duration

// ExponentialBackoff doubles the base delay per failed attempt, capped
// at 60s, with +/-50% jitter to spread provider retries apart.
func ExponentialBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= backoffFactor
		if d >= backoffCap {
			d = backoffCap
			break
		}
	}
	// jitter in [d/2, 3d/2)
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}
