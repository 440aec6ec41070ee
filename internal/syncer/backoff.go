package syncer

import (
	"math/rand"
	"time"
)

// Delay computes the backoff before the next attempt after `attempt` failed
// transmissions. The schedule doubles from base up to the cap, then applies
// plus-or-minus twenty percent jitter so a fleet of devices recovering from
// the same outage does not retry in lockstep.
func Delay(base, limit time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if limit < base {
		limit = base
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit || delay <= 0 {
			delay = limit
			break
		}
	}
	if delay > limit {
		delay = limit
	}

	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}
