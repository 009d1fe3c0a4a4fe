package dispatcher

import (
	"math/rand"
	"time"
)

// Backoff returns the wait before retry number attempt (1-based): exponential
// in the attempt count, plus up to one base interval of jitter so simultaneous
// failures do not retry in lockstep, capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	// Shifting past 62 bits overflows; the cap applies long before that.
	shift := uint(attempt)
	if shift > 32 {
		shift = 32
	}
	delay := base * time.Duration(int64(1)<<shift)
	if delay <= 0 || delay > max {
		delay = max
	}
	delay += time.Duration(rand.Int63n(int64(base)))
	if delay > max {
		delay = max
	}
	return delay
}
