package daemon

import (
	"math"
	"math/rand"
	"time"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = 1 * time.Second
	acceptJitter     = 0.25
)

// acceptBackoff spaces out retries after failed accepts (e.g. EMFILE) with
// exponential backoff and jitter.
type acceptBackoff struct {
	attempt int
}

// reset restarts the backoff. Call after a successful accept.
func (b *acceptBackoff) reset() {
	b.attempt = 0
}

func (b *acceptBackoff) next() time.Duration {
	// Exponential: min * 2^attempt, capped at max
	base := float64(minAcceptBackoff) * math.Pow(2, float64(b.attempt))
	if base > float64(maxAcceptBackoff) {
		base = float64(maxAcceptBackoff)
	} else {
		b.attempt++
	}

	// Add jitter: ±25%
	j := base * acceptJitter * (2*rand.Float64() - 1)
	d := time.Duration(base + j)
	if d < minAcceptBackoff {
		d = minAcceptBackoff
	}
	if d > maxAcceptBackoff {
		d = maxAcceptBackoff
	}
	return d
}
