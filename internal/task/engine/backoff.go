package engine

import (
	"errors"
	"math/rand"
	"time"
)

// Delay returns the wait before attempt next (2 for the first retry).
// The base doubles per retry from Seed and a random factor places the
// result in [base, 2*base), capped at MaxDelay. A RetryAfter hint on err
// replaces the computed base.
func (p RetryPolicy) Delay(next int, err error, rng *rand.Rand) time.Duration {
	p = p.withDefaults()

	d := p.Seed
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d = max(ra.RetryAfter(), 0)
	} else {
		for i := 2; i < next; i++ {
			d *= 2
			if d >= p.MaxDelay {
				d = p.MaxDelay
				break
			}
		}
	}
	if rng != nil && d > 0 {
		d += time.Duration(rng.Int63n(int64(d)))
	}
	return min(d, p.MaxDelay)
}

// ShouldRetry reports whether attempt (1-based, just failed) may be followed
// by another one.
func (p RetryPolicy) ShouldRetry(attempt int, err error) bool {
	p = p.withDefaults()
	if err == nil || IsNoRetry(err) {
		return false
	}
	return attempt < p.MaxAttempts
}
