// Package backoff implements the default retry-delay formula: an
// exponential curve with a floor, jittered by ±10%.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// DefaultMaxPower caps the exponent so that delay growth flattens out
// past attempt 10.
const DefaultMaxPower = 10

// Default computes the retry delay for a given attempt number using the
// formula `15 + 2^min(attempt, maxPower)` seconds, jittered by
// `±10%` uniformly. attempt is 1-indexed (the attempt that just failed).
func Default(attempt int) time.Duration {
	return DefaultWithPower(attempt, DefaultMaxPower)
}

// DefaultWithPower is Default with an overridable power cap, exposed so
// callers (and tests) can pin the exponent for boundary cases like
// maxPower=2.
func DefaultWithPower(attempt, maxPower int) time.Duration {
	power := attempt
	if power > maxPower {
		power = maxPower
	}
	if power < 0 {
		power = 0
	}
	base := 15 + math.Pow(2, float64(power))
	jitter := 1 + (rand.Float64()*2-1)*0.1
	seconds := base * jitter
	return time.Duration(seconds * float64(time.Second))
}
