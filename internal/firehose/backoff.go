package firehose

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newBackoff returns a deterministic exponential backoff that never gives up.
func newBackoff(initial time.Duration, factor float64, ceiling time.Duration) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          factor,
		MaxInterval:         ceiling,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// nextDelay returns the next wait, rounded to whole milliseconds.
func nextDelay(b *backoff.ExponentialBackOff) time.Duration {
	return b.NextBackOff().Round(time.Millisecond)
}
