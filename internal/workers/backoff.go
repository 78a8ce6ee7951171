package workers

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// calculateBackoff returns the delay before the crashCount-th restart
// attempt: base * 2^(crashCount-1), capped at max. crashCount <= 0 yields
// no delay. The exponent is computed by stepping a disarmed (zero jitter)
// backoff.ExponentialBackOff rather than hand-rolling the power-of-two
// series.
func calculateBackoff(crashCount int, base, maxDelay time.Duration) time.Duration {
	if crashCount <= 0 {
		return 0
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.MaxInterval = maxDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.Reset()

	var delay time.Duration
	for i := 0; i < crashCount; i++ {
		delay = eb.NextBackOff()
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
