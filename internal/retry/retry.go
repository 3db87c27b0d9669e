// Package retry provides a fixed-schedule retry helper for remote
// commands and HTTP calls against flaky upstreams.
package retry

import (
	"context"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// Do runs op up to attempts times, sleeping delay*multiplier^(n-1)
// between attempt n and n+1. Every error is retried alike; the last
// error is returned once attempts are exhausted. Cancelling ctx stops
// the schedule between attempts.
func Do(ctx context.Context, op func() error, attempts int, delay time.Duration, multiplier float64) error {
	if attempts < 1 {
		attempts = 1
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = delay
	expo.Multiplier = multiplier
	expo.RandomizationFactor = 0
	expo.MaxInterval = 10 * time.Minute
	expo.MaxElapsedTime = 0
	expo.Reset()

	bo := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(attempts-1)), ctx)
	return backoff.Retry(op, bo)
}
