package domain

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// MaxErrorLen is the cap on a job's stored last_error string (§5, §7).
const MaxErrorLen = 2000

// TruncateError clips an error message to MaxErrorLen, matching the queue's
// storage contract for last_error.
func TruncateError(msg string) string {
	if len(msg) <= MaxErrorLen {
		return msg
	}
	return msg[:MaxErrorLen]
}

// BackoffSeconds returns the retry controller's delay for a job about to be
// requeued after its attempts-th failure: min(8, 2^attempts) seconds (§4.5).
//
// Computed via cenkalti/backoff's exponential backoff with randomization
// disabled, rather than a hand-rolled power function, so the cap and growth
// curve come from the library.
func BackoffSeconds(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.MaxInterval = 8 * time.Second
	b.RandomizationFactor = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < attempts+1; i++ {
		d = b.NextBackOff()
	}
	if d > 8*time.Second {
		d = 8 * time.Second
	}
	return d
}
