package stream

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy computes jittered exponential backoff delays for relay
// reconnects and spool drain attempts.
type RetryPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultRetryPolicy matches the delays used for broker reconnects.
var DefaultRetryPolicy = RetryPolicy{Initial: 250 * time.Millisecond, Max: 30 * time.Second}

// Backoff returns the delay before the given attempt. Attempt zero and
// negative attempts return the initial delay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	initial := p.Initial
	if initial <= 0 {
		initial = time.Second
	}
	if attempt <= 0 {
		return initial
	}
	max := p.Max
	if max <= 0 {
		max = 10 * time.Second
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}
