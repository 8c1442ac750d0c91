package signaling

import (
	"math/rand/v2"
	"time"
)

// Backoff computes the exponential-plus-jitter reconnect delay of
// spec.md §4.1: 1s, 2s, 4s, ... capped at 30s, ±1s jitter. It is reset to
// its initial state on a successful open, mirroring the allocate-then-
// retry counters the teacher resets on success (e.g. circuit.Create's
// circuit-ID allocation loop).
type Backoff struct {
	attempt int
}

const (
	backoffBase = time.Second
	backoffCap  = 30 * time.Second
	jitterSpan  = 2 * time.Second // ±1s
)

// Next returns the delay for the current attempt and advances the
// counter.
func (b *Backoff) Next() time.Duration {
	delay := backoffBase << b.attempt
	if delay > backoffCap || delay <= 0 {
		delay = backoffCap
	}
	b.attempt++

	jitter := time.Duration(rand.Int64N(int64(jitterSpan))) - jitterSpan/2
	delay += jitter
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Reset returns the backoff to its initial state, called after a
// successful reconnect.
func (b *Backoff) Reset() {
	b.attempt = 0
}
