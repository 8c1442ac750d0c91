// Package rendezvous implements the per-contact fallback of spec.md
// §4.5: sweep unreachable contacts, spawn a temporary time-windowed
// namespace keyed by the shared-key HMAC, and exchange refreshed
// persistent IDs.
package rendezvous

import "time"

// windowSpan is the fixed bucket width spec.md §4.5 rotates the
// rendezvous slug on.
const windowSpan = 10 * time.Minute

// WindowIndex returns the 10-minute UTC bucket index containing t.
func WindowIndex(t time.Time) int64 {
	return t.UTC().Unix() / int64(windowSpan/time.Second)
}

// WindowDeadline returns how long remains in t's window, plus the 2s
// grace spec.md §4.5 adds as the wall-clock deadline for one rendezvous
// attempt.
func WindowDeadline(t time.Time) time.Duration {
	t = t.UTC()
	idx := WindowIndex(t)
	windowStart := time.Unix(idx*int64(windowSpan/time.Second), 0).UTC()
	remaining := windowSpan - t.Sub(windowStart)
	return remaining + 2*time.Second
}
