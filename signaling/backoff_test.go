package signaling

import (
	"testing"
	"time"
)

func TestBackoffGrowsThenCaps(t *testing.T) {
	var b Backoff
	var prev time.Duration
	for i := 0; i < 8; i++ {
		d := b.Next()
		if d < 0 {
			t.Fatalf("negative delay at attempt %d: %v", i, d)
		}
		if d > backoffCap+time.Second {
			t.Fatalf("delay exceeds cap+jitter at attempt %d: %v", i, d)
		}
		// From attempt 2 until the base reaches the cap (attempt 5), each
		// base at least doubles, which outruns the ±1s jitter.
		if i >= 2 && i <= 5 && d <= prev {
			t.Fatalf("delay did not grow at attempt %d: %v after %v", i, d, prev)
		}
		prev = d
	}
	_ = prev
}

func TestBackoffResetRestartsSequence(t *testing.T) {
	var b Backoff
	b.Next()
	b.Next()
	b.Next() // attempt counter now at 3, next base would be ~8s
	b.Reset()
	d := b.Next()
	if d > 2*time.Second+time.Second { // base 1s plus up to 1s jitter either way
		t.Fatalf("expected reset to restart near 1s, got %v", d)
	}
}
