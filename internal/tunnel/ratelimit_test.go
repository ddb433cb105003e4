package tunnel

import (
	"testing"
	"time"
)

func TestRateLimiterSpacing(t *testing.T) {
	const interval = 100 * time.Millisecond
	r := NewRateLimiter(interval)

	if !r.Ready(t0) {
		t.Fatal("fresh limiter not ready")
	}
	r.Mark(t0)

	if r.Ready(t0.Add(50 * time.Millisecond)) {
		t.Fatal("ready before the interval elapsed")
	}
	if d := r.Delay(t0.Add(40 * time.Millisecond)); d != 60*time.Millisecond {
		t.Fatalf("Delay = %v, want 60ms", d)
	}
	if !r.Ready(t0.Add(interval + time.Millisecond)) {
		t.Fatal("not ready after the interval")
	}
	if !r.LastTx().Equal(t0) {
		t.Fatalf("LastTx = %v", r.LastTx())
	}
}

// TestRateLimiterTenPackets simulates ten frames waiting at once, polled
// every millisecond: the last one cannot leave before 0.9s.
func TestRateLimiterTenPackets(t *testing.T) {
	r := NewRateLimiter(100 * time.Millisecond)

	var sent []time.Time
	for now := t0; len(sent) < 10; now = now.Add(time.Millisecond) {
		if r.Ready(now) {
			r.Mark(now)
			sent = append(sent, now)
		}
	}

	if span := sent[9].Sub(sent[0]); span < 900*time.Millisecond {
		t.Fatalf("10 packets took %v, want >= 900ms", span)
	}
	for i := 1; i < len(sent); i++ {
		if gap := sent[i].Sub(sent[i-1]); gap < 100*time.Millisecond {
			t.Fatalf("gap %d = %v", i, gap)
		}
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	r := NewRateLimiter(0)
	r.Mark(t0)
	if !r.Ready(t0) || r.Delay(t0) != 0 {
		t.Fatal("disabled limiter throttled")
	}
}
