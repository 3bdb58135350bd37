package agent

import (
	"testing"
	"time"
)

// fixed jitter makes delays deterministic: factor 0.8 + 0.4*j.
func fixedJitter(j float64) func() float64 {
	return func() float64 { return j }
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	b := NewBackoff(30 * time.Second)
	b.jitter = fixedJitter(0.5) // factor 1.0

	want := []time.Duration{
		30 * time.Second,
		60 * time.Second,
		120 * time.Second,
		150 * time.Second, // capped at 5x base
		150 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Fatalf("attempt %d: expected %v, got %v", i, w, got)
		}
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	low := NewBackoff(30 * time.Second)
	low.jitter = fixedJitter(0)
	if got := low.Next(); got != 24*time.Second {
		t.Fatalf("expected -20%% bound 24s, got %v", got)
	}

	high := NewBackoff(30 * time.Second)
	high.jitter = fixedJitter(0.999999)
	got := high.Next()
	if got < 35*time.Second || got > 36*time.Second {
		t.Fatalf("expected ~+20%% bound just under 36s, got %v", got)
	}
}

func TestBackoff_ResetRestartsSchedule(t *testing.T) {
	b := NewBackoff(time.Second)
	b.jitter = fixedJitter(0.5)

	b.Next()
	b.Next()
	b.Reset()

	if got := b.Next(); got != time.Second {
		t.Fatalf("expected base interval after reset, got %v", got)
	}
}
