package agent

import (
	"math/rand"
	"time"
)

// Backoff produces reconnect delays: exponential from the base interval,
// capped at five times the base, with ±20% jitter so a lab full of agents
// does not stampede the gateway after an outage.
type Backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
	jitter  func() float64 // uniform in [0,1)
}

func NewBackoff(base time.Duration) *Backoff {
	return &Backoff{
		base:   base,
		max:    5 * base,
		jitter: rand.Float64,
	}
}

func (b *Backoff) Next() time.Duration {
	d := b.base
	for i := 0; i < b.attempt && d < b.max; i++ {
		d *= 2
	}
	if d > b.max {
		d = b.max
	}
	b.attempt++

	// ±20%
	factor := 0.8 + 0.4*b.jitter()
	return time.Duration(float64(d) * factor)
}

func (b *Backoff) Reset() {
	b.attempt = 0
}
