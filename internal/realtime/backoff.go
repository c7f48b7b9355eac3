package realtime

import (
	"math"
	"math/rand/v2"
	"time"
)

// DefaultJitter spreads reconnects of instances that lost the same backend.
const DefaultJitter = 0.2

// Backoff computes reconnect delays: Initial * Multiplier^(attempt-1), capped at
// Max, then reduced by a random share of up to Jitter (0 to 1).
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// DefaultBackoff reconnects after 500ms, doubling up to 30s, with 20% jitter.
func DefaultBackoff() Backoff {
	return Backoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2, Jitter: DefaultJitter}
}

func (b Backoff) normalized() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Multiplier <= 1 {
		b.Multiplier = d.Multiplier
	}
	b.Jitter = min(max(b.Jitter, 0), 1)
	return b
}

// Delay returns the wait before the given attempt, counting from 1.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.normalized()
	delay := float64(b.Initial)
	if attempt > 1 {
		delay *= math.Pow(b.Multiplier, float64(attempt-1))
	}
	if delay > float64(b.Max) || math.IsInf(delay, 0) {
		delay = float64(b.Max)
	}
	if b.Jitter > 0 {
		delay -= delay * b.Jitter * rand.Float64()
	}
	return time.Duration(delay)
}
