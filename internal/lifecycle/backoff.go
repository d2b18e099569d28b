package lifecycle

import (
	"math/rand/v2"
	"time"
)

// Backoff defaults.
const (
	InitialBackoff = 1 * time.Second
	MaxBackoff     = 60 * time.Second
	JitterFactor   = 0.25
)

// Backoff produces exponentially growing delays with jitter:
//
//	delay = base + random(0, base*jitter)
//
// The base doubles after every Next until it reaches the maximum. Backoff is
// not safe for concurrent use.
type Backoff struct {
	initial  time.Duration
	max      time.Duration
	jitter   float64
	current  time.Duration
	attempts int
}

// NewBackoff returns a backoff; zero or invalid values take the defaults.
func NewBackoff(initial, maxDelay time.Duration, jitter float64) *Backoff {
	if initial <= 0 {
		initial = InitialBackoff
	}
	if maxDelay < initial {
		maxDelay = max(MaxBackoff, initial)
	}
	if jitter < 0 {
		jitter = 0
	}
	return &Backoff{
		initial: initial,
		max:     maxDelay,
		jitter:  jitter,
		current: initial,
	}
}

// Next returns the next delay and advances the base.
func (b *Backoff) Next() time.Duration {
	delay := b.current
	if b.jitter > 0 {
		delay += time.Duration(float64(b.current) * b.jitter * rand.Float64())
	}
	b.attempts++
	b.current = min(2*b.current, b.max)
	return delay
}

// Reset returns to the initial delay. Call it after a successful connect.
func (b *Backoff) Reset() {
	b.current = b.initial
	b.attempts = 0
}

// Attempts returns the number of delays handed out since the last Reset.
func (b *Backoff) Attempts() int { return b.attempts }

// Current returns the base of the next delay, without jitter.
func (b *Backoff) Current() time.Duration { return b.current }
