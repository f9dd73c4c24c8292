package backoff

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff computes exponential delays: Base doubles per attempt until it
// reaches Ceiling, where it stays. Jitter in [0, 1] shaves up to that
// fraction off each delay so that many processes reconnecting at once do not
// hit the broker in lockstep.
type Backoff struct {
	Base    time.Duration
	Ceiling time.Duration
	Jitter  float64

	mu   sync.Mutex
	rand *rand.Rand
}

// New creates a Backoff with its own random source
func New(base, ceiling time.Duration, jitter float64) *Backoff {
	if ceiling < base {
		ceiling = base
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}

	return &Backoff{
		Base:    base,
		Ceiling: ceiling,
		Jitter:  jitter,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Exponential returns the un-jittered delay for attempt (0-based)
func Exponential(base, ceiling time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := base
	for i := 0; i < attempt; i++ {
		if delay >= ceiling/2 {
			return ceiling
		}
		delay *= 2
	}

	if ceiling > 0 && delay > ceiling {
		return ceiling
	}
	return delay
}

// Delay returns the jittered delay for attempt. The result is always within
// [d*(1-Jitter), d] where d is the exponential delay.
func (b *Backoff) Delay(attempt int) time.Duration {
	d := Exponential(b.Base, b.Ceiling, attempt)
	if b.Jitter == 0 || d == 0 {
		return d
	}

	b.mu.Lock()
	r := b.rand.Float64()
	b.mu.Unlock()

	return d - time.Duration(float64(d)*b.Jitter*r)
}

// AtCeiling reports whether attempt has reached the ceiling delay
func (b *Backoff) AtCeiling(attempt int) bool {
	return Exponential(b.Base, b.Ceiling, attempt) >= b.Ceiling
}
