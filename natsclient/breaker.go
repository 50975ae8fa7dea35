package natsclient

import (
	"sync"
	"time"
)

// breaker opens after threshold consecutive failures. While open every call
// is rejected until the cooldown has passed; then calls are let through as
// trials. A failed trial doubles the cooldown up to max, a success closes.
type breaker struct {
	mu  sync.Mutex
	now func() time.Time

	threshold int
	base      time.Duration
	max       time.Duration

	open        bool
	consecutive int
	cooldown    time.Duration
	openUntil   time.Time
}

func newBreaker(threshold int, base, max time.Duration) *breaker {
	if threshold < 1 {
		threshold = 1
	}
	if max < base {
		max = base
	}
	return &breaker{
		now:       time.Now,
		threshold: threshold,
		base:      base,
		max:       max,
		cooldown:  base,
	}
}

// allow reports whether a call may go out.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.open || !b.now().Before(b.openUntil)
}

// failure records a failed call. It reports true when this call opened
// the circuit.
func (b *breaker) failure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutive++
	now := b.now()

	if b.open {
		if !now.Before(b.openUntil) {
			b.cooldown *= 2
			if b.cooldown > b.max {
				b.cooldown = b.max
			}
			b.openUntil = now.Add(b.cooldown)
		}
		return false
	}

	if b.consecutive < b.threshold {
		return false
	}
	b.open = true
	b.openUntil = now.Add(b.cooldown)
	return true
}

// success resets the breaker. It reports true when the circuit was open.
func (b *breaker) success() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasOpen := b.open
	b.open = false
	b.consecutive = 0
	b.cooldown = b.base
	return wasOpen
}

func (b *breaker) isOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// retryIn is the remaining cooldown, zero when calls are allowed.
func (b *breaker) retryIn() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return 0
	}
	if d := b.openUntil.Sub(b.now()); d > 0 {
		return d
	}
	return 0
}
