package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy describes how often Do calls fn and how long it waits in between.
// Zero fields take the values of Default.
type Policy struct {
	Attempts int // total calls including the first
	Initial  time.Duration
	Max      time.Duration
	Factor   float64
	Jitter   bool // add up to a quarter of the delay at random
}

// Default is used for zero Policy fields.
func Default() Policy {
	return Policy{
		Attempts: 3,
		Initial:  100 * time.Millisecond,
		Max:      5 * time.Second,
		Factor:   2,
		Jitter:   true,
	}
}

// Connect is the policy for the initial broker connection. The router has
// nothing to do without it, so it keeps trying for about a minute.
func Connect() Policy {
	return Policy{
		Attempts: 15,
		Initial:  250 * time.Millisecond,
		Max:      10 * time.Second,
		Factor:   2,
		Jitter:   true,
	}
}

func (p Policy) withDefaults() (Policy, error) {
	if p.Initial < 0 || p.Max < 0 || p.Factor < 0 {
		return p, fmt.Errorf("retry: negative policy value %+v", p)
	}
	def := Default()
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.Initial == 0 {
		p.Initial = def.Initial
	}
	if p.Max == 0 {
		p.Max = def.Max
	}
	if p.Factor == 0 {
		p.Factor = def.Factor
	}
	if p.Max < p.Initial {
		return p, fmt.Errorf("retry: max delay %s below initial %s", p.Max, p.Initial)
	}
	return p, nil
}

// Delay is the pause after the given failed attempt, counted from 1,
// before jitter.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.Initial) * math.Pow(p.Factor, float64(attempt-1))
	if d >= float64(p.Max) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.Max
	}
	return time.Duration(d)
}

func (p Policy) wait(attempt int) time.Duration {
	d := p.Delay(attempt)
	if p.Jitter && d >= 4 {
		d += time.Duration(rand.Int63n(int64(d / 4)))
	}
	return d
}

type permanent struct{ err error }

func (e *permanent) Error() string { return e.err.Error() }
func (e *permanent) Unwrap() error { return e.err }

// Permanent marks err as final. Do returns the unwrapped err at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// Do calls fn until it returns nil or a Permanent error, the attempts run
// out, or ctx ends during a wait.
func Do(ctx context.Context, p Policy, fn func() error) error {
	p, err := p.withDefaults()
	if err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var perm *permanent
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == p.Attempts {
			return fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}

		timer := time.NewTimer(p.wait(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("interrupted after %d attempts: %w", attempt, errors.Join(ctx.Err(), err))
		case <-timer.C:
		}
	}
}
