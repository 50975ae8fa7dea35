package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(attempts int, initial, max time.Duration, factor float64) Policy {
	return Policy{Attempts: attempts, Initial: initial, Max: max, Factor: factor}
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fixed(3, time.Millisecond, 10*time.Millisecond, 2), func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_GivesUp(t *testing.T) {
	last := errors.New("broker down")
	calls := 0
	err := Do(context.Background(), fixed(3, time.Millisecond, 10*time.Millisecond, 2), func() error {
		calls++
		return last
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, last)
	assert.Contains(t, err.Error(), "gave up after 3 attempts")
	assert.Equal(t, 3, calls)
}

func TestDo_InterruptedWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	last := errors.New("down")
	calls := 0
	err := Do(ctx, fixed(5, 100*time.Millisecond, time.Second, 2), func() error {
		calls++
		return last
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, last)
	assert.Less(t, calls, 5)
}

func TestDo_PermanentStopsAtOnce(t *testing.T) {
	bad := errors.New("bad payload")
	calls := 0
	err := Do(context.Background(), fixed(5, time.Millisecond, time.Millisecond, 2), func() error {
		calls++
		return Permanent(bad)
	})

	assert.Same(t, bad, err, "permanent errors come back unwrapped")
	assert.Equal(t, 1, calls)
	assert.NoError(t, Permanent(nil))
}

func TestDo_RunsOnceWithZeroPolicy(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{}, func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RejectsBadPolicy(t *testing.T) {
	never := func() error {
		t.Fatal("fn must not run")
		return nil
	}
	assert.Error(t, Do(context.Background(), Policy{Initial: -time.Second}, never))
	assert.Error(t, Do(context.Background(), fixed(2, time.Second, time.Millisecond, 2), never))
}

func TestPolicy_Delay(t *testing.T) {
	p := fixed(6, 10*time.Millisecond, 25*time.Millisecond, 2)
	assert.Equal(t, 10*time.Millisecond, p.Delay(1))
	assert.Equal(t, 20*time.Millisecond, p.Delay(2))
	assert.Equal(t, 25*time.Millisecond, p.Delay(3), "capped at Max")
	assert.Equal(t, 25*time.Millisecond, p.Delay(200), "no overflow for large attempts")
}

func TestPolicy_JitterStaysWithinQuarter(t *testing.T) {
	p := Policy{Attempts: 2, Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: true}
	for i := 0; i < 100; i++ {
		d := p.wait(1)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 125*time.Millisecond)
	}
}

func TestDo_WaitsBetweenAttempts(t *testing.T) {
	start := time.Now()
	_ = Do(context.Background(), fixed(4, 10*time.Millisecond, 25*time.Millisecond, 10), func() error {
		return errors.New("down")
	})

	// 10ms, then two capped waits of 25ms
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestPresets(t *testing.T) {
	def := Default()
	assert.Equal(t, 3, def.Attempts)
	assert.True(t, def.Jitter)

	c := Connect()
	assert.Equal(t, 15, c.Attempts)
	assert.Equal(t, 250*time.Millisecond, c.Initial)
	assert.Equal(t, 10*time.Second, c.Max)
}

func ExampleDo() {
	err := Do(context.Background(), Connect(), func() error {
		return dialBroker()
	})
	_ = err
}

func dialBroker() error {
	return nil
}
