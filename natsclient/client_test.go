package natsclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensate-iot/platform-router/errors"
	"github.com/sensate-iot/platform-router/metric"
)

// fakeClock is a settable time source for the breaker.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestBreaker(threshold int, max time.Duration) (*breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := newBreaker(threshold, time.Second, max)
	b.now = clock.now
	return b, clock
}

func TestNewClient(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
}

func TestNewClient_InvalidOptions(t *testing.T) {
	_, err := NewClient("nats://localhost:4222", WithTLS("cert.pem", "", ""))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = NewClient("nats://localhost:4222", WithCircuitBreaker(0, time.Minute))
	assert.True(t, errors.IsInvalid(err))
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	assert.False(t, b.failure())
	assert.False(t, b.failure())
	assert.True(t, b.allow())

	assert.True(t, b.failure(), "third consecutive failure opens")
	assert.True(t, b.isOpen())
	assert.False(t, b.allow())
	assert.Equal(t, time.Second, b.retryIn())
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)

	b.failure()
	assert.False(t, b.success(), "closed breaker reports no transition")
	assert.False(t, b.failure(), "count restarted after success")
	assert.False(t, b.isOpen())
}

func TestBreaker_TrialAfterCooldown(t *testing.T) {
	b, clock := newTestBreaker(1, 5*time.Second)

	require.True(t, b.failure())
	clock.advance(500 * time.Millisecond)
	assert.False(t, b.allow())

	clock.advance(500 * time.Millisecond)
	assert.True(t, b.allow(), "cooldown over, trial allowed")

	// failed trials double the cooldown up to the maximum
	b.failure()
	assert.Equal(t, 2*time.Second, b.retryIn())
	clock.advance(2 * time.Second)
	b.failure()
	assert.Equal(t, 4*time.Second, b.retryIn())
	clock.advance(4 * time.Second)
	b.failure()
	assert.Equal(t, 5*time.Second, b.retryIn())

	// failures during the cooldown do not extend it
	clock.advance(time.Second)
	b.failure()
	assert.Equal(t, 4*time.Second, b.retryIn())

	clock.advance(4 * time.Second)
	require.True(t, b.allow())
	assert.True(t, b.success(), "successful trial closes")
	assert.True(t, b.allow())
	assert.Zero(t, b.retryIn())
}

func TestBreaker_ConcurrentFailures(t *testing.T) {
	b, _ := newTestBreaker(5, time.Hour)

	var wg sync.WaitGroup
	var opened sync.Map
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if b.failure() {
				opened.Store(i, true)
			}
			_ = b.allow()
		}(i)
	}
	wg.Wait()

	n := 0
	opened.Range(func(_, _ any) bool { n++; return true })
	assert.Equal(t, 1, n, "exactly one failure opens the circuit")
	assert.True(t, b.isOpen())
}

func TestClient_CircuitOpenFailsFast(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	client, err := NewClient("nats://localhost:4222",
		WithCircuitBreaker(2, time.Minute), WithMetrics(reg.CoreMetrics()))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		err := client.observe("publish", errors.ErrConnectionLost)
		assert.True(t, errors.IsTransient(err))
	}
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, 2.0, testutil.ToFloat64(reg.CoreMetrics().NATSFailures.WithLabelValues("publish")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.CoreMetrics().NATSCircuitOpen))

	ctx := context.Background()
	assert.ErrorIs(t, client.Connect(ctx), ErrCircuitOpen)
	assert.ErrorIs(t, client.PublishOn(ctx, "a.b", []byte("x"), false), ErrCircuitOpen)
	assert.ErrorIs(t, client.PublishOn(ctx, "a.b", []byte("x"), true), ErrCircuitOpen)
	assert.True(t, errors.IsTransient(ErrCircuitOpen))

	require.NoError(t, client.observe("reconnect", nil))
	assert.Equal(t, 0.0, testutil.ToFloat64(reg.CoreMetrics().NATSCircuitOpen))
	assert.Equal(t, StatusDisconnected, client.Status())
}

func TestClient_NotConnected(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx := context.Background()
	err = client.PublishOn(ctx, "a.b", []byte("x"), false)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.True(t, errors.IsTransient(err))

	assert.ErrorIs(t, client.PublishOn(ctx, "a.b", []byte("x"), true), ErrNotConnected)
	assert.ErrorIs(t, client.QueueSubscribe(ctx, "a.>", "router", func(context.Context, []byte) {}), ErrNotConnected)

	_, err = client.EnsureStream(ctx, jetstream.StreamConfig{Name: "S", Subjects: []string{"a.>"}})
	assert.ErrorIs(t, err, ErrNotConnected)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, client.PublishOn(cancelled, "a.b", nil, false), context.Canceled)
}

func TestClient_ConnectCancelled(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	// 192.0.2.0/24 is reserved for documentation and never answers
	client, err := NewClient("nats://192.0.2.1:4222", WithTimeout(10*time.Second), WithMetrics(reg.CoreMetrics()))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = client.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.CoreMetrics().NATSFailures.WithLabelValues("connect")))
}

func TestClient_CloseIdempotent(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithCredentials("user", "secret"), WithToken("t"))
	require.NoError(t, err)

	require.NoError(t, client.Close(context.Background()))
	require.NoError(t, client.Close(context.Background()))
	assert.Empty(t, client.cfg.password)
	assert.Empty(t, client.cfg.token)

	err = client.Connect(context.Background())
	assert.ErrorIs(t, err, errors.ErrAlreadyStopped)
}

func TestClient_NATSOptions(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithName("router-test"),
		WithToken("t0k3n"),
		WithTLS("", "", "ca.pem"),
		WithReconnectWait(0),
	)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, client.cfg.reconnectWait, "zero keeps the default")
	// 9 base options plus name, token and root CA
	assert.Len(t, client.natsOptions(), 12)
}

func TestConnectionStatus_String(t *testing.T) {
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(42).String())
}

func TestIsKVNotFoundError(t *testing.T) {
	assert.True(t, IsKVNotFoundError(ErrKVKeyNotFound))
	assert.False(t, IsKVNotFoundError(assert.AnError))
	assert.False(t, IsKVNotFoundError(nil))
}
