package router

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensate-iot/platform-router/errors"
	"github.com/sensate-iot/platform-router/message"
	"github.com/sensate-iot/platform-router/metric"
)

const liveTemplate = "internal/live/$type/$target"

func newLiveQueue(t *testing.T, pub Publisher, targets []string, opts ...Option) *LiveDataQueue {
	t.Helper()
	q, err := NewLiveDataQueue(pub, liveTemplate, opts...)
	require.NoError(t, err)

	handlers := make([]LiveDataHandler, len(targets))
	for i, name := range targets {
		handlers[i] = LiveDataHandler{Name: name, Enabled: true}
	}
	q.SyncLiveDataHandlers(handlers)
	return q
}

func recoverError(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("%v", r)
		}
	}()
	fn()
	return nil
}

func queuedGauge(reg *metric.MetricsRegistry, queue string) float64 {
	return testutil.ToFloat64(reg.CoreMetrics().QueuedItems.WithLabelValues(queue))
}

func TestNewLiveDataQueue_Validation(t *testing.T) {
	_, err := NewLiveDataQueue(nil, liveTemplate)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = NewLiveDataQueue(newRecordingPublisher(), "live/$type")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestLiveDataQueue_FlushPerTarget(t *testing.T) {
	pub := newRecordingPublisher()
	reg := metric.NewMetricsRegistry()
	q := newLiveQueue(t, pub, []string{"A", "B"}, WithMetrics(reg))

	q.EnqueueMeasurementToTarget(measurement("s1", 1), Target{Name: "A"})
	q.EnqueueMeasurementToTarget(measurement("s2", 2), Target{Name: "B"})
	assert.Equal(t, 2.0, queuedGauge(reg, metric.QueueLiveData))

	require.NoError(t, q.FlushLiveData(context.Background()))

	assert.Equal(t, []string{
		"internal/live/measurements/A",
		"internal/live/measurements/B",
	}, pub.topics())
	assert.Equal(t, []string{"s1"}, decodeMeasurementSensors(t, pub.byTopic("internal/live/measurements/A")[0].payload))
	assert.Equal(t, []string{"s2"}, decodeMeasurementSensors(t, pub.byTopic("internal/live/measurements/B")[0].payload))
	assert.Equal(t, 0.0, queuedGauge(reg, metric.QueueLiveData))
	assert.Equal(t, 0, q.Len())

	for _, c := range pub.snapshot() {
		assert.False(t, c.retain)
	}
}

func TestLiveDataQueue_RosterRemovalDiscards(t *testing.T) {
	pub := newRecordingPublisher()
	reg := metric.NewMetricsRegistry()
	q := newLiveQueue(t, pub, []string{"A", "B"}, WithMetrics(reg))

	q.EnqueueMeasurementToTarget(measurement("a1", 1), Target{Name: "A"})
	for i := 0; i < 3; i++ {
		q.EnqueueMeasurementToTarget(measurement(fmt.Sprintf("b%d", i), float64(i)), Target{Name: "B"})
	}

	added, removed := q.SyncLiveDataHandlers([]LiveDataHandler{{Name: "A", Enabled: true}})
	assert.Empty(t, added)
	assert.Equal(t, []string{"B"}, removed)
	assert.Equal(t, []string{"A"}, q.Targets())
	assert.Equal(t, 1.0, queuedGauge(reg, metric.QueueLiveData))
	assert.Equal(t, 3.0, testutil.ToFloat64(
		reg.CoreMetrics().DroppedTotal.WithLabelValues(metric.QueueLiveData, "roster_removed")))

	err := recoverError(func() {
		q.EnqueueMeasurementToTarget(measurement("b9", 9), Target{Name: "B"})
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnknownTarget)

	require.NoError(t, q.FlushLiveData(context.Background()))
	assert.Equal(t, []string{"internal/live/measurements/A"}, pub.topics())
	assert.Equal(t, []string{"a1"}, decodeMeasurementSensors(t, pub.snapshot()[0].payload))
}

func TestLiveDataQueue_UnknownTargetPanics(t *testing.T) {
	q := newLiveQueue(t, newRecordingPublisher(), []string{"A"})

	for name, enqueue := range map[string]func(){
		"measurement": func() { q.EnqueueMeasurementToTarget(measurement("s", 1), Target{Name: "X"}) },
		"message":     func() { q.EnqueueMessageToTarget(textMessage("s", "hi"), Target{Name: "X"}) },
		"control":     func() { q.EnqueueControlMessageToTarget(controlMessage("s", "on"), Target{Name: "X"}) },
	} {
		t.Run(name, func(t *testing.T) {
			err := recoverError(enqueue)
			assert.ErrorIs(t, err, errors.ErrUnknownTarget)
		})
	}

	// the lane lock must have been released before panicking
	q.EnqueueMeasurementToTarget(measurement("s", 1), Target{Name: "A"})
	assert.Equal(t, 1, q.Len())
}

func TestLiveDataQueue_RosterAddKeepsBuffers(t *testing.T) {
	pub := newRecordingPublisher()
	q := newLiveQueue(t, pub, []string{"A"})

	q.EnqueueMessageToTarget(textMessage("s1", "first"), Target{Name: "A"})
	q.EnqueueMessageToTarget(textMessage("s1", "second"), Target{Name: "A"})

	added, removed := q.SyncLiveDataHandlers([]LiveDataHandler{
		{Name: "A", Enabled: true},
		{Name: "C", Enabled: false},
	})
	assert.Equal(t, []string{"C"}, added)
	assert.Empty(t, removed)
	assert.True(t, q.HasTarget("C"))

	require.NoError(t, q.FlushLiveData(context.Background()))
	require.Len(t, pub.snapshot(), 1)
	assert.Equal(t, "internal/live/messages/A", pub.snapshot()[0].topic)
	assert.Equal(t, []string{"first", "second"}, decodeMessageData(t, pub.snapshot()[0].payload))
}

func TestLiveDataQueue_SyncIdempotent(t *testing.T) {
	q := newLiveQueue(t, newRecordingPublisher(), []string{"A", "B"})
	q.EnqueueMeasurementToTarget(measurement("s", 1), Target{Name: "B"})

	roster := []LiveDataHandler{{Name: "A", Enabled: true}, {Name: "B", Enabled: true}}
	added, removed := q.SyncLiveDataHandlers(roster)
	assert.Empty(t, added)
	assert.Empty(t, removed)
	assert.Equal(t, 1, q.Len())
}

func TestLiveDataQueue_EmptyFlushPublishesNothing(t *testing.T) {
	pub := newRecordingPublisher()
	q := newLiveQueue(t, pub, []string{"A", "B", "C"})

	require.NoError(t, q.FlushLiveData(context.Background()))
	assert.Empty(t, pub.snapshot())

	q.EnqueueControlMessageToTarget(controlMessage("s", "on"), Target{Name: "C"})
	require.NoError(t, q.FlushLiveData(context.Background()))
	assert.Equal(t, []string{"internal/live/control/C"}, pub.topics())
}

func TestLiveDataQueue_FailureIsolated(t *testing.T) {
	pub := newRecordingPublisher()
	reg := metric.NewMetricsRegistry()
	q := newLiveQueue(t, pub, []string{"A", "B"}, WithMetrics(reg))
	pub.failTopic("internal/live/measurements/A", fmt.Errorf("broker rejected payload"))

	q.EnqueueMeasurementToTarget(measurement("a", 1), Target{Name: "A"})
	q.EnqueueMeasurementToTarget(measurement("b", 1), Target{Name: "B"})

	err := q.FlushLiveData(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "internal/live/measurements/A")
	assert.Equal(t, []string{"internal/live/measurements/B"}, pub.topics())

	// without requeue the failed batch is gone
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(
		reg.CoreMetrics().DroppedTotal.WithLabelValues(metric.QueueLiveData, "publish")))
}

func TestLiveDataQueue_RequeueOnTransientFailure(t *testing.T) {
	pub := newRecordingPublisher()
	q := newLiveQueue(t, pub, []string{"A"}, WithRequeueOnFailure(true))
	pub.failTopic("internal/live/measurements/A", errors.ErrConnectionLost)

	q.EnqueueMeasurementToTarget(measurement("m1", 1), Target{Name: "A"})
	q.EnqueueMeasurementToTarget(measurement("m2", 2), Target{Name: "A"})
	require.Error(t, q.FlushLiveData(context.Background()))
	assert.Equal(t, 2, q.Len())

	q.EnqueueMeasurementToTarget(measurement("m3", 3), Target{Name: "A"})
	pub.heal()
	require.NoError(t, q.FlushLiveData(context.Background()))

	require.Len(t, pub.snapshot(), 1)
	assert.Equal(t, []string{"m1", "m2", "m3"}, decodeMeasurementSensors(t, pub.snapshot()[0].payload))
	assert.Equal(t, 0, q.Len())
}

func TestLiveDataQueue_PublishTimeout(t *testing.T) {
	pub := newRecordingPublisher()
	pub.delay = time.Second
	q := newLiveQueue(t, pub, []string{"A"}, WithPublishTimeout(20*time.Millisecond))

	q.EnqueueMeasurementToTarget(measurement("s", 1), Target{Name: "A"})

	start := time.Now()
	err := q.FlushLiveData(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPublishTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestLiveDataQueue_EncodingFailureDropped(t *testing.T) {
	pub := newRecordingPublisher()
	reg := metric.NewMetricsRegistry()
	q := newLiveQueue(t, pub, []string{"A"}, WithEncoder(failingEncoder{}), WithMetrics(reg))

	assert.NotPanics(t, func() {
		q.EnqueueMeasurementToTarget(measurement("s", 1), Target{Name: "A"})
	})
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(
		reg.CoreMetrics().DroppedTotal.WithLabelValues(metric.QueueLiveData, "encoding")))

	require.NoError(t, q.FlushLiveData(context.Background()))
	assert.Empty(t, pub.snapshot())
}

func TestLiveDataQueue_ConcurrentEnqueueAndFlush(t *testing.T) {
	pub := newRecordingPublisher()
	targets := []string{"A", "B", "C", "D"}
	q := newLiveQueue(t, pub, targets)

	const producers = 8
	const perProducer = 250

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				target := Target{Name: targets[(p+i)%len(targets)]}
				q.EnqueueMeasurementToTarget(measurement(fmt.Sprintf("p%d-%d", p, i), float64(i)), target)
			}
		}(p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	ctx := context.Background()
flushing:
	for {
		select {
		case <-done:
			break flushing
		default:
			_ = q.FlushLiveData(ctx)
		}
	}
	require.NoError(t, q.FlushLiveData(ctx))

	seen := make(map[string]int)
	for _, c := range pub.snapshot() {
		for _, sensor := range decodeMeasurementSensors(t, c.payload) {
			seen[sensor]++
		}
	}
	assert.Len(t, seen, producers*perProducer)
	for sensor, n := range seen {
		assert.Equal(t, 1, n, "record %s published more than once", sensor)
	}
}

func TestFormatTopic(t *testing.T) {
	assert.Equal(t, "sensate.live.messages.dash", FormatTopic("sensate.live.$type.$target", message.KindMessage, "dash"))
	assert.Equal(t, "sensate.trigger.measurements", FormatTopic("sensate.trigger.$type", message.KindMeasurement, ""))
}
