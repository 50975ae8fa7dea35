package router

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensate-iot/platform-router/errors"
	"github.com/sensate-iot/platform-router/metric"
)

const (
	storageMeasurements = "sensate.storage.measurements"
	storageMessages     = "sensate.storage.messages"
)

func TestNewStorageQueue_Validation(t *testing.T) {
	_, err := NewStorageQueue(newRecordingPublisher(), "", storageMessages)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestStorageQueue_DrainsCompletely(t *testing.T) {
	pub := newRecordingPublisher()
	reg := metric.NewMetricsRegistry()
	q, err := NewStorageQueue(pub, storageMeasurements, storageMessages, WithMetrics(reg))
	require.NoError(t, err)

	const n = 2500
	for i := 0; i < n; i++ {
		q.Enqueue(measurement(fmt.Sprintf("s%d", i), float64(i)))
	}
	q.Enqueue(textMessage("t", "hello"))
	assert.Equal(t, n+1, q.Len())
	assert.Equal(t, float64(n+1), queuedGauge(reg, metric.QueueStorage))

	require.NoError(t, q.FlushMessages(context.Background()))
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0.0, queuedGauge(reg, metric.QueueStorage))

	calls := pub.snapshot()
	require.Len(t, calls, 2)
	for _, c := range calls {
		assert.True(t, c.retain)
	}

	sensors := decodeMeasurementSensors(t, pub.byTopic(storageMeasurements)[0].payload)
	require.Len(t, sensors, n)
	assert.Equal(t, "s0", sensors[0])
	assert.Equal(t, fmt.Sprintf("s%d", n-1), sensors[n-1])
	assert.Equal(t, []string{"hello"}, decodeMessageData(t, pub.byTopic(storageMessages)[0].payload))
}

func TestStorageQueue_GaugeMatchesLenUnderConcurrentFlush(t *testing.T) {
	pub := newRecordingPublisher()
	reg := metric.NewMetricsRegistry()
	q, err := NewStorageQueue(pub, storageMeasurements, storageMessages, WithMetrics(reg))
	require.NoError(t, err)

	const producers, perProducer = 4, 500
	done := make(chan struct{})
	flushed := make(chan struct{})
	go func() {
		defer close(flushed)
		for {
			select {
			case <-done:
				return
			default:
				_ = q.FlushMessages(context.Background())
			}
		}
	}()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(measurement(fmt.Sprintf("s%d-%d", p, i), float64(i)))
			}
		}(p)
	}
	wg.Wait()
	close(done)
	<-flushed

	assert.Equal(t, float64(q.Len()), queuedGauge(reg, metric.QueueStorage))

	require.NoError(t, q.FlushMessages(context.Background()))
	assert.Zero(t, queuedGauge(reg, metric.QueueStorage))

	total := 0
	for _, c := range pub.byTopic(storageMeasurements) {
		total += len(decodeMeasurementSensors(t, c.payload))
	}
	assert.Equal(t, producers*perProducer, total)
}

func TestStorageQueue_RejectsControl(t *testing.T) {
	pub := newRecordingPublisher()
	reg := metric.NewMetricsRegistry()
	q, err := NewStorageQueue(pub, storageMeasurements, storageMessages, WithMetrics(reg))
	require.NoError(t, err)

	q.Enqueue(controlMessage("s", "on"))
	q.Enqueue(nil)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(
		reg.CoreMetrics().DroppedTotal.WithLabelValues(metric.QueueStorage, "unsupported_kind")))

	require.NoError(t, q.FlushMessages(context.Background()))
	assert.Empty(t, pub.snapshot())
}

func TestStorageQueue_RequeueKeepsOrder(t *testing.T) {
	pub := newRecordingPublisher()
	q, err := NewStorageQueue(pub, storageMeasurements, storageMessages, WithRequeueOnFailure(true))
	require.NoError(t, err)
	pub.failTopic(storageMeasurements, errors.ErrConnectionTimeout)

	q.Enqueue(measurement("m1", 1))
	require.Error(t, q.FlushMessages(context.Background()))
	q.Enqueue(measurement("m2", 2))

	pub.heal()
	require.NoError(t, q.FlushMessages(context.Background()))
	assert.Equal(t, []string{"m1", "m2"}, decodeMeasurementSensors(t, pub.byTopic(storageMeasurements)[0].payload))
}
