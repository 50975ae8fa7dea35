package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sensate-iot/platform-router/errors"
	"github.com/sensate-iot/platform-router/message"
	"github.com/sensate-iot/platform-router/metric"
	"github.com/sensate-iot/platform-router/pkg/spinlock"
	"github.com/sensate-iot/platform-router/wire"
)

// TriggerQueue accumulates every measurement and text message bound for
// the trigger service.
type TriggerQueue struct {
	lock         spinlock.SpinLock
	measurements *batch
	messages     *batch

	measurementTopic string
	messageTopic     string

	encoder wire.Encoder
	requeue bool
	pub     *publisher
	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewTriggerQueue creates a queue publishing to topicTemplate with $type
// substituted per message kind.
func NewTriggerQueue(pub Publisher, topicTemplate string, opts ...Option) (*TriggerQueue, error) {
	if pub == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "TriggerQueue", "New", "publisher required")
	}
	if !containsAll(topicTemplate, TokenType) {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: template %q needs %s", errors.ErrInvalidConfig, topicTemplate, TokenType),
			"TriggerQueue", "New", "check topic template")
	}

	s := applyOptions(opts)
	logger := s.logger.With("component", "trigger-queue")
	return &TriggerQueue{
		measurements:     newBatch(),
		messages:         newBatch(),
		measurementTopic: FormatTopic(topicTemplate, message.KindMeasurement, ""),
		messageTopic:     FormatTopic(topicTemplate, message.KindMessage, ""),
		encoder:          s.encoder,
		requeue:          s.requeue,
		pub:              newPublisher(metric.QueueTrigger, pub, s, logger),
		logger:           logger,
		metrics:          s.metrics,
	}, nil
}

// EnqueueMeasurementToTriggerService queues m for trigger evaluation.
func (q *TriggerQueue) EnqueueMeasurementToTriggerService(m *message.Measurement) {
	q.enqueue(m)
}

// EnqueueMessageToTriggerService queues m for trigger evaluation.
func (q *TriggerQueue) EnqueueMessageToTriggerService(m *message.TextMessage) {
	q.enqueue(m)
}

func (q *TriggerQueue) enqueue(msg message.PlatformMessage) {
	record, err := q.encoder.Encode(msg)
	if err != nil {
		q.logger.Error("Dropping message that failed to encode", "kind", msg.Kind().String(), "error", err)
		q.metrics.RecordDropped(metric.QueueTrigger, "encoding", 1)
		return
	}

	q.lock.Lock()
	if msg.Kind() == message.KindMeasurement {
		q.measurements.append(record)
	} else {
		q.messages.append(record)
	}
	q.metrics.AddQueued(metric.QueueTrigger, 1)
	q.lock.Unlock()
}

// Flush swaps both accumulators and publishes the non-empty ones.
func (q *TriggerQueue) Flush(ctx context.Context) error {
	start := time.Now()

	q.lock.Lock()
	measurements, messages := q.measurements, q.messages
	q.measurements, q.messages = newBatch(), newBatch()
	q.metrics.ResetQueued(metric.QueueTrigger)
	q.lock.Unlock()

	var jobs []publishJob
	if measurements.len() > 0 {
		jobs = append(jobs, q.job(message.KindMeasurement, q.measurementTopic, measurements))
	}
	if messages.len() > 0 {
		jobs = append(jobs, q.job(message.KindMessage, q.messageTopic, messages))
	}

	err := q.pub.publishAll(ctx, jobs)
	q.metrics.RecordFlush(metric.QueueTrigger, time.Since(start))
	return err
}

func (q *TriggerQueue) job(kind message.Kind, topic string, b *batch) publishJob {
	job := publishJob{topic: topic, kind: kind, records: b.records}
	if q.requeue {
		job.requeue = func(records [][]byte) {
			q.lock.Lock()
			if kind == message.KindMeasurement {
				q.measurements.prepend(records)
			} else {
				q.messages.prepend(records)
			}
			q.metrics.AddQueued(metric.QueueTrigger, len(records))
			q.lock.Unlock()
		}
	}
	return job
}

// Len returns the number of records waiting for the next flush.
func (q *TriggerQueue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.measurements.len() + q.messages.len()
}
