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

// fifo is a concurrency-safe record sequence drained whole. queued is
// called with the lock held so the gauge moves together with the records.
type fifo struct {
	lock   spinlock.SpinLock
	b      *batch
	queued func(n int)
}

func (f *fifo) push(record []byte) {
	f.lock.Lock()
	f.b.append(record)
	f.queued(1)
	f.lock.Unlock()
}

// swap replaces the records with an empty batch. Caller holds lock.
func (f *fifo) swap() *batch {
	b := f.b
	f.b = newBatch()
	return b
}

func (f *fifo) restore(records [][]byte) {
	f.lock.Lock()
	f.b.prepend(records)
	f.queued(len(records))
	f.lock.Unlock()
}

func (f *fifo) len() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.b.len()
}

// StorageQueue feeds the durable storage pipeline. Every flush drains it
// completely and publishes with retain set.
type StorageQueue struct {
	measurements fifo
	messages     fifo

	both             spinlock.Group
	measurementTopic string
	messageTopic     string

	encoder wire.Encoder
	requeue bool
	pub     *publisher
	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewStorageQueue creates a queue publishing to two fixed topics.
func NewStorageQueue(pub Publisher, measurementTopic, messageTopic string, opts ...Option) (*StorageQueue, error) {
	if pub == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "StorageQueue", "New", "publisher required")
	}
	if measurementTopic == "" || messageTopic == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: both storage topics are required", errors.ErrInvalidConfig),
			"StorageQueue", "New", "check topics")
	}

	s := applyOptions(opts)
	logger := s.logger.With("component", "storage-queue")
	queued := func(n int) { s.metrics.AddQueued(metric.QueueStorage, n) }
	q := &StorageQueue{
		measurements:     fifo{b: newBatch(), queued: queued},
		messages:         fifo{b: newBatch(), queued: queued},
		measurementTopic: measurementTopic,
		messageTopic:     messageTopic,
		encoder:          s.encoder,
		requeue:          s.requeue,
		pub:              newPublisher(metric.QueueStorage, pub, s, logger),
		logger:           logger,
		metrics:          s.metrics,
	}
	q.both = spinlock.Group{&q.measurements.lock, &q.messages.lock}
	return q, nil
}

// Enqueue queues a measurement or text message for storage. Control
// messages are not stored and are dropped with a warning.
func (q *StorageQueue) Enqueue(msg message.PlatformMessage) {
	if msg == nil {
		return
	}

	var f *fifo
	switch msg.Kind() {
	case message.KindMeasurement:
		f = &q.measurements
	case message.KindMessage:
		f = &q.messages
	default:
		q.logger.Warn("Storage does not accept this message kind", "kind", msg.Kind().String(), "sensor", msg.Source())
		q.metrics.RecordDropped(metric.QueueStorage, "unsupported_kind", 1)
		return
	}

	record, err := q.encoder.Encode(msg)
	if err != nil {
		q.logger.Error("Dropping message that failed to encode", "kind", msg.Kind().String(), "error", err)
		q.metrics.RecordDropped(metric.QueueStorage, "encoding", 1)
		return
	}

	f.push(record)
}

// FlushMessages drains both FIFOs and publishes each non-empty set.
func (q *StorageQueue) FlushMessages(ctx context.Context) error {
	start := time.Now()

	q.both.LockAll()
	measurements := q.measurements.swap()
	messages := q.messages.swap()
	q.metrics.ResetQueued(metric.QueueStorage)
	q.both.UnlockAll()

	var jobs []publishJob
	if measurements.len() > 0 {
		jobs = append(jobs, q.job(message.KindMeasurement, q.measurementTopic, measurements, &q.measurements))
	}
	if messages.len() > 0 {
		jobs = append(jobs, q.job(message.KindMessage, q.messageTopic, messages, &q.messages))
	}

	err := q.pub.publishAll(ctx, jobs)
	q.metrics.RecordFlush(metric.QueueStorage, time.Since(start))
	return err
}

func (q *StorageQueue) job(kind message.Kind, topic string, b *batch, src *fifo) publishJob {
	job := publishJob{topic: topic, kind: kind, records: b.records, retain: true}
	if q.requeue {
		job.requeue = src.restore
	}
	return job
}

// Len returns the number of records waiting for the next flush.
func (q *StorageQueue) Len() int {
	return q.measurements.len() + q.messages.len()
}
