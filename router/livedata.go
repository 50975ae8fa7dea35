package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/sensate-iot/platform-router/errors"
	"github.com/sensate-iot/platform-router/message"
	"github.com/sensate-iot/platform-router/metric"
	"github.com/sensate-iot/platform-router/pkg/spinlock"
	"github.com/sensate-iot/platform-router/wire"
)

// lane holds the per-target buffers of one message kind.
type lane struct {
	lock    spinlock.SpinLock
	kind    message.Kind
	buffers map[string]*batch
}

// LiveDataQueue fans messages out to named live-data targets.
//
// Lock order on every path touching more than one lock:
// roster, measurements, messages, control.
type LiveDataQueue struct {
	rosterLock spinlock.SpinLock
	targets    map[string]struct{}

	measurements lane
	messages     lane
	controls     lane
	all          spinlock.Group

	template string
	encoder  wire.Encoder
	requeue  bool
	pub      *publisher
	logger   *slog.Logger
	metrics  *metric.Metrics
}

// NewLiveDataQueue creates an empty queue publishing to topicTemplate, which
// must contain both $type and $target.
func NewLiveDataQueue(pub Publisher, topicTemplate string, opts ...Option) (*LiveDataQueue, error) {
	if pub == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "LiveDataQueue", "New", "publisher required")
	}
	if !containsAll(topicTemplate, TokenType, TokenTarget) {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: template %q needs %s and %s", errors.ErrInvalidConfig, topicTemplate, TokenType, TokenTarget),
			"LiveDataQueue", "New", "check topic template")
	}

	s := applyOptions(opts)
	q := &LiveDataQueue{
		targets:      make(map[string]struct{}),
		measurements: lane{kind: message.KindMeasurement, buffers: make(map[string]*batch)},
		messages:     lane{kind: message.KindMessage, buffers: make(map[string]*batch)},
		controls:     lane{kind: message.KindControl, buffers: make(map[string]*batch)},
		template:     topicTemplate,
		encoder:      s.encoder,
		requeue:      s.requeue,
		logger:       s.logger.With("component", "live-data-queue"),
		metrics:      s.metrics,
	}
	q.all = spinlock.Group{&q.rosterLock, &q.measurements.lock, &q.messages.lock, &q.controls.lock}
	q.pub = newPublisher(metric.QueueLiveData, pub, s, q.logger)

	return q, nil
}

func (q *LiveDataQueue) lanes() [3]*lane {
	return [3]*lane{&q.measurements, &q.messages, &q.controls}
}

// EnqueueMeasurementToTarget appends m to target's measurement buffer.
// It panics with errors.ErrUnknownTarget when target is not in the roster.
func (q *LiveDataQueue) EnqueueMeasurementToTarget(m *message.Measurement, target Target) {
	q.enqueue(&q.measurements, m, target)
}

// EnqueueMessageToTarget appends m to target's text message buffer.
// It panics with errors.ErrUnknownTarget when target is not in the roster.
func (q *LiveDataQueue) EnqueueMessageToTarget(m *message.TextMessage, target Target) {
	q.enqueue(&q.messages, m, target)
}

// EnqueueControlMessageToTarget appends m to target's control buffer.
// It panics with errors.ErrUnknownTarget when target is not in the roster.
func (q *LiveDataQueue) EnqueueControlMessageToTarget(m *message.ControlMessage, target Target) {
	q.enqueue(&q.controls, m, target)
}

func (q *LiveDataQueue) enqueue(l *lane, msg message.PlatformMessage, target Target) {
	record, err := q.encoder.Encode(msg)
	if err != nil {
		q.logger.Error("Dropping message that failed to encode",
			"kind", l.kind.String(), "target", target.Name, "error", err)
		q.metrics.RecordDropped(metric.QueueLiveData, "encoding", 1)
		return
	}

	l.lock.Lock()
	b, ok := l.buffers[target.Name]
	if !ok {
		l.lock.Unlock()
		panic(fmt.Errorf("%w: %q (%s)", errors.ErrUnknownTarget, target.Name, l.kind))
	}
	b.append(record)
	q.metrics.AddQueued(metric.QueueLiveData, 1)
	l.lock.Unlock()
}

// FlushLiveData swaps every buffer for an empty one and publishes the
// non-empty ones, one publish per (kind, target), concurrently. It returns
// once all publishes have finished. The error aggregates per-target
// failures and is informational; one failing target never affects another.
func (q *LiveDataQueue) FlushLiveData(ctx context.Context) error {
	start := time.Now()

	q.all.LockAll()
	var captured [3]map[string]*batch
	for i, l := range q.lanes() {
		captured[i] = l.buffers
		l.buffers = q.freshBuffers()
	}
	q.metrics.ResetQueued(metric.QueueLiveData)
	q.all.UnlockAll()

	var jobs []publishJob
	for i, l := range q.lanes() {
		for target, b := range captured[i] {
			if b.len() == 0 {
				continue
			}
			job := publishJob{
				topic:   FormatTopic(q.template, l.kind, target),
				kind:    l.kind,
				target:  target,
				records: b.records,
			}
			if q.requeue {
				job.requeue = q.requeueFunc(l, target)
			}
			jobs = append(jobs, job)
		}
	}

	err := q.pub.publishAll(ctx, jobs)
	q.metrics.RecordFlush(metric.QueueLiveData, time.Since(start))
	if len(jobs) > 0 {
		q.logger.Debug("Flushed live data", "batches", len(jobs), "duration", time.Since(start), "error", err)
	}
	return err
}

// freshBuffers builds one empty buffer per roster target. Caller holds the roster lock.
func (q *LiveDataQueue) freshBuffers() map[string]*batch {
	buffers := make(map[string]*batch, len(q.targets))
	for name := range q.targets {
		buffers[name] = newBatch()
	}
	return buffers
}

func (q *LiveDataQueue) requeueFunc(l *lane, target string) func([][]byte) {
	return func(records [][]byte) {
		l.lock.Lock()
		b, ok := l.buffers[target]
		if ok {
			b.prepend(records)
			q.metrics.AddQueued(metric.QueueLiveData, len(records))
		}
		l.lock.Unlock()

		if !ok {
			// target left the roster while the publish was in flight
			q.metrics.RecordDropped(metric.QueueLiveData, "roster_removed", len(records))
		}
	}
}

// SyncLiveDataHandlers makes the target set equal to the handler names.
// New targets get empty buffers; removed targets lose their unflushed
// records. Calling it twice with the same roster is a no-op.
func (q *LiveDataQueue) SyncLiveDataHandlers(handlers []LiveDataHandler) (added, removed []string) {
	names := HandlerNames(handlers)

	q.all.LockAll()
	current := make([]string, 0, len(q.targets))
	for name := range q.targets {
		current = append(current, name)
	}
	added, removed = DiffTargets(current, names)

	discarded := 0
	for _, name := range removed {
		delete(q.targets, name)
		for _, l := range q.lanes() {
			discarded += l.buffers[name].len()
			delete(l.buffers, name)
		}
	}
	for _, name := range added {
		q.targets[name] = struct{}{}
		for _, l := range q.lanes() {
			l.buffers[name] = newBatch()
		}
	}
	if discarded > 0 {
		q.metrics.AddQueued(metric.QueueLiveData, -discarded)
	}
	size := len(q.targets)
	q.all.UnlockAll()

	q.metrics.RecordRosterSize(size)
	q.metrics.RecordDropped(metric.QueueLiveData, "roster_removed", discarded)
	if len(added) > 0 || len(removed) > 0 {
		q.logger.Info("Live data roster updated",
			"added", added, "removed", removed, "targets", size, "discarded", discarded)
	}
	return added, removed
}

// Targets returns the sorted target names.
func (q *LiveDataQueue) Targets() []string {
	q.rosterLock.Lock()
	names := make([]string, 0, len(q.targets))
	for name := range q.targets {
		names = append(names, name)
	}
	q.rosterLock.Unlock()

	sort.Strings(names)
	return names
}

// HasTarget reports whether name is in the roster.
func (q *LiveDataQueue) HasTarget(name string) bool {
	q.rosterLock.Lock()
	_, ok := q.targets[name]
	q.rosterLock.Unlock()
	return ok
}

// Len returns the number of records waiting for the next flush.
func (q *LiveDataQueue) Len() int {
	q.all.LockAll()
	n := 0
	for _, l := range q.lanes() {
		for _, b := range l.buffers {
			n += b.len()
		}
	}
	q.all.UnlockAll()
	return n
}

func containsAll(s string, tokens ...string) bool {
	for _, t := range tokens {
		if !strings.Contains(s, t) {
			return false
		}
	}
	return true
}
