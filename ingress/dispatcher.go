package ingress

import (
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/sensate-iot/platform-router/errors"
	"github.com/sensate-iot/platform-router/message"
	"github.com/sensate-iot/platform-router/metric"
	"github.com/sensate-iot/platform-router/router"
)

// LiveDataSink is implemented by router.LiveDataQueue.
type LiveDataSink interface {
	EnqueueMeasurementToTarget(m *message.Measurement, target router.Target)
	EnqueueMessageToTarget(m *message.TextMessage, target router.Target)
	EnqueueControlMessageToTarget(m *message.ControlMessage, target router.Target)
}

// TriggerSink is implemented by router.TriggerQueue.
type TriggerSink interface {
	EnqueueMeasurementToTriggerService(m *message.Measurement)
	EnqueueMessageToTriggerService(m *message.TextMessage)
}

// StorageSink is implemented by router.StorageQueue.
type StorageSink interface {
	Enqueue(msg message.PlatformMessage)
}

// OutboundSink is implemented by router.OutboundQueue.
type OutboundSink interface {
	Enqueue(data, target string)
}

// Queues groups the sinks a Dispatcher routes into. Nil sinks are skipped.
type Queues struct {
	LiveData LiveDataSink
	Trigger  TriggerSink
	Storage  StorageSink
	Outbound OutboundSink
}

// Dispatcher applies an envelope's routing decision to the queues.
type Dispatcher struct {
	queues  Queues
	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewDispatcher creates a dispatcher. metrics may be nil.
func NewDispatcher(queues Queues, logger *slog.Logger, metrics *metric.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queues:  queues,
		logger:  logger.With("component", "dispatcher"),
		metrics: metrics,
	}
}

// Dispatch enqueues env everywhere its routing fields ask for. A target that
// left the roster between routing and dispatch is skipped and counted; it
// does not affect the other targets or queues.
func (d *Dispatcher) Dispatch(env *Envelope) error {
	msg, err := env.PlatformMessage()
	if err != nil {
		d.metrics.RecordDropped(metric.QueueIngress, "invalid", 1)
		return err
	}

	var skipped []string
	if d.queues.LiveData != nil {
		for _, name := range uniqueTargets(env.LiveDataTargets) {
			if err := d.enqueueLive(msg, router.Target{Name: name}); err != nil {
				skipped = append(skipped, name)
			}
		}
	}

	if env.Trigger && d.queues.Trigger != nil {
		switch m := msg.(type) {
		case *message.Measurement:
			d.queues.Trigger.EnqueueMeasurementToTriggerService(m)
		case *message.TextMessage:
			d.queues.Trigger.EnqueueMessageToTriggerService(m)
		default:
			d.logger.Debug("Trigger evaluation not available for kind", "kind", msg.Kind().String())
		}
	}

	if env.Store && d.queues.Storage != nil {
		d.queues.Storage.Enqueue(msg)
	}

	if len(skipped) > 0 {
		return fmt.Errorf("%w: %v", errors.ErrUnknownTarget, skipped)
	}
	return nil
}

// uniqueTargets drops empty and repeated names, keeping first-seen order.
func uniqueTargets(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok || n == "" {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// enqueueLive converts the unknown-target panic of the live data queue into
// an error. Any other panic is re-raised.
func (d *Dispatcher) enqueueLive(msg message.PlatformMessage, target router.Target) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if e, ok := r.(error); ok && stderrors.Is(e, errors.ErrUnknownTarget) {
			d.logger.Warn("Live data target not in roster", "target", target.Name, "kind", msg.Kind().String())
			d.metrics.RecordDropped(metric.QueueLiveData, "unknown_target", 1)
			err = e
			return
		}
		panic(r)
	}()

	switch m := msg.(type) {
	case *message.Measurement:
		d.queues.LiveData.EnqueueMeasurementToTarget(m, target)
	case *message.TextMessage:
		d.queues.LiveData.EnqueueMessageToTarget(m, target)
	case *message.ControlMessage:
		d.queues.LiveData.EnqueueControlMessageToTarget(m, target)
	}
	return nil
}

// DispatchOutbound enqueues a pre-rendered notification.
func (d *Dispatcher) DispatchOutbound(item router.OutboundItem) error {
	if d.queues.Outbound == nil {
		d.metrics.RecordDropped(metric.QueueIngress, "no_outbound", 1)
		return errors.WrapInvalid(errors.ErrMissingConfig, "Dispatcher", "DispatchOutbound", "outbound queue not configured")
	}
	d.queues.Outbound.Enqueue(item.Data, item.Target)
	return nil
}
