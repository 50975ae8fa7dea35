package ingress

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sensate-iot/platform-router/errors"
	"github.com/sensate-iot/platform-router/metric"
	"github.com/sensate-iot/platform-router/pkg/worker"
)

// Transport is the subscription side of natsclient.Client.
type Transport interface {
	QueueSubscribe(ctx context.Context, subject, queue string, handler func(context.Context, []byte)) error
}

// Work is one raw payload waiting for dispatch.
type Work struct {
	Subject  string
	Payload  []byte
	Outbound bool
}

// Config selects the subjects and pool sizing.
type Config struct {
	Subjects         []string
	OutboundSubjects []string
	QueueGroup       string
	Workers          int
	QueueSize        int
}

// Subscriber binds NATS subjects to a Dispatcher through a worker pool.
type Subscriber struct {
	transport  Transport
	dispatcher *Dispatcher
	cfg        Config
	registry   *metric.MetricsRegistry
	logger     *slog.Logger
	metrics    *metric.Metrics

	mu      sync.Mutex
	pool    *worker.Pool[Work]
	started bool
}

// NewSubscriber creates a subscriber. registry may be nil.
func NewSubscriber(transport Transport, dispatcher *Dispatcher, cfg Config,
	registry *metric.MetricsRegistry, logger *slog.Logger) (*Subscriber, error) {
	if transport == nil || dispatcher == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Subscriber", "New", "transport and dispatcher required")
	}
	if len(cfg.Subjects) == 0 && len(cfg.OutboundSubjects) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Subscriber", "New", "no subjects configured")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Subscriber{
		transport:  transport,
		dispatcher: dispatcher,
		cfg:        cfg,
		registry:   registry,
		logger:     logger.With("component", "ingress"),
		metrics:    registry.CoreMetrics(),
	}

	opts := []worker.Option[Work]{
		worker.WithPanicHandler[Work](func(w Work, r any) {
			s.logger.Error("Dispatch panicked", "subject", w.Subject, "panic", r)
		}),
	}
	if registry != nil {
		opts = append(opts, worker.WithMetricsRegistry[Work](registry, "ingress"))
	}
	pool, err := worker.NewPool[Work](cfg.Workers, cfg.QueueSize, s.process, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "Subscriber", "New", "create worker pool")
	}
	s.pool = pool

	return s, nil
}

// Start launches the workers and subscribes every configured subject.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.ErrAlreadyStarted
	}
	if err := s.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "Subscriber", "Start", "start worker pool")
	}

	for _, subject := range s.cfg.Subjects {
		if err := s.transport.QueueSubscribe(ctx, subject, s.cfg.QueueGroup, s.handler(subject, false)); err != nil {
			return errors.Wrap(err, "Subscriber", "Start", fmt.Sprintf("subscribe %s", subject))
		}
	}
	for _, subject := range s.cfg.OutboundSubjects {
		if err := s.transport.QueueSubscribe(ctx, subject, s.cfg.QueueGroup, s.handler(subject, true)); err != nil {
			return errors.Wrap(err, "Subscriber", "Start", fmt.Sprintf("subscribe %s", subject))
		}
	}

	s.started = true
	s.logger.Info("Ingress subscribed",
		"subjects", s.cfg.Subjects, "outbound_subjects", s.cfg.OutboundSubjects, "queue_group", s.cfg.QueueGroup)
	return nil
}

// Stop waits up to timeout for queued work to be dispatched. Unsubscribing
// is left to the transport's Close.
func (s *Subscriber) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.started = false
	return s.pool.Stop(timeout)
}

// Stats returns the worker pool statistics.
func (s *Subscriber) Stats() worker.PoolStats {
	return s.pool.Stats()
}

func (s *Subscriber) handler(subject string, outbound bool) func(context.Context, []byte) {
	return func(_ context.Context, data []byte) {
		payload := append([]byte(nil), data...)
		if err := s.pool.Submit(Work{Subject: subject, Payload: payload, Outbound: outbound}); err != nil {
			reason := "queue_full"
			if !stderrors.Is(err, worker.ErrQueueFull) {
				reason = "stopped"
			}
			s.metrics.RecordDropped(metric.QueueIngress, reason, 1)
			s.logger.Debug("Ingress message dropped", "subject", subject, "reason", reason)
		}
	}
}

func (s *Subscriber) process(_ context.Context, w Work) error {
	if w.Outbound {
		item, err := DecodeOutbound(w.Payload)
		if err != nil {
			s.metrics.RecordDropped(metric.QueueIngress, "malformed", 1)
			s.logger.Warn("Malformed outbound notification", "subject", w.Subject, "error", err)
			return err
		}
		return s.dispatcher.DispatchOutbound(item)
	}

	env, err := DecodeEnvelope(w.Payload)
	if err != nil {
		s.metrics.RecordDropped(metric.QueueIngress, "malformed", 1)
		s.logger.Warn("Malformed routed message", "subject", w.Subject, "error", err)
		return err
	}
	return s.dispatcher.Dispatch(env)
}
