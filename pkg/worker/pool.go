package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sensate-iot/platform-router/metric"
)

// Default pool sizing.
const (
	DefaultWorkers   = 10
	DefaultQueueSize = 1000
)

// Lifecycle and Submit errors.
var (
	ErrNilProcessor       = errors.New("worker: nil processor")
	ErrPoolNotStarted     = errors.New("worker: pool not started")
	ErrPoolAlreadyStarted = errors.New("worker: pool already started")
	ErrPoolStopped        = errors.New("worker: pool stopped")
	ErrQueueFull          = errors.New("worker: queue full")
	ErrStopTimeout        = errors.New("worker: workers still running at stop deadline")
)

// Processor handles one work item.
type Processor[T any] func(ctx context.Context, work T) error

// PanicHandler receives the value recovered from a processor panic.
type PanicHandler[T any] func(work T, recovered any)

// Pool is a fixed-size worker pool processing items of type T.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor Processor[T]
	onPanic   PanicHandler[T]

	workChan chan T
	done     chan struct{}
	wg       sync.WaitGroup
	metrics  *poolMetrics

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	registry metric.MetricsRegistrar
	prefix   string
}

type poolMetrics struct {
	queueDepth     prometheus.Gauge
	utilization    prometheus.Gauge
	submitted      prometheus.Counter
	processed      prometheus.Counter
	failed         prometheus.Counter
	dropped        prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMetricsRegistry exports pool statistics under the given pool label.
func WithMetricsRegistry[T any](registry metric.MetricsRegistrar, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.registry = registry
		p.prefix = prefix
	}
}

// WithPanicHandler is called after a processor panic has been recovered.
func WithPanicHandler[T any](handler PanicHandler[T]) Option[T] {
	return func(p *Pool[T]) {
		p.onPanic = handler
	}
}

// NewPool creates a pool. Non-positive sizes take the defaults.
func NewPool[T any](workers, queueSize int, processor Processor[T], opts ...Option[T]) (*Pool[T], error) {
	if processor == nil {
		return nil, ErrNilProcessor
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	if p.registry != nil && p.prefix != "" {
		m, err := newPoolMetrics(p.registry, p.prefix)
		if err != nil {
			return nil, fmt.Errorf("worker pool %s: %w", p.prefix, err)
		}
		p.metrics = m
	}

	return p, nil
}

func newPoolMetrics(registry metric.MetricsRegistrar, prefix string) (*poolMetrics, error) {
	labels := prometheus.Labels{"pool": prefix}
	m := &poolMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "router", Subsystem: "worker", Name: "queue_depth",
			Help: "Current worker pool queue depth", ConstLabels: labels,
		}),
		utilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "router", Subsystem: "worker", Name: "utilization",
			Help: "Worker pool queue utilization (0-1)", ConstLabels: labels,
		}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "router", Subsystem: "worker", Name: "submitted_total",
			Help: "Work items accepted by the pool", ConstLabels: labels,
		}),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "router", Subsystem: "worker", Name: "processed_total",
			Help: "Work items processed", ConstLabels: labels,
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "router", Subsystem: "worker", Name: "failed_total",
			Help: "Work items whose processor returned an error or panicked", ConstLabels: labels,
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "router", Subsystem: "worker", Name: "dropped_total",
			Help: "Work items rejected because the queue was full", ConstLabels: labels,
		}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "router", Subsystem: "worker", Name: "processing_duration_seconds",
			Help:        "Time spent processing work items",
			Buckets:     []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			ConstLabels: labels,
		}, []string{"status"}),
	}

	owner := "worker_pool"
	steps := []func() error{
		func() error { return registry.RegisterGauge(owner, prefix+"_queue_depth", m.queueDepth) },
		func() error { return registry.RegisterGauge(owner, prefix+"_utilization", m.utilization) },
		func() error { return registry.RegisterCounter(owner, prefix+"_submitted_total", m.submitted) },
		func() error { return registry.RegisterCounter(owner, prefix+"_processed_total", m.processed) },
		func() error { return registry.RegisterCounter(owner, prefix+"_failed_total", m.failed) },
		func() error { return registry.RegisterCounter(owner, prefix+"_dropped_total", m.dropped) },
		func() error {
			return registry.RegisterHistogramVec(owner, prefix+"_processing_duration_seconds", m.processingTime)
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Submit queues work without blocking. It returns ErrQueueFull when the
// queue is at capacity.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
		p.submitted.Add(1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
			p.metrics.queueDepth.Set(float64(len(p.workChan)))
		}
		return nil
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// Start launches the workers. ctx cancellation stops them without draining.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	if p.metrics != nil {
		p.wg.Add(1)
		go p.metricsUpdater(ctx)
	}

	p.started = true
	return nil
}

// Stop closes the queue and waits up to timeout for workers to drain it.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}
	p.stopped = true
	close(p.workChan)
	close(p.done)

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-finished:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// Stats returns current pool statistics.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}
			p.process(ctx, work)
		}
	}
}

func (p *Pool[T]) process(ctx context.Context, work T) {
	start := time.Now()
	var err error

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("processor panic: %v", r)
				if p.onPanic != nil {
					p.onPanic(work, r)
				}
			}
		}()
		err = p.processor(ctx, work)
	}()

	p.processed.Add(1)
	if err != nil {
		p.failed.Add(1)
	}

	if p.metrics != nil {
		p.metrics.processed.Inc()
		status := "success"
		if err != nil {
			p.metrics.failed.Inc()
			status = "error"
		}
		p.metrics.processingTime.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}
}

func (p *Pool[T]) metricsUpdater(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			depth := float64(len(p.workChan))
			p.metrics.queueDepth.Set(depth)
			p.metrics.utilization.Set(depth / float64(p.queueSize))
		}
	}
}
