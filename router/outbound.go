package router

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sensate-iot/platform-router/errors"
	"github.com/sensate-iot/platform-router/metric"
	"github.com/sensate-iot/platform-router/pkg/buffer"
)

// Outbound drain defaults.
const (
	DefaultDequeueCount  = 1000
	DefaultMaxIterations = 5
)

// OutboundItem is a pre-rendered payload and the topic it goes to.
type OutboundItem struct {
	Data   string `json:"data"`
	Target string `json:"target"`
}

// OutboundLimits bounds the per-flush drain. Capacity zero keeps the FIFO
// unbounded; a positive Capacity drops the oldest item once reached.
// RatePerSecond caps publishes per second across flushes; zero disables it.
type OutboundLimits struct {
	DequeueCount  int
	MaxIterations int
	Capacity      int

	RatePerSecond float64
	Burst         int
}

// OutboundQueue publishes pre-rendered payloads one by one. A flush handles
// at most DequeueCount x MaxIterations items; the rest waits for the next.
type OutboundQueue struct {
	items   buffer.Buffer[OutboundItem]
	limits  OutboundLimits
	limiter *rate.Limiter

	requeue bool
	pub     *publisher
	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewOutboundQueue creates a queue. Zero drain limits take the defaults.
func NewOutboundQueue(pub Publisher, limits OutboundLimits, opts ...Option) (*OutboundQueue, error) {
	if pub == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "OutboundQueue", "New", "publisher required")
	}
	if limits.DequeueCount <= 0 {
		limits.DequeueCount = DefaultDequeueCount
	}
	if limits.MaxIterations <= 0 {
		limits.MaxIterations = DefaultMaxIterations
	}
	if limits.Capacity < 0 {
		limits.Capacity = buffer.Unbounded
	}

	s := applyOptions(opts)
	logger := s.logger.With("component", "outbound-queue")

	var limiter *rate.Limiter
	if limits.RatePerSecond > 0 {
		if limits.Burst <= 0 {
			limits.Burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(limits.RatePerSecond), limits.Burst)
	}

	q := &OutboundQueue{
		limits:  limits,
		limiter: limiter,
		requeue: s.requeue,
		pub:     newPublisher(metric.QueueOutbound, pub, s, logger),
		logger:  logger,
		metrics: s.metrics,
	}

	bufOpts := []buffer.Option[OutboundItem]{
		buffer.WithOverflowPolicy[OutboundItem](buffer.DropOldest),
		buffer.WithDropCallback[OutboundItem](func(item OutboundItem) {
			q.metrics.RecordDropped(metric.QueueOutbound, "overflow", 1)
			q.metrics.AddQueued(metric.QueueOutbound, -1)
		}),
	}
	if s.registry != nil {
		bufOpts = append(bufOpts, buffer.WithMetrics[OutboundItem](s.registry, metric.QueueOutbound))
	}

	items, err := buffer.NewRing[OutboundItem](limits.Capacity, bufOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "OutboundQueue", "New", "create buffer")
	}
	q.items = items

	return q, nil
}

// Enqueue appends a payload for target.
func (q *OutboundQueue) Enqueue(data, target string) {
	if err := q.items.Write(OutboundItem{Data: data, Target: target}); err != nil {
		q.logger.Warn("Outbound item rejected", "target", target, "error", err)
		q.metrics.RecordDropped(metric.QueueOutbound, "closed", 1)
		return
	}
	q.metrics.AddQueued(metric.QueueOutbound, 1)
}

// FlushQueue publishes up to MaxIterations chunks of DequeueCount items.
// Each chunk is published concurrently and awaited before the next.
func (q *OutboundQueue) FlushQueue(ctx context.Context) error {
	start := time.Now()
	var errs []error
	sent := 0

	for i := 0; i < q.limits.MaxIterations; i++ {
		chunk := q.items.ReadBatch(q.limits.DequeueCount)
		if len(chunk) == 0 {
			break
		}
		q.metrics.AddQueued(metric.QueueOutbound, -len(chunk))
		sent += len(chunk)
		if err := q.publishChunk(ctx, chunk); err != nil {
			errs = append(errs, err)
		}
	}

	q.metrics.RecordFlush(metric.QueueOutbound, time.Since(start))

	if remaining := q.items.Size(); remaining > 0 && sent > 0 {
		q.logger.Debug("Outbound flush hit its bound", "sent", sent, "remaining", remaining)
	}
	return stderrors.Join(errs...)
}

func (q *OutboundQueue) publishChunk(ctx context.Context, chunk []OutboundItem) error {
	errs := make([]error, len(chunk))
	var wg sync.WaitGroup
	for i := range chunk {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = q.publishItem(ctx, chunk[i])
		}(i)
	}
	wg.Wait()
	return stderrors.Join(errs...)
}

func (q *OutboundQueue) publishItem(ctx context.Context, item OutboundItem) error {
	err := q.wait(ctx)
	if err == nil {
		err = q.pub.send(ctx, item.Target, []byte(item.Data), false, 1)
	}
	if err == nil {
		return nil
	}

	if q.requeue && errors.IsTransient(err) {
		// back of the line: the ring has no push-front
		if werr := q.items.Write(item); werr == nil {
			q.metrics.AddQueued(metric.QueueOutbound, 1)
			return err
		}
	}

	q.logger.Warn("Outbound publish failed", "target", item.Target, "error", err)
	q.metrics.RecordDropped(metric.QueueOutbound, "publish", 1)
	return fmt.Errorf("outbound %s: %w", item.Target, err)
}

// wait blocks until the rate limiter admits one publish.
func (q *OutboundQueue) wait(ctx context.Context) error {
	if q.limiter == nil {
		return nil
	}
	if err := q.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrRateLimited, err)
	}
	return nil
}

// QueueLength returns the number of items waiting.
func (q *OutboundQueue) QueueLength() int {
	return q.items.Size()
}

// Close stops accepting items. Queued items can still be flushed.
func (q *OutboundQueue) Close() error {
	return q.items.Close()
}
