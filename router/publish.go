package router

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sensate-iot/platform-router/errors"
	"github.com/sensate-iot/platform-router/message"
	"github.com/sensate-iot/platform-router/metric"
	"github.com/sensate-iot/platform-router/wire"
)

// publishJob is one (kind, recipient) batch ready to go out.
type publishJob struct {
	topic   string
	kind    message.Kind
	target  string
	records [][]byte
	retain  bool

	// requeue returns records to the recipient's live buffer; nil disables it
	requeue func(records [][]byte)
}

// publisher runs the publish side of a flush for one queue.
type publisher struct {
	queue   string
	target  Publisher
	timeout time.Duration
	logger  *slog.Logger
	metrics *metric.Metrics
}

func newPublisher(queue string, target Publisher, s *settings, logger *slog.Logger) *publisher {
	return &publisher{
		queue:   queue,
		target:  target,
		timeout: s.timeout,
		logger:  logger,
		metrics: s.metrics,
	}
}

// publishAll publishes every job concurrently and waits for all of them.
// The returned error joins the individual failures and is only for logging.
func (p *publisher) publishAll(ctx context.Context, jobs []publishJob) error {
	if len(jobs) == 0 {
		return nil
	}

	errs := make([]error, len(jobs))
	var wg sync.WaitGroup
	for i := range jobs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = p.publishBatch(ctx, jobs[i])
		}(i)
	}
	wg.Wait()

	return stderrors.Join(errs...)
}

func (p *publisher) publishBatch(ctx context.Context, job publishJob) error {
	payload, err := wire.EncodeBatch(job.records)
	if err != nil {
		p.logger.Error("Dropping batch that failed to encode",
			"kind", job.kind.String(), "target", job.target, "records", len(job.records), "error", err)
		p.metrics.RecordDropped(p.queue, "encoding", len(job.records))
		return err
	}
	if len(payload) == 0 {
		return nil
	}

	err = p.send(ctx, job.topic, payload, job.retain, len(job.records))
	if err == nil {
		return nil
	}

	if job.requeue != nil && errors.IsTransient(err) {
		job.requeue(job.records)
		p.logger.Warn("Publish failed, records requeued",
			"topic", job.topic, "records", len(job.records), "error", err)
		return err
	}

	p.logger.Error("Publish failed, batch dropped",
		"topic", job.topic, "kind", job.kind.String(), "target", job.target,
		"records", len(job.records), "error", err)
	p.metrics.RecordDropped(p.queue, "publish", len(job.records))
	return err
}

// send performs one bounded publish and records its outcome.
func (p *publisher) send(ctx context.Context, topic string, payload []byte, retain bool, records int) error {
	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	err := p.target.PublishOn(pctx, topic, payload, retain)
	p.metrics.RecordPublish(p.queue, records, time.Since(start), err)
	if err == nil {
		return nil
	}

	if ctx.Err() == nil && stderrors.Is(pctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %v: %v", errors.ErrPublishTimeout, p.timeout, err)
	}
	return errors.Wrap(err, p.queue, "publish", fmt.Sprintf("publish to %s", topic))
}
