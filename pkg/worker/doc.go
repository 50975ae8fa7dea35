// Package worker provides a bounded, generic worker pool.
//
// The ingress path uses it to decouple NATS subscription callbacks from
// queue dispatch: callbacks Submit work without blocking, a fixed number of
// workers run the processor, and a full queue is reported as ErrQueueFull so
// the caller can count the drop.
//
//	pool, err := worker.NewPool[ingress.Work](4, 4096, dispatch,
//	    worker.WithMetricsRegistry[ingress.Work](registry, "ingress"))
//	if err != nil {
//	    return err
//	}
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
// Stop closes the queue and lets workers drain what was already submitted.
// A processor panic is recovered, counted as a failure and handed to the
// optional panic handler; the worker keeps running.
package worker
