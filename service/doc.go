// Package service runs the router queues as one long-lived service.
//
// Router owns the schedule: one ticker loop per queue calls that queue's
// flush, and a roster loop polls the HandlerSource and synchronizes the
// live-data queue. Lifecycle follows Stopped → Starting → Running →
// Stopping:
//
//	svc, err := service.NewRouter("router-1", queues, source, intervals,
//	    service.WithIngress(subscriber),
//	    service.WithNATS(client),
//	)
//	if err := svc.Start(ctx); err != nil {
//	    return err
//	}
//	defer svc.Stop(10 * time.Second)
//
// Start synchronizes the roster before the first flush and starts the
// ingress last, so nothing is accepted before the queues know their
// targets. Stop reverses that order and ends with one final flush of every
// queue bounded by the stop timeout.
//
// Health combines the outcome of the latest flush per queue with transport
// health. A failed flush marks the queue degraded until a later flush
// succeeds.
package service
