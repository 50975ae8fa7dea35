// Package metric owns the router's Prometheus registry and HTTP exporter.
//
// MetricsRegistry wraps a private prometheus.Registry (never the global
// default) so tests can build as many routers as they like. Core router
// metrics live in Metrics; other packages register their own collectors
// through the MetricsRegistrar interface.
//
// The queued-items gauge is observational only: each queue increments it
// on enqueue and resets it when a flush swaps its buffers out.
package metric
