// Package natsclient wraps the NATS Go client with circuit breaker protection,
// connection lifecycle tracking and the small slice of JetStream the router
// needs: durable streams for retained publishes and a KV bucket for the
// live-data handler roster.
//
// # Publishing
//
// Client implements the router's Publisher contract through PublishOn.
// Retained publishes go to JetStream and are acknowledged by the server;
// everything else is a core NATS publish:
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("router-1"),
//	    natsclient.WithLogger(logger),
//	    natsclient.WithMetrics(registry.CoreMetrics()),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	err = client.PublishOn(ctx, "sensate.live.measurements.web", payload, false)
//
// Retained subjects must be captured by a stream, see EnsureStream.
//
// # Circuit breaker
//
// After a threshold of consecutive failures (default 5) the circuit opens and
// calls fail fast with ErrCircuitOpen. Once the cooldown has passed calls go
// out again as trials; a failed trial doubles the cooldown up to the maximum
// given to WithCircuitBreaker. Failures and the breaker state are exported
// through metric.Metrics.
//
// # Key-Value
//
// NewKVStore wraps a bucket with timeouts and ErrKVKeyNotFound. The roster
// package stores one key per live-data handler.
//
// # Testing
//
// TestClient starts a NATS server in a container through testcontainers-go:
//
//	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
//	err := tc.Client.PublishOn(ctx, "subject", data, false)
package natsclient
