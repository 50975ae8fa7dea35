// Package retry calls a function again after transient failures, waiting
// longer each time.
//
// The router retries the initial NATS connection (Connect policy) and roster
// reads from the key-value bucket. Publishes are never retried here; a failed
// batch is dropped or put back in its queue for the next flush.
//
//	err := retry.Do(ctx, retry.Connect(), func() error {
//	    return client.Connect(ctx)
//	})
//
// Wrap an error with Permanent to stop early:
//
//	if errors.IsInvalid(err) {
//	    return retry.Permanent(err)
//	}
package retry
