// Package router implements the queueing and fan-out core of the platform
// router.
//
// Four queues accept wire-encoded platform messages from the ingress path and
// publish them in gzip'd batches on their own flush cadence:
//
//   - LiveDataQueue keeps one buffer per message kind for every live-data
//     target in the current roster and publishes each non-empty buffer to
//     the target's topic.
//   - TriggerQueue accumulates every measurement and text message for the
//     trigger service.
//   - StorageQueue feeds the durable storage pipeline and drains completely
//     on every flush. Its publishes are retained.
//   - OutboundQueue holds pre-rendered payloads for one-shot publishes and
//     drains at most DequeueCount x MaxIterations items per flush.
//
// Enqueue never blocks on the network. Each queue guards its buffers with
// short-hold spin locks and swaps them for fresh ones at flush time; all
// publishing happens after the locks are released, concurrently, and the
// flush returns only once every publish has finished or timed out.
//
// Enqueueing to a live-data target that is not in the roster is a contract
// violation and panics with errors.ErrUnknownTarget. SyncLiveDataHandlers is
// the only way targets appear or disappear; removing a target discards its
// unflushed records.
package router
