// Package ingress feeds routed messages from NATS into the router queues.
//
// The upstream gateway publishes one JSON Envelope per message on the
// routing subjects. The envelope carries the message itself plus the
// routing decision: which live data targets receive it, whether the
// trigger service evaluates it and whether it is stored.
//
//	{
//	  "kind": "measurement",
//	  "measurement": {"sensor_id": "...", "data": {"temp": {"value": 21.5}}},
//	  "live_data_targets": ["dashboard"],
//	  "trigger": true,
//	  "store": true
//	}
//
// Pre-rendered outbound notifications arrive on the outbound subjects as
// {"data": "...", "target": "..."}.
//
// Producers that prefer a binary encoding may send the same documents as
// MessagePack maps keyed by the JSON field names.
//
// Subscriber callbacks only submit the raw payload to a worker pool, so the
// NATS delivery goroutine never blocks on decoding or queue locks.
package ingress
