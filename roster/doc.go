// Package roster supplies the live data handler roster to the router.
//
// A StaticSource serves the handlers listed in configuration. A KVSource
// reads them from a NATS JetStream KeyValue bucket where every key holds
// one JSON encoded handler:
//
//	{"name": "dashboard", "enabled": true}
//
// Both implement router.HandlerSource. The service polls the source and
// passes the result to LiveDataQueue.SyncLiveDataHandlers.
package roster
