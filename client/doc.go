// Package client is the consumer-side SDK for the realtime notification
// layer. It maintains a resilient WebSocket session with automatic
// reconnection, degrades to HTTP polling when the reconnect budget is
// exhausted, and feeds every received notification through a single
// pipeline that de-duplicates, queues, distributes to subscribers, and
// optionally persists.
//
// Delivery is at least once across transport switches; the notification
// id is the de-duplication key, so consumers observe each notification
// exactly once regardless of which transport carried it.
package client
