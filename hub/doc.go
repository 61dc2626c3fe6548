// Package hub implements the server side of the realtime notification
// layer: authenticated WebSocket admission, per-user connection
// tracking with presence signals, room-scoped fan-out, NATS ingest from
// domain producers, and the recent-notification history that backs the
// polling fallback and missed-notification sync endpoints.
//
// Ownership is strict: the ConnectionRegistry owns connection handles,
// the TopicRouter owns room membership, and the Gateway is the only
// caller of both. Fan-out always snapshots room membership before
// writing so no lock is held across per-connection writes, and a failed
// write to one member never aborts delivery to the rest.
package hub
