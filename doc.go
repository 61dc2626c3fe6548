// Package realtime is the real-time notification delivery layer of the
// MailSense email-assistant dashboard.
//
// # Overview
//
// Domain services (mail sync, AI analysis, workflow engines, security
// monitoring) publish notification events on NATS. The hub fans them out
// to authenticated WebSocket sessions, scoped by room. The client SDK
// owns a resilient connection state machine with exponential-backoff
// reconnection and an HTTP polling fallback, so delivery survives flaky
// connectivity with at-least-once semantics and id-based de-duplication.
//
//	┌──────────────┐   notify.user.*    ┌──────────────────────────┐
//	│ Domain       │──────────────────→ │  Hub                     │
//	│ producers    │  notify.broadcast  │  auth → registry → router│
//	└──────────────┘     (NATS)         │  ws gateway + /poll /sync│
//	                                    └────────────┬─────────────┘
//	                                                 │ ws frames
//	                                    ┌────────────▼─────────────┐
//	                                    │  Client                  │
//	                                    │  state machine + fallback│
//	                                    │  → processNotification   │
//	                                    │  → queue / subs / store  │
//	                                    └──────────────────────────┘
//
// # Packages
//
//   - notification: entity, closed enumerations, wire envelope
//   - auth: JWT credential validation at connection setup
//   - hub: connection registry, topic router, WebSocket gateway, NATS
//     ingest, recent-notification history behind /poll and /sync
//   - client: resilient client, fallback transport, retention queue,
//     filtered subscriptions, durable persistence bridge
//   - errors: classified error handling (transient/invalid/fatal)
//   - metric: Prometheus metrics registry
//   - config: YAML configuration
//   - pkg/retry: exponential backoff
//
// # Guarantees
//
// At-least-once delivery with client-side de-duplication by notification
// id. FIFO ordering within one connection epoch and within one room; no
// ordering across rooms or across a reconnect gap. Authentication
// failures close the connection terminally and never enter the reconnect
// loop.
package realtime
