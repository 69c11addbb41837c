// Package mqbridge turns a message broker into an RPC transport. The
// outbound side publishes each call to a shared request queue and waits for
// the reply on a per-call ephemeral queue, matched by correlation ID and
// bounded by a timeout. The inbound side consumes the request queue under a
// prefetch window, delegates each decoded call to a pluggable handler
// backend, and publishes exactly one reply per decodable message with
// manual acknowledgement throughout.
//
// Bridge hosts both sides over a shared bounded connection pool: fill
// Config, create a Bridge with New, issue calls with Call, and run the
// dispatcher with Run. Handler backends are selected by name through the
// backend registry ("mock" ships built in), and the dispatcher answers the
// reserved healthCheck and adapterInfo operations itself.
//
// # Wire format
//
// Bodies are JSON. A request is the operation payload with the call context
// (correlation ID, session, user) spliced in under the
// outboundAdapterCallContext key; the operation name travels as the broker
// message ID, not in the body. A reply mirrors the context under
// inboundAdapterCallContext next to a status block and the result data. An
// empty errorCode means success; a non-empty one surfaces to the caller as
// a RemoteError carrying the backend messages.
//
// # Middleware and hooks
//
// The default middleware chain wraps the handler with tracing, structured
// logging, handler metrics, and panic recovery. DispatchHooks expose
// OnStart, OnDone, and OnError callbacks around inbound processing for
// custom metrics and alerting.
//
// When you need more control, Dependencies exposes well-scoped knobs:
// bring your own Handler, middleware registrations, Prometheus registerer,
// backend registry, or a broker dialer (the in-memory broker under
// internal/bridge/broker/memory backs the test suite).
package mqbridge
