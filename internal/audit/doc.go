// Package audit relays authentication audit events to a caller-supplied sink
// off the request path.
//
// # Components
//
//   - [Sink]: event consumer (channel, JSON lines, zerolog, no-op, func).
//   - [Dispatcher]: buffered async relay with drop-if-full or block-if-full
//     backpressure.
//   - [Event]: one audit record (operation, outcome, routing strategy).
//
// # Architecture boundaries
//
// This package owns buffering and delivery. The Engine decides which events
// to emit.
//
// # What this package must NOT do
//
//   - Filter or suppress events based on business logic.
//   - Import authgate or any sibling internal package.
//   - Carry passwords or tokens in an [Event].
package audit
