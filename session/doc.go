// Package session owns the active authenticated session: its immutable
// [Session] model, the JSON record it persists as, the pluggable [Store]
// persistence capability and the [Manager] that schedules proactive refresh.
//
// # Persistence
//
// A session is persisted as a single JSON record under one fixed key. An
// absent or undecodable record is reported as "no session", never as an
// error. [RedisStore] expires the key together with the session.
//
// # Architecture boundaries
//
// This package does NOT talk to the identity provider or the fallback API.
// The [Manager] refreshes through an injected [Refresher], which the Engine
// routes through the fallback coordinator.
//
// # What this package must NOT do
//
//   - Import authgate, provider or internal/fallback (no upward imports).
//   - Log access or refresh tokens.
//   - Mutate a [Session] after it has been handed to the [Manager].
package session
