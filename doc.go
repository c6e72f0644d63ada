// Package authgate is a client-side authentication façade that federates a
// primary identity provider with an HTTP fallback API and owns exactly one
// active user session.
//
// Engine methods are safe to call from multiple goroutines after
// initialization through [Builder.Build].
//
// # Architecture boundaries
//
// authgate is the public surface. It exposes [Engine], [Builder], [Config] and
// value types (LoginResult, ServiceHealth, MetricsSnapshot). Routing between
// the provider and the fallback, the fallback's HTTP client, the email-action
// throttle and audit dispatch live under internal/ and are never exported.
// The session model and its manager live in package session; the provider
// contract lives in package provider.
//
// # What this package must NOT do
//
//   - Hold a lock across provider or fallback I/O.
//   - Retry a domain refusal (wrong password, existing account) through the
//     fallback, or count it against the circuit breaker.
//   - Log passwords or tokens.
//   - Import any sub-package that re-imports authgate (no import cycles).
package authgate
