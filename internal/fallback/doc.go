// Package fallback routes each auth operation to the primary identity
// provider or to the self-hosted HTTP fallback API.
//
// # Components
//
//   - [Client]: generic JSON HTTP client (base URL, bearer injection, request
//     IDs, error classification).
//   - [API]: typed calls for the /api/auth/* endpoints.
//   - [Coordinator] and [Run]: per-call routing through the circuit breaker,
//     with one fallback attempt after a primary connectivity failure.
//
// # Routing rules
//
// An open breaker routes straight to the fallback. A primary connectivity
// failure is recorded against the breaker and retried once on the fallback.
// A primary domain refusal (wrong password, duplicate user) is returned as-is:
// it is neither recorded as a failure nor retried elsewhere.
//
// # What this package must NOT do
//
//   - Touch the active session (the Engine applies results).
//   - Hold any lock across provider or HTTP I/O.
package fallback
