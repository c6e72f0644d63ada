// Package prometheus renders authgate metrics in the Prometheus text
// exposition format.
//
// [NewPrometheusExporter] reads [authgate.Engine.MetricsSnapshot] on every
// scrape. Counter names are authgate_*_total; the one histogram is
// authgate_provider_latency_seconds.
//
// # What this package must NOT do
//
//   - Register metrics in a global Prometheus registry. Callers mount the Handler.
//   - Mutate engine state.
package prometheus
