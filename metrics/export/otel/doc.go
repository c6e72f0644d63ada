// Package otel exposes authgate metrics as OpenTelemetry observable
// instruments.
//
// [NewOTelExporter] creates one Int64ObservableCounter per counter and one
// Int64ObservableGauge per cumulative histogram bucket. A single callback reads
// [authgate.Engine.MetricsSnapshot] on each collection cycle.
//
// # What this package must NOT do
//
//   - Own the MeterProvider. Callers supply the Meter.
//   - Mutate engine state.
package otel
