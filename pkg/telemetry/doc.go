// Package telemetry provides the observability surface of the engine:
// structured logging (zerolog), Prometheus metrics for design runs, and
// optional OpenTelemetry tracing.
//
// Everything is opt-in and configured up front; library packages receive a
// logger or metrics handle instead of reaching for globals.
package telemetry
