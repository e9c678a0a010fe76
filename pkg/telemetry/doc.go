// Package telemetry wires OpenTelemetry exporters and meters, and the
// Prometheus collectors, for pipeline runs.
//
// It centralises trace provider setup (OTLP over gRPC, or stdout for local
// runs), records per-stage and per-run instruments, and offers enrichment
// helpers that attach policy decisions and failure details to spans so
// operators can correlate a rejected command or a halted run with its cause.
package telemetry
