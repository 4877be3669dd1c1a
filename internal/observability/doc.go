// Package observability provides structured logging, metrics, and tracing
// for the decision service.
//
// This package implements:
//   - zap logger construction from level/format settings
//   - Prometheus collectors for decisions, store errors, cache and audit
//   - OpenTelemetry tracer provider with OTLP export
//   - Request ID propagation into log fields
package observability
