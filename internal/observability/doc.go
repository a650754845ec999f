// Package observability holds the monitoring surface of the runtime:
// Prometheus metrics for turns, provider calls, tool executions,
// compaction, the scheduler, and HTTP traffic; an OpenTelemetry tracer
// with OTLP export that degrades to a no-op when unconfigured; and the
// slog construction used by the daemon, including redaction of secrets
// that would otherwise leak through error messages.
package observability
