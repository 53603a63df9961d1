// Package pipeline drives the Buffer and Exporter under a wall-clock
// budget on behalf of the tracing SDK's batch span processor.
//
// Pipeline implements go.opentelemetry.io/otel/sdk/trace.SpanExporter, so
// it installs directly as the sink of an
// sdktrace.NewBatchSpanProcessor(pipeline): batching itself is the OTel
// SDK's own concern, not reimplemented here.
//
// ExportSpans never returns an error that would make the tracing SDK treat
// a buffered write as a failed export: persistence failures are logged and
// swallowed, because the alternative is to kill the dispatch over
// telemetry plumbing.
package pipeline
