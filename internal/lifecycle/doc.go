// Package lifecycle owns the process-wide tracing pipeline: Setup wires a
// Store, Buffer, Exporter, and Pipeline together and installs the result
// as the sink of an OTel SDK batch span processor; SetDestination mediates
// destination changes and the "observed" promotion; Shutdown flushes and
// tears everything down.
//
// # Wiring
//
//	Setup
//	  │
//	  ▼
//	store.Open(buffer_path) ──► buffer.New ──► pipeline.New ◄── export.New
//	                                               │
//	                                               ▼
//	                              sdktrace.NewBatchSpanProcessor(pipeline)
//	                                               │
//	                                               ▼
//	                              sdktrace.NewTracerProvider(...)
//
// There is at most one Handle per process, held behind an atomic pointer
// rather than relying on an init()-time global: Setup/Shutdown are
// explicit, and a charm that never imports this package pays nothing.
package lifecycle
