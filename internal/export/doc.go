// Package export owns the outbound HTTP path for the tracing buffer: one
// POST per call, with a bounded-time TLS client-context cache keyed by the
// destination's CA bundle.
//
// The exporter is intentionally stateless across calls beyond the TLS
// cache and the destination tuple: no retry, no connection pool beyond
// what net/http already gives us, no keep-alive guarantee, because the
// surrounding dispatch lifetime is measured in seconds.
package export
