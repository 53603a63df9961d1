// Package relation provides the destination and encoder collaborators the
// tracing core depends on but does not own. In the real framework these
// read Juju relation databags; here they are thin, concrete
// implementations good enough to exercise Lifecycle end to end: a
// destination resolver backed by environment variables, and a span encoder
// that serializes a batch to OTLP-flavored JSON.
//
// The core treats both as swappable: Lifecycle.Setup accepts any
// DestinationResolver and Encoder, so a real relation-data adapter can be
// substituted without touching the buffer, exporter, or pipeline.
package relation
