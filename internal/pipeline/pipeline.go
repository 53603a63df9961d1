package pipeline

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/canonical/ops-tracing/internal/buffer"
	"github.com/canonical/ops-tracing/internal/export"
	"github.com/canonical/ops-tracing/internal/relation"
)

// ExportDeadline bounds a single ExportSpans call's wall-clock time.
const ExportDeadline = 6 * time.Second

// SendoutFactor is the number of pump-then-send rounds attempted per
// ExportSpans call: one for the batch just received, plus
// SendoutFactor-1 extra drain rounds against whatever else is buffered.
const SendoutFactor = 2

// Pipeline is the background span-batch sink: it accepts batches from the
// tracing SDK's batch span processor and drives Buffer and Exporter under
// a wall-clock deadline.
type Pipeline struct {
	buf     *buffer.Buffer
	exp     *export.Exporter
	encoder relation.Encoder

	muted atomic.Bool
}

// New constructs a Pipeline over buf and exp, encoding batches with
// encoder.
func New(buf *buffer.Buffer, exp *export.Exporter, encoder relation.Encoder) *Pipeline {
	return &Pipeline{buf: buf, exp: exp, encoder: encoder}
}

// ExportSpans implements sdktrace.SpanExporter. While it runs, Muted
// reports true, so a log handler that forwards to the orchestrator (which
// may itself emit spans) can break the span -> log -> span cycle by
// checking it before forwarding.
func (p *Pipeline) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	p.muted.Store(true)
	defer p.muted.Store(false)

	deadline := time.Now().Add(ExportDeadline)

	data, mime := p.encoder.EncodeSpans(spans)

	head, err := p.buf.Pump(ctx, data, mime)
	if err != nil {
		log.Printf("pipeline: failed to persist span batch, dropping it: %v", err)
		return nil
	}
	if head == nil {
		// Pump always inserts when chunk != nil, so a head must exist;
		// stay defensive instead of indexing a nil record.
		return nil
	}
	if !p.sendAndRemove(ctx, head) {
		return nil
	}

	for i := 1; i < SendoutFactor; i++ {
		if time.Now().After(deadline) {
			break
		}
		head, err = p.buf.Pump(ctx, nil, "")
		if err != nil {
			log.Printf("pipeline: drain round failed to read head: %v", err)
			break
		}
		if head == nil {
			break
		}
		if !p.sendAndRemove(ctx, head) {
			break
		}
	}

	return nil
}

func (p *Pipeline) sendAndRemove(ctx context.Context, head *buffer.Record) bool {
	sent := p.exp.Send(ctx, head.Payload, head.ContentType)
	if sent {
		if err := p.buf.Remove(ctx, head.ID); err != nil {
			log.Printf("pipeline: sent record %d but failed to remove it: %v", head.ID, err)
		}
	}
	return sent
}

// Shutdown implements sdktrace.SpanExporter. Buffering is explicit, so
// there is nothing to flush here: the tracing SDK's own shutdown drains
// pending batches through ExportSpans before calling this.
func (p *Pipeline) Shutdown(context.Context) error {
	return nil
}

// ForceFlush mirrors the SDK's force-flush hook; it is a no-op for the
// same reason Shutdown is.
func (p *Pipeline) ForceFlush(context.Context) error {
	return nil
}

// Muted reports whether an ExportSpans call is currently in flight.
func (p *Pipeline) Muted() bool {
	return p.muted.Load()
}
