package relation

import (
	"encoding/json"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Encoder produces the wire payload and content-type for a batch of spans.
// The buffer is payload-agnostic: whatever mime Encoder returns is
// round-tripped unchanged to the collector.
type Encoder interface {
	EncodeSpans(spans []sdktrace.ReadOnlySpan) (data []byte, mime string)
}

// JSONMime is the content-type produced by JSONEncoder.
const JSONMime = "application/json"

// JSONEncoder serializes a span batch to an OTLP-flavored JSON document.
// It exists so Lifecycle has a real, non-mock Encoder to wire the pipeline
// to; a deployment that needs wire-compatible OTLP/protobuf supplies its
// own Encoder.
type JSONEncoder struct{}

type jsonSpan struct {
	TraceID      string            `json:"traceId"`
	SpanID       string            `json:"spanId"`
	ParentSpanID string            `json:"parentSpanId,omitempty"`
	Name         string            `json:"name"`
	Kind         string            `json:"kind"`
	StartTime    time.Time         `json:"startTime"`
	EndTime      time.Time         `json:"endTime"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	StatusCode   string            `json:"statusCode"`
	StatusDesc   string            `json:"statusDescription,omitempty"`
}

// EncodeSpans implements Encoder.
func (JSONEncoder) EncodeSpans(spans []sdktrace.ReadOnlySpan) ([]byte, string) {
	out := make([]jsonSpan, 0, len(spans))
	for _, s := range spans {
		attrs := make(map[string]string, len(s.Attributes()))
		for _, kv := range s.Attributes() {
			attrs[string(kv.Key)] = kv.Value.Emit()
		}

		var parent string
		if s.Parent().HasSpanID() {
			parent = s.Parent().SpanID().String()
		}

		out = append(out, jsonSpan{
			TraceID:      s.SpanContext().TraceID().String(),
			SpanID:       s.SpanContext().SpanID().String(),
			ParentSpanID: parent,
			Name:         s.Name(),
			Kind:         s.SpanKind().String(),
			StartTime:    s.StartTime(),
			EndTime:      s.EndTime(),
			Attributes:   attrs,
			StatusCode:   s.Status().Code.String(),
			StatusDesc:   s.Status().Description,
		})
	}

	data, err := json.Marshal(out)
	if err != nil {
		// Marshaling a ReadOnlySpan's own accessors cannot fail; this
		// would indicate a bug in jsonSpan, not bad input data.
		return []byte("[]"), JSONMime
	}
	return data, JSONMime
}
