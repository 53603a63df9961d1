package lifecycle

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/canonical/ops-tracing/internal/buffer"
	"github.com/canonical/ops-tracing/internal/export"
	"github.com/canonical/ops-tracing/internal/pipeline"
	"github.com/canonical/ops-tracing/internal/relation"
	"github.com/canonical/ops-tracing/internal/store"
)

// bufferFileName is the fixed file name under the charm directory.
const bufferFileName = ".tracing-data.db"

// Environment holds the invocation-identifying fields read from the
// process environment at Setup.
type Environment struct {
	UnitName     string // JUJU_UNIT_NAME
	ModelName    string // JUJU_MODEL_NAME
	ModelUUID    string // JUJU_MODEL_UUID
	CharmDir     string // JUJU_CHARM_DIR
	DispatchPath string // JUJU_DISPATCH_PATH
}

// ReadEnvironment reads the invocation-identifying environment variables.
// Missing values degrade resource attributes; of them only an empty
// CharmDir, which locates the buffer file, makes Setup fail.
func ReadEnvironment() Environment {
	return Environment{
		UnitName:     os.Getenv("JUJU_UNIT_NAME"),
		ModelName:    os.Getenv("JUJU_MODEL_NAME"),
		ModelUUID:    os.Getenv("JUJU_MODEL_UUID"),
		CharmDir:     os.Getenv("JUJU_CHARM_DIR"),
		DispatchPath: os.Getenv("JUJU_DISPATCH_PATH"),
	}
}

// appName extracts "myapp" out of a unit name like "myapp/0".
func (e Environment) appName() string {
	for i := 0; i < len(e.UnitName); i++ {
		if e.UnitName[i] == '/' {
			return e.UnitName[:i]
		}
	}
	return e.UnitName
}

// Handle is the process-wide tracing pipeline installed by Setup.
type Handle struct {
	store    *store.Store
	buffer   *buffer.Buffer
	exporter *export.Exporter
	pipeline *pipeline.Pipeline
	provider *sdktrace.TracerProvider
	bsp      sdktrace.SpanProcessor
}

// current is the lazily-initialized process-wide handle. A charm that
// never calls Setup never touches this package's heavier dependencies in
// practice, since nothing allocates until Setup runs.
var current atomic.Pointer[Handle]

// Setup resolves environment, constructs Store -> Buffer -> Exporter ->
// Pipeline, and installs the pipeline as the sink of a batched span
// processor behind a fresh TracerProvider. charmClassName is the charm's
// class name as the operator framework reports it.
func Setup(ctx context.Context, charmClassName string, env Environment, resolver relation.DestinationResolver, encoder relation.Encoder) (*Handle, error) {
	if env.CharmDir == "" {
		return nil, fmt.Errorf("lifecycle: setup: JUJU_CHARM_DIR is required")
	}
	bufferPath := filepath.Join(env.CharmDir, bufferFileName)

	st, err := store.Open(ctx, bufferPath, buffer.LongDBTimeout)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: setup: %w", err)
	}

	buf := buffer.New(st, buffer.DefaultBufferSize)
	exp := export.New()
	pipe := pipeline.New(buf, exp, encoder)

	res, err := buildResource(ctx, charmClassName, env)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("lifecycle: setup: resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(pipe)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(bsp),
		sdktrace.WithResource(res),
	)

	h := &Handle{
		store:    st,
		buffer:   buf,
		exporter: exp,
		pipeline: pipe,
		provider: provider,
		bsp:      bsp,
	}
	current.Store(h)

	if resolver != nil {
		if url, caPEM, ok := resolver.Resolve(ctx); ok {
			if err := h.SetDestination(ctx, url, caPEM); err != nil {
				log.Printf("lifecycle: setup: initial destination rejected: %v", err)
			}
		}
	}

	return h, nil
}

// Current returns the process-wide handle installed by the last Setup
// call, or nil if Setup has not run.
func Current() *Handle {
	return current.Load()
}

// Provider returns the TracerProvider Setup installed; callers register
// it with otel.SetTracerProvider.
func (h *Handle) Provider() *sdktrace.TracerProvider {
	return h.provider
}

// SetDestination validates url, updates the exporter's destination, and,
// when url is non-empty, calls Buffer.MarkObserved: the destination
// becoming known is the only
// reliable signal that this dispatch's spans are worth keeping, since it
// comes from a successful relation read.
func (h *Handle) SetDestination(ctx context.Context, url, caPEM string) error {
	if err := h.exporter.SetDestination(url, caPEM); err != nil {
		return fmt.Errorf("lifecycle: set destination: %w", err)
	}
	if url == "" {
		return nil
	}
	if err := h.buffer.MarkObserved(ctx); err != nil {
		return fmt.Errorf("lifecycle: set destination: mark observed: %w", err)
	}
	return nil
}

// Shutdown delegates to the tracer provider's own shutdown, which flushes
// remaining batches through Pipeline.ExportSpans, then closes the store.
// Any error is logged and swallowed: shutdown must not raise.
func (h *Handle) Shutdown(ctx context.Context) {
	if err := h.provider.Shutdown(ctx); err != nil {
		log.Printf("lifecycle: shutdown: tracer provider: %v", err)
	}
	if err := h.store.Close(); err != nil {
		log.Printf("lifecycle: shutdown: store close: %v", err)
	}
	current.CompareAndSwap(h, nil)
}

// buildResource assembles the resource attributes for the tracing core.
// Downstream dashboards disagree on whether service.name should be the
// charm's class name, its application name, or "<app>-charm"; all three
// are recorded (see DESIGN.md) alongside the juju-topology duplicates.
func buildResource(ctx context.Context, charmClassName string, env Environment) (*resource.Resource, error) {
	appName := env.appName()

	attrs := []attribute.KeyValue{
		semconv.ServiceNamespaceKey.String(env.ModelName),
		semconv.ServiceInstanceIDKey.String(env.UnitName),

		// Which of these is authoritative for service.name is left to
		// the operator team; all three are attached for compatibility.
		attribute.String("service.name", charmClassName),
		attribute.String("service.name.app", appName),
		attribute.String("service.name.charm", appName+"-charm"),

		// juju-topology duplicates, read by dashboards that key off the
		// topology namespace instead of the generic semconv keys.
		attribute.String("juju_unit", env.UnitName),
		attribute.String("juju_application", appName),
		attribute.String("juju_model", env.ModelName),
		attribute.String("juju_model_uuid", env.ModelUUID),
	}

	return resource.New(ctx, resource.WithAttributes(attrs...))
}
