package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/ops-tracing/internal/buffer"
	"github.com/canonical/ops-tracing/internal/export"
	"github.com/canonical/ops-tracing/internal/relation"
	"github.com/canonical/ops-tracing/internal/store"
)

func newTestPipeline(t *testing.T) (*Pipeline, *buffer.Buffer, *export.Exporter) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tracing-data.db")
	st, err := store.Open(context.Background(), path, buffer.LongDBTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	buf := buffer.New(st, buffer.DefaultBufferSize)
	exp := export.New()
	p := New(buf, exp, relation.JSONEncoder{})
	return p, buf, exp
}

func TestExportSuccessRemovesRecord(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, buf, exp := newTestPipeline(t)
	require.NoError(t, exp.SetDestination(srv.URL, ""))

	require.NoError(t, p.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{}))
	assert.Equal(t, 1, hits, "expected exactly one POST")

	head, err := buf.Pump(context.Background(), nil, "")
	require.NoError(t, err)
	assert.Nil(t, head, "expected the buffer to be empty after a successful export")
}

func TestExportFailureRetainsRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, buf, exp := newTestPipeline(t)
	require.NoError(t, exp.SetDestination(srv.URL, ""))

	require.NoError(t, p.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{}))
	require.NoError(t, p.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{}))

	head, err := buf.Pump(context.Background(), nil, "")
	require.NoError(t, err)
	assert.NotNil(t, head, "expected the buffer to still hold at least one record after two failed exports")
}

func TestExportWithNoDestinationBuffersWithoutError(t *testing.T) {
	p, buf, _ := newTestPipeline(t)

	require.NoError(t, p.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{}))

	head, err := buf.Pump(context.Background(), nil, "")
	require.NoError(t, err)
	assert.NotNil(t, head, "expected the unsent record to remain buffered")
}

func TestDeadlineLimitsSendoutRounds(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		time.Sleep(3 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, buf, exp := newTestPipeline(t)
	require.NoError(t, exp.SetDestination(srv.URL, ""))

	// Pre-seed a second record so a drain round has something to find.
	_, err := buf.Pump(context.Background(), []byte("seed"), "text/plain")
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{}))
	elapsed := time.Since(start)

	assert.LessOrEqual(t, hits, 2, "expected at most SENDOUT_FACTOR=2 send attempts")
	assert.LessOrEqual(t, elapsed, ExportDeadline+2*time.Second, "expected ExportSpans to honor its deadline")
}
