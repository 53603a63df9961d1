package buffer

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/ops-tracing/internal/store"
)

func newTestBuffer(t *testing.T, bufferSize int64) *Buffer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tracing-data.db")
	st, err := store.Open(context.Background(), path, LongDBTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, bufferSize)
}

// Covers priority promotion via MarkObserved and head tie-break by lowest id.
func TestPumpMarkObservedHeadTieBreak(t *testing.T) {
	ctx := context.Background()
	b := newTestBuffer(t, DefaultBufferSize)

	head, err := b.Pump(ctx, []byte("A"), "text/plain")
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.EqualValues(t, 1, head.ID)
	assert.Equal(t, DefaultPriority, head.Priority)

	require.NoError(t, b.MarkObserved(ctx))

	head, err = b.Pump(ctx, []byte("B"), "text/plain")
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.EqualValues(t, 1, head.ID, "expected tie broken toward id=1")
	assert.Equal(t, ObservedPriority, head.Priority, "expected id=1 promoted to observed")
}

// Eviction under quota picks the lowest priority, oldest id first.
func TestEvictionUnderQuota(t *testing.T) {
	ctx := context.Background()
	b := newTestBuffer(t, 8192)

	p1 := make([]byte, 4000)
	p2 := make([]byte, 4000)
	p3 := make([]byte, 4000)

	_, err := b.Pump(ctx, p1, "application/octet-stream")
	require.NoError(t, err)
	_, err = b.Pump(ctx, p2, "application/octet-stream")
	require.NoError(t, err)

	// stored is now 8192 (two 4096-slot records); inserting p3 needs
	// another 4096 slots, pushing to 12288 > 8192, so P1 must be evicted.
	head, err := b.Pump(ctx, p3, "application/octet-stream")
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.EqualValues(t, 2, head.ID, "expected P2 to survive as head")
}

// Once observed, new inserts are born observed; equal-priority eviction
// still falls back to oldest-first.
func TestPriorityPreservationAfterObserved(t *testing.T) {
	ctx := context.Background()
	// Large enough that inserting p3 only needs to evict p1 (the smallest
	// prefix, ordered oldest-first, whose cumulative slots exceed the
	// excess), not both equally-prioritized records.
	b := newTestBuffer(t, 12000)

	p1 := make([]byte, 4000)
	_, err := b.Pump(ctx, p1, "application/octet-stream")
	require.NoError(t, err)
	require.NoError(t, b.MarkObserved(ctx))

	p2 := make([]byte, 4000)
	head, err := b.Pump(ctx, p2, "application/octet-stream")
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, ObservedPriority, head.Priority, "p2 should be born observed")

	p3 := make([]byte, 4000)
	head, err = b.Pump(ctx, p3, "application/octet-stream")
	require.NoError(t, err)
	require.NotNil(t, head)
	// P1 (oldest, equal priority) is evicted to make room for P3.
	assert.EqualValues(t, 2, head.ID, "expected P2 to remain as head after evicting P1")
}

func TestOversizedChunkRejected(t *testing.T) {
	ctx := context.Background()
	b := newTestBuffer(t, 4096)

	_, err := b.Pump(ctx, make([]byte, 8192), "application/octet-stream")
	assert.Error(t, err)
}

func TestMarkObservedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := newTestBuffer(t, DefaultBufferSize)

	_, err := b.Pump(ctx, []byte("a"), "text/plain")
	require.NoError(t, err)
	require.NoError(t, b.MarkObserved(ctx))
	require.NoError(t, b.MarkObserved(ctx))

	head, err := b.Pump(ctx, nil, "")
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, ObservedPriority, head.Priority, "expected record to remain observed")
}

func TestRemoveIsIdempotentOverMissingID(t *testing.T) {
	ctx := context.Background()
	b := newTestBuffer(t, DefaultBufferSize)

	assert.NoError(t, b.Remove(ctx, 12345))
}

func TestRemoveDeletesRecordAndHeadAdvances(t *testing.T) {
	ctx := context.Background()
	b := newTestBuffer(t, DefaultBufferSize)

	first, err := b.Pump(ctx, []byte("a"), "text/plain")
	require.NoError(t, err)
	second, err := b.Pump(ctx, []byte("b"), "text/plain")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID, "expected head to stay at the first record while both are DEFAULT priority")

	require.NoError(t, b.Remove(ctx, first.ID))

	head, err := b.Pump(ctx, nil, "")
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, "b", string(head.Payload), "expected head to advance to the second record")
}

func TestRestartRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracing-data.db")
	ctx := context.Background()

	st, err := store.Open(ctx, path, LongDBTimeout)
	require.NoError(t, err)
	b := New(st, DefaultBufferSize)
	_, err = b.Pump(ctx, []byte("a"), "text/plain")
	require.NoError(t, err)
	_, err = b.Pump(ctx, []byte("b"), "text/plain")
	require.NoError(t, err)
	st.Close()

	// Simulate a fresh process over the same file.
	st2, err := store.Open(ctx, path, LongDBTimeout)
	require.NoError(t, err)
	defer st2.Close()
	b2 := New(st2, DefaultBufferSize)

	head, err := b2.Pump(ctx, nil, "")
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, "a", string(head.Payload), "expected restart to preserve record a as head")
}
