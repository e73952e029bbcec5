package workspace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorkspace(id string) *Workspace {
	return &Workspace{
		ID: id,
		Context: ContextRef{
			Source:          "inline",
			SizeBytes:       4096,
			EstimatedTokens: 1024,
			Structure:       StructureUnstructured,
		},
		Status: StatusPending,
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour, nil)

	require.NoError(t, s.Create(ctx, newTestWorkspace("ws-1")))

	ws, err := s.Get(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, "ws-1", ws.ID)
	assert.Equal(t, StatusPending, ws.Status)
	assert.False(t, ws.CreatedAt.IsZero())

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, s.Create(ctx, newTestWorkspace("ws-1")), "duplicate create must fail")
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour, nil)
	require.NoError(t, s.Create(ctx, newTestWorkspace("ws-1")))
	require.NoError(t, s.PutChunks(ctx, "ws-1", []Chunk{{Index: 0, Range: ByteRange{End: 10}}}))

	ws, err := s.Get(ctx, "ws-1")
	require.NoError(t, err)
	ws.Chunks[0].Index = 99
	ws.Status = StatusError

	again, err := s.Get(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, 0, again.Chunks[0].Index, "mutating a returned copy must not affect the store")
	assert.Equal(t, StatusPending, again.Status)
}

func TestMemoryStoreStatusTransitionsForwardOnly(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour, nil)
	require.NoError(t, s.Create(ctx, newTestWorkspace("ws-1")))

	require.NoError(t, s.SetStatus(ctx, "ws-1", StatusActive))
	assert.ErrorIs(t, s.SetStatus(ctx, "ws-1", StatusPending), ErrInvalidTransition)

	require.NoError(t, s.SetStatus(ctx, "ws-1", StatusComplete))
	assert.ErrorIs(t, s.SetStatus(ctx, "ws-1", StatusError), ErrInvalidTransition)
	assert.ErrorIs(t, s.SetStatus(ctx, "ws-1", StatusActive), ErrInvalidTransition)

	// Setting the current status again is a no-op, not an error.
	assert.NoError(t, s.SetStatus(ctx, "ws-1", StatusComplete))
}

func TestMemoryStoreFinalizeOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour, nil)
	require.NoError(t, s.Create(ctx, newTestWorkspace("ws-1")))
	require.NoError(t, s.SetStatus(ctx, "ws-1", StatusActive))

	final := FinalAnswer{Text: "done", Confidence: 0.8, TotalTokenUsage: 500}
	require.NoError(t, s.Finalize(ctx, "ws-1", final))

	ws, err := s.Get(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, ws.Status)
	require.NotNil(t, ws.Final)
	assert.Equal(t, "done", ws.Final.Text)
	assert.False(t, ws.Final.CreatedAt.IsZero())

	err = s.Finalize(ctx, "ws-1", FinalAnswer{Text: "again"})
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
}

func TestMemoryStoreAppendResultKeepsOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour, nil)
	require.NoError(t, s.Create(ctx, newTestWorkspace("ws-1")))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendResult(ctx, "ws-1", WorkerResult{ChunkIndex: i}))
	}
	ws, err := s.Get(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, ws.Results, 3)
	for i, r := range ws.Results {
		assert.Equal(t, i, r.ChunkIndex)
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour, nil)
	require.NoError(t, s.Create(ctx, newTestWorkspace("ws-1")))
	require.NoError(t, s.Delete(ctx, "ws-1"))
	_, err := s.Get(ctx, "ws-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "ws-1"), ErrNotFound)
}

func TestMemoryStoreSweep(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour, nil)

	now := time.Now()
	s.now = func() time.Time { return now }
	require.NoError(t, s.Create(ctx, newTestWorkspace("old")))

	s.now = func() time.Time { return now.Add(2 * time.Hour) }
	require.NoError(t, s.Create(ctx, newTestWorkspace("fresh")))

	removed, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "fresh")
	assert.NoError(t, err)
}

func TestMemoryStoreSweepDisabledWithoutRetention(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0, nil)
	require.NoError(t, s.Create(ctx, newTestWorkspace("ws-1")))
	removed, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestCheckTransition(t *testing.T) {
	assert.NoError(t, checkTransition(StatusPending, StatusActive))
	assert.NoError(t, checkTransition(StatusActive, StatusComplete))
	assert.NoError(t, checkTransition(StatusActive, StatusError))
	assert.NoError(t, checkTransition(StatusPending, StatusPending))
	assert.Error(t, checkTransition(StatusComplete, StatusError))
	assert.Error(t, checkTransition(StatusError, StatusComplete))
	assert.Error(t, checkTransition(StatusActive, Status("bogus")))

	// Terminal states are only reachable from active; pending never skips
	// a stage.
	assert.ErrorIs(t, checkTransition(StatusPending, StatusComplete), ErrInvalidTransition)
	assert.ErrorIs(t, checkTransition(StatusPending, StatusError), ErrInvalidTransition)
}

func TestMemoryStoreRejectsSkippedLifecycleStage(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour, nil)
	require.NoError(t, s.Create(ctx, newTestWorkspace("ws-1")))

	assert.ErrorIs(t, s.SetStatus(ctx, "ws-1", StatusComplete), ErrInvalidTransition)
	err := s.Finalize(ctx, "ws-1", FinalAnswer{Text: "early"})
	assert.ErrorIs(t, err, ErrInvalidTransition, "finalizing a pending workspace must fail")

	ws, gerr := s.Get(ctx, "ws-1")
	require.NoError(t, gerr)
	assert.Equal(t, StatusPending, ws.Status)
	assert.Nil(t, ws.Final)
}
