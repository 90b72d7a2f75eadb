package storage

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/lgulliver/mediavault/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*LocalStorage, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewLocalStorage(dir, 1<<20)
	require.NoError(t, err)
	return store, dir
}

func TestWriteAndReadChunk(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()

	payload := []byte("chunk-zero-data")
	n, err := store.WriteChunk(ctx, "sess1", 0, bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)

	// Persisted under the deterministic staging path
	_, err = os.Stat(filepath.Join(dir, "chunks", "sess1-0"))
	require.NoError(t, err)

	reader, err := store.ReadChunk(ctx, "sess1", 0)
	require.NoError(t, err)
	defer reader.Close()
	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	size, err := store.ChunkSize(ctx, "sess1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), size)
}

func TestWriteChunkOverwriteLastWriterWins(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.WriteChunk(ctx, "sess1", 3, bytes.NewReader([]byte("first")))
	require.NoError(t, err)
	_, err = store.WriteChunk(ctx, "sess1", 3, bytes.NewReader([]byte("second")))
	require.NoError(t, err)

	reader, err := store.ReadChunk(ctx, "sess1", 3)
	require.NoError(t, err)
	defer reader.Close()
	got, _ := io.ReadAll(reader)
	assert.Equal(t, []byte("second"), got)
}

func TestReadMissingChunk(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.ReadChunk(context.Background(), "nope", 0)
	require.Error(t, err)
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
}

func TestWriteChunkCancelledContext(t *testing.T) {
	store, _ := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.WriteChunk(ctx, "sess1", 0, bytes.NewReader([]byte("x")))
	require.Error(t, err)
	assert.Equal(t, common.KindCancelled, common.KindOf(err))
}

func TestAssembleConcatenatesInIndexOrder(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()

	// Written out of order on purpose
	chunks := [][]byte{[]byte("aaa"), []byte("bbbb"), []byte("cc")}
	for _, i := range []int{2, 0, 1} {
		_, err := store.WriteChunk(ctx, "sess1", i, bytes.NewReader(chunks[i]))
		require.NoError(t, err)
	}

	path, size, err := store.Assemble(ctx, "sess1", 3, "out.bin")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "final", "out.bin"), path)
	assert.Equal(t, int64(9), size)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("aaabbbbcc"), got)
}

func TestAssembleMissingChunkLeavesNoFinal(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()

	_, err := store.WriteChunk(ctx, "sess1", 0, bytes.NewReader([]byte("aaa")))
	require.NoError(t, err)

	_, _, err = store.Assemble(ctx, "sess1", 2, "partial.bin")
	require.Error(t, err)
	assert.Equal(t, common.KindIOFailure, common.KindOf(err))

	// No partial object is ever visible under the final name
	_, err = os.Stat(filepath.Join(dir, "final", "partial.bin"))
	assert.True(t, os.IsNotExist(err))

	// And no temp leftovers either
	matches, err := filepath.Glob(filepath.Join(dir, "final", "partial.bin.tmp.*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestOpenFinal(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.WriteChunk(ctx, "sess1", 0, bytes.NewReader([]byte("data")))
	require.NoError(t, err)
	_, _, err = store.Assemble(ctx, "sess1", 1, "a.bin")
	require.NoError(t, err)

	reader, err := store.OpenFinal(ctx, "a.bin")
	require.NoError(t, err)
	defer reader.Close()
	got, _ := io.ReadAll(reader)
	assert.Equal(t, []byte("data"), got)

	_, err = store.OpenFinal(ctx, "missing.bin")
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
}

func TestDeleteStagingRemovesAllArtifacts(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.WriteChunk(ctx, "sess1", i, bytes.NewReader([]byte("x")))
		require.NoError(t, err)
	}
	// A stray interrupted temp file is swept too
	stray := filepath.Join(dir, "chunks", "sess1-9.tmp.12345")
	require.NoError(t, os.WriteFile(stray, []byte("tmp"), 0644))

	// Another session's chunks survive
	_, err := store.WriteChunk(ctx, "other", 0, bytes.NewReader([]byte("y")))
	require.NoError(t, err)

	require.NoError(t, store.DeleteStaging(ctx, "sess1", 3))

	matches, err := filepath.Glob(filepath.Join(dir, "chunks", "sess1-*"))
	require.NoError(t, err)
	assert.Empty(t, matches)

	_, err = os.Stat(filepath.Join(dir, "chunks", "other-0"))
	assert.NoError(t, err)
}

func TestDeleteFinal(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.WriteChunk(ctx, "sess1", 0, bytes.NewReader([]byte("data")))
	require.NoError(t, err)
	_, _, err = store.Assemble(ctx, "sess1", 1, "gone.bin")
	require.NoError(t, err)

	require.NoError(t, store.DeleteFinal(ctx, "gone.bin"))
	_, err = store.OpenFinal(ctx, "gone.bin")
	assert.Equal(t, common.KindNotFound, common.KindOf(err))

	// Deleting a missing object is not an error
	assert.NoError(t, store.DeleteFinal(ctx, "gone.bin"))
}

func TestFreeSpace(t *testing.T) {
	store, _ := newTestStore(t)

	free, err := store.FreeSpace()
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))
}
