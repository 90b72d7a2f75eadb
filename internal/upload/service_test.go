package upload

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lgulliver/mediavault/internal/common"
	"github.com/lgulliver/mediavault/internal/registry"
	"github.com/lgulliver/mediavault/internal/scheduler"
	"github.com/lgulliver/mediavault/internal/storage"
	"github.com/lgulliver/mediavault/internal/validation"
	"github.com/lgulliver/mediavault/pkg/config"
	"github.com/lgulliver/mediavault/pkg/types"
	"github.com/lgulliver/mediavault/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testChunkSize = 1 << 20

func testConfig(dir string) *config.Config {
	return &config.Config{
		Upload: config.UploadConfig{
			ChunkSize:      testChunkSize,
			MaxFileSize:    2 << 30,
			UploadDir:      dir,
			StaleThreshold: 30 * time.Minute,
			ReaperInterval: 5 * time.Minute,
			Retention:      30 * 24 * time.Hour,
		},
		Scheduler: config.SchedulerConfig{
			MaxParallelWrites:     16,
			MaxParallelPerSession: 3,
			QueueSize:             16,
			WriteTimeout:          10 * time.Second,
		},
	}
}

func newTestCoordinator(t *testing.T) (*Service, registry.SessionRegistry, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := testConfig(dir)

	store, err := storage.NewLocalStorage(dir, cfg.Upload.ChunkSize)
	require.NoError(t, err)

	reg := registry.NewMemoryRegistry()
	svc := NewService(cfg, reg, store, scheduler.New(&cfg.Scheduler))
	return svc, reg, dir
}

func jpegChunk(size int) []byte {
	payload := make([]byte, size)
	copy(payload, []byte{0xFF, 0xD8, 0xFF})
	for i := 3; i < size; i++ {
		payload[i] = byte(i % 251)
	}
	return payload
}

func put(t *testing.T, svc *Service, uploadID string, index int, payload []byte) *types.Progress {
	t.Helper()
	progress, err := svc.PutChunk(context.Background(), uploadID, &validation.ChunkRequest{
		Index:   index,
		Payload: payload,
	})
	require.NoError(t, err)
	return progress
}

func TestSmallHappyPath(t *testing.T) {
	svc, _, dir := newTestCoordinator(t)
	ctx := context.Background()

	uploadID, err := svc.Init(ctx, &validation.InitRequest{
		FileName:    "a.jpg",
		FileSize:    testChunkSize,
		FileType:    "image/jpeg",
		TotalChunks: 1,
	})
	require.NoError(t, err)
	assert.Len(t, uploadID, 64)

	payload := jpegChunk(testChunkSize)
	progress := put(t, svc, uploadID, 0, payload)
	assert.Equal(t, 1, progress.ReceivedCount)
	assert.Equal(t, 1, progress.TotalCount)

	rec, err := svc.Status(ctx, uploadID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, rec.Status)

	final := filepath.Join(dir, "final", "a.jpg")
	info, err := os.Stat(final)
	require.NoError(t, err)
	assert.Equal(t, int64(testChunkSize), info.Size())

	// Complete is idempotent after the final chunk already drove assembly
	rec2, obj, err := svc.Complete(ctx, uploadID, "")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, rec2.Status)
	assert.Equal(t, "a.jpg", obj.Name)
	assert.Equal(t, int64(testChunkSize), obj.Size)
}

func TestMultiChunkResumeAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	ctx := context.Background()

	db, err := common.NewSQLiteDatabase(filepath.Join(dir, "sessions.db"))
	require.NoError(t, err)
	reg, err := registry.NewGormRegistry(db)
	require.NoError(t, err)

	store, err := storage.NewLocalStorage(dir, cfg.Upload.ChunkSize)
	require.NoError(t, err)

	svc1 := NewService(cfg, reg, store, scheduler.New(&cfg.Scheduler))

	uploadID, err := svc1.Init(ctx, &validation.InitRequest{
		FileName:    "movie.mp4",
		FileSize:    3 * testChunkSize,
		FileType:    "video/mp4",
		TotalChunks: 3,
	})
	require.NoError(t, err)

	chunk0 := append([]byte{0x00, 0x00, 0x00, 0x20, 0x66, 0x74, 0x79, 0x70}, make([]byte, testChunkSize-8)...)
	chunk1 := bytes.Repeat([]byte{0x11}, testChunkSize)
	chunk2 := bytes.Repeat([]byte{0x22}, testChunkSize)

	put(t, svc1, uploadID, 0, chunk0)
	put(t, svc1, uploadID, 2, chunk2)

	// Simulate a restart: fresh service over the same registry and upload dir
	store2, err := storage.NewLocalStorage(dir, cfg.Upload.ChunkSize)
	require.NoError(t, err)
	svc2 := NewService(cfg, reg, store2, scheduler.New(&cfg.Scheduler))

	state, err := svc2.Resume(ctx, uploadID)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, state.ReceivedIndices)
	assert.Equal(t, 3, state.TotalCount)

	put(t, svc2, uploadID, 1, chunk1)

	rec, err := svc2.Status(ctx, uploadID)
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, rec.Status)

	got, err := os.ReadFile(filepath.Join(dir, "final", "movie.mp4"))
	require.NoError(t, err)
	expected := append(append(append([]byte{}, chunk0...), chunk1...), chunk2...)
	assert.True(t, bytes.Equal(expected, got))
}

func TestOutOfOrderDuplicates(t *testing.T) {
	svc, _, dir := newTestCoordinator(t)
	ctx := context.Background()

	uploadID, err := svc.Init(ctx, &validation.InitRequest{
		FileName:    "doc.bin",
		FileSize:    4 * testChunkSize,
		FileType:    "application/octet-stream",
		TotalChunks: 4,
	})
	require.NoError(t, err)

	chunks := make([][]byte, 4)
	for i := range chunks {
		chunks[i] = bytes.Repeat([]byte{byte(0x10 * (i + 1))}, testChunkSize)
	}

	// put(2), put(0), put(2) duplicate, put(1), put(3): five acknowledgements
	put(t, svc, uploadID, 2, chunks[2])
	put(t, svc, uploadID, 0, chunks[0])

	dup := put(t, svc, uploadID, 2, chunks[2])
	assert.Equal(t, 2, dup.ReceivedCount)

	put(t, svc, uploadID, 1, chunks[1])
	put(t, svc, uploadID, 3, chunks[3])

	rec, err := svc.Status(ctx, uploadID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, rec.Status)
	assert.Equal(t, int64(4*testChunkSize), rec.BytesReceived)

	got, err := os.ReadFile(filepath.Join(dir, "final", "doc.bin"))
	require.NoError(t, err)
	var expected []byte
	for _, c := range chunks {
		expected = append(expected, c...)
	}
	assert.True(t, bytes.Equal(expected, got))
}

func TestMagicNumberMismatchPersistsNothing(t *testing.T) {
	svc, _, dir := newTestCoordinator(t)
	ctx := context.Background()

	uploadID, err := svc.Init(ctx, &validation.InitRequest{
		FileName:    "fake.png",
		FileSize:    1024,
		FileType:    "image/png",
		TotalChunks: 1,
	})
	require.NoError(t, err)

	_, err = svc.PutChunk(ctx, uploadID, &validation.ChunkRequest{
		Index:   0,
		Payload: jpegChunk(1024),
	})
	require.Error(t, err)
	assert.Equal(t, common.KindBadRequest, common.KindOf(err))

	rec, err := svc.Status(ctx, uploadID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInitialized, rec.Status)
	assert.Zero(t, rec.BytesReceived)

	matches, err := filepath.Glob(filepath.Join(dir, "chunks", uploadID+"-*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestCompleteIncomplete(t *testing.T) {
	svc, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	uploadID, err := svc.Init(ctx, &validation.InitRequest{
		FileName:    "half.bin",
		FileSize:    2 * testChunkSize,
		FileType:    "application/octet-stream",
		TotalChunks: 2,
	})
	require.NoError(t, err)

	put(t, svc, uploadID, 0, bytes.Repeat([]byte{0x01}, testChunkSize))

	_, _, err = svc.Complete(ctx, uploadID, "")
	require.Error(t, err)
	assert.Equal(t, common.KindBadRequest, common.KindOf(err))

	// The failed completion does not damage the session
	rec, err := svc.Status(ctx, uploadID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReceiving, rec.Status)
}

func TestAbortBlocksFurtherChunks(t *testing.T) {
	svc, _, dir := newTestCoordinator(t)
	ctx := context.Background()

	uploadID, err := svc.Init(ctx, &validation.InitRequest{
		FileName:    "gone.bin",
		FileSize:    2 * testChunkSize,
		FileType:    "application/octet-stream",
		TotalChunks: 2,
	})
	require.NoError(t, err)

	put(t, svc, uploadID, 0, bytes.Repeat([]byte{0x01}, testChunkSize))

	require.NoError(t, svc.Abort(ctx, uploadID))

	// Idempotent
	require.NoError(t, svc.Abort(ctx, uploadID))

	rec, err := svc.Status(ctx, uploadID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusAborted, rec.Status)

	_, err = svc.PutChunk(ctx, uploadID, &validation.ChunkRequest{
		Index:   1,
		Payload: bytes.Repeat([]byte{0x02}, testChunkSize),
	})
	require.Error(t, err)
	assert.Equal(t, common.KindCancelled, common.KindOf(err))

	matches, err := filepath.Glob(filepath.Join(dir, "chunks", uploadID+"-*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestRemoveDeletesRecordAndArtifacts(t *testing.T) {
	svc, _, dir := newTestCoordinator(t)
	ctx := context.Background()

	uploadID, err := svc.Init(ctx, &validation.InitRequest{
		FileName:    "temp.txt",
		FileSize:    100,
		FileType:    "text/plain",
		TotalChunks: 1,
	})
	require.NoError(t, err)

	put(t, svc, uploadID, 0, bytes.Repeat([]byte{'x'}, 100))

	// Session completed; remove must also take the assembled object
	require.NoError(t, svc.Remove(ctx, uploadID))

	_, err = svc.Status(ctx, uploadID)
	assert.Equal(t, common.KindNotFound, common.KindOf(err))

	_, err = os.Stat(filepath.Join(dir, "final", "temp.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestPutChunkUnknownSession(t *testing.T) {
	svc, _, _ := newTestCoordinator(t)

	_, err := svc.PutChunk(context.Background(), "does-not-exist", &validation.ChunkRequest{
		Index:   0,
		Payload: []byte{1},
	})
	require.Error(t, err)
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
}

func TestConflictingDeclarationsRejected(t *testing.T) {
	svc, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	uploadID, err := svc.Init(ctx, &validation.InitRequest{
		FileName:    "c.txt",
		FileSize:    2 * testChunkSize,
		FileType:    "text/plain",
		TotalChunks: 2,
	})
	require.NoError(t, err)

	_, err = svc.PutChunk(ctx, uploadID, &validation.ChunkRequest{
		Index:       0,
		TotalChunks: 5,
		Payload:     []byte("data"),
	})
	assert.Equal(t, common.KindConflict, common.KindOf(err))

	_, err = svc.PutChunk(ctx, uploadID, &validation.ChunkRequest{
		Index:    0,
		FileType: "image/gif",
		Payload:  []byte("data"),
	})
	assert.Equal(t, common.KindConflict, common.KindOf(err))
}

func TestChecksumVerification(t *testing.T) {
	svc, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	uploadID, err := svc.Init(ctx, &validation.InitRequest{
		FileName:    "sum.txt",
		FileSize:    100,
		FileType:    "text/plain",
		TotalChunks: 1,
	})
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{'s'}, 100)
	put(t, svc, uploadID, 0, payload)

	require.NoError(t, svc.verifyChecksum(ctx, "sum.txt", utils.ComputeSHA256(payload)))

	err = svc.verifyChecksum(ctx, "sum.txt", "deadbeef")
	require.Error(t, err)
	assert.Equal(t, common.KindBadRequest, common.KindOf(err))
}

// MockChunkStore implements storage.ChunkStore for failure-path tests
type MockChunkStore struct {
	mock.Mock
}

func (m *MockChunkStore) WriteChunk(ctx context.Context, uploadID string, index int, content io.Reader) (int64, error) {
	args := m.Called(ctx, uploadID, index, content)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockChunkStore) ReadChunk(ctx context.Context, uploadID string, index int) (io.ReadCloser, error) {
	args := m.Called(ctx, uploadID, index)
	return nil, args.Error(1)
}

func (m *MockChunkStore) ChunkSize(ctx context.Context, uploadID string, index int) (int64, error) {
	args := m.Called(ctx, uploadID, index)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockChunkStore) Assemble(ctx context.Context, uploadID string, totalChunks int, fileName string) (string, int64, error) {
	args := m.Called(ctx, uploadID, totalChunks, fileName)
	return args.String(0), args.Get(1).(int64), args.Error(2)
}

func (m *MockChunkStore) OpenFinal(ctx context.Context, fileName string) (io.ReadCloser, error) {
	args := m.Called(ctx, fileName)
	return nil, args.Error(1)
}

func (m *MockChunkStore) DeleteStaging(ctx context.Context, uploadID string, totalChunks int) error {
	args := m.Called(ctx, uploadID, totalChunks)
	return args.Error(0)
}

func (m *MockChunkStore) DeleteFinal(ctx context.Context, fileName string) error {
	args := m.Called(ctx, fileName)
	return args.Error(0)
}

func (m *MockChunkStore) FreeSpace() (uint64, error) {
	args := m.Called()
	return args.Get(0).(uint64), args.Error(1)
}

func TestRepeatedWriteFailuresFailSession(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	ctx := context.Background()

	mockStore := &MockChunkStore{}
	mockStore.On("WriteChunk", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(int64(0), common.NewError(common.KindIOFailure, "disk error"))

	reg := registry.NewMemoryRegistry()
	svc := NewService(cfg, reg, mockStore, scheduler.New(&cfg.Scheduler))

	uploadID, err := svc.Init(ctx, &validation.InitRequest{
		FileName:    "doomed.txt",
		FileSize:    100,
		FileType:    "text/plain",
		TotalChunks: 1,
	})
	require.NoError(t, err)

	req := &validation.ChunkRequest{Index: 0, Payload: []byte("data")}
	for i := 0; i < maxWriteFailures; i++ {
		_, err := svc.PutChunk(ctx, uploadID, req)
		require.Error(t, err)
		assert.Equal(t, common.KindIOFailure, common.KindOf(err))
	}

	rec, err := svc.Status(ctx, uploadID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, rec.Status)
	assert.Equal(t, string(common.KindIOFailure), rec.FailureKind)
}

func TestTransientExhaustionLeavesSessionInitialized(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	ctx := context.Background()

	mockStore := &MockChunkStore{}
	mockStore.On("WriteChunk", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(int64(0), common.NewError(common.KindExhausted, "insufficient storage space")).Times(2)

	reg := registry.NewMemoryRegistry()
	svc := NewService(cfg, reg, mockStore, scheduler.New(&cfg.Scheduler))

	uploadID, err := svc.Init(ctx, &validation.InitRequest{
		FileName:    "full.txt",
		FileSize:    100,
		FileType:    "text/plain",
		TotalChunks: 1,
	})
	require.NoError(t, err)

	req := &validation.ChunkRequest{Index: 0, Payload: []byte("data")}
	for i := 0; i < 2; i++ {
		_, err := svc.PutChunk(ctx, uploadID, req)
		assert.Equal(t, common.KindExhausted, common.KindOf(err))
	}

	// Exhaustion is transient; the session stays live for a later retry
	rec, err := svc.Status(ctx, uploadID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInitialized, rec.Status)
}

func TestConcurrentDuplicateWritesSingleAck(t *testing.T) {
	svc, _, dir := newTestCoordinator(t)
	ctx := context.Background()

	uploadID, err := svc.Init(ctx, &validation.InitRequest{
		FileName:    "race.bin",
		FileSize:    2 * testChunkSize,
		FileType:    "application/octet-stream",
		TotalChunks: 2,
	})
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0xAB}, testChunkSize)

	const writers = 4
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func() {
			_, err := svc.PutChunk(ctx, uploadID, &validation.ChunkRequest{Index: 0, Payload: payload})
			errs <- err
		}()
	}
	for i := 0; i < writers; i++ {
		require.NoError(t, <-errs)
	}

	rec, err := svc.Status(ctx, uploadID)
	require.NoError(t, err)
	// Exactly one acknowledged index and one chunk's worth of bytes
	assert.Equal(t, 1, rec.Received.Count())
	assert.Equal(t, int64(testChunkSize), rec.BytesReceived)

	matches, err := filepath.Glob(filepath.Join(dir, "chunks", uploadID+"-0"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}
