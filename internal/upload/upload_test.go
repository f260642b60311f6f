// Package upload_test tests component F's validation, chunk planning,
// upload acceptance, and status/cancel paths against hand-rolled fakes.
package upload_test

import (
	"context"
	"sync"
	"testing"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/chunked-transcriber/internal/assembler"
	"github.com/book-expert/chunked-transcriber/internal/core"
	"github.com/book-expert/chunked-transcriber/internal/eventstream"
	"github.com/book-expert/chunked-transcriber/internal/model"
	"github.com/book-expert/chunked-transcriber/internal/parentjobstore"
	"github.com/book-expert/chunked-transcriber/internal/processor"
	"github.com/book-expert/chunked-transcriber/internal/ratelimit"
	"github.com/book-expert/chunked-transcriber/internal/subjobstore"
	"github.com/book-expert/chunked-transcriber/internal/upload"
)

type memKV struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemKV() *memKV {
	return &memKV{values: make(map[string]string)}
}

func (m *memKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.values[key]

	return v, ok, nil
}

func (m *memKV) Put(_ context.Context, key string, value string, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = value

	return nil
}

func (m *memKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.values, key)

	return nil
}

func (m *memKV) List(_ context.Context, _ core.ListOptions) ([]core.KVEntry, error) {
	return nil, nil
}

type memObjectStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{data: make(map[string][]byte)}
}

func (m *memObjectStore) Put(_ context.Context, _, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = data

	return nil
}

func (m *memObjectStore) Get(_ context.Context, _, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.data[key], nil
}

func (m *memObjectStore) Delete(_ context.Context, _, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)

	return nil
}

func (m *memObjectStore) Head(_ context.Context, _, key string) (core.ObjectEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return core.ObjectEntry{Size: int64(len(m.data[key]))}, nil
}

type stubTranscriber struct{}

func (stubTranscriber) Transcribe(_ context.Context, _ []byte, _, _ string) (core.TranscriptionResult, error) {
	return core.TranscriptionResult{Text: "ok"}, nil
}

type stubLLM struct{}

func (stubLLM) Correct(_ context.Context, text string) (string, error) {
	return text, nil
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	lgr, err := logger.New(t.TempDir(), "upload-test.log")
	require.NoError(t, err)

	return lgr
}

func newCoordinator(t *testing.T) (*upload.Coordinator, *subjobstore.Store, *parentjobstore.Store, *memObjectStore) {
	t.Helper()

	objStore := newMemObjectStore()
	subJobs := subjobstore.New(newMemKV())
	parentJobs := parentjobstore.New(newMemKV())
	limiter := ratelimit.New(ratelimit.Limits{Transcription: 4, LLM: 4, JobSpawn: 4, ChunkProcessing: 4})
	hub := eventstream.NewHub()

	proc := processor.New(objStore, subJobs, parentJobs, stubTranscriber{}, stubLLM{}, limiter, hub, newTestLogger(t))
	asm := assembler.New(subJobs, parentJobs, stubLLM{}, limiter, hub, newTestLogger(t))

	coord := upload.New(objStore, subJobs, parentJobs, limiter, hub, nil, proc, asm, newTestLogger(t), "whisper-1")

	return coord, subJobs, parentJobs, objStore
}

func TestCoordinator_Initialize_RejectsTooSmallTotalSize(t *testing.T) {
	t.Parallel()

	coord, _, _, _ := newCoordinator(t)

	_, err := coord.Initialize(context.Background(), upload.InitializeRequest{
		Filename: "audio.mp3", TotalSize: 1024, ChunkSizeMB: 10,
	})
	require.ErrorIs(t, err, upload.ErrInvalidTotalSize)
}

func TestCoordinator_Initialize_RejectsBadChunkSize(t *testing.T) {
	t.Parallel()

	coord, _, _, _ := newCoordinator(t)

	_, err := coord.Initialize(context.Background(), upload.InitializeRequest{
		Filename: "audio.mp3", TotalSize: 10 * upload.MiB, ChunkSizeMB: 0,
	})
	require.ErrorIs(t, err, upload.ErrInvalidChunkSize)
}

func TestCoordinator_Initialize_RejectsEmptyFilename(t *testing.T) {
	t.Parallel()

	coord, _, _, _ := newCoordinator(t)

	_, err := coord.Initialize(context.Background(), upload.InitializeRequest{
		TotalSize: 10 * upload.MiB, ChunkSizeMB: 5,
	})
	require.ErrorIs(t, err, upload.ErrEmptyFilename)
}

func TestCoordinator_Initialize_BuildsChunkPlanAndLinksSubJobs(t *testing.T) {
	t.Parallel()

	coord, _, parentJobs, _ := newCoordinator(t)

	result, err := coord.Initialize(context.Background(), upload.InitializeRequest{
		Filename:    "audio.mp3",
		TotalSize:   25 * upload.MiB,
		ChunkSizeMB: 10,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, result.ChunkInfo.TotalChunks)
	assert.Equal(t, int64(10*upload.MiB), result.Chunks[0].ByteRange.Length())
	assert.Equal(t, int64(10*upload.MiB), result.Chunks[1].ByteRange.Length())
	assert.Equal(t, int64(5*upload.MiB), result.Chunks[2].ByteRange.Length())
	assert.Equal(t, int64(0), result.Chunks[0].ByteRange.Start)
	assert.Equal(t, int64(25*upload.MiB), result.Chunks[2].ByteRange.End)

	parent, err := parentJobs.Get(context.Background(), result.ParentJobID)
	require.NoError(t, err)
	assert.True(t, parent.Linked())
	assert.Equal(t, model.ParentInitialized, parent.Status)
}

func TestCoordinator_AcceptChunkUpload_StoresAndDispatches(t *testing.T) {
	t.Parallel()

	coord, subJobs, parentJobs, objStore := newCoordinator(t)

	result, err := coord.Initialize(context.Background(), upload.InitializeRequest{
		Filename:    "audio.mp3",
		TotalSize:   10 * upload.MiB,
		ChunkSizeMB: 10,
	})
	require.NoError(t, err)

	data := make([]byte, 10*upload.MiB)

	err = coord.AcceptChunkUpload(context.Background(), result.ParentJobID, 0, data, int64(len(data)))
	require.NoError(t, err)

	parent, err := parentJobs.Get(context.Background(), result.ParentJobID)
	require.NoError(t, err)
	assert.Equal(t, 1, parent.UploadedChunks)

	subJob, err := subJobs.Get(context.Background(), parent.SubJobIDs[0])
	require.NoError(t, err)
	assert.Equal(t, model.SubUploaded, subJob.Status)

	stored, err := objStore.Get(context.Background(), "chunks", subJob.ObjectKey)
	require.NoError(t, err)
	assert.Len(t, stored, len(data))
}

func TestCoordinator_AcceptChunkUpload_RejectsSizeMismatch(t *testing.T) {
	t.Parallel()

	coord, _, _, _ := newCoordinator(t)

	result, err := coord.Initialize(context.Background(), upload.InitializeRequest{
		Filename:    "audio.mp3",
		TotalSize:   10 * upload.MiB,
		ChunkSizeMB: 10,
	})
	require.NoError(t, err)

	data := make([]byte, 10*upload.MiB)

	err = coord.AcceptChunkUpload(context.Background(), result.ParentJobID, 0, data, int64(len(data))*2)
	require.ErrorIs(t, err, upload.ErrChunkSizeMismatch)
}

func TestCoordinator_Cancel_DeletesSubJobsAndMarksCancelled(t *testing.T) {
	t.Parallel()

	coord, subJobs, parentJobs, _ := newCoordinator(t)

	result, err := coord.Initialize(context.Background(), upload.InitializeRequest{
		Filename:    "audio.mp3",
		TotalSize:   10 * upload.MiB,
		ChunkSizeMB: 10,
	})
	require.NoError(t, err)

	err = coord.Cancel(context.Background(), result.ParentJobID, "user requested")
	require.NoError(t, err)

	parent, err := parentJobs.Get(context.Background(), result.ParentJobID)
	require.NoError(t, err)
	assert.Equal(t, model.ParentCancelled, parent.Status)

	_, err = subJobs.Get(context.Background(), parent.SubJobIDs[0])
	require.ErrorIs(t, err, subjobstore.ErrNotFound)
}

func TestCoordinator_Status_RecomputesCountersAndRecommendsRetry(t *testing.T) {
	t.Parallel()

	coord, subJobs, _, _ := newCoordinator(t)

	result, err := coord.Initialize(context.Background(), upload.InitializeRequest{
		Filename:    "audio.mp3",
		TotalSize:   10 * upload.MiB,
		ChunkSizeMB: 5,
	})
	require.NoError(t, err)

	failed := model.SubFailed
	_, err = subJobs.Update(context.Background(), result.Chunks[0].SubJobID, model.SubJobPatch{Status: &failed})
	require.NoError(t, err)

	status, err := coord.Status(context.Background(), result.ParentJobID)
	require.NoError(t, err)
	assert.Equal(t, 0, status.MissingCount)
	assert.Equal(t, "processing", status.Chunks[0].Retry)
	assert.Equal(t, "upload", status.Chunks[1].Retry)
}
