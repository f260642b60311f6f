// Package parentjobstore_test tests component C against an in-memory KV fake.
package parentjobstore_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/chunked-transcriber/internal/core"
	"github.com/book-expert/chunked-transcriber/internal/model"
	"github.com/book-expert/chunked-transcriber/internal/parentjobstore"
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

func TestStore_CreateGetLinkSubJobs(t *testing.T) {
	t.Parallel()

	store := parentjobstore.New(newMemKV())
	ctx := context.Background()

	parent := model.ParentJob{ID: "p1", TotalChunks: 3, Status: model.ParentInitialized}
	require.NoError(t, store.Create(ctx, parent))

	require.NoError(t, store.LinkSubJobs(ctx, "p1", []string{"s1", "s2", "s3"}))

	got, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, got.Linked())
	assert.Equal(t, []string{"s1", "s2", "s3"}, got.SubJobIDs)
}

func TestStore_MarkChunkUploaded_TransitionsStatus(t *testing.T) {
	t.Parallel()

	store := parentjobstore.New(newMemKV())
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, model.ParentJob{ID: "p1", TotalChunks: 2, Status: model.ParentInitialized}))

	got, err := store.MarkChunkUploaded(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.ParentUploading, got.Status)
	assert.Equal(t, 1, got.UploadedChunks)
	assert.NotNil(t, got.ProcessingStartedAt)

	got, err = store.MarkChunkUploaded(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.ParentProcessing, got.Status)
	assert.Equal(t, 2, got.UploadedChunks)
}

func TestStore_MarkChunkCompleted_RecordsFirstCompletion(t *testing.T) {
	t.Parallel()

	store := parentjobstore.New(newMemKV())
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, model.ParentJob{ID: "p1", TotalChunks: 2}))

	got, err := store.MarkChunkCompleted(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.CompletedChunks)
	assert.NotNil(t, got.FirstChunkCompletedAt)

	first := got.FirstChunkCompletedAt

	got, err = store.MarkChunkCompleted(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.CompletedChunks)
	assert.Equal(t, first, got.FirstChunkCompletedAt)
}

func TestStore_MarkChunkFailedAndSkipped(t *testing.T) {
	t.Parallel()

	store := parentjobstore.New(newMemKV())
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, model.ParentJob{ID: "p1", TotalChunks: 3}))

	got, err := store.MarkChunkFailed(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.FailedChunks)

	got, err = store.MarkChunkSkipped(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.SkippedChunks)
}

func TestStore_SetStatus_StampsTimestamps(t *testing.T) {
	t.Parallel()

	store := parentjobstore.New(newMemKV())
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, model.ParentJob{ID: "p1"}))

	got, err := store.SetStatus(ctx, "p1", model.ParentCancelled)
	require.NoError(t, err)
	assert.Equal(t, model.ParentCancelled, got.Status)
	assert.NotNil(t, got.CancelledAt)
}

func TestRecomputeCounters(t *testing.T) {
	t.Parallel()

	subjobs := []model.SubJob{
		{Status: model.SubDone},
		{Status: model.SubFailed},
		{Status: model.SubSkipped},
		{Status: model.SubPending},
		{Status: model.SubUploaded},
	}

	uploaded, completed, failed, skipped := parentjobstore.RecomputeCounters(subjobs)

	assert.Equal(t, 4, uploaded) // done, failed, skipped, uploaded all count as "uploaded or further"
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, skipped)
}
