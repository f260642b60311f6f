// Package subjobstore_test tests component B against an in-memory KV fake.
package subjobstore_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/chunked-transcriber/internal/core"
	"github.com/book-expert/chunked-transcriber/internal/model"
	"github.com/book-expert/chunked-transcriber/internal/subjobstore"
)

// memKV is a minimal in-memory stand-in for core.KVStore, mirroring the
// teacher's hand-rolled mock-struct convention (see internal/worker's
// mockObjectStore) rather than a generated/mocking-library fake.
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
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]core.KVEntry, 0, len(m.values))
	for k := range m.values {
		entries = append(entries, core.KVEntry{Name: k})
	}

	return entries, nil
}

func TestStore_CreateGet(t *testing.T) {
	t.Parallel()

	store := subjobstore.New(newMemKV())
	ctx := context.Background()

	subjob := model.SubJob{ID: "s1", ParentID: "p1", ChunkIndex: 0, Status: model.SubPending}

	require.NoError(t, store.Create(ctx, subjob))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SubPending, got.Status)
	assert.Equal(t, "p1", got.ParentID)
}

func TestStore_GetMissingReturnsErrNotFound(t *testing.T) {
	t.Parallel()

	store := subjobstore.New(newMemKV())

	_, err := store.Get(context.Background(), "nope")
	require.ErrorIs(t, err, subjobstore.ErrNotFound)
}

func TestStore_UpdateAppliesPatch(t *testing.T) {
	t.Parallel()

	store := subjobstore.New(newMemKV())
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, model.SubJob{ID: "s1", Status: model.SubPending}))

	done := model.SubDone
	text := "hello world"

	updated, err := store.Update(ctx, "s1", model.SubJobPatch{
		Status:  &done,
		RawText: &text,
	})
	require.NoError(t, err)
	assert.Equal(t, model.SubDone, updated.Status)
	assert.Equal(t, "hello world", updated.RawText)

	reloaded, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SubDone, reloaded.Status)
}

func TestStore_Delete(t *testing.T) {
	t.Parallel()

	store := subjobstore.New(newMemKV())
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, model.SubJob{ID: "s1"}))
	require.NoError(t, store.Delete(ctx, "s1"))

	_, err := store.Get(ctx, "s1")
	require.ErrorIs(t, err, subjobstore.ErrNotFound)
}
