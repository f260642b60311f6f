// Package kvstore_test tests the NATS KV store implementation.
package kvstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/chunked-transcriber/internal/core"
	"github.com/book-expert/chunked-transcriber/internal/kvstore"
)

func startTestServer(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	return natsServer, natsConnection
}

func newStore(t *testing.T) (*kvstore.NatsKVStore, func()) {
	t.Helper()

	natsServer, natsConnection := startTestServer(t)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := kvstore.New(jetstreamContext, "jobs")
	require.NoError(t, err)

	return store, func() {
		natsConnection.Close()
		natsServer.Shutdown()
	}
}

func TestNatsKVStore_PutGet(t *testing.T) {
	t.Parallel()

	store, cleanup := newStore(t)
	defer cleanup()

	ctx := context.Background()

	err := store.Put(ctx, "parent/p1", `{"status":"initialized"}`, 86400)
	require.NoError(t, err)

	value, ok, err := store.Get(ctx, "parent/p1")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"status":"initialized"}`, value)
}

func TestNatsKVStore_GetMissingReturnsNotOK(t *testing.T) {
	t.Parallel()

	store, cleanup := newStore(t)
	defer cleanup()

	_, ok, err := store.Get(context.Background(), "parent/does-not-exist")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNatsKVStore_ExpiredEntryReadsAsAbsent(t *testing.T) {
	t.Parallel()

	store, cleanup := newStore(t)
	defer cleanup()

	ctx := context.Background()

	// A TTL small enough to have already elapsed by the time we read it
	// back, without requiring the test to sleep.
	require.NoError(t, store.Put(ctx, "subjob/s1", `{"status":"done"}`, -1))

	_, ok, err := store.Get(ctx, "subjob/s1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNatsKVStore_DeleteThenGet(t *testing.T) {
	t.Parallel()

	store, cleanup := newStore(t)
	defer cleanup()

	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "parent/p2", `{}`, 60))
	require.NoError(t, store.Delete(ctx, "parent/p2"))

	_, ok, err := store.Get(ctx, "parent/p2")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNatsKVStore_ListWithPrefix(t *testing.T) {
	t.Parallel()

	store, cleanup := newStore(t)
	defer cleanup()

	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "subjob/s1", `{"chunk_index":0}`, 60))
	require.NoError(t, store.Put(ctx, "subjob/s2", `{"chunk_index":1}`, 60))
	require.NoError(t, store.Put(ctx, "parent/p1", `{}`, 60))

	entries, err := store.List(ctx, core.ListOptions{Prefix: "subjob/"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestNatsKVStore_ListRespectsLimit(t *testing.T) {
	t.Parallel()

	store, cleanup := newStore(t)
	defer cleanup()

	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Put(ctx, "subjob/"+string(rune('a'+i)), `{}`, 60))
	}

	entries, err := store.List(ctx, core.ListOptions{Prefix: "subjob/", Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestNatsKVStore_PutZeroTTLNeverExpires(t *testing.T) {
	t.Parallel()

	store, cleanup := newStore(t)
	defer cleanup()

	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "parent/p3", `{}`, 0))

	time.Sleep(10 * time.Millisecond)

	_, ok, err := store.Get(ctx, "parent/p3")
	require.NoError(t, err)
	require.True(t, ok)
}
