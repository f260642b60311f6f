// Package assembler_test tests component H's merge/correction logic.
package assembler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/chunked-transcriber/internal/assembler"
	"github.com/book-expert/chunked-transcriber/internal/core"
	"github.com/book-expert/chunked-transcriber/internal/eventstream"
	"github.com/book-expert/chunked-transcriber/internal/model"
	"github.com/book-expert/chunked-transcriber/internal/parentjobstore"
	"github.com/book-expert/chunked-transcriber/internal/ratelimit"
	"github.com/book-expert/chunked-transcriber/internal/subjobstore"
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

type stubLLM struct {
	mu       sync.Mutex
	calls    int
	failN    int
	corrected string
	err      error
}

func (s *stubLLM) Correct(_ context.Context, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++

	if s.calls <= s.failN {
		return "", s.err
	}

	return s.corrected, nil
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	lgr, err := logger.New(t.TempDir(), "assembler-test.log")
	require.NoError(t, err)

	return lgr
}

func TestAssembler_Assemble_ConcatenatesDoneChunksInOrder(t *testing.T) {
	t.Parallel()

	subJobs := subjobstore.New(newMemKV())
	parentJobs := parentjobstore.New(newMemKV())
	limiter := ratelimit.New(ratelimit.Limits{LLM: 2})
	hub := eventstream.NewHub()
	hub.Open("p1")

	asm := assembler.New(subJobs, parentJobs, &stubLLM{}, limiter, hub, newTestLogger(t))

	ctx := context.Background()
	require.NoError(t, parentJobs.Create(ctx, model.ParentJob{ID: "p1", TotalChunks: 3}))

	records := []model.SubJob{
		{ID: "s2", ChunkIndex: 2, Status: model.SubDone, RawText: "third"},
		{ID: "s0", ChunkIndex: 0, Status: model.SubDone, RawText: "first"},
		{ID: "s1", ChunkIndex: 1, Status: model.SubSkipped},
	}

	// Subscribe before assembling: publishing the final event closes the
	// channel and removes it from the hub.
	ch, ok := hub.Subscribe("p1")
	require.True(t, ok)

	err := asm.Assemble(ctx, "p1", records, model.LLMModeNone)
	require.NoError(t, err)

	parent, err := parentJobs.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "first third", parent.FinalTranscript)
	assert.Equal(t, model.ParentDone, parent.Status)

	event := <-ch
	assert.Equal(t, eventstream.EventFinal, event.Type)
	assert.Equal(t, "first third", event.Body["final_transcript"])
}

func TestAssembler_Assemble_AllFailedYieldsParentFailed(t *testing.T) {
	t.Parallel()

	subJobs := subjobstore.New(newMemKV())
	parentJobs := parentjobstore.New(newMemKV())
	limiter := ratelimit.New(ratelimit.Limits{LLM: 2})
	hub := eventstream.NewHub()
	hub.Open("p1")

	asm := assembler.New(subJobs, parentJobs, &stubLLM{}, limiter, hub, newTestLogger(t))

	ctx := context.Background()
	require.NoError(t, parentJobs.Create(ctx, model.ParentJob{ID: "p1", TotalChunks: 1}))

	records := []model.SubJob{{ID: "s0", ChunkIndex: 0, Status: model.SubFailed}}

	err := asm.Assemble(ctx, "p1", records, model.LLMModeNone)
	require.NoError(t, err)

	parent, err := parentJobs.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.ParentFailed, parent.Status)
}

func TestAssembler_Assemble_PostModeCorrection(t *testing.T) {
	t.Parallel()

	subJobs := subjobstore.New(newMemKV())
	parentJobs := parentjobstore.New(newMemKV())
	limiter := ratelimit.New(ratelimit.Limits{LLM: 2})
	hub := eventstream.NewHub()
	hub.Open("p1")

	llm := &stubLLM{corrected: "corrected transcript"}
	asm := assembler.New(subJobs, parentJobs, llm, limiter, hub, newTestLogger(t))

	ctx := context.Background()
	require.NoError(t, parentJobs.Create(ctx, model.ParentJob{ID: "p1", TotalChunks: 1}))

	records := []model.SubJob{{ID: "s0", ChunkIndex: 0, Status: model.SubDone, RawText: "raw transcript"}}

	err := asm.Assemble(ctx, "p1", records, model.LLMModePost)
	require.NoError(t, err)

	parent, err := parentJobs.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "corrected transcript", parent.FinalTranscript)
}

func TestAssembler_Assemble_PostModeCorrectionFailsKeepsRawText(t *testing.T) {
	t.Parallel()

	subJobs := subjobstore.New(newMemKV())
	parentJobs := parentjobstore.New(newMemKV())
	limiter := ratelimit.New(ratelimit.Limits{LLM: 2})
	hub := eventstream.NewHub()
	hub.Open("p1")

	llm := &stubLLM{failN: 4, err: errors.New("llm unavailable")}
	asm := assembler.New(subJobs, parentJobs, llm, limiter, hub, newTestLogger(t),
		assembler.WithBackoff([]time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}))

	ctx := context.Background()
	require.NoError(t, parentJobs.Create(ctx, model.ParentJob{ID: "p1", TotalChunks: 1}))

	records := []model.SubJob{{ID: "s0", ChunkIndex: 0, Status: model.SubDone, RawText: "raw transcript"}}

	start := time.Now()
	err := asm.Assemble(ctx, "p1", records, model.LLMModePost)
	require.NoError(t, err)
	_ = time.Since(start)

	parent, err := parentJobs.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "raw transcript", parent.FinalTranscript)
	assert.Equal(t, 4, llm.calls)
}

func TestAssembler_AllTerminal(t *testing.T) {
	t.Parallel()

	subJobStore := subjobstore.New(newMemKV())
	parentJobs := parentjobstore.New(newMemKV())
	limiter := ratelimit.New(ratelimit.Limits{LLM: 2})
	hub := eventstream.NewHub()

	asm := assembler.New(subJobStore, parentJobs, &stubLLM{}, limiter, hub, newTestLogger(t))

	ctx := context.Background()
	require.NoError(t, subJobStore.Create(ctx, model.SubJob{ID: "s0", Status: model.SubDone}))
	require.NoError(t, subJobStore.Create(ctx, model.SubJob{ID: "s1", Status: model.SubProcessing}))

	done, _, err := asm.AllTerminal(ctx, []string{"s0"})
	require.NoError(t, err)
	assert.True(t, done)

	done, _, err = asm.AllTerminal(ctx, []string{"s0", "s1"})
	require.NoError(t, err)
	assert.False(t, done)
}
