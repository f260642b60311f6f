// Package eventstream_test tests component G's hub and SSE framing.
package eventstream_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/chunked-transcriber/internal/eventstream"
)

func TestHub_SubscribeWithoutOpenFails(t *testing.T) {
	t.Parallel()

	hub := eventstream.NewHub()

	_, ok := hub.Subscribe("missing")
	assert.False(t, ok)
}

func TestHub_PublishDeliversToSubscriber(t *testing.T) {
	t.Parallel()

	hub := eventstream.NewHub()
	hub.Open("p1")

	ch, ok := hub.Subscribe("p1")
	require.True(t, ok)

	hub.Publish("p1", eventstream.Event{
		Type: eventstream.EventChunkComplete,
		Body: map[string]any{"chunk_index": 0},
	})

	event := <-ch
	assert.Equal(t, eventstream.EventChunkComplete, event.Type)
	assert.Equal(t, 0, event.Body["chunk_index"])
}

func TestHub_FinalEventClosesChannel(t *testing.T) {
	t.Parallel()

	hub := eventstream.NewHub()
	hub.Open("p1")

	ch, ok := hub.Subscribe("p1")
	require.True(t, ok)

	hub.Publish("p1", eventstream.Event{Type: eventstream.EventFinal, Body: map[string]any{}})

	event, open := <-ch
	assert.True(t, open)
	assert.Equal(t, eventstream.EventFinal, event.Type)

	_, open = <-ch
	assert.False(t, open)

	_, ok = hub.Subscribe("p1")
	assert.False(t, ok)
}

func TestHub_PublishAfterFinalIsNoop(t *testing.T) {
	t.Parallel()

	hub := eventstream.NewHub()
	hub.Open("p1")

	hub.Publish("p1", eventstream.Event{Type: eventstream.EventFinal, Body: map[string]any{}})

	// Should not panic sending on the now-closed channel.
	hub.Publish("p1", eventstream.Event{Type: eventstream.EventProgress, Body: map[string]any{}})
}

func TestHub_PublishWithoutOpenIsNoop(t *testing.T) {
	t.Parallel()

	hub := eventstream.NewHub()
	hub.Publish("never-opened", eventstream.Event{Type: eventstream.EventProgress, Body: map[string]any{}})
}

func TestEncodeFrame_ExactSSEFormat(t *testing.T) {
	t.Parallel()

	frame, err := eventstream.EncodeFrame(eventstream.Event{
		Type: eventstream.EventChunkComplete,
		Body: map[string]any{"chunk_index": 2},
	})
	require.NoError(t, err)

	assert.Equal(t, `data: {"chunk_index":2,"type":"chunk_complete"}`+"\n\n", frame)
}

func TestHub_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	hub := eventstream.NewHub()
	hub.Open("p1")
	hub.Close("p1")
	hub.Close("p1")
}
