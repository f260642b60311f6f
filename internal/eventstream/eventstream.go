// Package eventstream implements component G: a per-parent-job multi-
// producer, single-subscriber channel of typed lifecycle events, encoded as
// Server-Sent Events (spec.md §4.G).
package eventstream

import (
	"sync"

	"github.com/book-expert/chunked-transcriber/internal/jsonutil"
)

// EventType is one of the five lifecycle event kinds spec.md §4.G names.
type EventType string

// Event kinds (spec.md §4.G, §6 SSE schema).
const (
	EventChunkComplete EventType = "chunk_complete"
	EventChunkError    EventType = "chunk_error"
	EventChunkSkipped  EventType = "chunk_skipped"
	EventProgress      EventType = "progress"
	EventFinal         EventType = "final"
)

// Event is one emitted lifecycle notification. Body is the payload encoded
// after "type" in the SSE frame's JSON object (spec.md §6).
type Event struct {
	Type EventType
	Body map[string]any
}

// eventBufferSize bounds how many events a slow subscriber can fall behind
// by before producers start blocking; generous enough that a parent with a
// few hundred chunks never backs up under normal operation.
const eventBufferSize = 256

// channel is one parent's event pipe: a single subscriber reads from ch,
// and is considered closed after a "final" event or explicit Close.
type channel struct {
	ch     chan Event
	once   sync.Once
	closed bool
}

// Hub holds one channel per parent job currently streaming.
type Hub struct {
	mu       sync.Mutex
	channels map[string]*channel
}

// NewHub builds an empty Hub.
func NewHub() *Hub {
	return &Hub{channels: make(map[string]*channel)}
}

// Open creates the channel for parentID, or leaves an existing one as it
// is. The upload coordinator calls it at initialize time; the SSE HTTP
// handler only calls Subscribe.
func (h *Hub) Open(parentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.channels[parentID]; ok {
		return
	}

	h.channels[parentID] = &channel{ch: make(chan Event, eventBufferSize)}
}

// Publish emits event on parentID's channel. It is a silent no-op if no
// channel is open for parentID (e.g. the parent already reached a terminal
// state and its channel was closed) or if the channel has already emitted a
// final event, matching spec.md §4.G's guarantee that "final" is always
// last.
func (h *Hub) Publish(parentID string, event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[parentID]
	if !ok || ch.closed {
		return
	}

	select {
	case ch.ch <- event:
	default:
		// Buffer full: spec.md §5 explicitly allows "exactly-once per
		// event to the single subscriber is not guaranteed" — drop
		// rather than block a producer indefinitely.
	}

	if event.Type == EventFinal {
		delete(h.channels, parentID)
		ch.once.Do(func() {
			ch.closed = true
			close(ch.ch)
		})
	}
}

// Subscribe returns the receive side of parentID's channel, plus ok=false if
// no channel is open (the HTTP handler closes the connection immediately in
// that case, per spec.md §4.G: "subscribers missing a parent id receive an
// immediate close").
func (h *Hub) Subscribe(parentID string) (<-chan Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[parentID]
	if !ok {
		return nil, false
	}

	return ch.ch, true
}

// Close marks parentID's channel closed and removes it from the hub after
// draining stops making sense (no further Publish calls will be delivered).
// The underlying Go channel is closed exactly once even if Close is called
// more than once (e.g. once from Publish's final-event path, once from the
// coordinator's cleanup).
func (h *Hub) Close(parentID string) {
	h.mu.Lock()
	ch, ok := h.channels[parentID]
	if ok {
		delete(h.channels, parentID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	ch.once.Do(func() {
		ch.closed = true
		close(ch.ch)
	})
}

// EncodeFrame renders event as an SSE "data: <json>\n\n" frame (spec.md
// §4.G), with "type" folded into the JSON body.
func EncodeFrame(event Event) (string, error) {
	body := make(map[string]any, len(event.Body)+1)
	for k, v := range event.Body {
		body[k] = v
	}

	body["type"] = string(event.Type)

	payload, err := jsonutil.Marshal(body)
	if err != nil {
		return "", err
	}

	return "data: " + payload + "\n\n", nil
}
