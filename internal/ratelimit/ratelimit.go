// Package ratelimit implements component E: four independent token-bounded
// admission gates with FIFO wait queues and context-cancellable acquisition
// (spec.md §4.E).
package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Class names the four operation classes this spec rate-limits independently.
type Class string

// The four classes spec.md §4.E names.
const (
	ClassTranscription   Class = "transcription"
	ClassLLM             Class = "llm"
	ClassJobSpawn        Class = "job_spawn"
	ClassChunkProcessing Class = "chunk_processing"
)

// Status is the introspection payload for one class (spec.md §4.E).
type Status struct {
	InFlight int64 `json:"in_flight"`
	Waiting  int64 `json:"waiting"`
}

type gate struct {
	sem      *semaphore.Weighted
	inFlight atomic.Int64
	waiting  atomic.Int64
}

// Limiter bounds concurrency for the four classes spec.md §4.E names. Each
// class is an independent golang.org/x/sync/semaphore.Weighted admission
// gate, the ecosystem-standard companion to golang.org/x/time (already an
// indirect NATS dependency) for exactly this "acquire, run, release" shape.
type Limiter struct {
	gates map[Class]*gate
}

// Limits configures the per-class concurrency bound.
type Limits struct {
	Transcription   int64
	LLM             int64
	JobSpawn        int64
	ChunkProcessing int64
}

// New builds a Limiter with the given per-class bounds.
func New(limits Limits) *Limiter {
	return &Limiter{
		gates: map[Class]*gate{
			ClassTranscription:  {sem: semaphore.NewWeighted(limits.Transcription)},
			ClassLLM:            {sem: semaphore.NewWeighted(limits.LLM)},
			ClassJobSpawn:       {sem: semaphore.NewWeighted(limits.JobSpawn)},
			ClassChunkProcessing: {sem: semaphore.NewWeighted(limits.ChunkProcessing)},
		},
	}
}

// Run acquires class's admission gate, runs fn, and releases afterward.
// Acquisition respects ctx cancellation; timeouts are the caller's
// responsibility per spec.md §4.E.
func (l *Limiter) Run(ctx context.Context, class Class, fn func(context.Context) error) error {
	g, ok := l.gates[class]
	if !ok {
		return fmt.Errorf("ratelimit: unknown class %q", class)
	}

	g.waiting.Add(1)

	err := g.sem.Acquire(ctx, 1)

	g.waiting.Add(-1)

	if err != nil {
		return fmt.Errorf("ratelimit: acquire %q: %w", class, err)
	}

	g.inFlight.Add(1)

	defer func() {
		g.inFlight.Add(-1)
		g.sem.Release(1)
	}()

	return fn(ctx)
}

// StatusOf returns {in_flight, waiting} for class.
func (l *Limiter) StatusOf(class Class) Status {
	g, ok := l.gates[class]
	if !ok {
		return Status{}
	}

	return Status{InFlight: g.inFlight.Load(), Waiting: g.waiting.Load()}
}

// StatusAll returns the introspection payload for every class, for the
// status/diagnostic HTTP endpoint.
func (l *Limiter) StatusAll() map[Class]Status {
	out := make(map[Class]Status, len(l.gates))
	for class := range l.gates {
		out[class] = l.StatusOf(class)
	}

	return out
}
