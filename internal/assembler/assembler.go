// Package assembler implements component H: once every sub-job of a parent
// job reaches a terminal state, concatenate the transcribed text in
// chunk-index order and optionally run post-mode LLM correction (spec.md
// §4.H).
package assembler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/chunked-transcriber/internal/core"
	"github.com/book-expert/chunked-transcriber/internal/eventstream"
	"github.com/book-expert/chunked-transcriber/internal/model"
	"github.com/book-expert/chunked-transcriber/internal/parentjobstore"
	"github.com/book-expert/chunked-transcriber/internal/ratelimit"
	"github.com/book-expert/chunked-transcriber/internal/subjobstore"
)

// postCorrectionMaxAttempts and the backoff ladder implement spec.md §4.H's
// "bounded retries (4 attempts, 1->20s backoff)" for post-mode correction.
const postCorrectionMaxAttempts = 4

var postCorrectionBackoff = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	12 * time.Second,
	20 * time.Second,
}

// Assembler merges terminal sub-jobs into a parent's final transcript.
type Assembler struct {
	subJobs    *subjobstore.Store
	parentJobs *parentjobstore.Store
	llm        core.LLMClient
	limiter    *ratelimit.Limiter
	events     *eventstream.Hub
	log        *logger.Logger
	backoff    []time.Duration
}

// Option configures optional Assembler behavior.
type Option func(*Assembler)

// WithBackoff overrides the post-correction retry backoff ladder, used by
// tests to avoid waiting out the real 1->20s schedule.
func WithBackoff(backoff []time.Duration) Option {
	return func(a *Assembler) {
		a.backoff = backoff
	}
}

// New builds an Assembler from its collaborators.
func New(
	subJobs *subjobstore.Store,
	parentJobs *parentjobstore.Store,
	llm core.LLMClient,
	limiter *ratelimit.Limiter,
	events *eventstream.Hub,
	log *logger.Logger,
	opts ...Option,
) *Assembler {
	a := &Assembler{
		subJobs:    subJobs,
		parentJobs: parentJobs,
		llm:        llm,
		limiter:    limiter,
		events:     events,
		log:        log,
		backoff:    postCorrectionBackoff,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// AllTerminal reports whether every sub-job in subJobIDs has reached a
// terminal status, the precondition for Assemble (spec.md §4.H: "When every
// sub-job is in a terminal state").
func (a *Assembler) AllTerminal(ctx context.Context, subJobIDs []string) (bool, []model.SubJob, error) {
	subJobs := make([]model.SubJob, 0, len(subJobIDs))

	for _, id := range subJobIDs {
		subJob, err := a.subJobs.Get(ctx, id)
		if err != nil {
			return false, nil, fmt.Errorf("assembler: load sub-job %q: %w", id, err)
		}

		if !subJob.Status.IsTerminal() {
			return false, nil, nil
		}

		subJobs = append(subJobs, subJob)
	}

	return true, subJobs, nil
}

// Assemble concatenates done sub-jobs' text in chunk-index order, skipping
// skipped/failed chunks, optionally runs post-mode LLM correction, and
// writes the result onto the parent plus emits the final event (spec.md
// §4.H). The parent's terminal status follows spec.md §7: done if any chunk
// succeeded, else failed.
func (a *Assembler) Assemble(ctx context.Context, parentID string, subJobs []model.SubJob, llmMode model.LLMMode) error {
	sort.Slice(subJobs, func(i, j int) bool { return subJobs[i].ChunkIndex < subJobs[j].ChunkIndex })

	pieces := make([]string, 0, len(subJobs))
	segments := make([]model.TranscriptSegment, 0, len(subJobs))
	anyDone := false

	for _, subJob := range subJobs {
		if subJob.Status != model.SubDone {
			continue
		}

		anyDone = true

		text := subJob.RawText
		if subJob.CorrectedText != "" {
			text = subJob.CorrectedText
		}

		if text != "" {
			pieces = append(pieces, text)
		}

		segments = append(segments, subJob.Segments...)
	}

	transcript := joinWithSpace(pieces)

	if llmMode == model.LLMModePost && transcript != "" {
		corrected, err := a.correctWithRetry(ctx, transcript)
		if err != nil {
			a.log.Warn("post-mode LLM correction failed for parent %s after retries: %v", parentID, err)
		} else {
			transcript = corrected
		}
	}

	err := a.parentJobs.SetFinalTranscript(ctx, parentID, transcript, segments)
	if err != nil {
		return fmt.Errorf("assembler: write final transcript for %q: %w", parentID, err)
	}

	finalStatus := model.ParentDone
	if !anyDone {
		finalStatus = model.ParentFailed
	}

	_, err = a.parentJobs.SetStatus(ctx, parentID, finalStatus)
	if err != nil {
		return fmt.Errorf("assembler: set parent status for %q: %w", parentID, err)
	}

	a.events.Publish(parentID, eventstream.Event{
		Type: eventstream.EventFinal,
		Body: map[string]any{
			"parent_job_id":    parentID,
			"final_transcript": transcript,
			"segments":         segmentsPayload(segments),
		},
	})

	return nil
}

// correctWithRetry runs llm.Correct under spec.md §4.H's 4-attempt,
// 1->20s backoff ladder.
func (a *Assembler) correctWithRetry(ctx context.Context, text string) (string, error) {
	var lastErr error

	for attempt := 0; attempt < postCorrectionMaxAttempts; attempt++ {
		var corrected string

		err := a.limiter.Run(ctx, ratelimit.ClassLLM, func(ctx context.Context) error {
			out, correctErr := a.llm.Correct(ctx, text)
			if correctErr != nil {
				return correctErr
			}

			corrected = out

			return nil
		})
		if err == nil {
			return corrected, nil
		}

		lastErr = err

		if attempt == postCorrectionMaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(a.backoff[attempt]):
		}
	}

	return "", lastErr
}

func joinWithSpace(pieces []string) string {
	out := ""

	for i, p := range pieces {
		if i > 0 {
			out += " "
		}

		out += p
	}

	return out
}

func segmentsPayload(segments []model.TranscriptSegment) []map[string]any {
	out := make([]map[string]any, 0, len(segments))

	for _, s := range segments {
		out = append(out, map[string]any{"start": s.Start, "end": s.End, "text": s.Text})
	}

	return out
}
