// Package processor implements component D: the sub-job state machine that
// turns an uploaded chunk into a transcribed (or skipped/failed) result
// (spec.md §4.D).
package processor

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/chunked-transcriber/internal/core"
	"github.com/book-expert/chunked-transcriber/internal/eventstream"
	"github.com/book-expert/chunked-transcriber/internal/model"
	"github.com/book-expert/chunked-transcriber/internal/parentjobstore"
	"github.com/book-expert/chunked-transcriber/internal/ratelimit"
	"github.com/book-expert/chunked-transcriber/internal/subjobstore"
	"github.com/book-expert/chunked-transcriber/internal/transcription"
)

// chunksBucket is the object-store bucket chunk bytes live in, matching the
// key scheme the upload coordinator writes under (spec.md §6).
const chunksBucket = "chunks"

// leadZeroWindow is the first-1KiB window the chunk-0 corruption heuristic
// inspects for zero-byte density (spec.md §4.D step 3).
const leadZeroWindow = 1024

// zeroDensityThreshold is the ">50% zero bytes" threshold for the same
// heuristic.
const zeroDensityThreshold = 0.5

// id3TagOverheadThreshold is the ">50% of chunk" threshold for dropping a
// chunk-0 ID3 tag (spec.md §4.D step 3).
const id3TagOverheadThreshold = 0.5

// id3MinAudioTail is the "audio tail >1024 bytes" condition for dropping an
// oversized ID3 tag.
const id3MinAudioTail = 1024

// permissiveExtension is the fallback container hint the chunk-0 diagnostics
// pass retries transcription with (spec.md §4.D: "a single fallback
// transcription with a permissive extension").
const permissiveExtension = "mp3"

// Processor runs the sub-job processing sequence (spec.md §4.D).
type Processor struct {
	objectStore core.ObjectStore
	subJobs     *subjobstore.Store
	parentJobs  *parentjobstore.Store
	transcriber core.TranscriptionClient
	llm         core.LLMClient
	limiter     *ratelimit.Limiter
	events      *eventstream.Hub
	log         *logger.Logger
	backoff     func(attempt int) time.Duration
}

// Option configures optional Processor behavior.
type Option func(*Processor)

// WithBackoff overrides the retry backoff function, used by tests to avoid
// waiting out the real exponential-backoff schedule.
func WithBackoff(backoff func(attempt int) time.Duration) Option {
	return func(p *Processor) {
		p.backoff = backoff
	}
}

// New builds a Processor from its collaborators.
func New(
	objectStore core.ObjectStore,
	subJobs *subjobstore.Store,
	parentJobs *parentjobstore.Store,
	transcriber core.TranscriptionClient,
	llm core.LLMClient,
	limiter *ratelimit.Limiter,
	events *eventstream.Hub,
	log *logger.Logger,
	opts ...Option,
) *Processor {
	p := &Processor{
		objectStore: objectStore,
		subJobs:     subJobs,
		parentJobs:  parentJobs,
		transcriber: transcriber,
		llm:         llm,
		limiter:     limiter,
		events:      events,
		log:         log,
		backoff:     transcription.Backoff,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Process runs the full sequence for one sub-job: load, mark processing,
// fetch bytes, preprocess, transcribe under the retry policy, optionally
// correct, and write the terminal state (spec.md §4.D).
func (p *Processor) Process(ctx context.Context, subJobID string, useLLM bool, llmMode model.LLMMode, transcriptionModel string) error {
	return p.limiter.Run(ctx, ratelimit.ClassChunkProcessing, func(ctx context.Context) error {
		return p.process(ctx, subJobID, useLLM, llmMode, transcriptionModel)
	})
}

func (p *Processor) process(ctx context.Context, subJobID string, useLLM bool, llmMode model.LLMMode, transcriptionModel string) error {
	subJob, err := p.subJobs.Get(ctx, subJobID)
	if err != nil {
		return fmt.Errorf("processor: load sub-job %q: %w", subJobID, err)
	}

	if err := p.markProcessing(ctx, &subJob); err != nil {
		return err
	}

	audio, err := p.objectStore.Get(ctx, chunksBucket, subJob.ObjectKey)
	if err != nil {
		return fmt.Errorf("processor: fetch chunk bytes for %q: %w", subJobID, err)
	}

	isChunkZero := subJob.ChunkIndex == 0
	if isChunkZero {
		audio = preprocessFirstChunk(audio, p.log)
	} else if len(audio) == 0 {
		return p.fail(ctx, &subJob, model.ErrAudioEmpty, "chunk is empty", 0)
	}

	extension := extensionFromObjectKey(subJob.ObjectKey)

	result, attempts, classifyErr := p.transcribeWithRetry(ctx, audio, extension, transcriptionModel, isChunkZero)
	if classifyErr != nil {
		if isChunkZero {
			p.logChunkZeroDiagnostics(audio, classifyErr)

			fallback, fallbackErr := p.transcriber.Transcribe(ctx, audio, permissiveExtension, transcriptionModel)
			if fallbackErr == nil {
				result = fallback
				classifyErr = nil
			}
		}
	}

	if classifyErr != nil {
		return p.handleTerminalFailure(ctx, &subJob, classifyErr, attempts, isChunkZero)
	}

	correctedText := ""
	llmApplied := false

	if useLLM && llmMode == model.LLMModePerChunk && result.Text != "" {
		corrected, correctErr := p.limiterRunLLM(ctx, result.Text)
		if correctErr == nil {
			correctedText = corrected
			llmApplied = true
		}
	}

	return p.complete(ctx, &subJob, result, correctedText, llmApplied, attempts)
}

func (p *Processor) limiterRunLLM(ctx context.Context, text string) (string, error) {
	var corrected string

	err := p.limiter.Run(ctx, ratelimit.ClassLLM, func(ctx context.Context) error {
		out, err := p.llm.Correct(ctx, text)
		if err != nil {
			return err
		}

		corrected = out

		return nil
	})

	return corrected, err
}

func (p *Processor) markProcessing(ctx context.Context, subJob *model.SubJob) error {
	status := model.SubProcessing
	now := time.Now()

	updated, err := p.subJobs.Update(ctx, subJob.ID, model.SubJobPatch{
		Status:       &status,
		ProcessingAt: &now,
	})
	if err != nil {
		return fmt.Errorf("processor: mark %q processing: %w", subJob.ID, err)
	}

	*subJob = updated

	return nil
}

// transcribeWithRetry runs the exponential-backoff retry policy (spec.md
// §4.D): classify each failure, cap attempts per category (with the
// chunk-zero bonus), and back off between attempts.
func (p *Processor) transcribeWithRetry(
	ctx context.Context,
	audio []byte,
	extension, transcriptionModel string,
	isChunkZero bool,
) (core.TranscriptionResult, int, error) {
	var (
		result  core.TranscriptionResult
		lastErr error
		attempt int
	)

	for {
		attempt++

		var err error

		err = p.limiter.Run(ctx, ratelimit.ClassTranscription, func(ctx context.Context) error {
			r, transcribeErr := p.transcriber.Transcribe(ctx, audio, extension, transcriptionModel)
			if transcribeErr != nil {
				return transcribeErr
			}

			result = r

			return nil
		})

		if err == nil {
			return result, attempt, nil
		}

		lastErr = err

		category := transcription.Classify(err)

		maxAttempts := transcription.MaxAttempts(category, isChunkZero)
		if attempt >= maxAttempts {
			return core.TranscriptionResult{}, attempt, lastErr
		}

		select {
		case <-ctx.Done():
			return core.TranscriptionResult{}, attempt, ctx.Err()
		case <-time.After(p.backoff(attempt)):
		}
	}
}

// handleTerminalFailure applies the chunk-0 skip rule (spec.md §4.D) and
// writes either a skipped or failed terminal state.
func (p *Processor) handleTerminalFailure(ctx context.Context, subJob *model.SubJob, lastErr error, attempts int, isChunkZero bool) error {
	category := transcription.Classify(lastErr)

	if isChunkZero && shouldSkip(lastErr, category, attempts) {
		return p.skip(ctx, subJob, category, lastErr.Error(), attempts)
	}

	return p.fail(ctx, subJob, category, lastErr.Error(), attempts)
}

// shouldSkip implements spec.md §4.D's chunk-0 skip rule.
func shouldSkip(err error, category model.ErrorCategory, attempts int) bool {
	if !transcription.IsNoAudioMessage(err.Error()) {
		return false
	}

	if category == model.ErrRateLimit || category == model.ErrNetworkTimeout {
		return false
	}

	if attempts >= 5 {
		return true
	}

	hasSizeSignal := strings.Contains(strings.ToLower(err.Error()), "too short")

	return attempts >= 3 && hasSizeSignal
}

func (p *Processor) skip(ctx context.Context, subJob *model.SubJob, category model.ErrorCategory, message string, attempts int) error {
	status := model.SubSkipped
	now := time.Now()
	retryCount := attempts - 1

	_, err := p.subJobs.Update(ctx, subJob.ID, model.SubJobPatch{
		Status:          &status,
		ErrorCategory:   &category,
		ErrorMessage:    &message,
		RetryCount:      &retryCount,
		FinalRetryCount: &retryCount,
		LastFailedAt:    &now,
		DoneAt:          &now,
	})
	if err != nil {
		return fmt.Errorf("processor: mark %q skipped: %w", subJob.ID, err)
	}

	_, err = p.parentJobs.MarkChunkSkipped(ctx, subJob.ParentID)
	if err != nil {
		p.log.Warn("failed to update parent counters for skipped chunk %s: %v", subJob.ID, err)
	}

	p.events.Publish(subJob.ParentID, eventstream.Event{
		Type: eventstream.EventChunkSkipped,
		Body: map[string]any{
			"chunk_index":   subJob.ChunkIndex,
			"parent_job_id": subJob.ParentID,
			"reason":        message,
			"strategy":      "skip_metadata_only",
		},
	})

	return nil
}

func (p *Processor) fail(ctx context.Context, subJob *model.SubJob, category model.ErrorCategory, message string, attempts int) error {
	status := model.SubFailed
	now := time.Now()
	retryCount := attempts - 1

	_, err := p.subJobs.Update(ctx, subJob.ID, model.SubJobPatch{
		Status:          &status,
		ErrorCategory:   &category,
		ErrorMessage:    &message,
		RetryCount:      &retryCount,
		FinalRetryCount: &retryCount,
		LastFailedAt:    &now,
	})
	if err != nil {
		return fmt.Errorf("processor: mark %q failed: %w", subJob.ID, err)
	}

	_, err = p.parentJobs.MarkChunkFailed(ctx, subJob.ParentID)
	if err != nil {
		p.log.Warn("failed to update parent counters for failed chunk %s: %v", subJob.ID, err)
	}

	p.events.Publish(subJob.ParentID, eventstream.Event{
		Type: eventstream.EventChunkError,
		Body: map[string]any{
			"chunk_index":   subJob.ChunkIndex,
			"parent_job_id": subJob.ParentID,
			"error":         message,
			"error_type":    string(category),
			"retry_count":   retryCount,
		},
	})

	return nil
}

func (p *Processor) complete(
	ctx context.Context,
	subJob *model.SubJob,
	result core.TranscriptionResult,
	correctedText string,
	llmApplied bool,
	attempts int,
) error {
	status := model.SubDone
	now := time.Now()
	retryCount := attempts - 1
	processingTimeMS := now.Sub(*subJob.ProcessingAt).Milliseconds()
	segments := make([]model.TranscriptSegment, 0, len(result.Segments))

	for _, s := range result.Segments {
		segments = append(segments, model.TranscriptSegment{Start: s.Start, End: s.End, Text: s.Text})
	}

	_, err := p.subJobs.Update(ctx, subJob.ID, model.SubJobPatch{
		Status:           &status,
		RawText:          &result.Text,
		CorrectedText:    &correctedText,
		Segments:         segments,
		LLMApplied:       &llmApplied,
		RetryCount:       &retryCount,
		ProcessingTimeMS: &processingTimeMS,
		DoneAt:           &now,
	})
	if err != nil {
		return fmt.Errorf("processor: mark %q done: %w", subJob.ID, err)
	}

	_, err = p.parentJobs.MarkChunkCompleted(ctx, subJob.ParentID)
	if err != nil {
		p.log.Warn("failed to update parent counters for completed chunk %s: %v", subJob.ID, err)
	}

	displayText := result.Text
	if correctedText != "" {
		displayText = correctedText
	}

	segmentPayload := make([]map[string]any, 0, len(segments))
	for _, s := range segments {
		segmentPayload = append(segmentPayload, map[string]any{"start": s.Start, "end": s.End, "text": s.Text})
	}

	var correctedField any
	if correctedText != "" {
		correctedField = correctedText
	}

	p.events.Publish(subJob.ParentID, eventstream.Event{
		Type: eventstream.EventChunkComplete,
		Body: map[string]any{
			"chunk_index":     subJob.ChunkIndex,
			"parent_job_id":   subJob.ParentID,
			"text":            displayText,
			"raw_text":        result.Text,
			"corrected_text":  correctedField,
			"segments":        segmentPayload,
			"processing_time": processingTimeMS,
			"llm_applied":     llmApplied,
		},
	})

	return nil
}

// Retry implements spec.md §4.D's manual retry: requires current status
// failed or uploaded, resets to uploaded with cleared retry state, and
// re-enqueues processing via dispatch.
func (p *Processor) Retry(ctx context.Context, subJobID string, dispatch func(context.Context, string) error) error {
	subJob, err := p.subJobs.Get(ctx, subJobID)
	if err != nil {
		return fmt.Errorf("processor: retry: load %q: %w", subJobID, err)
	}

	if subJob.Status != model.SubFailed && subJob.Status != model.SubUploaded {
		return fmt.Errorf("processor: retry: %q has status %q, want failed or uploaded", subJobID, subJob.Status)
	}

	status := model.SubUploaded
	zeroRetry := 0
	emptyMsg := ""
	emptyCategory := model.ErrorCategory("")

	_, err = p.subJobs.Update(ctx, subJobID, model.SubJobPatch{
		Status:          &status,
		RetryCount:      &zeroRetry,
		FinalRetryCount: &zeroRetry,
		ErrorMessage:    &emptyMsg,
		ErrorCategory:   &emptyCategory,
	})
	if err != nil {
		return fmt.Errorf("processor: retry: reset %q: %w", subJobID, err)
	}

	return dispatch(ctx, subJobID)
}

// preprocessFirstChunk runs the conservative first-chunk preprocessing step
// (spec.md §4.D step 3): strip an oversized ID3v2 tag from an MP3 chunk 0,
// and non-blockingly log a likely-corrupted head.
func preprocessFirstChunk(audio []byte, log *logger.Logger) []byte {
	logZeroDensity(audio, log)

	if !bytes.HasPrefix(audio, []byte("ID3")) {
		return audio
	}

	tagSize, ok := id3SyncsafeTagSize(audio)
	if !ok {
		return audio
	}

	headerSize := int64(10)
	tagEnd := headerSize + tagSize

	switch {
	case tagEnd >= int64(len(audio)):
		return audio
	case float64(tagEnd) > float64(len(audio))*id3TagOverheadThreshold && int64(len(audio))-tagEnd > id3MinAudioTail:
		return audio[tagEnd:]
	default:
		return audio
	}
}

// id3SyncsafeTagSize decodes the 28-bit syncsafe tag size from an ID3v2
// header's bytes 6-9 (each byte's high bit unused, 7 significant bits each).
func id3SyncsafeTagSize(audio []byte) (int64, bool) {
	if len(audio) < 10 {
		return 0, false
	}

	b := audio[6:10]

	size := int64(b[0]&0x7f)<<21 | int64(b[1]&0x7f)<<14 | int64(b[2]&0x7f)<<7 | int64(b[3]&0x7f)

	return size, true
}

func logZeroDensity(audio []byte, log *logger.Logger) {
	window := audio
	if len(window) > leadZeroWindow {
		window = window[:leadZeroWindow]
	}

	if len(window) == 0 {
		return
	}

	zeroCount := 0

	for _, b := range window {
		if b == 0 {
			zeroCount++
		}
	}

	density := float64(zeroCount) / float64(len(window))
	if density > zeroDensityThreshold {
		log.Warn("chunk 0 head is %.0f%% zero bytes over a %d-byte window, likely corrupted", density*100, len(window))
	}
}

// logChunkZeroDiagnostics logs the format-detection counters spec.md §4.D
// calls for after exhausting retries on chunk 0.
func (p *Processor) logChunkZeroDiagnostics(audio []byte, lastErr error) {
	window := audio
	if len(window) > leadZeroWindow {
		window = window[:leadZeroWindow]
	}

	zeroCount := 0
	for _, b := range window {
		if b == 0 {
			zeroCount++
		}
	}

	hasID3 := bytes.HasPrefix(audio, []byte("ID3"))
	hasRIFF := bytes.HasPrefix(audio, []byte("RIFF"))

	p.log.Warn(
		"chunk 0 exhausted retries (err=%v): size=%d zero_bytes=%d/%d id3_header=%t riff_header=%t",
		lastErr, len(audio), zeroCount, len(window), hasID3, hasRIFF,
	)
}

// extensionFromObjectKey recovers the file extension from an object key of
// the form "uploads/{parent_id}/chunk.{index}.{ext}".
func extensionFromObjectKey(objectKey string) string {
	idx := strings.LastIndex(objectKey, ".")
	if idx == -1 || idx == len(objectKey)-1 {
		return permissiveExtension
	}

	return objectKey[idx+1:]
}
