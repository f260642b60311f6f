// Package upload implements component F: the upload coordinator that turns
// an incoming file description into a parent/sub-job plan, accepts
// per-chunk uploads, and drives processing dispatch (spec.md §4.F).
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dhowden/tag"
	"github.com/google/uuid"

	"github.com/book-expert/logger"

	"github.com/book-expert/chunked-transcriber/internal/assembler"
	"github.com/book-expert/chunked-transcriber/internal/core"
	"github.com/book-expert/chunked-transcriber/internal/eventstream"
	"github.com/book-expert/chunked-transcriber/internal/extutil"
	"github.com/book-expert/chunked-transcriber/internal/model"
	"github.com/book-expert/chunked-transcriber/internal/parentjobstore"
	"github.com/book-expert/chunked-transcriber/internal/processor"
	"github.com/book-expert/chunked-transcriber/internal/ratelimit"
	"github.com/book-expert/chunked-transcriber/internal/subjobstore"
)

// chunksBucket is the object-store bucket chunk bytes live in.
const chunksBucket = "chunks"

// Size bounds (spec.md §4.F, §6).
const (
	MiB = 1 << 20
	GiB = 1 << 30

	minTotalSize  = 5 * MiB
	maxTotalSize  = 10 * GiB
	minChunkSizeMB = 1
	maxChunkSizeMB = 100

	// sizeTolerance is the "validate size against expected +-10%" rule
	// (spec.md §4.F accept_chunk_upload).
	sizeTolerance = 0.10
)

// resolveSubJobDelays implements "resolve sub-job id with up to 3
// retries over 1/2/3-second delays to tolerate eventual consistency on
// parent readback" (spec.md §4.F).
var resolveSubJobDelays = []time.Duration{1 * time.Second, 2 * time.Second, 3 * time.Second}

// Errors returned by validation and lookup paths.
var (
	ErrInvalidTotalSize  = errors.New("upload: total_size out of bounds")
	ErrInvalidChunkSize  = errors.New("upload: chunk_size_mb out of bounds")
	ErrEmptyFilename     = errors.New("upload: filename must not be empty")
	ErrChunkSizeMismatch = errors.New("upload: uploaded chunk size outside tolerance of expected size")
	ErrChunkIndexRange   = errors.New("upload: chunk_index out of range")
	ErrSubJobUnresolved  = errors.New("upload: could not resolve sub-job id for chunk")
)

// InitializeRequest is the validated input to Initialize (spec.md §4.F).
type InitializeRequest struct {
	Filename    string
	TotalSize   int64
	ChunkSizeMB int
	UseLLM      bool
	LLMMode     model.LLMMode
	WebhookURL  string
}

// ChunkPlanEntry describes one planned chunk's byte range and upload handle.
type ChunkPlanEntry struct {
	ChunkIndex int             `json:"chunk_index"`
	ByteRange  model.ByteRange `json:"byte_range"`
	SubJobID   string          `json:"sub_job_id"`
	UploadURL  string          `json:"upload_url"`
}

// InitializeResult is the response to a successful Initialize call (spec.md
// §6: "returns {parent_job_id, stream_url, upload_urls[], sub_jobs[],
// chunk_info, processing_options}").
type InitializeResult struct {
	ParentJobID string           `json:"parent_job_id"`
	StreamURL   string           `json:"stream_url"`
	Chunks      []ChunkPlanEntry `json:"chunks"`
	ChunkInfo   ChunkInfo        `json:"chunk_info"`
	Processing  ProcessingOptions `json:"processing_options"`
}

// ChunkInfo summarizes the chunk plan.
type ChunkInfo struct {
	TotalChunks    int   `json:"total_chunks"`
	ChunkSizeBytes int64 `json:"chunk_size_bytes"`
	TotalSize      int64 `json:"total_size"`
}

// ProcessingOptions echoes back the processing configuration chosen at
// initialize time.
type ProcessingOptions struct {
	UseLLM     bool          `json:"use_llm"`
	LLMMode    model.LLMMode `json:"llm_mode"`
	WebhookURL string        `json:"webhook_url,omitempty"`
}

// Coordinator is component F.
type Coordinator struct {
	objectStore        core.ObjectStore
	subJobs             *subjobstore.Store
	parentJobs          *parentjobstore.Store
	limiter             *ratelimit.Limiter
	events              *eventstream.Hub
	queue               core.MessageQueue
	proc                *processor.Processor
	asm                 *assembler.Assembler
	log                 *logger.Logger
	transcriptionModel  string
	resolveSubJobDelays []time.Duration
}

// New builds a Coordinator. queue may be nil, meaning inline dispatch
// (core.MessageQueue's documented nil contract).
func New(
	objectStore core.ObjectStore,
	subJobs *subjobstore.Store,
	parentJobs *parentjobstore.Store,
	limiter *ratelimit.Limiter,
	events *eventstream.Hub,
	queue core.MessageQueue,
	proc *processor.Processor,
	asm *assembler.Assembler,
	log *logger.Logger,
	transcriptionModel string,
) *Coordinator {
	return &Coordinator{
		objectStore:         objectStore,
		subJobs:             subJobs,
		parentJobs:          parentJobs,
		limiter:             limiter,
		events:              events,
		queue:               queue,
		proc:                proc,
		asm:                 asm,
		log:                 log,
		transcriptionModel:  transcriptionModel,
		resolveSubJobDelays: resolveSubJobDelays,
	}
}

// Initialize validates the request, computes the chunk plan, and performs
// the atomic parent/sub-job linkage (spec.md §3.5, §4.F).
func (c *Coordinator) Initialize(ctx context.Context, req InitializeRequest) (InitializeResult, error) {
	if err := validateInitialize(req); err != nil {
		return InitializeResult{}, err
	}

	chunkSizeBytes := int64(req.ChunkSizeMB) * MiB
	ranges := computeChunkPlan(req.TotalSize, chunkSizeBytes)

	parentID := uuid.NewString()
	ext := extutil.Extension(req.Filename)

	parent := model.ParentJob{
		ID:             parentID,
		Filename:       req.Filename,
		TotalSize:      req.TotalSize,
		ChunkSizeBytes: chunkSizeBytes,
		TotalChunks:    len(ranges),
		Status:         model.ParentInitialized,
		UseLLM:         req.UseLLM,
		LLMMode:        req.LLMMode,
		WebhookURL:     req.WebhookURL,
		CreatedAt:      time.Now(),
	}

	subJobIDs := make([]string, len(ranges))
	chunks := make([]ChunkPlanEntry, len(ranges))

	// Spawning a parent's sub-job plan is gated under ClassJobSpawn so a
	// burst of initialize calls cannot outrun the job stores (spec.md §4.E).
	err := c.limiter.Run(ctx, ratelimit.ClassJobSpawn, func(ctx context.Context) error {
		if createErr := c.parentJobs.Create(ctx, parent); createErr != nil {
			return fmt.Errorf("upload: create parent %q: %w", parentID, createErr)
		}

		c.events.Open(parentID)

		for i, byteRange := range ranges {
			subJobID := uuid.NewString()
			subJobIDs[i] = subJobID

			objectKey := fmt.Sprintf("uploads/%s/chunk.%d.%s", parentID, i, ext)

			subJob := model.SubJob{
				ID:         subJobID,
				ParentID:   parentID,
				ChunkIndex: i,
				ByteRange:  byteRange,
				Status:     model.SubPending,
				ObjectKey:  objectKey,
				Size:       byteRange.Length(),
				CreatedAt:  time.Now(),
			}

			if createErr := c.subJobs.Create(ctx, subJob); createErr != nil {
				return fmt.Errorf("upload: create sub-job %d for %q: %w", i, parentID, createErr)
			}

			chunks[i] = ChunkPlanEntry{
				ChunkIndex: i,
				ByteRange:  byteRange,
				SubJobID:   subJobID,
				UploadURL:  fmt.Sprintf("/chunk-upload?parent_job_id=%s&chunk_index=%d", parentID, i),
			}
		}

		if linkErr := c.parentJobs.LinkSubJobs(ctx, parentID, subJobIDs); linkErr != nil {
			return fmt.Errorf("upload: link sub-jobs for %q: %w", parentID, linkErr)
		}

		return nil
	})
	if err != nil {
		return InitializeResult{}, err
	}

	return InitializeResult{
		ParentJobID: parentID,
		StreamURL:   fmt.Sprintf("/chunked-stream/%s", parentID),
		Chunks:      chunks,
		ChunkInfo: ChunkInfo{
			TotalChunks:    len(ranges),
			ChunkSizeBytes: chunkSizeBytes,
			TotalSize:      req.TotalSize,
		},
		Processing: ProcessingOptions{
			UseLLM:     req.UseLLM,
			LLMMode:    req.LLMMode,
			WebhookURL: req.WebhookURL,
		},
	}, nil
}

func validateInitialize(req InitializeRequest) error {
	if req.Filename == "" {
		return ErrEmptyFilename
	}

	if req.TotalSize <= 0 || req.TotalSize < minTotalSize || req.TotalSize > maxTotalSize {
		return fmt.Errorf("%w: got %d", ErrInvalidTotalSize, req.TotalSize)
	}

	if req.ChunkSizeMB < minChunkSizeMB || req.ChunkSizeMB > maxChunkSizeMB {
		return fmt.Errorf("%w: got %d", ErrInvalidChunkSize, req.ChunkSizeMB)
	}

	return nil
}

// computeChunkPlan tiles [0, totalSize) into [start,end) ranges of step
// bytes, the last possibly shorter (spec.md §4.F).
func computeChunkPlan(totalSize, step int64) []model.ByteRange {
	ranges := make([]model.ByteRange, 0, (totalSize/step)+1)

	for start := int64(0); start < totalSize; start += step {
		end := start + step
		if end > totalSize {
			end = totalSize
		}

		ranges = append(ranges, model.ByteRange{Start: start, End: end})
	}

	return ranges
}

// AcceptChunkUpload validates and stores one uploaded chunk, marks it
// uploaded, resolves its sub-job id with retries, and dispatches processing
// (spec.md §4.F accept_chunk_upload). The chunk is stored under the
// sub-job's own object_key (fixed at Initialize time from the filename
// extension) so the processor's later objectStore.Get reads back the same
// key this Put wrote.
func (c *Coordinator) AcceptChunkUpload(ctx context.Context, parentID string, chunkIndex int, data []byte, expectedSize int64) error {
	if expectedSize > 0 && !withinTolerance(int64(len(data)), expectedSize) {
		return fmt.Errorf("%w: got %d, expected %d", ErrChunkSizeMismatch, len(data), expectedSize)
	}

	subJobID, err := c.resolveSubJobID(ctx, parentID, chunkIndex)
	if err != nil {
		return err
	}

	subJob, err := c.subJobs.Get(ctx, subJobID)
	if err != nil {
		return fmt.Errorf("upload: load sub-job %q: %w", subJobID, err)
	}

	warnIfSniffMismatches(subJob.ObjectKey, data, c.log)

	err = c.objectStore.Put(ctx, chunksBucket, subJob.ObjectKey, data, "application/octet-stream")
	if err != nil {
		return fmt.Errorf("upload: store chunk %d for %q: %w", chunkIndex, parentID, err)
	}

	return c.finishChunkUpload(ctx, parentID, subJobID, int64(len(data)))
}

// CompleteChunkUpload confirms a chunk that was written directly to the
// object store out-of-band (the presigned-upload path spec.md §6 names for
// /chunk-upload-complete) without re-storing any bytes.
func (c *Coordinator) CompleteChunkUpload(ctx context.Context, parentID string, chunkIndex int, actualSize int64) error {
	subJobID, err := c.resolveSubJobID(ctx, parentID, chunkIndex)
	if err != nil {
		return err
	}

	return c.finishChunkUpload(ctx, parentID, subJobID, actualSize)
}

// finishChunkUpload is the shared tail of AcceptChunkUpload and
// CompleteChunkUpload: mark the parent counter, record the sub-job as
// uploaded, and dispatch processing.
func (c *Coordinator) finishChunkUpload(ctx context.Context, parentID, subJobID string, actualSize int64) error {
	_, err := c.parentJobs.MarkChunkUploaded(ctx, parentID)
	if err != nil {
		return fmt.Errorf("upload: mark chunk uploaded for %q: %w", parentID, err)
	}

	status := model.SubUploaded
	now := time.Now()

	_, err = c.subJobs.Update(ctx, subJobID, model.SubJobPatch{
		Status:     &status,
		ActualSize: &actualSize,
		UploadedAt: &now,
	})
	if err != nil {
		return fmt.Errorf("upload: mark sub-job %q uploaded: %w", subJobID, err)
	}

	return c.dispatch(ctx, parentID, subJobID)
}

func withinTolerance(actual, expected int64) bool {
	if expected == 0 {
		return true
	}

	diff := math.Abs(float64(actual-expected)) / float64(expected)

	return diff <= sizeTolerance
}

// sniffExtension uses dhowden/tag for best-effort container detection on
// chunk bytes (spec.md's domain stack: "best-effort container sniffing...
// when the filename extension is missing or ambiguous"). It never decides
// the storage key — a non-first chunk routinely carries no container
// metadata at all, which is the expected case, not a detection failure.
func sniffExtension(data []byte) (string, bool) {
	meta, err := tag.ReadFrom(bytes.NewReader(data))
	if err != nil {
		return "", false
	}

	switch meta.FileType() {
	case tag.ID3:
		return "mp3", true
	case tag.FLAC:
		return "flac", true
	case tag.OGG:
		return "ogg", true
	case tag.MP4:
		return "m4a", true
	default:
		return "", false
	}
}

// warnIfSniffMismatches logs (non-blocking) when dhowden/tag recognizes a
// different container than the one the sub-job's object_key was created
// with, a hint that the declared filename extension may be wrong. Absence
// of recognizable tag metadata is the ordinary case for most chunks and is
// not logged.
func warnIfSniffMismatches(objectKey string, data []byte, log *logger.Logger) {
	sniffed, ok := sniffExtension(data)
	if !ok {
		return
	}

	declared := objectKey[strings.LastIndex(objectKey, ".")+1:]
	if declared != sniffed {
		log.Warn("chunk at %q looks like .%s by content, declared extension is .%s", objectKey, sniffed, declared)
	}
}

// resolveSubJobID looks up chunkIndex's sub-job id from the parent's linked
// list, retrying up to 3 times over 1/2/3-second delays (spec.md §4.F).
func (c *Coordinator) resolveSubJobID(ctx context.Context, parentID string, chunkIndex int) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= len(c.resolveSubJobDelays); attempt++ {
		parent, err := c.parentJobs.Get(ctx, parentID)
		if err != nil {
			lastErr = err
		} else if chunkIndex >= 0 && chunkIndex < len(parent.SubJobIDs) && parent.SubJobIDs[chunkIndex] != "" {
			return parent.SubJobIDs[chunkIndex], nil
		} else {
			lastErr = fmt.Errorf("%w: parent %q chunk %d", ErrSubJobUnresolved, parentID, chunkIndex)
		}

		if attempt == len(c.resolveSubJobDelays) {
			break
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.resolveSubJobDelays[attempt]):
		}
	}

	return "", lastErr
}

// SubJobID resolves chunkIndex's sub-job id from the parent's linked list,
// for callers (the manual-retry endpoint) that already know linkage is
// established and so need no retry ladder.
func (c *Coordinator) SubJobID(ctx context.Context, parentID string, chunkIndex int) (string, error) {
	parent, err := c.parentJobs.Get(ctx, parentID)
	if err != nil {
		return "", fmt.Errorf("upload: resolve sub-job id: load parent %q: %w", parentID, err)
	}

	if chunkIndex < 0 || chunkIndex >= len(parent.SubJobIDs) || parent.SubJobIDs[chunkIndex] == "" {
		return "", fmt.Errorf("%w: parent %q chunk %d", ErrSubJobUnresolved, parentID, chunkIndex)
	}

	return parent.SubJobIDs[chunkIndex], nil
}

// dispatch submits chunk_processing for subJobID, preferring a message-queue
// hand-off when configured, inline dispatch otherwise (spec.md §4.F).
func (c *Coordinator) dispatch(ctx context.Context, parentID, subJobID string) error {
	if c.queue != nil {
		return c.queue.Publish(ctx, core.ProcessingTask{SubJobID: subJobID, ParentID: parentID})
	}

	return c.processInline(ctx, parentID, subJobID)
}

// Dispatch re-submits subJobID for processing, exported for the manual
// retry path (internal/processor.Retry's dispatch callback).
func (c *Coordinator) Dispatch(ctx context.Context, subJobID string) error {
	subJob, err := c.subJobs.Get(ctx, subJobID)
	if err != nil {
		return fmt.Errorf("upload: dispatch: load %q: %w", subJobID, err)
	}

	return c.dispatch(ctx, subJob.ParentID, subJobID)
}

func (c *Coordinator) processInline(ctx context.Context, parentID, subJobID string) error {
	parent, err := c.parentJobs.Get(ctx, parentID)
	if err != nil {
		return fmt.Errorf("upload: processInline: load parent %q: %w", parentID, err)
	}

	go func() {
		processErr := c.proc.Process(context.Background(), subJobID, parent.UseLLM, parent.LLMMode, c.transcriptionModel)
		if processErr != nil {
			c.log.Error("inline processing of sub-job %s failed: %v", subJobID, processErr)
		}

		if assembleErr := c.maybeAssemble(context.Background(), parentID, parent.LLMMode); assembleErr != nil {
			c.log.Error("assemble parent %s after chunk %s: %v", parentID, subJobID, assembleErr)
		}
	}()

	return nil
}

// maybeAssemble checks whether every sub-job of parentID has reached a
// terminal state and, if so, runs the assembler (spec.md §4.H: "When every
// sub-job is in a terminal state, the parent job's transcript is
// assembled").
func (c *Coordinator) maybeAssemble(ctx context.Context, parentID string, llmMode model.LLMMode) error {
	parent, err := c.parentJobs.Get(ctx, parentID)
	if err != nil {
		return fmt.Errorf("upload: maybeAssemble: load parent %q: %w", parentID, err)
	}

	if !parent.Linked() || parent.Status.IsTerminal() {
		return nil
	}

	done, subJobs, err := c.asm.AllTerminal(ctx, parent.SubJobIDs)
	if err != nil {
		return fmt.Errorf("upload: maybeAssemble: check terminal state for %q: %w", parentID, err)
	}

	if !done {
		return nil
	}

	return c.asm.Assemble(ctx, parentID, subJobs, llmMode)
}

// ConsumeQueue runs the message-queue consumer loop for out-of-process
// dispatch, blocking until ctx is cancelled (spec.md §4.F "prefer a
// message-queue hand-off if one is configured").
func (c *Coordinator) ConsumeQueue(ctx context.Context) error {
	if c.queue == nil {
		return nil
	}

	return c.queue.Subscribe(ctx, func(ctx context.Context, task core.ProcessingTask) error {
		parent, err := c.parentJobs.Get(ctx, task.ParentID)
		if err != nil {
			return fmt.Errorf("upload: queue consumer: load parent %q: %w", task.ParentID, err)
		}

		if processErr := c.proc.Process(ctx, task.SubJobID, parent.UseLLM, parent.LLMMode, c.transcriptionModel); processErr != nil {
			return processErr
		}

		return c.maybeAssemble(ctx, task.ParentID, parent.LLMMode)
	})
}

// Cancel deletes each sub-job's object-store key and record, then sets the
// parent cancelled (spec.md §4.F cancel).
func (c *Coordinator) Cancel(ctx context.Context, parentID, _ string) error {
	parent, err := c.parentJobs.Get(ctx, parentID)
	if err != nil {
		return fmt.Errorf("upload: cancel: load parent %q: %w", parentID, err)
	}

	for _, subJobID := range parent.SubJobIDs {
		subJob, getErr := c.subJobs.Get(ctx, subJobID)
		if getErr != nil {
			continue
		}

		_ = c.objectStore.Delete(ctx, chunksBucket, subJob.ObjectKey)
		_ = c.subJobs.Delete(ctx, subJobID)
	}

	_, err = c.parentJobs.SetStatus(ctx, parentID, model.ParentCancelled)
	if err != nil {
		return fmt.Errorf("upload: cancel: set status for %q: %w", parentID, err)
	}

	return nil
}

// ChunkStatus is one chunk's diagnostic status line (spec.md §4.F status).
type ChunkStatus struct {
	ChunkIndex int             `json:"chunk_index"`
	Status     model.SubStatus `json:"status"`
	Retry      string          `json:"retry_recommendation,omitempty"`
}

// StatusResult is the full diagnostic payload for /chunked-upload-status
// (spec.md §4.F status).
type StatusResult struct {
	Parent          model.ParentJob `json:"parent"`
	Chunks          []ChunkStatus   `json:"chunks"`
	Linked          bool            `json:"linked"`
	MissingCount    int             `json:"missing_count"`
	CountersHealthy bool            `json:"counters_healthy"`
}

// Status recomputes counters by enumerating sub-jobs (spec.md §9's
// recompute path) and produces per-chunk retry recommendations.
func (c *Coordinator) Status(ctx context.Context, parentID string) (StatusResult, error) {
	parent, err := c.parentJobs.Get(ctx, parentID)
	if err != nil {
		return StatusResult{}, fmt.Errorf("upload: status: load parent %q: %w", parentID, err)
	}

	chunks := make([]ChunkStatus, 0, len(parent.SubJobIDs))
	subJobs := make([]model.SubJob, 0, len(parent.SubJobIDs))
	missing := 0

	for i, subJobID := range parent.SubJobIDs {
		if subJobID == "" {
			missing++
			chunks = append(chunks, ChunkStatus{ChunkIndex: i, Retry: "upload"})

			continue
		}

		subJob, getErr := c.subJobs.Get(ctx, subJobID)
		if getErr != nil {
			missing++
			chunks = append(chunks, ChunkStatus{ChunkIndex: i, Retry: "upload"})

			continue
		}

		subJobs = append(subJobs, subJob)
		chunks = append(chunks, ChunkStatus{
			ChunkIndex: i,
			Status:     subJob.Status,
			Retry:      retryRecommendation(subJob),
		})
	}

	uploaded, completed, failed, skipped := parentjobstore.RecomputeCounters(subJobs)

	countersHealthy := uploaded == parent.UploadedChunks &&
		completed == parent.CompletedChunks &&
		failed == parent.FailedChunks &&
		skipped == parent.SkippedChunks

	return StatusResult{
		Parent:          parent,
		Chunks:          chunks,
		Linked:          parent.Linked(),
		MissingCount:    missing,
		CountersHealthy: countersHealthy,
	}, nil
}

// retryRecommendation implements spec.md §4.F status's per-chunk
// recommendation: "upload" if sub-job missing or never uploaded,
// "processing" if uploaded but failed.
func retryRecommendation(subJob model.SubJob) string {
	switch subJob.Status {
	case model.SubPending:
		return "upload"
	case model.SubFailed:
		return "processing"
	default:
		return ""
	}
}
