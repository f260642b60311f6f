// Package model defines the ParentJob and SubJob records and their status
// machines (spec.md §3).
package model

import "time"

// ParentStatus is the lifecycle stage of a ParentJob.
type ParentStatus string

// Parent lifecycle states (spec.md §3).
const (
	ParentInitialized ParentStatus = "initialized"
	ParentUploading   ParentStatus = "uploading"
	ParentProcessing  ParentStatus = "processing"
	ParentDone        ParentStatus = "done"
	ParentFailed      ParentStatus = "failed"
	ParentCancelled   ParentStatus = "cancelled"
)

// IsTerminal reports whether status has no further transitions.
func (s ParentStatus) IsTerminal() bool {
	switch s {
	case ParentDone, ParentFailed, ParentCancelled:
		return true
	default:
		return false
	}
}

// LLMMode selects when LLM correction runs, if at all.
type LLMMode string

// Supported LLM correction modes (spec.md §4.D, §4.H).
const (
	LLMModeNone     LLMMode = ""
	LLMModePerChunk LLMMode = "per_chunk"
	LLMModePost     LLMMode = "post"
)

// ByteRange is a half-open [Start, End) byte interval.
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Length returns End-Start.
func (r ByteRange) Length() int64 {
	return r.End - r.Start
}

// ParentJob is the coordination record for a file's worth of sub-jobs
// (spec.md §3).
type ParentJob struct {
	ID              string       `json:"id"`
	Filename        string       `json:"filename"`
	TotalSize       int64        `json:"total_size"`
	ChunkSizeBytes  int64        `json:"chunk_size_bytes"`
	TotalChunks     int          `json:"total_chunks"`
	Status          ParentStatus `json:"status"`
	SubJobIDs       []string     `json:"sub_job_ids"`

	UploadedChunks  int `json:"uploaded_chunks"`
	CompletedChunks int `json:"completed_chunks"`
	FailedChunks    int `json:"failed_chunks"`
	SkippedChunks   int `json:"skipped_chunks"`

	UseLLM     bool    `json:"use_llm"`
	LLMMode    LLMMode `json:"llm_mode"`
	WebhookURL string  `json:"webhook_url,omitempty"`

	CreatedAt               time.Time  `json:"created_at"`
	ProcessingStartedAt     *time.Time `json:"processing_started_at,omitempty"`
	FirstChunkCompletedAt   *time.Time `json:"first_chunk_completed_at,omitempty"`
	CompletedAt             *time.Time `json:"completed_at,omitempty"`
	CancelledAt             *time.Time `json:"cancelled_at,omitempty"`

	FinalTranscript string              `json:"final_transcript,omitempty"`
	FinalSegments   []TranscriptSegment `json:"final_segments,omitempty"`
}

// TranscriptSegment mirrors core.TranscriptSegment for storage; kept as a
// distinct type so the model package has no dependency on core.
type TranscriptSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// ProgressPercent returns the fraction of chunks that have reached a
// terminal state (done/failed/skipped), 0-100.
func (p *ParentJob) ProgressPercent() float64 {
	if p.TotalChunks == 0 {
		return 0
	}

	terminal := p.CompletedChunks + p.FailedChunks + p.SkippedChunks

	return float64(terminal) / float64(p.TotalChunks) * 100
}

// Linked reports whether sub_job_ids has been populated with no nil/empty
// elements (the atomic-linkage invariant, spec.md §3.5).
func (p *ParentJob) Linked() bool {
	if len(p.SubJobIDs) != p.TotalChunks {
		return false
	}

	for _, id := range p.SubJobIDs {
		if id == "" {
			return false
		}
	}

	return true
}

// SubStatus is the lifecycle stage of a SubJob.
type SubStatus string

// Sub-job lifecycle states (spec.md §3, §8.2): pending -> uploaded ->
// processing -> {done, failed, skipped}, plus the manual-retry reset
// failed|uploaded -> uploaded.
const (
	SubPending    SubStatus = "pending"
	SubUploaded   SubStatus = "uploaded"
	SubProcessing SubStatus = "processing"
	SubDone       SubStatus = "done"
	SubFailed     SubStatus = "failed"
	SubSkipped    SubStatus = "skipped"
)

// IsTerminal reports whether status has no further transitions (other than
// the manual-retry reset, which is handled explicitly by callers).
func (s SubStatus) IsTerminal() bool {
	switch s {
	case SubDone, SubFailed, SubSkipped:
		return true
	default:
		return false
	}
}

// ErrorCategory classifies a transcription/LLM failure (spec.md §7).
type ErrorCategory string

// Error categories (spec.md §7).
const (
	ErrRateLimit      ErrorCategory = "rate_limit"
	ErrNetworkTimeout ErrorCategory = "network_timeout"
	ErrServerError    ErrorCategory = "server_error"
	ErrClientError    ErrorCategory = "client_error"
	ErrAuthError      ErrorCategory = "auth_error"
	ErrAudioFormat    ErrorCategory = "audio_format"
	ErrAudioEmpty     ErrorCategory = "audio_empty"
	ErrAudioCorrupted ErrorCategory = "audio_corrupted"
	ErrUnknown        ErrorCategory = "unknown"
)

// SubJob is the processing record for a single chunk (spec.md §3).
type SubJob struct {
	ID          string    `json:"id"`
	ParentID    string    `json:"parent_id"`
	ChunkIndex  int       `json:"chunk_index"`
	ByteRange   ByteRange `json:"byte_range"`
	Status      SubStatus `json:"status"`
	ObjectKey   string    `json:"object_key"`
	Size        int64     `json:"size"`
	ActualSize  int64     `json:"actual_size"`

	RawText       string              `json:"raw_text,omitempty"`
	CorrectedText string              `json:"corrected_text,omitempty"`
	Segments      []TranscriptSegment `json:"segments,omitempty"`
	ProcessingTimeMS int64            `json:"processing_time_ms,omitempty"`
	LLMApplied    bool                `json:"llm_applied"`

	ErrorMessage    string        `json:"error_message,omitempty"`
	ErrorCategory   ErrorCategory `json:"error_category,omitempty"`
	RetryCount      int           `json:"retry_count"`
	FinalRetryCount int           `json:"final_retry_count"`
	LastFailedAt    *time.Time    `json:"last_failed_at,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	UploadedAt   *time.Time `json:"uploaded_at,omitempty"`
	ProcessingAt *time.Time `json:"processing_at,omitempty"`
	DoneAt       *time.Time `json:"done_at,omitempty"`
}

// SubJobPatch is a read-modify-write patch applied by SubJobStore.Update.
// Nil fields are left unchanged.
type SubJobPatch struct {
	Status           *SubStatus
	ActualSize       *int64
	RawText          *string
	CorrectedText    *string
	Segments         []TranscriptSegment
	ProcessingTimeMS *int64
	LLMApplied       *bool
	ErrorMessage     *string
	ErrorCategory    *ErrorCategory
	RetryCount       *int
	FinalRetryCount  *int
	LastFailedAt     *time.Time
	UploadedAt       *time.Time
	ProcessingAt     *time.Time
	DoneAt           *time.Time
}
