// Package parentjobstore implements component C: aggregate state, progress
// counters, and the sub-job index for a parent job (spec.md §4.C).
package parentjobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/chunked-transcriber/internal/core"
	"github.com/book-expert/chunked-transcriber/internal/jsonutil"
	"github.com/book-expert/chunked-transcriber/internal/model"
)

// recordTTL is the 24-hour job-record TTL spec.md §3/§6 specify.
const recordTTL = 24 * time.Hour

// ErrNotFound is returned by Get when the parent id is absent.
var ErrNotFound = errors.New("parentjobstore: parent job not found")

// Store is component C on top of a core.KVStore.
type Store struct {
	kv core.KVStore
}

// New builds a Store over kv.
func New(kv core.KVStore) *Store {
	return &Store{kv: kv}
}

func key(id string) string {
	return "parent/" + id
}

// Create persists parent with the standard job-record TTL.
func (s *Store) Create(ctx context.Context, parent model.ParentJob) error {
	return s.put(ctx, parent)
}

func (s *Store) put(ctx context.Context, parent model.ParentJob) error {
	data, err := jsonutil.Marshal(parent)
	if err != nil {
		return err
	}

	err = s.kv.Put(ctx, key(parent.ID), data, int64(recordTTL.Seconds()))
	if err != nil {
		return fmt.Errorf("parentjobstore: put %q: %w", parent.ID, err)
	}

	return nil
}

// Get loads the parent job record for id.
func (s *Store) Get(ctx context.Context, id string) (model.ParentJob, error) {
	raw, ok, err := s.kv.Get(ctx, key(id))
	if err != nil {
		return model.ParentJob{}, fmt.Errorf("parentjobstore: get %q: %w", id, err)
	}

	if !ok {
		return model.ParentJob{}, ErrNotFound
	}

	var parent model.ParentJob

	err = jsonutil.Unmarshal(raw, &parent)
	if err != nil {
		return model.ParentJob{}, fmt.Errorf("parentjobstore: decode %q: %w", id, err)
	}

	return parent, nil
}

// Delete removes the parent job record for id.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.kv.Delete(ctx, key(id))
	if err != nil {
		return fmt.Errorf("parentjobstore: delete %q: %w", id, err)
	}

	return nil
}

// LinkSubJobs performs the atomic-linkage write (spec.md §3.5): a single put
// of the fully-populated sub_job_ids sequence onto a parent that does not
// yet carry one.
func (s *Store) LinkSubJobs(ctx context.Context, id string, subJobIDs []string) error {
	parent, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	parent.SubJobIDs = subJobIDs

	return s.put(ctx, parent)
}

// MarkChunkUploaded increments uploaded_chunks, transitions the parent
// uploading->processing as appropriate, and records processing_started_at on
// the first upload (spec.md §4.C).
func (s *Store) MarkChunkUploaded(ctx context.Context, id string) (model.ParentJob, error) {
	parent, err := s.Get(ctx, id)
	if err != nil {
		return model.ParentJob{}, err
	}

	parent.UploadedChunks++

	now := time.Now()
	if parent.ProcessingStartedAt == nil {
		parent.ProcessingStartedAt = &now
	}

	switch parent.Status {
	case model.ParentInitialized:
		parent.Status = model.ParentUploading
	case model.ParentUploading:
		if parent.UploadedChunks >= parent.TotalChunks {
			parent.Status = model.ParentProcessing
		}
	}

	err = s.put(ctx, parent)
	if err != nil {
		return model.ParentJob{}, err
	}

	return parent, nil
}

// MarkChunkCompleted increments completed_chunks, recording
// first_chunk_completed_at on the first success (spec.md §4.C).
func (s *Store) MarkChunkCompleted(ctx context.Context, id string) (model.ParentJob, error) {
	parent, err := s.Get(ctx, id)
	if err != nil {
		return model.ParentJob{}, err
	}

	parent.CompletedChunks++

	if parent.FirstChunkCompletedAt == nil {
		now := time.Now()
		parent.FirstChunkCompletedAt = &now
	}

	err = s.put(ctx, parent)
	if err != nil {
		return model.ParentJob{}, err
	}

	return parent, nil
}

// MarkChunkFailed increments failed_chunks (spec.md §4.C).
func (s *Store) MarkChunkFailed(ctx context.Context, id string) (model.ParentJob, error) {
	parent, err := s.Get(ctx, id)
	if err != nil {
		return model.ParentJob{}, err
	}

	parent.FailedChunks++

	err = s.put(ctx, parent)
	if err != nil {
		return model.ParentJob{}, err
	}

	return parent, nil
}

// MarkChunkSkipped increments skipped_chunks. Not named in spec.md §4.C's
// three mutations but required to keep the counters in
// uploaded+completed+failed+skipped (spec.md §3 invariant 3) symmetric with
// the skipped terminal status §4.D introduces.
func (s *Store) MarkChunkSkipped(ctx context.Context, id string) (model.ParentJob, error) {
	parent, err := s.Get(ctx, id)
	if err != nil {
		return model.ParentJob{}, err
	}

	parent.SkippedChunks++

	err = s.put(ctx, parent)
	if err != nil {
		return model.ParentJob{}, err
	}

	return parent, nil
}

// SetStatus transitions parent to status, stamping the matching timestamp
// (completed_at/cancelled_at).
func (s *Store) SetStatus(ctx context.Context, id string, status model.ParentStatus) (model.ParentJob, error) {
	parent, err := s.Get(ctx, id)
	if err != nil {
		return model.ParentJob{}, err
	}

	parent.Status = status

	now := time.Now()

	switch status {
	case model.ParentDone, model.ParentFailed:
		if parent.CompletedAt == nil {
			parent.CompletedAt = &now
		}
	case model.ParentCancelled:
		if parent.CancelledAt == nil {
			parent.CancelledAt = &now
		}
	}

	err = s.put(ctx, parent)
	if err != nil {
		return model.ParentJob{}, err
	}

	return parent, nil
}

// SetFinalTranscript writes the assembler's (component H) output onto the
// parent.
func (s *Store) SetFinalTranscript(ctx context.Context, id, transcript string, segments []model.TranscriptSegment) error {
	parent, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	parent.FinalTranscript = transcript
	parent.FinalSegments = segments

	return s.put(ctx, parent)
}

// RecomputeCounters derives uploaded/completed/failed/skipped by enumerating
// subjobs, per spec.md §9: "implementations targeting strong consistency
// should expose a recompute path". Used by the /chunked-upload-status
// endpoint, which §4.F mandates recomputes rather than trusting the
// best-effort counters.
func RecomputeCounters(subjobs []model.SubJob) (uploaded, completed, failed, skipped int) {
	for _, sj := range subjobs {
		switch sj.Status {
		case model.SubUploaded, model.SubProcessing, model.SubDone, model.SubFailed, model.SubSkipped:
			uploaded++
		}

		switch sj.Status {
		case model.SubDone:
			completed++
		case model.SubFailed:
			failed++
		case model.SubSkipped:
			skipped++
		}
	}

	return uploaded, completed, failed, skipped
}
