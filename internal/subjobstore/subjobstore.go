// Package subjobstore implements component B: CRUD and state transitions
// for a single chunk's record (spec.md §4.B).
package subjobstore

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

// ErrNotFound is returned by Get when the sub-job id is absent.
var ErrNotFound = errors.New("subjobstore: sub-job not found")

// Store is component B on top of a core.KVStore.
type Store struct {
	kv core.KVStore
}

// New builds a Store over kv.
func New(kv core.KVStore) *Store {
	return &Store{kv: kv}
}

func key(id string) string {
	return "subjob/" + id
}

// Create persists subjob with the standard job-record TTL.
func (s *Store) Create(ctx context.Context, subjob model.SubJob) error {
	data, err := jsonutil.Marshal(subjob)
	if err != nil {
		return err
	}

	err = s.kv.Put(ctx, key(subjob.ID), data, int64(recordTTL.Seconds()))
	if err != nil {
		return fmt.Errorf("subjobstore: create %q: %w", subjob.ID, err)
	}

	return nil
}

// Get loads the sub-job record for id.
func (s *Store) Get(ctx context.Context, id string) (model.SubJob, error) {
	raw, ok, err := s.kv.Get(ctx, key(id))
	if err != nil {
		return model.SubJob{}, fmt.Errorf("subjobstore: get %q: %w", id, err)
	}

	if !ok {
		return model.SubJob{}, ErrNotFound
	}

	var subjob model.SubJob

	err = jsonutil.Unmarshal(raw, &subjob)
	if err != nil {
		return model.SubJob{}, fmt.Errorf("subjobstore: decode %q: %w", id, err)
	}

	return subjob, nil
}

// Update applies patch to the stored record with a read-modify-write.
// There is no compare-and-swap (spec.md §4.B); callers must serialize
// concurrent writes to the same id themselves (see internal/processor's
// single-writer discipline).
func (s *Store) Update(ctx context.Context, id string, patch model.SubJobPatch) (model.SubJob, error) {
	subjob, err := s.Get(ctx, id)
	if err != nil {
		return model.SubJob{}, err
	}

	applyPatch(&subjob, patch)

	err = s.Create(ctx, subjob)
	if err != nil {
		return model.SubJob{}, err
	}

	return subjob, nil
}

func applyPatch(subjob *model.SubJob, patch model.SubJobPatch) {
	if patch.Status != nil {
		subjob.Status = *patch.Status
	}

	if patch.ActualSize != nil {
		subjob.ActualSize = *patch.ActualSize
	}

	if patch.RawText != nil {
		subjob.RawText = *patch.RawText
	}

	if patch.CorrectedText != nil {
		subjob.CorrectedText = *patch.CorrectedText
	}

	if patch.Segments != nil {
		subjob.Segments = patch.Segments
	}

	if patch.ProcessingTimeMS != nil {
		subjob.ProcessingTimeMS = *patch.ProcessingTimeMS
	}

	if patch.LLMApplied != nil {
		subjob.LLMApplied = *patch.LLMApplied
	}

	if patch.ErrorMessage != nil {
		subjob.ErrorMessage = *patch.ErrorMessage
	}

	if patch.ErrorCategory != nil {
		subjob.ErrorCategory = *patch.ErrorCategory
	}

	if patch.RetryCount != nil {
		subjob.RetryCount = *patch.RetryCount
	}

	if patch.FinalRetryCount != nil {
		subjob.FinalRetryCount = *patch.FinalRetryCount
	}

	if patch.LastFailedAt != nil {
		subjob.LastFailedAt = patch.LastFailedAt
	}

	if patch.UploadedAt != nil {
		subjob.UploadedAt = patch.UploadedAt
	}

	if patch.ProcessingAt != nil {
		subjob.ProcessingAt = patch.ProcessingAt
	}

	if patch.DoneAt != nil {
		subjob.DoneAt = patch.DoneAt
	}
}

// Delete removes the sub-job record for id.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.kv.Delete(ctx, key(id))
	if err != nil {
		return fmt.Errorf("subjobstore: delete %q: %w", id, err)
	}

	return nil
}
