// Package objectstore provides a NATS-JetStream-backed implementation of
// core.ObjectStore for chunk blobs (spec.md §6).
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/book-expert/chunked-transcriber/internal/core"
)

// NatsObjectStore implements core.ObjectStore on top of NATS JetStream
// object-store buckets, one per bucket name seen so buckets can be created
// lazily (keys are namespaced "uploads/{parent_id}/..." but the bucket
// concept in this spec maps to a logical bucket name, e.g. "chunks").
type NatsObjectStore struct {
	js nats.JetStreamContext

	mu      sync.Mutex
	buckets map[string]nats.ObjectStore
}

// New creates a NatsObjectStore bound to a JetStream context; buckets are
// created on first use, following the teacher's create-first-then-bind
// pattern (internal/objectstore/nats_store.go in the teacher repo).
func New(js nats.JetStreamContext) *NatsObjectStore {
	return &NatsObjectStore{js: js, buckets: make(map[string]nats.ObjectStore)}
}

func (s *NatsObjectStore) bucketHandle(bucket string) (nats.ObjectStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if store, ok := s.buckets[bucket]; ok {
		return store, nil
	}

	store, err := s.js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucket,
		Description: fmt.Sprintf("Storage for the %s bucket.", bucket),
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if errors.Is(err, jetstream.ErrBucketExists) {
			store, err = s.js.ObjectStore(bucket)
			if err != nil {
				return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucket, err)
			}
		} else {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucket, err)
		}
	}

	s.buckets[bucket] = store

	return store, nil
}

// Put stores data under key in bucket. contentType is recorded as object
// metadata for diagnostic purposes; NATS object store does not interpret it.
func (s *NatsObjectStore) Put(_ context.Context, bucket, key string, data []byte, contentType string) error {
	store, err := s.bucketHandle(bucket)
	if err != nil {
		return err
	}

	meta := &nats.ObjectMeta{
		Name: key,
		Metadata: map[string]string{
			"content_type": contentType,
		},
	}

	_, err = store.Put(meta, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to put object '%s' into bucket '%s': %w", key, bucket, err)
	}

	return nil
}

// Get retrieves the full contents of key from bucket.
func (s *NatsObjectStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	store, err := s.bucketHandle(bucket)
	if err != nil {
		return nil, err
	}

	obj, err := store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, bucket, err)
	}

	data, readErr := io.ReadAll(obj)

	closeErr := obj.Close()
	if readErr != nil {
		return nil, fmt.Errorf("failed to read object '%s': %w", key, readErr)
	}

	if closeErr != nil {
		return data, fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}

	return data, nil
}

// Delete removes key from bucket. Deleting an absent key is not an error.
func (s *NatsObjectStore) Delete(_ context.Context, bucket, key string) error {
	store, err := s.bucketHandle(bucket)
	if err != nil {
		return err
	}

	err = store.Delete(key)
	if err != nil && !errors.Is(err, nats.ErrObjectNotFound) {
		return fmt.Errorf("failed to delete object '%s' from bucket '%s': %w", key, bucket, err)
	}

	return nil
}

// Head returns key's size without downloading its body.
func (s *NatsObjectStore) Head(_ context.Context, bucket, key string) (core.ObjectEntry, error) {
	store, err := s.bucketHandle(bucket)
	if err != nil {
		return core.ObjectEntry{}, err
	}

	info, err := store.GetInfo(key)
	if err != nil {
		return core.ObjectEntry{}, fmt.Errorf("failed to head object '%s' in bucket '%s': %w", key, bucket, err)
	}

	return core.ObjectEntry{Size: int64(info.Size)}, nil
}
