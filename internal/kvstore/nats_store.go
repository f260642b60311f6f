// Package kvstore provides a NATS-JetStream-backed implementation of
// core.KVStore, used to persist ParentJob and SubJob records (spec.md §6).
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/book-expert/chunked-transcriber/internal/core"
)

// NatsKVStore implements core.KVStore using a single NATS JetStream KV
// bucket. TTL is applied per-key by re-creating the bucket's default TTL is
// not sufficient for this spec (job records and chunk metadata carry
// different TTLs), so entries carry their expiry alongside the value instead
// of relying on the bucket-wide TTL NATS KV offers.
type NatsKVStore struct {
	js     nats.JetStreamContext
	bucket string
	kv     nats.KeyValue
}

// New creates (or binds to) a JetStream KV bucket, following the
// create-first-then-bind pattern the teacher uses for its object store.
func New(js nats.JetStreamContext, bucketName string) (*NatsKVStore, error) {
	kv, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Storage for the %s bucket.", bucketName),
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if errors.Is(err, jetstream.ErrBucketExists) {
			kv, err = js.KeyValue(bucketName)
			if err != nil {
				return nil, fmt.Errorf("failed to bind to existing KV bucket '%s': %w", bucketName, err)
			}
		} else {
			return nil, fmt.Errorf("failed to create KV bucket '%s': %w", bucketName, err)
		}
	}

	return &NatsKVStore{js: js, bucket: bucketName, kv: kv}, nil
}

// envelope wraps a stored value with its absolute expiry so Get can treat an
// expired-but-not-yet-purged entry as absent.
type envelope struct {
	Value          string `json:"value"`
	ExpirationUnix int64  `json:"expiration_unix,omitempty"`
}

// natsSafeKey replaces characters NATS subjects/KV keys reject ('.', '/')
// since this store's keys are of the form "parent/{id}" and
// "subjob/{id}" (see subjobstore/parentjobstore).
func natsSafeKey(key string) string {
	replacer := strings.NewReplacer("/", "_", ".", "-")
	return replacer.Replace(key)
}

func natsUnsafeKey(key string) string {
	replacer := strings.NewReplacer("_", "/")
	return replacer.Replace(key)
}

// Get returns the value for key, or ok=false if absent or expired.
func (s *NatsKVStore) Get(_ context.Context, key string) (string, bool, error) {
	entry, err := s.kv.Get(natsSafeKey(key))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return "", false, nil
		}

		return "", false, fmt.Errorf("failed to get key '%s' from bucket '%s': %w", key, s.bucket, err)
	}

	env, ok, err := decodeEnvelope(string(entry.Value()))
	if err != nil {
		return "", false, err
	}

	if !ok {
		return "", false, nil
	}

	return env.Value, true, nil
}

// Put stores value under key with the given TTL, in seconds. A ttlSeconds of
// 0 means "no expiry".
func (s *NatsKVStore) Put(_ context.Context, key string, value string, ttlSeconds int64) error {
	var expiration int64
	if ttlSeconds != 0 {
		expiration = time.Now().Add(time.Duration(ttlSeconds) * time.Second).Unix()
	}

	data, err := encodeEnvelope(envelope{Value: value, ExpirationUnix: expiration})
	if err != nil {
		return err
	}

	_, err = s.kv.Put(natsSafeKey(key), []byte(data))
	if err != nil {
		return fmt.Errorf("failed to put key '%s' into bucket '%s': %w", key, s.bucket, err)
	}

	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *NatsKVStore) Delete(_ context.Context, key string) error {
	err := s.kv.Delete(natsSafeKey(key))
	if err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete key '%s' from bucket '%s': %w", key, s.bucket, err)
	}

	return nil
}

// List enumerates keys matching opts.Prefix (after un-escaping the safe-key
// transform), up to opts.Limit entries (0 means unlimited).
func (s *NatsKVStore) List(_ context.Context, opts core.ListOptions) ([]core.KVEntry, error) {
	keys, err := s.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list keys in bucket '%s': %w", s.bucket, err)
	}

	prefix := natsSafeKey(opts.Prefix)

	var entries []core.KVEntry

	for _, k := range keys {
		if opts.Prefix != "" && !strings.HasPrefix(k, prefix) {
			continue
		}

		entry, err := s.kv.Get(k)
		if err != nil {
			continue
		}

		env, ok, err := decodeEnvelope(string(entry.Value()))
		if err != nil || !ok {
			continue
		}

		entries = append(entries, core.KVEntry{Name: natsUnsafeKey(k), ExpirationUnix: env.ExpirationUnix})

		if opts.Limit > 0 && len(entries) >= opts.Limit {
			break
		}
	}

	return entries, nil
}
