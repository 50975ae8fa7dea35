package natsclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// ErrKVKeyNotFound is returned for keys that are absent or deleted.
var ErrKVKeyNotFound = errors.New("kv: key not found")

// Limits applied to every KVStore call.
const (
	kvTimeout      = 5 * time.Second
	kvMaxValueSize = 1 << 20
)

// KVEntry is one value read from a bucket.
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVStore wraps a bucket with per-call timeouts and ErrKVKeyNotFound.
type KVStore struct {
	bucket jetstream.KeyValue
	logger *slog.Logger
}

// NewKVStore wraps bucket, logging through the client logger.
func (c *Client) NewKVStore(bucket jetstream.KeyValue) *KVStore {
	return &KVStore{
		bucket: bucket,
		logger: c.logger.With("bucket", bucket.Bucket()),
	}
}

// Bucket returns the bucket name.
func (kv *KVStore) Bucket() string {
	return kv.bucket.Bucket()
}

// Get reads key.
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, kvTimeout)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		if IsKVNotFoundError(err) {
			return nil, ErrKVKeyNotFound
		}
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return &KVEntry{Key: key, Value: entry.Value(), Revision: entry.Revision()}, nil
}

// Put writes key unconditionally and returns the new revision.
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if len(value) > kvMaxValueSize {
		return 0, fmt.Errorf("kv put %s: %d bytes exceeds %d", key, len(value), kvMaxValueSize)
	}

	ctx, cancel := context.WithTimeout(ctx, kvTimeout)
	defer cancel()

	rev, err := kv.bucket.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("kv put %s: %w", key, err)
	}
	kv.logger.Debug("KV put", "key", key, "revision", rev)
	return rev, nil
}

// Delete removes key.
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, kvTimeout)
	defer cancel()

	if err := kv.bucket.Delete(ctx, key); err != nil {
		if IsKVNotFoundError(err) {
			return ErrKVKeyNotFound
		}
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	kv.logger.Debug("KV delete", "key", key)
	return nil
}

// Keys lists the live keys. An empty bucket is not an error.
func (kv *KVStore) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, kvTimeout)
	defer cancel()

	keys, err := kv.bucket.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("kv keys %s: %w", kv.bucket.Bucket(), err)
	}
	return keys, nil
}

// IsKVNotFoundError reports whether err means the key does not exist.
func IsKVNotFoundError(err error) bool {
	return errors.Is(err, ErrKVKeyNotFound) ||
		errors.Is(err, jetstream.ErrKeyNotFound) ||
		errors.Is(err, jetstream.ErrKeyDeleted)
}
