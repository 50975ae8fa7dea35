package roster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/sensate-iot/platform-router/errors"
	"github.com/sensate-iot/platform-router/natsclient"
	"github.com/sensate-iot/platform-router/router"
)

// KeyValue is the subset of natsclient.KVStore used by KVSource.
type KeyValue interface {
	Bucket() string
	Keys(ctx context.Context) ([]string, error)
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string) error
}

// KVSource reads the roster from a KeyValue bucket.
type KVSource struct {
	kv     KeyValue
	retry  errors.RetryConfig
	logger *slog.Logger
}

// KVOption configures a KVSource.
type KVOption func(*KVSource)

// WithRetry overrides the retry policy for bucket reads.
func WithRetry(cfg errors.RetryConfig) KVOption {
	return func(s *KVSource) {
		s.retry = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) KVOption {
	return func(s *KVSource) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewKVSource creates a source backed by kv.
func NewKVSource(kv KeyValue, opts ...KVOption) (*KVSource, error) {
	if kv == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "KVSource", "New", "bucket required")
	}

	s := &KVSource{
		kv:     kv,
		retry:  errors.DefaultRetryConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = s.logger.With("component", "roster", "bucket", kv.Bucket())
	return s, nil
}

// GetLiveDataHandlers implements router.HandlerSource. Entries that do not
// decode are skipped with a warning; keys deleted between listing and
// reading are ignored. The result is sorted by name.
func (s *KVSource) GetLiveDataHandlers(ctx context.Context) ([]router.LiveDataHandler, error) {
	var keys []string
	err := s.retry.Do(ctx, func() error {
		var err error
		keys, err = s.kv.Keys(ctx)
		return err
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "KVSource", "GetLiveDataHandlers", "list handlers")
	}

	handlers := make([]router.LiveDataHandler, 0, len(keys))
	for _, key := range keys {
		var entry *natsclient.KVEntry
		err := s.retry.Do(ctx, func() error {
			var err error
			entry, err = s.kv.Get(ctx, key)
			if natsclient.IsKVNotFoundError(err) {
				return nil
			}
			return err
		})
		if err != nil {
			return nil, errors.WrapTransient(err, "KVSource", "GetLiveDataHandlers", fmt.Sprintf("read handler %s", key))
		}
		if entry == nil {
			continue
		}

		h, err := decodeHandler(key, entry.Value)
		if err != nil {
			s.logger.Warn("Skipping malformed roster entry", "key", key, "error", err)
			continue
		}
		handlers = append(handlers, h)
	}

	sort.Slice(handlers, func(i, j int) bool { return handlers[i].Name < handlers[j].Name })
	return handlers, nil
}

// Register stores h under its name.
func (s *KVSource) Register(ctx context.Context, h router.LiveDataHandler) error {
	if h.Name == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "KVSource", "Register", "handler name required")
	}

	value, err := json.Marshal(h)
	if err != nil {
		return errors.WrapInvalid(err, "KVSource", "Register", "encode handler")
	}
	if _, err := s.kv.Put(ctx, h.Name, value); err != nil {
		return errors.WrapTransient(err, "KVSource", "Register", fmt.Sprintf("store handler %s", h.Name))
	}
	s.logger.Info("Registered live data handler", "name", h.Name, "enabled", h.Enabled)
	return nil
}

// Unregister removes the handler called name. Missing handlers are not an error.
func (s *KVSource) Unregister(ctx context.Context, name string) error {
	if err := s.kv.Delete(ctx, name); err != nil && !natsclient.IsKVNotFoundError(err) {
		return errors.WrapTransient(err, "KVSource", "Unregister", fmt.Sprintf("delete handler %s", name))
	}
	s.logger.Info("Unregistered live data handler", "name", name)
	return nil
}

func decodeHandler(key string, value []byte) (router.LiveDataHandler, error) {
	var h router.LiveDataHandler
	if err := json.Unmarshal(value, &h); err != nil {
		return h, fmt.Errorf("%w: %v", errors.ErrInvalidData, err)
	}
	if h.Name == "" {
		h.Name = key
	}
	return h, nil
}
