package roster

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensate-iot/platform-router/errors"
	"github.com/sensate-iot/platform-router/natsclient"
	"github.com/sensate-iot/platform-router/router"
)

type memoryKV struct {
	mu       sync.Mutex
	data     map[string][]byte
	keysErrs []error
}

func newMemoryKV() *memoryKV {
	return &memoryKV{data: make(map[string][]byte)}
}

func (m *memoryKV) Bucket() string { return "ROUTER_LIVE_HANDLERS" }

func (m *memoryKV) Keys(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.keysErrs) > 0 {
		err := m.keysErrs[0]
		m.keysErrs = m.keysErrs[1:]
		return nil, err
	}
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memoryKV) Get(_ context.Context, key string) (*natsclient.KVEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, natsclient.ErrKVKeyNotFound
	}
	return &natsclient.KVEntry{Key: key, Value: v, Revision: 1}, nil
}

func (m *memoryKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return uint64(len(m.data)), nil
}

func (m *memoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		return natsclient.ErrKVKeyNotFound
	}
	delete(m.data, key)
	return nil
}

func fastRetry() errors.RetryConfig {
	return errors.RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}
}

func TestStaticSource(t *testing.T) {
	src := NewStaticSource([]router.LiveDataHandler{{Name: "dash", Enabled: true}})

	got, err := src.GetLiveDataHandlers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []router.LiveDataHandler{{Name: "dash", Enabled: true}}, got)

	got[0].Name = "mutated"
	again, err := src.GetLiveDataHandlers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dash", again[0].Name)

	src.Set(nil)
	got, err = src.GetLiveDataHandlers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.GetLiveDataHandlers(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKVSource_RegisterAndList(t *testing.T) {
	kv := newMemoryKV()
	src, err := NewKVSource(kv, WithRetry(fastRetry()))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, src.Register(ctx, router.LiveDataHandler{Name: "export", Enabled: false}))
	require.NoError(t, src.Register(ctx, router.LiveDataHandler{Name: "dash", Enabled: true}))

	got, err := src.GetLiveDataHandlers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []router.LiveDataHandler{
		{Name: "dash", Enabled: true},
		{Name: "export", Enabled: false},
	}, got)

	require.NoError(t, src.Unregister(ctx, "export"))
	require.NoError(t, src.Unregister(ctx, "export"), "missing handler is not an error")

	got, err = src.GetLiveDataHandlers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []router.LiveDataHandler{{Name: "dash", Enabled: true}}, got)
}

func TestKVSource_SkipsMalformed(t *testing.T) {
	kv := newMemoryKV()
	kv.data["broken"] = []byte("{not json")
	kv.data["nameless"] = []byte(`{"enabled":true}`)

	src, err := NewKVSource(kv, WithRetry(fastRetry()))
	require.NoError(t, err)

	got, err := src.GetLiveDataHandlers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []router.LiveDataHandler{{Name: "nameless", Enabled: true}}, got)
}

func TestKVSource_RetriesTransient(t *testing.T) {
	kv := newMemoryKV()
	kv.data["dash"] = []byte(`{"name":"dash","enabled":true}`)
	kv.keysErrs = []error{errors.ErrConnectionLost, errors.ErrConnectionLost}

	src, err := NewKVSource(kv, WithRetry(fastRetry()))
	require.NoError(t, err)

	got, err := src.GetLiveDataHandlers(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestKVSource_GivesUp(t *testing.T) {
	kv := newMemoryKV()
	for i := 0; i < 10; i++ {
		kv.keysErrs = append(kv.keysErrs, fmt.Errorf("nats: %w", errors.ErrNoConnection))
	}

	src, err := NewKVSource(kv, WithRetry(fastRetry()))
	require.NoError(t, err)

	_, err = src.GetLiveDataHandlers(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestKVSource_RegisterValidation(t *testing.T) {
	src, err := NewKVSource(newMemoryKV())
	require.NoError(t, err)
	assert.Error(t, src.Register(context.Background(), router.LiveDataHandler{}))

	_, err = NewKVSource(nil)
	assert.Error(t, err)
}

func TestSourcesImplementHandlerSource(t *testing.T) {
	var _ router.HandlerSource = (*StaticSource)(nil)
	var _ router.HandlerSource = (*KVSource)(nil)
	var _ KeyValue = (*natsclient.KVStore)(nil)
}
