package roster

import (
	"context"
	"sync"

	"github.com/sensate-iot/platform-router/router"
)

// StaticSource returns a fixed roster that can be replaced at runtime.
type StaticSource struct {
	mu       sync.RWMutex
	handlers []router.LiveDataHandler
}

// NewStaticSource creates a source serving handlers.
func NewStaticSource(handlers []router.LiveDataHandler) *StaticSource {
	s := &StaticSource{}
	s.Set(handlers)
	return s
}

// Set replaces the roster.
func (s *StaticSource) Set(handlers []router.LiveDataHandler) {
	cp := append([]router.LiveDataHandler(nil), handlers...)
	s.mu.Lock()
	s.handlers = cp
	s.mu.Unlock()
}

// GetLiveDataHandlers implements router.HandlerSource.
func (s *StaticSource) GetLiveDataHandlers(ctx context.Context) ([]router.LiveDataHandler, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]router.LiveDataHandler(nil), s.handlers...), nil
}
