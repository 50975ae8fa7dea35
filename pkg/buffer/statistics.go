package buffer

import (
	"sync/atomic"
)

// Statistics tracks buffer activity. All methods are safe for concurrent use.
type Statistics struct {
	writes    atomic.Int64
	reads     atomic.Int64
	overflows atomic.Int64
	drops     atomic.Int64
	size      atomic.Int64
	maxSize   atomic.Int64
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{}
}

// Write records a buffer write operation.
func (s *Statistics) Write() { s.writes.Add(1) }

// ReadN records n items read.
func (s *Statistics) ReadN(n int64) { s.reads.Add(n) }

// Overflow records a write that found the buffer full.
func (s *Statistics) Overflow() { s.overflows.Add(1) }

// Drop records an item lost to the overflow policy.
func (s *Statistics) Drop() { s.drops.Add(1) }

// UpdateSize records the current size and tracks the high-water mark.
func (s *Statistics) UpdateSize(size int64) {
	s.size.Store(size)
	for {
		max := s.maxSize.Load()
		if size <= max || s.maxSize.CompareAndSwap(max, size) {
			return
		}
	}
}

// Writes returns the total number of writes.
func (s *Statistics) Writes() int64 { return s.writes.Load() }

// Reads returns the total number of items read.
func (s *Statistics) Reads() int64 { return s.reads.Load() }

// Overflows returns the number of writes that found the buffer full.
func (s *Statistics) Overflows() int64 { return s.overflows.Load() }

// Drops returns the number of items lost to the overflow policy.
func (s *Statistics) Drops() int64 { return s.drops.Load() }

// CurrentSize returns the last recorded size.
func (s *Statistics) CurrentSize() int64 { return s.size.Load() }

// MaxSize returns the largest size observed.
func (s *Statistics) MaxSize() int64 { return s.maxSize.Load() }
