package buffer

import (
	"sync"

	"github.com/sensate-iot/platform-router/errors"
)

const initialRingSize = 64

type ring[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int // Unbounded grows without limit
	size     int
	head     int // next write position
	tail     int // next read position
	stats    *Statistics
	metrics  *bufferMetrics
	opts     *bufferOptions[T]
	closed   bool
}

func newRing[T any](capacity int, opts *bufferOptions[T]) (*ring[T], error) {
	if capacity < 0 {
		capacity = Unbounded
	}

	var metrics *bufferMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newBufferMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "newRing", "metrics registration")
		}
	}

	initial := initialRingSize
	if capacity != Unbounded && initial > capacity {
		initial = capacity
	}

	return &ring[T]{
		items:    make([]T, initial),
		capacity: capacity,
		stats:    NewStatistics(),
		metrics:  metrics,
		opts:     opts,
	}, nil
}

// Write implements Buffer.
func (r *ring[T]) Write(item T) error {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write", "buffer closed")
	}

	if r.size == len(r.items) && (r.capacity == Unbounded || len(r.items) < r.capacity) {
		r.grow()
	}

	var (
		dropped    T
		hasDropped bool
	)

	if r.capacity != Unbounded && r.size == r.capacity {
		r.stats.Overflow()
		r.stats.Drop()
		if r.metrics != nil {
			r.metrics.recordDrop()
		}

		if r.opts.overflowPolicy == DropNewest {
			r.mu.Unlock()
			if r.opts.dropCallback != nil {
				r.opts.dropCallback(item)
			}
			return nil
		}

		var zero T
		dropped, hasDropped = r.items[r.tail], true
		r.items[r.tail] = zero
		r.tail = (r.tail + 1) % len(r.items)
		r.size--
	}

	r.items[r.head] = item
	r.head = (r.head + 1) % len(r.items)
	r.size++

	r.stats.Write()
	r.stats.UpdateSize(int64(r.size))
	if r.metrics != nil {
		r.metrics.recordWrite(r.size, r.capacity)
	}
	r.mu.Unlock()

	if hasDropped && r.opts.dropCallback != nil {
		r.opts.dropCallback(dropped)
	}
	return nil
}

// grow doubles the backing slice, capped at capacity. Caller holds mu.
func (r *ring[T]) grow() {
	n := len(r.items) * 2
	if r.capacity != Unbounded && n > r.capacity {
		n = r.capacity
	}

	items := make([]T, n)
	for i := 0; i < r.size; i++ {
		items[i] = r.items[(r.tail+i)%len(r.items)]
	}
	r.items = items
	r.tail = 0
	r.head = r.size % n
}

// ReadBatch implements Buffer.
func (r *ring[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return nil
	}

	count := max
	if count > r.size {
		count = r.size
	}

	result := make([]T, count)
	var zero T
	for i := 0; i < count; i++ {
		result[i] = r.items[r.tail]
		r.items[r.tail] = zero
		r.tail = (r.tail + 1) % len(r.items)
	}
	r.size -= count

	r.stats.ReadN(int64(count))
	r.stats.UpdateSize(int64(r.size))
	if r.metrics != nil {
		r.metrics.recordRead(count, r.size, r.capacity)
	}

	return result
}

// Size implements Buffer.
func (r *ring[T]) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Capacity implements Buffer.
func (r *ring[T]) Capacity() int {
	return r.capacity
}

// Stats implements Buffer.
func (r *ring[T]) Stats() *Statistics {
	return r.stats
}

// Close implements Buffer.
func (r *ring[T]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
