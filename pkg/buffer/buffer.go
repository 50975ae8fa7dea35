// Package buffer provides a thread-safe FIFO ring buffer. A bounded ring
// applies a drop policy once its capacity is reached; an unbounded one
// keeps growing and never drops.
//
// The ring starts small and doubles on demand, so a mostly idle queue does
// not pin memory for its worst case. Writes never block. Statistics are
// always collected; Prometheus export is optional through WithMetrics.
package buffer

// Buffer is a FIFO of items of type T.
type Buffer[T any] interface {
	// Write appends an item. When the buffer is full the overflow policy
	// decides which item is lost; Write itself never blocks.
	Write(item T) error

	// ReadBatch removes and returns up to max items in FIFO order.
	ReadBatch(max int) []T

	// Size returns the current number of items.
	Size() int

	// Capacity returns the maximum number of items the buffer will hold,
	// or Unbounded.
	Capacity() int

	// Stats returns buffer statistics.
	Stats() *Statistics

	// Close rejects further writes. Items already buffered stay readable.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback is called with each item lost to the overflow policy.
type DropCallback[T any] func(item T)

// Unbounded is the capacity of a ring that never drops.
const Unbounded = 0

// NewRing creates a ring buffer holding at most capacity items. A capacity
// of Unbounded (or less) lets the ring grow as needed.
func NewRing[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newRing(capacity, opts)
}
