// Package buffer provides a generic, thread-safe bounded ring buffer with
// configurable overflow policies.
//
// The receiver's fan-out path depends on the DropOldest policy: every
// attachment to a hardware source reads IQ frames from its own ring, so a
// slow client loses freshness instead of blocking the source worker or any
// sibling client. Statistics are always collected; Prometheus export is
// optional via WithMetrics.
package buffer

// Buffer is a generic bounded buffer. All implementations are thread-safe.
type Buffer[T any] interface {
	// Write adds an item to the buffer. Behavior when full depends on the
	// overflow policy.
	Write(item T) error

	// Read retrieves and removes one item. Returns the zero value and false
	// if the buffer is empty.
	Read() (T, bool)

	// ReadBatch retrieves and removes up to max items.
	ReadBatch(max int) []T

	// Peek returns the oldest item without removing it.
	Peek() (T, bool)

	// Size returns the current number of buffered items.
	Size() int

	// Capacity returns the maximum number of items the buffer can hold.
	Capacity() int

	// IsFull reports whether the buffer is at capacity.
	IsFull() bool

	// IsEmpty reports whether the buffer holds no items.
	IsEmpty() bool

	// Clear removes all items.
	Clear()

	// Stats returns buffer statistics (always available).
	Stats() *Statistics

	// Close shuts down the buffer. Blocked writers are woken with an error.
	Close() error
}

// OverflowPolicy defines behavior when the buffer reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops the incoming item when the buffer is full.
	DropNewest

	// Block makes Write wait until space is available.
	Block
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Block:
		return "Block"
	default:
		return "Unknown"
	}
}

// DropCallback is called with each item discarded by an overflow policy.
type DropCallback[T any] func(item T)

// NewRing creates a new ring buffer with the given capacity and options.
func NewRing[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newRing(capacity, opts)
}
