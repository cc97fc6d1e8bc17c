package buffer

import (
	"sync"

	"github.com/mihow/openwebrxplus/errors"
)

// ring is the circular buffer implementation behind NewRing.
type ring[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	stats    *Statistics
	metrics  *ringMetrics
	opts     *options[T]

	notEmpty *sync.Cond
	notFull  *sync.Cond
	closed   bool
}

func newRing[T any](capacity int, opts *options[T]) (*ring[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	var metrics *ringMetrics
	if opts.registerer != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newRingMetrics(opts.registerer, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "newRing", "metrics registration")
		}
	}

	r := &ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		metrics:  metrics,
		opts:     opts,
	}
	r.notEmpty = sync.NewCond(&r.mu)
	r.notFull = sync.NewCond(&r.mu)
	return r, nil
}

func (r *ring[T]) Write(item T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.WrapValidation(errors.ErrAlreadyClosed, "Buffer", "Write", "buffer closed")
	}

	if r.size == r.capacity {
		switch r.opts.overflowPolicy {
		case DropOldest:
			dropped := r.items[r.tail]
			r.tail = (r.tail + 1) % r.capacity
			r.size--
			r.recordDrop()
			if r.opts.dropCallback != nil {
				// run outside the lock
				defer r.opts.dropCallback(dropped)
			}

		case DropNewest:
			r.recordDrop()
			if r.opts.dropCallback != nil {
				defer r.opts.dropCallback(item)
			}
			return nil

		case Block:
			for r.size == r.capacity && !r.closed {
				r.notFull.Wait()
			}
			if r.closed {
				return errors.WrapValidation(errors.ErrAlreadyClosed, "Buffer", "Write",
					"buffer closed during blocking wait")
			}
		}
	}

	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	r.size++

	r.stats.Write()
	r.stats.UpdateSize(int64(r.size))
	if r.metrics != nil {
		r.metrics.recordWrite(r.size, r.capacity)
	}

	r.notEmpty.Signal()
	return nil
}

func (r *ring[T]) Read() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}

	item := r.items[r.tail]
	r.items[r.tail] = zero // release for GC
	r.tail = (r.tail + 1) % r.capacity
	r.size--

	r.stats.Read()
	r.stats.UpdateSize(int64(r.size))
	if r.metrics != nil {
		r.metrics.recordRead(r.size, r.capacity)
	}

	r.notFull.Signal()
	return item, true
}

func (r *ring[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return nil
	}

	n := max
	if n > r.size {
		n = r.size
	}

	result := make([]T, n)
	var zero T
	for i := 0; i < n; i++ {
		result[i] = r.items[r.tail]
		r.items[r.tail] = zero
		r.tail = (r.tail + 1) % r.capacity
		r.size--
		r.stats.Read()
	}

	r.stats.UpdateSize(int64(r.size))
	if r.metrics != nil {
		r.metrics.updateSize(r.size, r.capacity)
	}

	for i := 0; i < n; i++ {
		r.notFull.Signal()
	}
	return result
}

func (r *ring[T]) Peek() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	r.stats.Peek()
	return r.items[r.tail], true
}

func (r *ring[T]) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

func (r *ring[T]) Capacity() int {
	return r.capacity
}

func (r *ring[T]) IsFull() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size == r.capacity
}

func (r *ring[T]) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size == 0
}

func (r *ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.opts.dropCallback != nil {
		toDrop := make([]T, r.size)
		for i := 0; i < r.size; i++ {
			toDrop[i] = r.items[(r.tail+i)%r.capacity]
		}
		defer func() {
			for _, item := range toDrop {
				r.opts.dropCallback(item)
			}
		}()
	}

	for i := range r.items {
		r.items[i] = zero
	}
	r.head, r.tail, r.size = 0, 0, 0

	r.stats.UpdateSize(0)
	if r.metrics != nil {
		r.metrics.updateSize(0, r.capacity)
	}

	r.notFull.Broadcast()
}

func (r *ring[T]) Stats() *Statistics {
	return r.stats
}

func (r *ring[T]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.notEmpty.Broadcast()
	r.notFull.Broadcast()
	return nil
}

// recordDrop must be called with r.mu held.
func (r *ring[T]) recordDrop() {
	r.stats.Overflow()
	r.stats.Drop()
	if r.metrics != nil {
		r.metrics.recordDrop()
	}
}
