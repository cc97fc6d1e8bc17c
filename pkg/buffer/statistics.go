package buffer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Statistics tracks buffer performance counters. Counters are atomic so the
// hot path never takes the statistics lock.
type Statistics struct {
	writes    int64
	reads     int64
	peeks     int64
	overflows int64
	drops     int64

	mu          sync.RWMutex
	startTime   time.Time
	currentSize int64
	maxSize     int64
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

// Write records a buffer write operation.
func (s *Statistics) Write() { atomic.AddInt64(&s.writes, 1) }

// Read records a buffer read operation.
func (s *Statistics) Read() { atomic.AddInt64(&s.reads, 1) }

// Peek records a buffer peek operation.
func (s *Statistics) Peek() { atomic.AddInt64(&s.peeks, 1) }

// Overflow records a buffer overflow event.
func (s *Statistics) Overflow() { atomic.AddInt64(&s.overflows, 1) }

// Drop records an item discarded by an overflow policy.
func (s *Statistics) Drop() { atomic.AddInt64(&s.drops, 1) }

// UpdateSize updates the current buffer size and high-water mark.
func (s *Statistics) UpdateSize(size int64) {
	s.mu.Lock()
	s.currentSize = size
	if size > s.maxSize {
		s.maxSize = size
	}
	s.mu.Unlock()
}

// Writes returns the total number of items stored. An overflowing write
// under DropOldest stores the new item and drops the evicted one, so it
// counts here and in Drops.
func (s *Statistics) Writes() int64 { return atomic.LoadInt64(&s.writes) }

// Reads returns the total number of read operations.
func (s *Statistics) Reads() int64 { return atomic.LoadInt64(&s.reads) }

// Peeks returns the total number of peek operations.
func (s *Statistics) Peeks() int64 { return atomic.LoadInt64(&s.peeks) }

// Overflows returns the total number of overflow events.
func (s *Statistics) Overflows() int64 { return atomic.LoadInt64(&s.overflows) }

// Drops returns the total number of dropped items.
func (s *Statistics) Drops() int64 { return atomic.LoadInt64(&s.drops) }

// CurrentSize returns the most recently recorded size.
func (s *Statistics) CurrentSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentSize
}

// MaxSize returns the high-water mark.
func (s *Statistics) MaxSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxSize
}

// Uptime returns how long the buffer has existed.
func (s *Statistics) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.startTime)
}
