package pipeline

import (
	"sync"
	"time"
)

// SharedChains refcounts secondary chains keyed by (source, mode) so a
// background decoder runs once no matter how many sessions requested it, and
// stops once the last interested session releases it.
type SharedChains struct {
	mu          sync.Mutex
	entries     map[string]*sharedEntry
	stopTimeout time.Duration
}

type sharedEntry struct {
	chain *Chain
	refs  int
}

// NewSharedChains creates an empty shared-chain manager.
func NewSharedChains(stopTimeout time.Duration) *SharedChains {
	if stopTimeout <= 0 {
		stopTimeout = 5 * time.Second
	}
	return &SharedChains{
		entries:     make(map[string]*sharedEntry),
		stopTimeout: stopTimeout,
	}
}

// Acquire returns the chain for key, building it with build on first
// acquisition. The returned release function decrements the refcount and
// tears the chain down when it reaches zero; calling release more than once
// is a no-op.
func (s *SharedChains) Acquire(key string, build func() (*Chain, error)) (*Chain, func(), error) {
	s.mu.Lock()
	if entry, ok := s.entries[key]; ok {
		entry.refs++
		chain := entry.chain
		s.mu.Unlock()
		return chain, s.releaseFunc(key), nil
	}
	s.mu.Unlock()

	// Build outside the lock; background chains can take a moment to spawn
	// their decoder process.
	chain, err := build()
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	if entry, ok := s.entries[key]; ok {
		// Lost the build race; keep the winner, discard ours.
		entry.refs++
		winner := entry.chain
		s.mu.Unlock()
		_ = chain.Stop(s.stopTimeout)
		return winner, s.releaseFunc(key), nil
	}
	s.entries[key] = &sharedEntry{chain: chain, refs: 1}
	s.mu.Unlock()
	return chain, s.releaseFunc(key), nil
}

// Refs returns the current refcount for key, for tests and introspection.
func (s *SharedChains) Refs(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[key]; ok {
		return entry.refs
	}
	return 0
}

// CloseAll tears down every shared chain regardless of refcounts. Used at
// server shutdown.
func (s *SharedChains) CloseAll() {
	s.mu.Lock()
	entries := s.entries
	s.entries = make(map[string]*sharedEntry)
	s.mu.Unlock()

	for _, entry := range entries {
		_ = entry.chain.Stop(s.stopTimeout)
	}
}

func (s *SharedChains) releaseFunc(key string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			entry, ok := s.entries[key]
			if !ok {
				s.mu.Unlock()
				return
			}
			entry.refs--
			if entry.refs > 0 {
				s.mu.Unlock()
				return
			}
			delete(s.entries, key)
			chain := entry.chain
			s.mu.Unlock()
			_ = chain.Stop(s.stopTimeout)
		})
	}
}
