package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/mihow/openwebrxplus/errors"
)

// Slot holds a session's installed chain and enforces the reconfiguration
// protocol: the replacement is fully built and ready before the old chain is
// unreferenced, and the old chain is torn down only after the swap. At every
// instant either the old or the new chain is fully installed; a
// partially-built chain is never reachable through the slot.
type Slot struct {
	mu         sync.Mutex
	current    *Chain
	rebuilding bool
	closed     bool
}

// NewSlot creates an empty slot.
func NewSlot() *Slot {
	return &Slot{}
}

// Get returns the currently installed chain, or nil.
func (s *Slot) Get() *Chain {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Swap builds a replacement chain, waits for it to report ready, installs it,
// and only then tears down the previous chain. If the build or readiness wait
// fails, the previous chain stays installed and the error is returned. If the
// slot is closed while the replacement is being built, the replacement is
// torn down cleanly and never installed.
func (s *Slot) Swap(ctx context.Context, build func() (*Chain, error), readyTimeout, stopTimeout time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.Wrap(errors.ErrAlreadyClosed, "Slot", "Swap", "install")
	}
	if s.rebuilding {
		s.mu.Unlock()
		return errors.WrapPipeline(errors.ErrBuildInProgress, "Slot", "Swap", "serialize rebuild")
	}
	s.rebuilding = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.rebuilding = false
		s.mu.Unlock()
	}()

	// Build and readiness-wait happen outside the lock so a concurrent Close
	// never blocks on a slow build.
	next, err := build()
	if err != nil {
		return err
	}

	readyCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	err = next.WaitReady(readyCtx)
	cancel()
	if err != nil {
		_ = next.Stop(stopTimeout)
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = next.Stop(stopTimeout)
		return errors.Wrap(errors.ErrAlreadyClosed, "Slot", "Swap", "install")
	}
	old := s.current
	s.current = next
	s.mu.Unlock()

	if old != nil {
		_ = old.Stop(stopTimeout)
	}
	return nil
}

// Clear uninstalls and tears down the current chain, leaving the slot empty
// but usable. Used when a client stops a stream class without disconnecting.
func (s *Slot) Clear(stopTimeout time.Duration) {
	s.mu.Lock()
	old := s.current
	s.current = nil
	s.mu.Unlock()
	if old != nil {
		_ = old.Stop(stopTimeout)
	}
}

// Close tears down the installed chain and marks the slot unusable. Close is
// idempotent and safe to call concurrently with an in-flight Swap.
func (s *Slot) Close(stopTimeout time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	old := s.current
	s.current = nil
	s.mu.Unlock()

	if old != nil {
		return old.Stop(stopTimeout)
	}
	return nil
}
