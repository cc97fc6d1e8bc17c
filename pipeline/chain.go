package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mihow/openwebrxplus/errors"
)

// Kind distinguishes a session's own audio/spectrum chain from a shared
// background decoding chain.
type Kind int

const (
	// Primary feeds the requesting session's audio or spectrum output.
	Primary Kind = iota
	// Secondary runs background decoding and may have no audio consumer.
	Secondary
)

// String returns a string representation of the chain kind.
func (k Kind) String() string {
	switch k {
	case Primary:
		return "primary"
	case Secondary:
		return "secondary"
	default:
		return "unknown"
	}
}

// Chain is an ordered sequence of stages owned by exactly one session (or by
// the shared-secondary manager). A chain is never patched in place: any shape
// change builds a full replacement which is swapped in once ready.
type Chain struct {
	mode   string
	kind   Kind
	stages []Stage

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	pumps   sync.WaitGroup
}

// NewChain validates that adjacent stage formats agree and returns the
// assembled chain. It does not start anything.
func NewChain(mode string, kind Kind, stages ...Stage) (*Chain, error) {
	if len(stages) == 0 {
		return nil, errors.WrapPipeline(
			fmt.Errorf("%w: chain for mode %q has no stages", errors.ErrFormatMismatch, mode),
			"Chain", "NewChain", "assemble")
	}
	for i := 1; i < len(stages); i++ {
		out := stages[i-1].OutputFormat()
		in := stages[i].InputFormat()
		if out != in {
			return nil, errors.WrapPipeline(
				fmt.Errorf("%w: %s emits %q but %s expects %q",
					errors.ErrFormatMismatch,
					stages[i-1].Name(), out, stages[i].Name(), in),
				"Chain", "NewChain", "format check")
		}
	}
	return &Chain{mode: mode, kind: kind, stages: stages}, nil
}

// Mode returns the mode identifier this chain was built for.
func (c *Chain) Mode() string {
	return c.mode
}

// Kind returns whether the chain is primary or secondary.
func (c *Chain) Kind() Kind {
	return c.kind
}

// InputFormat returns the first stage's input format.
func (c *Chain) InputFormat() Format {
	return c.stages[0].InputFormat()
}

// OutputFormat returns the last stage's output format.
func (c *Chain) OutputFormat() Format {
	return c.stages[len(c.stages)-1].OutputFormat()
}

// Start launches every stage in order and wires each stage's output into the
// next stage's input with a pump goroutine.
func (c *Chain) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.Wrap(errors.ErrAlreadyStarted, "Chain", "Start", "launch")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	for i, stage := range c.stages {
		if err := stage.Start(runCtx); err != nil {
			// Unwind whatever already started.
			for j := i - 1; j >= 0; j-- {
				_ = c.stages[j].Stop(time.Second)
			}
			cancel()
			return errors.WrapPipeline(err, "Chain", "Start",
				fmt.Sprintf("start stage %s", stage.Name()))
		}
	}

	for i := 0; i < len(c.stages)-1; i++ {
		upstream, downstream := c.stages[i], c.stages[i+1]
		c.pumps.Add(1)
		go func() {
			defer c.pumps.Done()
			for frame := range upstream.Frames() {
				if err := downstream.Write(frame); err != nil {
					return
				}
			}
		}()
	}

	c.started = true
	return nil
}

// Ready reports whether every stage is ready. A chain is only swapped into a
// session once this is true.
func (c *Chain) Ready() bool {
	c.mu.Lock()
	started := c.started && !c.stopped
	c.mu.Unlock()
	if !started {
		return false
	}
	for _, stage := range c.stages {
		if !stage.Ready() {
			return false
		}
	}
	return true
}

// WaitReady blocks until the chain is ready or the context expires.
func (c *Chain) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.Ready() {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.WrapPipeline(
				fmt.Errorf("%w: mode %q: %v", errors.ErrStageNotReady, c.mode, ctx.Err()),
				"Chain", "WaitReady", "readiness wait")
		case <-ticker.C:
		}
	}
}

// Write feeds one input frame to the first stage.
func (c *Chain) Write(frame []byte) error {
	c.mu.Lock()
	ok := c.started && !c.stopped
	c.mu.Unlock()
	if !ok {
		return errors.Wrap(errors.ErrNotStarted, "Chain", "Write", "feed")
	}
	return c.stages[0].Write(frame)
}

// Frames returns the last stage's output stream.
func (c *Chain) Frames() <-chan []byte {
	return c.stages[len(c.stages)-1].Frames()
}

// Stop tears the chain down: stages stop front to back so each close drains
// into the next, pumps exit as upstream channels close. Stop is idempotent.
func (c *Chain) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel := c.cancel
	c.mu.Unlock()

	var firstErr error
	for _, stage := range c.stages {
		if err := stage.Stop(timeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		c.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("pump goroutines did not exit within %v", timeout),
			"Chain", "Stop", "drain")
	}
	return firstErr
}
