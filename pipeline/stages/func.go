// Package stages provides the plumbing stage implementations the receiver
// ships with: an in-process transform stage, an external-process stage for
// csdr-style DSP tools, and a compressor for spectrum frames. None of them
// implement demodulation math; stages that do are external collaborators.
package stages

import (
	"context"
	"sync"
	"time"

	"github.com/mihow/openwebrxplus/errors"
	"github.com/mihow/openwebrxplus/pipeline"
)

// ByteFunc transforms one frame. Returning a nil frame with nil error drops
// the frame silently.
type ByteFunc func(frame []byte) ([]byte, error)

// FuncStage applies an in-process transform to every frame. With a nil
// transform it is a passthrough, useful as a format adapter and in tests.
type FuncStage struct {
	name   string
	in     pipeline.Format
	out    pipeline.Format
	fn     ByteFunc
	frames chan []byte

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewFuncStage creates a transform stage.
func NewFuncStage(name string, in, out pipeline.Format, fn ByteFunc) *FuncStage {
	return &FuncStage{
		name:   name,
		in:     in,
		out:    out,
		fn:     fn,
		frames: make(chan []byte, 16),
	}
}

// NewPassthrough creates a stage that forwards frames unchanged.
func NewPassthrough(name string, format pipeline.Format) *FuncStage {
	return NewFuncStage(name, format, format, nil)
}

// Name returns the stage name.
func (s *FuncStage) Name() string { return s.name }

// InputFormat returns the declared input format.
func (s *FuncStage) InputFormat() pipeline.Format { return s.in }

// OutputFormat returns the declared output format.
func (s *FuncStage) OutputFormat() pipeline.Format { return s.out }

// Start marks the stage ready. FuncStage has no background work.
func (s *FuncStage) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.Wrap(errors.ErrAlreadyStarted, "FuncStage", "Start", s.name)
	}
	s.started = true
	return nil
}

// Ready reports whether the stage accepts input.
func (s *FuncStage) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

// Write transforms and forwards one frame. When the output buffer is full the
// oldest pending frame is discarded so a stalled consumer costs freshness,
// not liveness.
func (s *FuncStage) Write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped {
		return errors.Wrap(errors.ErrNotStarted, "FuncStage", "Write", s.name)
	}

	out := frame
	if s.fn != nil {
		var err error
		out, err = s.fn(frame)
		if err != nil {
			return errors.Wrap(err, "FuncStage", "Write", s.name)
		}
		if out == nil {
			return nil
		}
	}

	for {
		select {
		case s.frames <- out:
			return nil
		default:
			select {
			case <-s.frames:
			default:
			}
		}
	}
}

// Frames returns the output stream.
func (s *FuncStage) Frames() <-chan []byte {
	return s.frames
}

// Stop closes the output stream. Idempotent.
func (s *FuncStage) Stop(_ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.frames)
	return nil
}
