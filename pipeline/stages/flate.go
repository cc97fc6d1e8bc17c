package stages

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/mihow/openwebrxplus/errors"
	"github.com/mihow/openwebrxplus/pipeline"
)

// FlateStage deflate-compresses each frame independently, so every output
// frame is a complete deflate stream a client can inflate on its own. Used
// for spectrum frames, which compress well and dominate downstream bandwidth.
type FlateStage struct {
	name   string
	in     pipeline.Format
	level  int
	frames chan []byte

	mu      sync.Mutex
	writer  *flate.Writer
	buf     bytes.Buffer
	started bool
	stopped bool
}

// NewFlateStage creates a compressor stage. Level follows flate semantics;
// out-of-range levels fall back to BestSpeed, which suits real-time frames.
func NewFlateStage(name string, in pipeline.Format, level int) *FlateStage {
	if level < flate.HuffmanOnly || level > flate.BestCompression {
		level = flate.BestSpeed
	}
	return &FlateStage{
		name:   name,
		in:     in,
		level:  level,
		frames: make(chan []byte, 16),
	}
}

// Name returns the stage name.
func (s *FlateStage) Name() string { return s.name }

// InputFormat returns the declared input format.
func (s *FlateStage) InputFormat() pipeline.Format { return s.in }

// OutputFormat returns FormatBytes: compressed opaque frames.
func (s *FlateStage) OutputFormat() pipeline.Format { return pipeline.FormatBytes }

// Start initializes the compressor.
func (s *FlateStage) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.Wrap(errors.ErrAlreadyStarted, "FlateStage", "Start", s.name)
	}
	w, err := flate.NewWriter(&s.buf, s.level)
	if err != nil {
		return errors.WrapPipeline(err, "FlateStage", "Start", "create deflate writer")
	}
	s.writer = w
	s.started = true
	return nil
}

// Ready reports whether the compressor accepts input.
func (s *FlateStage) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

// Write compresses one frame and emits the complete deflate stream.
func (s *FlateStage) Write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped {
		return errors.Wrap(errors.ErrNotStarted, "FlateStage", "Write", s.name)
	}

	s.buf.Reset()
	s.writer.Reset(&s.buf)
	if _, err := s.writer.Write(frame); err != nil {
		return errors.WrapTransient(err, "FlateStage", "Write", "compress")
	}
	if err := s.writer.Close(); err != nil {
		return errors.WrapTransient(err, "FlateStage", "Write", "finish frame")
	}

	out := make([]byte, s.buf.Len())
	copy(out, s.buf.Bytes())

	select {
	case s.frames <- out:
	default:
		select {
		case <-s.frames:
		default:
		}
		s.frames <- out
	}
	return nil
}

// Frames returns the compressed output stream.
func (s *FlateStage) Frames() <-chan []byte {
	return s.frames
}

// Stop closes the output stream. Idempotent.
func (s *FlateStage) Stop(_ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.frames)
	return nil
}
