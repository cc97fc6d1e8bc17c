package stages

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/mihow/openwebrxplus/errors"
	"github.com/mihow/openwebrxplus/pipeline"
)

// ExecStage runs an external DSP or decoder process (csdr, nmux, a WSJT-X
// style decoder) as a pipeline stage: frames written to the stage go to the
// process stdin, process stdout comes back as frames. In line mode stdout is
// split on newlines, which is what text decoders emit; otherwise stdout is
// chunked as it arrives.
type ExecStage struct {
	name string
	in   pipeline.Format
	out  pipeline.Format
	argv []string

	frames chan []byte

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	started bool
	stopped bool
	readers sync.WaitGroup
}

// NewExecStage creates a stage wrapping the given command line.
func NewExecStage(name string, in, out pipeline.Format, argv ...string) *ExecStage {
	return &ExecStage{
		name:   name,
		in:     in,
		out:    out,
		argv:   argv,
		frames: make(chan []byte, 16),
	}
}

// Name returns the stage name.
func (s *ExecStage) Name() string { return s.name }

// InputFormat returns the declared input format.
func (s *ExecStage) InputFormat() pipeline.Format { return s.in }

// OutputFormat returns the declared output format.
func (s *ExecStage) OutputFormat() pipeline.Format { return s.out }

// Start spawns the process and begins pumping its stdout into Frames.
func (s *ExecStage) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.Wrap(errors.ErrAlreadyStarted, "ExecStage", "Start", s.name)
	}
	if len(s.argv) == 0 {
		return errors.WrapPipeline(
			fmt.Errorf("%w: stage %q has no command", errors.ErrMissingFeature, s.name),
			"ExecStage", "Start", "spawn")
	}

	cmd := exec.CommandContext(ctx, s.argv[0], s.argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.WrapPipeline(err, "ExecStage", "Start", "open stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.WrapPipeline(err, "ExecStage", "Start", "open stdout")
	}
	if err := cmd.Start(); err != nil {
		return errors.WrapPipeline(err, "ExecStage", "Start",
			fmt.Sprintf("spawn %q", s.argv[0]))
	}

	s.cmd = cmd
	s.stdin = stdin
	s.started = true

	s.readers.Add(1)
	go s.pumpStdout(stdout)
	return nil
}

func (s *ExecStage) pumpStdout(stdout io.Reader) {
	defer s.readers.Done()

	emit := func(frame []byte) bool {
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return false
		}
		select {
		case s.frames <- frame:
		default:
			// Consumer stalled; freshness beats completeness.
		}
		return true
	}

	if s.out == pipeline.FormatLines {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			if !emit(line) {
				return
			}
		}
		return
	}

	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			frame := make([]byte, n)
			copy(frame, buf[:n])
			if !emit(frame) {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Ready reports whether the process is accepting input.
func (s *ExecStage) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

// Write feeds one frame to the process stdin.
func (s *ExecStage) Write(frame []byte) error {
	s.mu.Lock()
	stdin := s.stdin
	ok := s.started && !s.stopped
	s.mu.Unlock()
	if !ok {
		return errors.Wrap(errors.ErrNotStarted, "ExecStage", "Write", s.name)
	}
	if _, err := stdin.Write(frame); err != nil {
		return errors.WrapTransient(err, "ExecStage", "Write", s.name)
	}
	return nil
}

// Frames returns the process output stream.
func (s *ExecStage) Frames() <-chan []byte {
	return s.frames
}

// Stop closes stdin so the process sees EOF, waits up to timeout for it to
// exit, then kills it. Idempotent.
func (s *ExecStage) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cmd := s.cmd
	stdin := s.stdin
	s.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}

	var waitErr error
	if cmd != nil {
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()
		select {
		case waitErr = <-done:
		case <-time.After(timeout):
			_ = cmd.Process.Kill()
			waitErr = <-done
		}
	}

	s.readers.Wait()
	close(s.frames)

	if waitErr != nil {
		return errors.WrapTransient(waitErr, "ExecStage", "Stop", s.name)
	}
	return nil
}
