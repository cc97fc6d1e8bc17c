// Package pipeline builds and manages the per-session processing chains that
// turn a shared IQ stream into audio, spectrum, or decoded data. The actual
// signal processing lives behind the Stage contract; this package only
// composes stages, checks their formats line up, and owns the
// build-then-swap discipline for reconfiguration.
package pipeline

import (
	"context"
	"time"
)

// Format identifies the byte format flowing between stages.
type Format string

// Wire formats the in-tree plumbing stages understand. External stages may
// declare their own as long as neighbours agree.
const (
	FormatIQCF32   Format = "cf32"  // complex float32 IQ
	FormatIQCS16   Format = "cs16"  // complex int16 IQ
	FormatIQU8     Format = "cu8"   // complex uint8 IQ
	FormatAudioS16 Format = "s16"   // signed 16-bit PCM audio
	FormatAudioF32 Format = "f32"   // float32 audio
	FormatSpectrum Format = "fft"   // power spectrum bins
	FormatBytes    Format = "bytes" // opaque byte frames (compressed output)
	FormatLines    Format = "lines" // newline-delimited decoder text
)

// Stage is one opaque processing step. The receiver feeds frames in with
// Write and consumes results from Frames. A stage reports Ready once it can
// accept input; chains are not swapped in until every stage is ready.
type Stage interface {
	Name() string
	InputFormat() Format
	OutputFormat() Format

	// Start launches the stage. The context bounds the stage's lifetime.
	Start(ctx context.Context) error

	// Stop shuts the stage down, waiting up to timeout. The Frames channel
	// is closed once the stage has drained.
	Stop(timeout time.Duration) error

	// Ready reports whether the stage can accept input.
	Ready() bool

	// Write feeds one input frame. Writes to a stopped stage return an error.
	Write(frame []byte) error

	// Frames returns the stage's output stream.
	Frames() <-chan []byte
}
