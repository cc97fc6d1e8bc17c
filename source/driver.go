// Package source owns the hardware side of the receiver: one state machine
// per physical device, a single-reader sample loop fanned out to every
// attached consumer, and a serialized control path so no two goroutines ever
// touch the hardware at the same time.
package source

import (
	"context"
	"fmt"

	"github.com/mihow/openwebrxplus/errors"
)

// Driver is the contract a hardware backend implements. Drivers are dumb on
// purpose: they open the device, tune it, and hand back sample bytes. All
// policy (recovery, fan-out, admission) lives in HardwareSource.
//
// Read blocks until samples are available. Any error from Read or a control
// call is treated as a device failure by the owning source.
type Driver interface {
	// Open prepares the device for streaming.
	Open(ctx context.Context) error

	// Close releases the device. Called on teardown and before a recovery
	// reopen; must be safe after a failed Open.
	Close() error

	// Tune sets the center frequency in Hz.
	Tune(frequency int64) error

	// SetSampleRate sets the sample rate in samples per second.
	SetSampleRate(rate int) error

	// Read fills buf with IQ bytes and returns the count.
	Read(buf []byte) (int, error)
}

// Limits describes the fixed envelope of a device. Control requests outside
// the envelope are rejected before they reach the driver.
type Limits struct {
	MinFrequency  int64 `json:"min_frequency" yaml:"min_frequency"`
	MaxFrequency  int64 `json:"max_frequency" yaml:"max_frequency"`
	MaxSampleRate int   `json:"max_sample_rate" yaml:"max_sample_rate"`
}

// CheckFrequency validates a tune request against the envelope.
func (l Limits) CheckFrequency(frequency int64) error {
	if l.MinFrequency == 0 && l.MaxFrequency == 0 {
		return nil
	}
	if frequency < l.MinFrequency || frequency > l.MaxFrequency {
		return errors.WrapValidation(
			fmt.Errorf("%w: frequency %d outside [%d, %d]",
				errors.ErrOutOfRange, frequency, l.MinFrequency, l.MaxFrequency),
			"Limits", "CheckFrequency", "validate frequency")
	}
	return nil
}

// CheckSampleRate validates a sample rate request against the envelope.
func (l Limits) CheckSampleRate(rate int) error {
	if rate <= 0 {
		return errors.WrapValidation(
			fmt.Errorf("%w: sample rate %d must be positive", errors.ErrOutOfRange, rate),
			"Limits", "CheckSampleRate", "validate sample rate")
	}
	if l.MaxSampleRate > 0 && rate > l.MaxSampleRate {
		return errors.WrapValidation(
			fmt.Errorf("%w: sample rate %d exceeds %d",
				errors.ErrOutOfRange, rate, l.MaxSampleRate),
			"Limits", "CheckSampleRate", "validate sample rate")
	}
	return nil
}
