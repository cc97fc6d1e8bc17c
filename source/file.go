package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mihow/openwebrxplus/errors"
)

// FileDriver replays a recorded IQ capture as if it were live hardware.
// Reads are paced to the configured sample rate so downstream consumers see
// realistic timing. Useful for development without a device and for demo
// deployments.
type FileDriver struct {
	path          string
	bytesPerFrame int
	loop          bool

	mu         sync.Mutex
	file       *os.File
	sampleRate int
	frequency  int64
	lastRead   time.Time
}

// FileOption configures a FileDriver.
type FileOption func(*FileDriver)

// WithLoop restarts playback from the beginning at end of file instead of
// reporting a failure.
func WithLoop() FileOption {
	return func(d *FileDriver) { d.loop = true }
}

// WithBytesPerSample sets the sample width used for pacing. Default is 8,
// one complex float32 pair.
func WithBytesPerSample(n int) FileOption {
	return func(d *FileDriver) {
		if n > 0 {
			d.bytesPerFrame = n
		}
	}
}

// NewFileDriver creates a driver that replays the file at path.
func NewFileDriver(path string, sampleRate int, opts ...FileOption) *FileDriver {
	d := &FileDriver{
		path:          path,
		bytesPerFrame: 8,
		sampleRate:    sampleRate,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open opens the capture file.
func (d *FileDriver) Open(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file != nil {
		return nil
	}
	f, err := os.Open(d.path)
	if err != nil {
		return errors.WrapHardware(err, "FileDriver", "Open", "open capture")
	}
	d.file = f
	d.lastRead = time.Now()
	return nil
}

// Close closes the capture file. Safe to call repeatedly.
func (d *FileDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}

// Tune records the requested frequency. A capture has no tunable front end,
// so this only affects reported state.
func (d *FileDriver) Tune(frequency int64) error {
	d.mu.Lock()
	d.frequency = frequency
	d.mu.Unlock()
	return nil
}

// SetSampleRate adjusts playback pacing.
func (d *FileDriver) SetSampleRate(rate int) error {
	if rate <= 0 {
		return errors.WrapValidation(
			fmt.Errorf("%w: sample rate %d", errors.ErrOutOfRange, rate),
			"FileDriver", "SetSampleRate", "validate rate")
	}
	d.mu.Lock()
	d.sampleRate = rate
	d.mu.Unlock()
	return nil
}

// Read fills buf from the capture, sleeping as needed so the byte rate
// matches the sample rate.
func (d *FileDriver) Read(buf []byte) (int, error) {
	d.mu.Lock()
	f := d.file
	rate := d.sampleRate
	width := d.bytesPerFrame
	d.mu.Unlock()
	if f == nil {
		return 0, errors.Wrap(errors.ErrNotStarted, "FileDriver", "Read", d.path)
	}

	n, err := f.Read(buf)
	if err == io.EOF {
		if !d.loop {
			return n, errors.WrapHardware(io.EOF, "FileDriver", "Read", "capture exhausted")
		}
		if _, serr := f.Seek(0, io.SeekStart); serr != nil {
			return n, errors.WrapHardware(serr, "FileDriver", "Read", "rewind capture")
		}
		if n == 0 {
			n, err = f.Read(buf)
			if err != nil {
				return n, errors.WrapHardware(err, "FileDriver", "Read", "read capture")
			}
		}
	} else if err != nil {
		return n, errors.WrapHardware(err, "FileDriver", "Read", "read capture")
	}

	d.pace(n, rate, width)
	return n, nil
}

// pace sleeps so the cumulative byte rate tracks the sample rate.
func (d *FileDriver) pace(n, rate, width int) {
	if rate <= 0 || width <= 0 || n <= 0 {
		return
	}
	elapsed := time.Duration(n) * time.Second / time.Duration(rate*width)

	d.mu.Lock()
	due := d.lastRead.Add(elapsed)
	d.lastRead = due
	d.mu.Unlock()

	if wait := time.Until(due); wait > 0 {
		time.Sleep(wait)
	}
}
