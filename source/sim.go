package source

import (
	"context"
	"sync"
	"time"

	"github.com/mihow/openwebrxplus/errors"
)

// SimDriver is a synthetic device for tests and bring-up: it emits zeroed
// sample frames at a fixed cadence, records every control call, and can be
// told to fail on demand.
type SimDriver struct {
	interval time.Duration

	mu         sync.Mutex
	open       bool
	frequency  int64
	sampleRate int
	tunes      []int64
	failNext   error
	failRead   chan error
	opens      int
	closes     int
}

// NewSimDriver creates a simulated device emitting a frame every interval.
func NewSimDriver(interval time.Duration) *SimDriver {
	if interval <= 0 {
		interval = time.Millisecond
	}
	return &SimDriver{
		interval: interval,
		failRead: make(chan error, 1),
	}
}

// Open marks the device open, or fails if FailNextOpen armed an error.
func (d *SimDriver) Open(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNext != nil {
		err := d.failNext
		d.failNext = nil
		return err
	}
	d.open = true
	d.opens++
	return nil
}

// Close marks the device closed.
func (d *SimDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		d.closes++
	}
	d.open = false
	return nil
}

// Tune records the frequency.
func (d *SimDriver) Tune(frequency int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frequency = frequency
	d.tunes = append(d.tunes, frequency)
	return nil
}

// SetSampleRate records the rate.
func (d *SimDriver) SetSampleRate(rate int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sampleRate = rate
	return nil
}

// Read emits one zeroed frame per interval, or the armed failure.
func (d *SimDriver) Read(buf []byte) (int, error) {
	d.mu.Lock()
	open := d.open
	d.mu.Unlock()
	if !open {
		return 0, errors.Wrap(errors.ErrNotStarted, "SimDriver", "Read", "device closed")
	}

	select {
	case err := <-d.failRead:
		return 0, err
	case <-time.After(d.interval):
	}

	n := len(buf)
	if n > 1024 {
		n = 1024
	}
	for i := 0; i < n; i++ {
		buf[i] = 0
	}
	return n, nil
}

// FailRead makes the next Read return err.
func (d *SimDriver) FailRead(err error) {
	select {
	case d.failRead <- err:
	default:
	}
}

// FailNextOpen makes the next Open return err. Used to exercise recovery.
func (d *SimDriver) FailNextOpen(err error) {
	d.mu.Lock()
	d.failNext = err
	d.mu.Unlock()
}

// Frequency returns the last tuned frequency.
func (d *SimDriver) Frequency() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frequency
}

// SampleRate returns the last configured sample rate.
func (d *SimDriver) SampleRate() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sampleRate
}

// Tunes returns every frequency the device was tuned to, in order.
func (d *SimDriver) Tunes() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]int64, len(d.tunes))
	copy(out, d.tunes)
	return out
}

// OpenCount returns how many times the device was opened.
func (d *SimDriver) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// IsOpen reports whether the device is currently open.
func (d *SimDriver) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}
