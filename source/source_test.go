package source

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihow/openwebrxplus/errors"
	"github.com/mihow/openwebrxplus/pkg/retry"
	"github.com/mihow/openwebrxplus/property"
)

func testProfiles(t *testing.T) *property.Carousel {
	t.Helper()
	c, err := property.NewCarousel("test",
		[]string{"40m", "20m"},
		[]*property.Layer{
			property.NewLayerFromMap("40m", map[string]any{
				KeyCenterFrequency: int64(7100000),
				KeySampleRate:      2400000,
				KeyStartFrequency:  int64(7074000),
				KeyStartMode:       "lsb",
			}),
			property.NewLayerFromMap("20m", map[string]any{
				KeyCenterFrequency: int64(14150000),
				KeySampleRate:      2400000,
				KeyStartFrequency:  int64(14074000),
				KeyStartMode:       "usb",
			}),
		})
	require.NoError(t, err)
	return c
}

func newTestSource(t *testing.T, drv Driver) *HardwareSource {
	t.Helper()
	src, err := New(Config{
		Name:     "test-sdr",
		Limits:   Limits{MinFrequency: 100000, MaxFrequency: 30000000, MaxSampleRate: 2400000},
		Driver:   drv,
		Profiles: testProfiles(t),
		Logger:   slog.Default(),
		Retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
			Multiplier:   2,
		},
	})
	require.NoError(t, err)
	return src
}

func TestFirstAttachStartsLastDetachStops(t *testing.T) {
	drv := NewSimDriver(time.Millisecond)
	src := newTestSource(t, drv)

	require.Equal(t, StateStopped, src.State())

	a1, err := src.Attach("s1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, src.State())
	assert.Equal(t, 1, drv.OpenCount())
	assert.Equal(t, int64(7100000), drv.Frequency())
	assert.Equal(t, 2400000, drv.SampleRate())

	// A second attachment must not touch the hardware again.
	a2, err := src.Attach("s2")
	require.NoError(t, err)
	assert.Equal(t, 1, drv.OpenCount())
	assert.Equal(t, 2, src.AttachmentCount())

	a2.Close()
	assert.Equal(t, StateRunning, src.State())

	a1.Close()
	assert.Equal(t, StateStopped, src.State())
	assert.False(t, drv.IsOpen())

	// Redundant detach is a no-op.
	a1.Close()
	src.Detach("s1")
	assert.Equal(t, StateStopped, src.State())
}

func TestAttachDeliversFrames(t *testing.T) {
	drv := NewSimDriver(time.Millisecond)
	src := newTestSource(t, drv)

	att, err := src.Attach("s1")
	require.NoError(t, err)
	defer att.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		frame, err := att.Next(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, frame)
	}
}

func TestNextAfterDetach(t *testing.T) {
	drv := NewSimDriver(time.Millisecond)
	src := newTestSource(t, drv)

	att, err := src.Attach("s1")
	require.NoError(t, err)
	att.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		_, err = att.Next(ctx)
		if err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, errors.ErrAlreadyClosed)
}

func TestDuplicateAttachRejected(t *testing.T) {
	drv := NewSimDriver(time.Millisecond)
	src := newTestSource(t, drv)

	att, err := src.Attach("s1")
	require.NoError(t, err)
	defer att.Close()

	_, err = src.Attach("s1")
	assert.ErrorIs(t, err, errors.ErrInvalidValue)
}

func TestFailureNotifiesAndRecovers(t *testing.T) {
	drv := NewSimDriver(time.Millisecond)
	src := newTestSource(t, drv)

	att, err := src.Attach("s1")
	require.NoError(t, err)
	defer att.Close()

	drv.FailRead(io.ErrUnexpectedEOF)

	var failed bool
	deadline := time.After(2 * time.Second)
	for !failed {
		select {
		case ev := <-att.Events():
			if ev.Type == EventFailed {
				failed = true
				assert.Error(t, ev.Err)
			}
		case <-deadline:
			t.Fatal("no failure event")
		}
	}

	// The sim device reopens cleanly, so automatic recovery brings the
	// source back without a manual reset.
	require.Eventually(t, func() bool {
		return src.State() == StateRunning
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, drv.OpenCount(), 2)
}

type brokenDriver struct {
	*SimDriver
	openErr error
}

func (d *brokenDriver) Open(ctx context.Context) error {
	if d.openErr != nil {
		return d.openErr
	}
	return d.SimDriver.Open(ctx)
}

func TestRecoveryExhaustionAndReset(t *testing.T) {
	drv := &brokenDriver{SimDriver: NewSimDriver(time.Millisecond)}
	src := newTestSource(t, drv)

	att, err := src.Attach("s1")
	require.NoError(t, err)
	defer att.Close()

	drv.openErr = io.ErrClosedPipe
	drv.FailRead(io.ErrUnexpectedEOF)

	// Every reopen fails, so after the bounded retries the source parks
	// in failed.
	require.Eventually(t, func() bool {
		return src.State() == StateFailed
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateFailed, src.State())

	// New consumers are refused while failed.
	_, err = src.Attach("s2")
	assert.ErrorIs(t, err, errors.ErrSourceFailed)

	// Manual reset with the device healthy again brings it back.
	drv.openErr = nil
	require.NoError(t, src.Reset())
	assert.Equal(t, StateRunning, src.State())
}

type gateDriver struct {
	*SimDriver
	gate    chan struct{}
	openErr error
}

func (d *gateDriver) Open(ctx context.Context) error {
	<-d.gate
	if d.openErr != nil {
		return d.openErr
	}
	return d.SimDriver.Open(ctx)
}

func TestStartFailureNotifiesLateAttachment(t *testing.T) {
	drv := &gateDriver{
		SimDriver: NewSimDriver(time.Millisecond),
		gate:      make(chan struct{}),
		openErr:   io.ErrClosedPipe,
	}
	src := newTestSource(t, drv)

	startErr := make(chan error, 1)
	go func() {
		_, err := src.Attach("a")
		startErr <- err
	}()

	require.Eventually(t, func() bool {
		return src.State() == StateStarting
	}, time.Second, time.Millisecond)

	// A second consumer arrives while the open is still in flight.
	b, err := src.Attach("b")
	require.NoError(t, err)
	defer b.Close()

	close(drv.gate)
	require.Error(t, <-startErr)

	// The surviving consumer hears about the failure instead of waiting
	// forever on a source stuck in starting.
	select {
	case ev := <-b.Events():
		assert.Equal(t, EventFailed, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no failure event delivered to surviving consumer")
	}

	require.Eventually(t, func() bool {
		return src.State() == StateFailed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, src.AttachmentCount())
}

func TestRetuneFirstWins(t *testing.T) {
	drv := NewSimDriver(time.Millisecond)
	src := newTestSource(t, drv)

	a1, err := src.Attach("s1")
	require.NoError(t, err)
	defer a1.Close()
	a2, err := src.Attach("s2")
	require.NoError(t, err)
	defer a2.Close()

	require.NoError(t, src.Retune("s1", 7200000))
	assert.Equal(t, int64(7200000), drv.Frequency())

	// The override is held; a competing session is refused, not raced.
	err = src.Retune("s2", 14100000)
	assert.ErrorIs(t, err, errors.ErrRetuneConflict)
	assert.Equal(t, int64(7200000), drv.Frequency())

	// The holder may keep adjusting.
	require.NoError(t, src.Retune("s1", 7250000))

	src.ReleaseRetune("s1")
	require.NoError(t, src.Retune("s2", 14100000))
	assert.Equal(t, int64(14100000), drv.Frequency())
}

func TestRetuneOutOfRangeRejected(t *testing.T) {
	drv := NewSimDriver(time.Millisecond)
	src := newTestSource(t, drv)

	att, err := src.Attach("s1")
	require.NoError(t, err)
	defer att.Close()

	before := drv.Frequency()
	err = src.Retune("s1", 50000000)
	assert.ErrorIs(t, err, errors.ErrOutOfRange)
	assert.True(t, errors.IsValidation(err))
	assert.Equal(t, before, drv.Frequency(), "rejected request must not touch hardware")
}

func TestRetuneRequiresAttachment(t *testing.T) {
	drv := NewSimDriver(time.Millisecond)
	src := newTestSource(t, drv)

	err := src.Retune("ghost", 7100000)
	assert.ErrorIs(t, err, errors.ErrInvalidValue)
}

func TestSwitchProfileNotifiesBeforeRetune(t *testing.T) {
	drv := NewSimDriver(time.Millisecond)
	src := newTestSource(t, drv)

	att, err := src.Attach("s1")
	require.NoError(t, err)
	defer att.Close()

	next, err := src.SwitchProfile()
	require.NoError(t, err)
	assert.Equal(t, "20m", next)
	assert.Equal(t, int64(14150000), drv.Frequency())

	var ev Event
	select {
	case ev = <-att.Events():
	case <-time.After(time.Second):
		t.Fatal("no profile event")
	}
	assert.Equal(t, EventProfileChanged, ev.Type)
	assert.Equal(t, "20m", ev.Profile)
}

func TestSelectProfileUnknown(t *testing.T) {
	drv := NewSimDriver(time.Millisecond)
	src := newTestSource(t, drv)

	att, err := src.Attach("s1")
	require.NoError(t, err)
	defer att.Close()

	assert.Error(t, src.SelectProfile("60m"))

	// A rejected selection must not leak a profile-changed event.
	select {
	case ev := <-att.Events():
		t.Fatalf("unexpected event %v for rejected profile", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProfileSwitchDropsOverride(t *testing.T) {
	drv := NewSimDriver(time.Millisecond)
	src := newTestSource(t, drv)

	a1, err := src.Attach("s1")
	require.NoError(t, err)
	defer a1.Close()
	a2, err := src.Attach("s2")
	require.NoError(t, err)
	defer a2.Close()

	require.NoError(t, src.Retune("s1", 7200000))
	_, err = src.SwitchProfile()
	require.NoError(t, err)

	// The profile switch invalidated the old override; anyone may claim
	// the next one.
	require.NoError(t, src.Retune("s2", 14100000))
}

func TestLimitsChecks(t *testing.T) {
	l := Limits{MinFrequency: 1000, MaxFrequency: 2000, MaxSampleRate: 48000}
	assert.NoError(t, l.CheckFrequency(1500))
	assert.ErrorIs(t, l.CheckFrequency(999), errors.ErrOutOfRange)
	assert.ErrorIs(t, l.CheckFrequency(2001), errors.ErrOutOfRange)
	assert.NoError(t, l.CheckSampleRate(48000))
	assert.ErrorIs(t, l.CheckSampleRate(96000), errors.ErrOutOfRange)
	assert.ErrorIs(t, l.CheckSampleRate(0), errors.ErrOutOfRange)

	unbounded := Limits{}
	assert.NoError(t, unbounded.CheckFrequency(123456789))
}
