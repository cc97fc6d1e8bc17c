package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mihow/openwebrxplus/errors"
	"github.com/mihow/openwebrxplus/metric"
	"github.com/mihow/openwebrxplus/pkg/buffer"
	"github.com/mihow/openwebrxplus/pkg/retry"
	"github.com/mihow/openwebrxplus/property"
)

// State is the lifecycle state of a hardware source.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateFailed
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EventType classifies source events delivered to attachments.
type EventType int

const (
	// EventStateChange reports a lifecycle transition.
	EventStateChange EventType = iota
	// EventFailed reports a hardware failure. Err carries the cause.
	EventFailed
	// EventRecovered reports a successful automatic or manual recovery.
	EventRecovered
	// EventProfileChanged reports that the active profile switched. Sent
	// before the hardware retunes, so sessions can brace for the signal
	// change.
	EventProfileChanged
	// EventRetuned reports an explicit hardware retune.
	EventRetuned
)

// Event is a source notification fanned out to every attachment.
type Event struct {
	Type    EventType
	State   State
	Profile string
	// Frequency carries the new center frequency on EventRetuned.
	Frequency int64
	Err       error
}

// Profile key names shared with the wire protocol and config.
const (
	KeyCenterFrequency = "center_freq"
	KeySampleRate      = "samp_rate"
	KeyStartFrequency  = "start_freq"
	KeyStartMode       = "start_mod"
)

const (
	frameSize       = 16384
	attachmentDepth = 64
	eventDepth      = 16
)

// HardwareSource multiplexes one physical device across many consumers. The
// sample stream is read by exactly one goroutine and fanned out to bounded
// per-attachment buffers with a drop-oldest policy, so a slow consumer loses
// freshness but never stalls the device or its siblings. All hardware control
// is funneled through a single serialized path.
type HardwareSource struct {
	name     string
	limits   Limits
	driver   Driver
	profiles *property.Carousel
	core     *metric.CoreMetrics
	logger   *slog.Logger

	// hw serializes every driver call. Nothing outside this struct talks
	// to the driver.
	hw sync.Mutex

	mu            sync.Mutex
	state         State
	attachments   map[string]*Attachment
	overrideOwner string
	backoff       *retry.Backoff
	recoverTimer  *time.Timer
	generation    int

	loops  sync.WaitGroup
	cancel context.CancelFunc
}

// Config assembles a HardwareSource.
type Config struct {
	Name     string
	Limits   Limits
	Driver   Driver
	Profiles *property.Carousel
	Core     *metric.CoreMetrics
	Logger   *slog.Logger
	Retry    retry.Config
}

// New creates a source in the stopped state. Hardware is not touched until
// the first attachment arrives.
func New(cfg Config) (*HardwareSource, error) {
	if cfg.Name == "" {
		return nil, errors.WrapValidation(
			fmt.Errorf("%w: source name is required", errors.ErrInvalidValue),
			"HardwareSource", "New", "validate config")
	}
	if cfg.Driver == nil {
		return nil, errors.WrapValidation(
			fmt.Errorf("%w: source %q has no driver", errors.ErrInvalidValue, cfg.Name),
			"HardwareSource", "New", "validate config")
	}
	if cfg.Profiles == nil {
		return nil, errors.WrapValidation(
			fmt.Errorf("%w: source %q has no profiles", errors.ErrInvalidValue, cfg.Name),
			"HardwareSource", "New", "validate config")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.HardwareRecovery()
	}
	return &HardwareSource{
		name:        cfg.Name,
		limits:      cfg.Limits,
		driver:      cfg.Driver,
		profiles:    cfg.Profiles,
		core:        cfg.Core,
		logger:      cfg.Logger.With("source", cfg.Name),
		state:       StateStopped,
		attachments: make(map[string]*Attachment),
		backoff:     retry.NewBackoff(cfg.Retry),
	}, nil
}

// Name returns the source identifier.
func (s *HardwareSource) Name() string { return s.name }

// Limits returns the device envelope.
func (s *HardwareSource) Limits() Limits { return s.limits }

// Profiles returns the profile carousel.
func (s *HardwareSource) Profiles() *property.Carousel { return s.profiles }

// State returns the current lifecycle state.
func (s *HardwareSource) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AttachmentCount returns the number of live attachments.
func (s *HardwareSource) AttachmentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attachments)
}

// Attachment is one consumer's view of the sample stream: a bounded frame
// buffer plus an event channel for source notifications.
type Attachment struct {
	id     string
	source *HardwareSource
	frames buffer.Buffer[[]byte]
	signal chan struct{}
	events chan Event
	done   chan struct{}

	closeOnce sync.Once
}

// ID returns the attachment identifier.
func (a *Attachment) ID() string { return a.id }

// Events returns the notification stream. Events are dropped, never blocked
// on, when the consumer falls behind.
func (a *Attachment) Events() <-chan Event { return a.events }

// Done is closed when the attachment is detached.
func (a *Attachment) Done() <-chan struct{} { return a.done }

// Next returns the next sample frame, waiting until one arrives, the context
// ends, or the attachment is detached. Frames lost to backpressure are simply
// absent.
func (a *Attachment) Next(ctx context.Context) ([]byte, error) {
	for {
		if frame, ok := a.frames.Read(); ok {
			return frame, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-a.done:
			return nil, errors.Wrap(errors.ErrAlreadyClosed, "Attachment", "Next", a.id)
		case <-a.signal:
		}
	}
}

// Close detaches from the source. Idempotent.
func (a *Attachment) Close() {
	a.source.Detach(a.id)
}

// Attach registers a consumer. The first attachment starts the hardware,
// driving the source through starting to running before returning. Attaching
// while the source is tearing down or failed is refused.
func (s *HardwareSource) Attach(id string) (*Attachment, error) {
	s.mu.Lock()
	switch s.state {
	case StateStopping:
		s.mu.Unlock()
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: source %q", errors.ErrSourceStopping, s.name),
			"HardwareSource", "Attach", "admit consumer")
	case StateFailed:
		s.mu.Unlock()
		return nil, errors.WrapHardware(
			fmt.Errorf("%w: source %q", errors.ErrSourceFailed, s.name),
			"HardwareSource", "Attach", "admit consumer")
	}
	if _, exists := s.attachments[id]; exists {
		s.mu.Unlock()
		return nil, errors.WrapValidation(
			fmt.Errorf("%w: attachment %q already registered", errors.ErrInvalidValue, id),
			"HardwareSource", "Attach", "admit consumer")
	}

	frames, err := buffer.NewRing[[]byte](attachmentDepth,
		buffer.WithOverflowPolicy[[]byte](buffer.DropOldest))
	if err != nil {
		s.mu.Unlock()
		return nil, errors.WrapHardware(err, "HardwareSource", "Attach", "allocate buffer")
	}
	att := &Attachment{
		id:     id,
		source: s,
		frames: frames,
		signal: make(chan struct{}, 1),
		events: make(chan Event, eventDepth),
		done:   make(chan struct{}),
	}
	s.attachments[id] = att
	needStart := s.state == StateStopped
	if needStart {
		s.setStateLocked(StateStarting)
	}
	s.mu.Unlock()

	if needStart {
		if err := s.start(); err != nil {
			// Consumers that attached while the open was in flight must
			// hear about the failure; routing through fail keeps them on
			// the recovery path instead of stranding them in starting.
			s.fail(err)
			s.Detach(id)
			return nil, err
		}
	}
	return att, nil
}

// Detach removes a consumer. The last detach stops the hardware. Detaching an
// unknown or already-detached id is a no-op.
func (s *HardwareSource) Detach(id string) {
	s.mu.Lock()
	att, ok := s.attachments[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.attachments, id)
	if s.overrideOwner == id {
		s.overrideOwner = ""
	}
	last := len(s.attachments) == 0
	running := s.state == StateRunning || s.state == StateStarting
	if last && running {
		s.setStateLocked(StateStopping)
	}
	s.mu.Unlock()

	att.closeOnce.Do(func() {
		att.frames.Close()
		close(att.done)
	})

	if last && running {
		s.stop()
	}
}

// start opens and tunes the device and launches the sample loop. Called with
// state already set to starting.
func (s *HardwareSource) start() error {
	if err := s.openAndTune(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.generation++
	gen := s.generation
	s.setStateLocked(StateRunning)
	s.mu.Unlock()

	s.loops.Add(1)
	go s.readLoop(ctx, gen)

	s.logger.Info("source running")
	return nil
}

func (s *HardwareSource) openAndTune() error {
	s.hw.Lock()
	defer s.hw.Unlock()

	if err := s.driver.Open(context.Background()); err != nil {
		return errors.WrapHardware(err, "HardwareSource", "start", "open device")
	}
	if rate, ok := s.profiles.Get(KeySampleRate); ok {
		if r, ok := rate.(int); ok {
			if err := s.driver.SetSampleRate(r); err != nil {
				s.driver.Close()
				return errors.WrapHardware(err, "HardwareSource", "start", "set sample rate")
			}
		}
	}
	if freq, ok := s.profiles.Get(KeyCenterFrequency); ok {
		if f, ok := toInt64(freq); ok {
			if err := s.driver.Tune(f); err != nil {
				s.driver.Close()
				return errors.WrapHardware(err, "HardwareSource", "start", "tune to profile")
			}
		}
	}
	return nil
}

func (s *HardwareSource) stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.loops.Wait()

	s.hw.Lock()
	err := s.driver.Close()
	s.hw.Unlock()
	if err != nil {
		s.logger.Warn("device close failed", "error", err)
	}

	s.mu.Lock()
	s.overrideOwner = ""
	if s.state == StateStopping {
		s.setStateLocked(StateStopped)
	}
	s.mu.Unlock()
	s.logger.Info("source stopped")
}

// Shutdown force-detaches every consumer and stops the hardware. Used at
// server teardown and device removal.
func (s *HardwareSource) Shutdown() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.attachments))
	for id := range s.attachments {
		ids = append(ids, id)
	}
	if t := s.recoverTimer; t != nil {
		t.Stop()
		s.recoverTimer = nil
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Detach(id)
	}

	s.mu.Lock()
	if s.state == StateFailed {
		s.setStateLocked(StateStopped)
	}
	s.mu.Unlock()
}

func (s *HardwareSource) readLoop(ctx context.Context, gen int) {
	defer s.loops.Done()
	buf := make([]byte, frameSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := s.driver.Read(buf)
		if n > 0 {
			frame := make([]byte, n)
			copy(frame, buf[:n])
			s.fanOut(frame)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.mu.Lock()
			stale := gen != s.generation
			s.mu.Unlock()
			if stale {
				return
			}
			s.fail(errors.WrapHardware(err, "HardwareSource", "readLoop", "read samples"))
			return
		}
	}
}

func (s *HardwareSource) fanOut(frame []byte) {
	s.mu.Lock()
	atts := make([]*Attachment, 0, len(s.attachments))
	for _, a := range s.attachments {
		atts = append(atts, a)
	}
	s.mu.Unlock()

	for _, a := range atts {
		if err := a.frames.Write(frame); err != nil {
			continue
		}
		select {
		case a.signal <- struct{}{}:
		default:
		}
	}
}

// fail transitions to failed, notifies every attachment, and schedules
// automatic recovery with increasing backoff.
func (s *HardwareSource) fail(cause error) {
	s.mu.Lock()
	if s.state == StateFailed || s.state == StateStopping || s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateFailed)
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if s.core != nil {
		s.core.SourceFailures.WithLabelValues(s.name).Inc()
	}
	s.logger.Error("hardware failure", "error", cause)
	s.notifyAll(Event{Type: EventFailed, State: StateFailed, Err: cause})

	s.hw.Lock()
	s.driver.Close()
	s.hw.Unlock()

	s.scheduleRecovery()
}

func (s *HardwareSource) scheduleRecovery() {
	delay, ok := s.backoff.Next()
	if !ok {
		s.logger.Error("recovery attempts exhausted, waiting for manual reset")
		return
	}
	s.logger.Info("scheduling recovery", "attempt", s.backoff.Attempt(), "delay", delay)

	s.mu.Lock()
	s.recoverTimer = time.AfterFunc(delay, s.tryRecover)
	s.mu.Unlock()
}

func (s *HardwareSource) tryRecover() {
	s.mu.Lock()
	if s.state != StateFailed {
		s.mu.Unlock()
		return
	}
	if len(s.attachments) == 0 {
		// Nobody is waiting for this device anymore.
		s.setStateLocked(StateStopped)
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateStarting)
	s.mu.Unlock()

	if err := s.start(); err != nil {
		s.logger.Warn("recovery attempt failed", "error", err)
		s.mu.Lock()
		s.setStateLocked(StateFailed)
		s.mu.Unlock()
		s.scheduleRecovery()
		return
	}
	s.backoff.Reset()
	s.notifyAll(Event{Type: EventRecovered, State: StateRunning})
}

// Reset is the manual escape hatch out of failed after automatic recovery
// gave up. It restarts the backoff schedule and retries immediately.
func (s *HardwareSource) Reset() error {
	s.mu.Lock()
	if s.state != StateFailed {
		s.mu.Unlock()
		return errors.WrapValidation(
			fmt.Errorf("%w: source %q is %s, not failed",
				errors.ErrInvalidValue, s.name, s.state),
			"HardwareSource", "Reset", "check state")
	}
	if t := s.recoverTimer; t != nil {
		t.Stop()
		s.recoverTimer = nil
	}
	s.mu.Unlock()

	s.backoff.Reset()
	s.tryRecover()

	if s.State() != StateRunning {
		return errors.WrapHardware(
			fmt.Errorf("%w: source %q", errors.ErrSourceFailed, s.name),
			"HardwareSource", "Reset", "restart device")
	}
	return nil
}

// Retune requests an override hardware retune. The first requester wins:
// while one attachment holds the override, conflicting requests from others
// are refused rather than raced.
func (s *HardwareSource) Retune(requester string, frequency int64) error {
	if err := s.limits.CheckFrequency(frequency); err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.attachments[requester]; !ok {
		s.mu.Unlock()
		return errors.WrapValidation(
			fmt.Errorf("%w: %q is not attached", errors.ErrInvalidValue, requester),
			"HardwareSource", "Retune", "check requester")
	}
	if s.overrideOwner != "" && s.overrideOwner != requester {
		s.mu.Unlock()
		return errors.WrapAdmission(
			fmt.Errorf("%w: held by another session", errors.ErrRetuneConflict),
			"HardwareSource", "Retune", "acquire override")
	}
	s.overrideOwner = requester
	running := s.state == StateRunning
	s.mu.Unlock()

	if !running {
		return errors.WrapTransient(
			fmt.Errorf("%w: source %q is not running", errors.ErrSourceStopping, s.name),
			"HardwareSource", "Retune", "check state")
	}

	s.hw.Lock()
	err := s.driver.Tune(frequency)
	s.hw.Unlock()
	if err != nil {
		s.fail(errors.WrapHardware(err, "HardwareSource", "Retune", "tune device"))
		return errors.WrapHardware(err, "HardwareSource", "Retune", "tune device")
	}
	s.notifyAll(Event{Type: EventRetuned, State: StateRunning, Frequency: frequency})
	return nil
}

// ReleaseRetune gives up an override so the next requester can have it.
func (s *HardwareSource) ReleaseRetune(requester string) {
	s.mu.Lock()
	if s.overrideOwner == requester {
		s.overrideOwner = ""
	}
	s.mu.Unlock()
}

// SelectProfile activates the named profile. Attached consumers are notified
// before the hardware retunes, since the retune changes the signal every one
// of them receives.
func (s *HardwareSource) SelectProfile(name string) error {
	if _, err := s.profiles.Select(name); err != nil {
		return err
	}
	s.notifyAll(Event{Type: EventProfileChanged, State: s.State(), Profile: name})
	return s.applyProfile()
}

// SwitchProfile advances the carousel to the next profile.
func (s *HardwareSource) SwitchProfile() (string, error) {
	next := s.profiles.Switch()
	s.notifyAll(Event{Type: EventProfileChanged, State: s.State(), Profile: next})
	return next, s.applyProfile()
}

func (s *HardwareSource) applyProfile() error {
	s.mu.Lock()
	running := s.state == StateRunning
	s.overrideOwner = ""
	s.mu.Unlock()
	if !running {
		return nil
	}

	s.hw.Lock()
	defer s.hw.Unlock()
	if rate, ok := s.profiles.Get(KeySampleRate); ok {
		if r, ok := rate.(int); ok {
			if err := s.driver.SetSampleRate(r); err != nil {
				return errors.WrapHardware(err, "HardwareSource", "applyProfile", "set sample rate")
			}
		}
	}
	if freq, ok := s.profiles.Get(KeyCenterFrequency); ok {
		if f, ok := toInt64(freq); ok {
			if err := s.driver.Tune(f); err != nil {
				return errors.WrapHardware(err, "HardwareSource", "applyProfile", "tune device")
			}
		}
	}
	return nil
}

func (s *HardwareSource) notifyAll(ev Event) {
	s.mu.Lock()
	atts := make([]*Attachment, 0, len(s.attachments))
	for _, a := range s.attachments {
		atts = append(atts, a)
	}
	s.mu.Unlock()
	for _, a := range atts {
		select {
		case a.events <- ev:
		default:
		}
	}
}

func (s *HardwareSource) setStateLocked(next State) {
	s.state = next
	if s.core != nil {
		s.core.SourceState.WithLabelValues(s.name).Set(float64(next))
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
