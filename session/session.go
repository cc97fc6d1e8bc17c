package session

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mihow/openwebrxplus/errors"
	"github.com/mihow/openwebrxplus/metric"
	"github.com/mihow/openwebrxplus/pipeline"
	"github.com/mihow/openwebrxplus/property"
	"github.com/mihow/openwebrxplus/source"
)

// State is the session lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateNegotiating
	StateActive
	StateClosing
	StateClosed
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Override-layer keys writable through the wire protocol.
const (
	KeyFrequency  = "frequency"
	KeyMode       = "mod"
	KeySquelch    = "squelch_level"
	KeyOutputRate = "output_rate"
)

// Layer priorities in a session's stack. Hardware defaults sit at the
// bottom, the active profile above them, live overrides on top.
const (
	layerDefaults = 0
	layerProfile  = 1
	layerOverride = 2
)

const (
	defaultOutputRate = 12000
	readyTimeout      = 5 * time.Second
	stopTimeout       = 3 * time.Second
)

// Config assembles a Session.
type Config struct {
	Source    *source.HardwareSource
	Factory   *pipeline.Factory
	Secondary *SecondaryHub
	Sink      Sink
	Core      *metric.CoreMetrics
	Logger    *slog.Logger
	Defaults  map[string]any
}

// Session is the server half of one client connection.
type Session struct {
	id      string
	src     *source.HardwareSource
	factory *pipeline.Factory
	hub     *SecondaryHub
	sink    Sink
	core    *metric.CoreMetrics
	logger  *slog.Logger

	stack    *property.Stack
	profile  *property.Layer
	override *property.Layer

	audio    *pipeline.Slot
	spectrum *pipeline.Slot

	mu          sync.Mutex
	state       State
	att         *source.Attachment
	subs        []*property.StackSubscription
	streams     map[StreamClass]bool
	secondaries map[string]func()

	rebuild chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	pumps   sync.WaitGroup

	signal    atomic.Uint64
	closeOnce sync.Once
}

// New creates a session in the connecting state. Nothing is attached or
// built until Activate.
func New(cfg Config) (*Session, error) {
	if cfg.Source == nil || cfg.Factory == nil || cfg.Sink == nil {
		return nil, errors.WrapValidation(errors.ErrInvalidValue,
			"Session", "New", "validate config")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	id := uuid.NewString()

	stack := property.NewStack()
	defaults := property.NewLayerFromMap("defaults", cfg.Defaults)
	if cfg.Defaults == nil {
		defaults = property.NewLayer("defaults")
	}
	profile := property.NewLayer("profile")
	override := property.NewLayer("override")
	if err := stack.AddLayer(layerDefaults, defaults); err != nil {
		return nil, err
	}
	if err := stack.AddLayer(layerProfile, profile); err != nil {
		return nil, err
	}
	if err := stack.AddLayer(layerOverride, override); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:          id,
		src:         cfg.Source,
		factory:     cfg.Factory,
		hub:         cfg.Secondary,
		sink:        cfg.Sink,
		core:        cfg.Core,
		logger:      cfg.Logger.With("session", id),
		stack:       stack,
		profile:     profile,
		override:    override,
		audio:       pipeline.NewSlot(),
		spectrum:    pipeline.NewSlot(),
		state:       StateConnecting,
		streams:     make(map[StreamClass]bool),
		secondaries: make(map[string]func()),
		rebuild:     make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Source returns the hardware source this session is bound to.
func (s *Session) Source() *source.HardwareSource { return s.src }

// Stack returns the session's configuration stack.
func (s *Session) Stack() *property.Stack { return s.stack }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Negotiate moves the session into negotiation.
func (s *Session) Negotiate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return errors.WrapProtocol(
			fmt.Errorf("%w: negotiate from %s", errors.ErrNegotiation, s.state),
			"Session", "Negotiate", "check state")
	}
	s.state = StateNegotiating
	return nil
}

// Activate attaches the session to its source, populates the profile layer,
// wires the configuration keys that shape pipelines, and starts the pump
// goroutines. Called by the registry after admission.
func (s *Session) Activate() error {
	s.mu.Lock()
	if s.state != StateNegotiating {
		s.mu.Unlock()
		return errors.WrapProtocol(
			fmt.Errorf("%w: activate from %s", errors.ErrNegotiation, s.state),
			"Session", "Activate", "check state")
	}
	s.mu.Unlock()

	att, err := s.src.Attach(s.id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.att = att
	s.state = StateActive
	s.mu.Unlock()

	s.loadProfile()
	s.seedDial()
	s.wireKeys()

	s.pumps.Add(4)
	go s.pumpSamples()
	go s.pumpFrames(s.audio, StreamAudio)
	go s.pumpFrames(s.spectrum, StreamSpectrum)
	go s.pumpEvents()

	s.triggerRebuild()
	s.logger.Info("session active", "source", s.src.Name())
	return nil
}

// loadProfile mirrors the source's active profile into the session's profile
// layer. Replace fires change notifications for every key that differs, which
// is what drives rebuilds on profile switches.
func (s *Session) loadProfile() {
	layer, _ := s.src.Profiles().Active()
	s.profile.Replace(layer.Snapshot())
}

// seedDial initializes the override layer from the profile's starting dial
// position, if the client has not tuned yet.
func (s *Session) seedDial() {
	if _, ok := s.stack.Get(KeyFrequency); !ok {
		if start, ok := s.profile.Get(source.KeyStartFrequency); ok {
			s.override.Set(KeyFrequency, start)
		}
	}
	if _, ok := s.stack.Get(KeyMode); !ok {
		if mode, ok := s.profile.Get(source.KeyStartMode); ok {
			s.override.Set(KeyMode, mode)
		}
	}
}

// dspKeys are the resolved stack keys whose change reshapes the demodulator.
func dspKeys() []string {
	return []string{
		KeyFrequency, KeyMode, KeySquelch, KeyOutputRate,
		source.KeyCenterFrequency, source.KeySampleRate,
	}
}

func (s *Session) wireKeys() {
	for _, key := range dspKeys() {
		sub := s.stack.Wire(key, func(key string, _, _ any) {
			s.triggerRebuild()
		})
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
	}
}

// SetProperty writes one override key. Invalid keys and out-of-range values
// are rejected with an error and leave the session untouched; the caller
// reports the rejection back to the client.
func (s *Session) SetProperty(key string, value any) error {
	switch key {
	case KeyFrequency:
		freq, ok := asInt64(value)
		if !ok {
			return s.badValue(key, value)
		}
		if err := s.checkPassband(freq); err != nil {
			return err
		}
		value = freq
	case KeyMode:
		mode, ok := value.(string)
		if !ok {
			return s.badValue(key, value)
		}
		if _, _, err := s.factory.Registry().Lookup(mode); err != nil {
			return err
		}
	case KeySquelch, KeyOutputRate:
		n, ok := asInt64(value)
		if !ok {
			return s.badValue(key, value)
		}
		value = int(n)
	default:
		return errors.WrapValidation(
			fmt.Errorf("%w: %q", errors.ErrUnknownKey, key),
			"Session", "SetProperty", "resolve key")
	}
	return s.override.Set(key, value)
}

func (s *Session) badValue(key string, value any) error {
	return errors.WrapValidation(
		fmt.Errorf("%w: %v for %q", errors.ErrInvalidValue, value, key),
		"Session", "SetProperty", "validate value")
}

// checkPassband verifies a dial frequency falls inside the source's current
// passband. Out-of-range requests are rejected, never clamped, so client and
// server state stay consistent.
func (s *Session) checkPassband(freq int64) error {
	center, ok := asInt64(s.stack.GetDefault(source.KeyCenterFrequency, nil))
	if !ok {
		return nil
	}
	rate, rok := asInt64(s.stack.GetDefault(source.KeySampleRate, nil))
	if !rok || rate <= 0 {
		return nil
	}
	half := rate / 2
	if freq < center-half || freq > center+half {
		return errors.WrapValidation(
			fmt.Errorf("%w: %d outside passband [%d, %d]",
				errors.ErrOutOfRange, freq, center-half, center+half),
			"Session", "SetProperty", "validate frequency")
	}
	return nil
}

// StartStream enables a binary stream class and ensures its pipeline exists.
func (s *Session) StartStream(class StreamClass) error {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return errors.Wrap(errors.ErrNotStarted, "Session", "StartStream", string(class))
	}
	s.streams[class] = true
	s.mu.Unlock()

	switch class {
	case StreamAudio:
		s.triggerRebuild()
		return nil
	case StreamSpectrum:
		return s.rebuildSpectrum()
	default:
		return errors.WrapValidation(
			fmt.Errorf("%w: stream class %q", errors.ErrInvalidValue, class),
			"Session", "StartStream", "resolve class")
	}
}

// StopStream disables a binary stream class and tears down its pipeline.
func (s *Session) StopStream(class StreamClass) {
	s.mu.Lock()
	delete(s.streams, class)
	s.mu.Unlock()

	switch class {
	case StreamAudio:
		s.audio.Clear(stopTimeout)
	case StreamSpectrum:
		s.spectrum.Clear(stopTimeout)
	}
}

func (s *Session) streaming(class StreamClass) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[class]
}

func (s *Session) triggerRebuild() {
	select {
	case s.rebuild <- struct{}{}:
	default:
	}
}

// buildRequest assembles the demodulator request from the resolved stack.
func (s *Session) buildRequest(mode string) pipeline.BuildRequest {
	center, _ := asInt64(s.stack.GetDefault(source.KeyCenterFrequency, int64(0)))
	dial, _ := asInt64(s.stack.GetDefault(KeyFrequency, center))
	rate, _ := asInt64(s.stack.GetDefault(source.KeySampleRate, int64(0)))
	out, _ := asInt64(s.stack.GetDefault(KeyOutputRate, int64(defaultOutputRate)))
	squelch, _ := asInt64(s.stack.GetDefault(KeySquelch, int64(0)))

	return pipeline.BuildRequest{
		Mode:       mode,
		SampleRate: int(rate),
		Offset:     dial - center,
		OutputRate: int(out),
		Squelch:    int(squelch),
	}
}

// rebuildAudio swaps in a demodulator matching the current stack. Build
// failures are reported to this session only.
func (s *Session) rebuildAudio() {
	if !s.streaming(StreamAudio) {
		return
	}
	mode, _ := s.stack.GetDefault(KeyMode, "").(string)
	if mode == "" {
		return
	}
	req := s.buildRequest(mode)
	err := s.audio.Swap(s.ctx, func() (*pipeline.Chain, error) {
		return s.factory.Build(s.ctx, req)
	}, readyTimeout, stopTimeout)
	if err != nil {
		s.sink.SendEvent("error", map[string]any{
			"type":    "pipeline",
			"message": err.Error(),
		})
		s.logger.Warn("audio rebuild failed", "mode", mode, "error", err)
	}
}

func (s *Session) rebuildSpectrum() error {
	req := s.buildRequest("spectrum")
	err := s.spectrum.Swap(s.ctx, func() (*pipeline.Chain, error) {
		return s.factory.Build(s.ctx, req)
	}, readyTimeout, stopTimeout)
	if err != nil {
		s.logger.Warn("spectrum rebuild failed", "error", err)
	}
	return err
}

// StartSecondary subscribes this session to a shared background decoder for
// the given mode, creating it if this is the first subscriber.
func (s *Session) StartSecondary(mode string) error {
	if s.hub == nil {
		return errors.WrapPipeline(
			fmt.Errorf("%w: no secondary hub", errors.ErrMissingFeature),
			"Session", "StartSecondary", mode)
	}
	s.mu.Lock()
	if _, exists := s.secondaries[mode]; exists {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	records, release, err := s.hub.Subscribe(s.src, mode, s.id, s.buildRequest(mode))
	if err != nil {
		s.sink.SendEvent("error", map[string]any{
			"type":    "pipeline",
			"message": err.Error(),
		})
		return err
	}

	s.mu.Lock()
	s.secondaries[mode] = release
	s.mu.Unlock()

	s.pumps.Add(1)
	go func() {
		defer s.pumps.Done()
		for {
			select {
			case rec, ok := <-records:
				if !ok {
					return
				}
				s.sink.SendEvent("decoder_message", rec)
			case <-s.ctx.Done():
				return
			}
		}
	}()
	return nil
}

// StopSecondary unsubscribes from a background decoder. Unknown modes are a
// no-op.
func (s *Session) StopSecondary(mode string) {
	s.mu.Lock()
	release := s.secondaries[mode]
	delete(s.secondaries, mode)
	s.mu.Unlock()
	if release != nil {
		release()
	}
}

// SelectProfile asks the source to activate a profile. Every attached
// session, not just this one, is retuned and notified.
func (s *Session) SelectProfile(name string) error {
	return s.src.SelectProfile(name)
}

// Retune requests an override hardware retune on behalf of this session.
func (s *Session) Retune(frequency int64) error {
	return s.src.Retune(s.id, frequency)
}

func (s *Session) pumpSamples() {
	defer s.pumps.Done()
	for {
		frame, err := s.att.Next(s.ctx)
		if err != nil {
			return
		}
		if chain := s.audio.Get(); chain != nil {
			chain.Write(frame)
		}
		if s.streaming(StreamSpectrum) {
			if chain := s.spectrum.Get(); chain != nil {
				chain.Write(frame)
			}
		}
	}
}

// pumpFrames follows a slot across swaps: it drains the installed chain's
// output until the chain is torn down, then picks up whatever got installed
// next.
func (s *Session) pumpFrames(slot *pipeline.Slot, class StreamClass) {
	defer s.pumps.Done()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		chain := slot.Get()
		if chain == nil {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}
		for frame := range chain.Frames() {
			if !s.streaming(class) {
				continue
			}
			if class == StreamAudio {
				s.signal.Store(math.Float64bits(audioLevel(frame)))
			}
			if err := s.sink.SendBinary(class, frame); err != nil {
				s.logger.Debug("binary send failed", "class", class, "error", err)
			}
			if s.core != nil {
				s.core.BytesStreamed.WithLabelValues(string(class)).Add(float64(len(frame)))
			}
		}
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Session) pumpEvents() {
	defer s.pumps.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.att.Done():
			return
		case <-s.rebuild:
			s.rebuildAudio()
			if s.streaming(StreamSpectrum) {
				s.rebuildSpectrum()
			}
		case ev := <-s.att.Events():
			s.handleSourceEvent(ev)
		}
	}
}

func (s *Session) handleSourceEvent(ev source.Event) {
	switch ev.Type {
	case source.EventFailed:
		s.sink.SendEvent("error", map[string]any{
			"type":    "hardware",
			"message": "hardware source failed",
		})
	case source.EventRecovered:
		s.sink.SendEvent("warning", map[string]any{
			"message": "hardware source recovered",
		})
	case source.EventProfileChanged:
		s.loadProfile()
		s.sink.SendEvent("profile", map[string]any{"name": ev.Profile})
	case source.EventRetuned:
		s.loadProfile()
	}
}

// Close tears the session down: unwire every subscription, stop every
// pipeline, release secondaries, detach from the source. Idempotent and safe
// to call concurrently with an in-flight rebuild.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosing
		subs := s.subs
		s.subs = nil
		releases := make([]func(), 0, len(s.secondaries))
		for _, release := range s.secondaries {
			releases = append(releases, release)
		}
		s.secondaries = make(map[string]func())
		att := s.att
		s.mu.Unlock()

		for _, sub := range subs {
			s.stack.Unwire(sub)
		}
		s.audio.Close(stopTimeout)
		s.spectrum.Close(stopTimeout)
		for _, release := range releases {
			release()
		}
		s.cancel()
		if att != nil {
			att.Close()
		}
		s.pumps.Wait()

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		s.logger.Info("session closed")
	})
}

// SignalLevel returns the most recent audio level estimate in dBFS, for the
// periodic S-meter readings the protocol sends.
func (s *Session) SignalLevel() float64 {
	return math.Float64frombits(s.signal.Load())
}

// audioLevel computes a cheap RMS estimate over signed 16-bit samples and
// converts it to dBFS.
func audioLevel(frame []byte) float64 {
	if len(frame) < 2 {
		return -120
	}
	var sum float64
	n := len(frame) / 2
	for i := 0; i < n; i++ {
		sample := float64(int16(uint16(frame[2*i]) | uint16(frame[2*i+1])<<8))
		sum += sample * sample
	}
	rms := math.Sqrt(sum / float64(n))
	if rms < 1 {
		return -120
	}
	return 20 * math.Log10(rms/32768)
}

func asInt64(v any) (int64, bool) {
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
