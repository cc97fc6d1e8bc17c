package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mihow/openwebrxplus/decoder"
	"github.com/mihow/openwebrxplus/errors"
	"github.com/mihow/openwebrxplus/metric"
	"github.com/mihow/openwebrxplus/pipeline"
	"github.com/mihow/openwebrxplus/source"
)

// SecondaryHub runs background decoder pipelines shared across sessions. A
// chain exists per (source, mode) pair while at least one session subscribes
// to it; it keeps running with zero audio consumers, holding its own
// attachment on the source. Decoded records fan out to every subscriber.
type SecondaryHub struct {
	factory *pipeline.Factory
	chains  *pipeline.SharedChains
	parsers map[string]decoder.Parser
	core    *metric.CoreMetrics
	logger  *slog.Logger

	mu       sync.Mutex
	entries  map[string]*hubEntry
	onRecord func(decoder.Record)
}

type hubEntry struct {
	key     string
	att     *source.Attachment
	chain   *pipeline.Chain
	stamper *decoder.Stamper
	release func()
	cancel  context.CancelFunc
	done    chan struct{}

	mu   sync.Mutex
	subs map[string]chan decoder.Record
}

// NewSecondaryHub creates a hub. parsers maps mode names to line parsers;
// modes without a parser cannot run as secondaries.
func NewSecondaryHub(factory *pipeline.Factory, parsers map[string]decoder.Parser,
	core *metric.CoreMetrics, logger *slog.Logger) *SecondaryHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &SecondaryHub{
		factory: factory,
		chains:  pipeline.NewSharedChains(stopTimeout),
		parsers: parsers,
		core:    core,
		logger:  logger,
		entries: make(map[string]*hubEntry),
	}
}

// OnRecord installs a hook called for every decoded record, in addition to
// subscriber delivery. Used to feed the telemetry bus. Set before the first
// Subscribe.
func (h *SecondaryHub) OnRecord(fn func(decoder.Record)) {
	h.mu.Lock()
	h.onRecord = fn
	h.mu.Unlock()
}

// Subscribe adds a subscriber to the shared decoder for mode on src, building
// the pipeline if this is the first interest. The returned channel closes
// when the decoder goes away (last unsubscribe, or a hardware profile
// change); subscribers re-request if they still care.
func (h *SecondaryHub) Subscribe(src *source.HardwareSource, mode, subscriber string,
	req pipeline.BuildRequest) (<-chan decoder.Record, func(), error) {

	parse, ok := h.parsers[mode]
	if !ok {
		return nil, nil, errors.WrapPipeline(
			fmt.Errorf("%w: no parser for mode %q", errors.ErrUnknownMode, mode),
			"SecondaryHub", "Subscribe", "resolve parser")
	}

	key := src.Name() + "/" + mode
	h.mu.Lock()
	entry, exists := h.entries[key]
	if !exists {
		var err error
		entry, err = h.startEntry(src, mode, key, req, parse)
		if err != nil {
			h.mu.Unlock()
			return nil, nil, err
		}
		h.entries[key] = entry
	}
	h.mu.Unlock()

	records := make(chan decoder.Record, 32)
	entry.mu.Lock()
	entry.subs[subscriber] = records
	entry.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() { h.unsubscribe(key, subscriber) })
	}
	return records, release, nil
}

// startEntry builds the shared chain and its pump. Called with h.mu held.
func (h *SecondaryHub) startEntry(src *source.HardwareSource, mode, key string,
	req pipeline.BuildRequest, parse decoder.Parser) (*hubEntry, error) {

	ctx, cancel := context.WithCancel(context.Background())
	req.Background = true

	chain, release, err := h.chains.Acquire(key, func() (*pipeline.Chain, error) {
		return h.factory.Build(ctx, req)
	})
	if err != nil {
		cancel()
		return nil, err
	}

	att, err := src.Attach("secondary/" + key)
	if err != nil {
		release()
		cancel()
		return nil, err
	}

	entry := &hubEntry{
		key:     key,
		att:     att,
		chain:   chain,
		stamper: decoder.NewStamper(mode, parse),
		release: release,
		cancel:  cancel,
		done:    make(chan struct{}),
		subs:    make(map[string]chan decoder.Record),
	}

	if center, ok := src.Profiles().Get(source.KeyCenterFrequency); ok {
		if c, cok := asInt64(center); cok {
			entry.stamper.SetFrequency(c + req.Offset)
		}
	}

	go entry.pumpSamples(ctx)
	go entry.pumpRecords(ctx, h)
	go h.pumpEvents(ctx, entry, req.Offset)

	h.logger.Info("secondary decoder started", "key", key)
	return entry, nil
}

// pumpEvents keeps the decoder's frequency stamp in step with the hardware.
// A retune moves the stamper's dial; a profile change invalidates the whole
// chain, so the entry is retired and subscribers must re-request.
func (h *SecondaryHub) pumpEvents(ctx context.Context, e *hubEntry, offset int64) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.att.Done():
			return
		case ev := <-e.att.Events():
			switch ev.Type {
			case source.EventRetuned:
				e.stamper.SetFrequency(ev.Frequency + offset)
			case source.EventProfileChanged:
				h.retireEntry(e)
				return
			}
		}
	}
}

// retireEntry tears down a decoder whose tuning no longer matches the
// hardware. Subscriber channels close so sessions know to re-request.
func (h *SecondaryHub) retireEntry(e *hubEntry) {
	h.mu.Lock()
	if h.entries[e.key] != e {
		h.mu.Unlock()
		return
	}
	delete(h.entries, e.key)
	h.mu.Unlock()

	e.mu.Lock()
	for _, ch := range e.subs {
		close(ch)
	}
	e.subs = make(map[string]chan decoder.Record)
	e.mu.Unlock()

	h.stopEntry(e)
}

func (e *hubEntry) pumpSamples(ctx context.Context) {
	for {
		frame, err := e.att.Next(ctx)
		if err != nil {
			return
		}
		e.chain.Write(frame)
	}
}

func (e *hubEntry) pumpRecords(ctx context.Context, h *SecondaryHub) {
	defer close(e.done)
	for line := range e.chain.Frames() {
		rec, ok := e.stamper.Parse(string(line))
		if !ok {
			continue
		}
		if h.core != nil {
			h.core.DecoderRecords.WithLabelValues(e.stamper.Mode()).Inc()
		}
		h.mu.Lock()
		hook := h.onRecord
		h.mu.Unlock()
		if hook != nil {
			hook(rec)
		}
		e.broadcast(rec)
		if ctx.Err() != nil {
			return
		}
	}
}

func (e *hubEntry) broadcast(rec decoder.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}

func (h *SecondaryHub) unsubscribe(key, subscriber string) {
	h.mu.Lock()
	entry, ok := h.entries[key]
	if !ok {
		h.mu.Unlock()
		return
	}

	entry.mu.Lock()
	ch, had := entry.subs[subscriber]
	delete(entry.subs, subscriber)
	empty := len(entry.subs) == 0
	entry.mu.Unlock()

	if empty {
		delete(h.entries, key)
	}
	h.mu.Unlock()

	if had {
		close(ch)
	}
	if empty {
		h.stopEntry(entry)
	}
}

func (h *SecondaryHub) stopEntry(entry *hubEntry) {
	entry.cancel()
	entry.att.Close()
	entry.release()
	select {
	case <-entry.done:
	case <-time.After(stopTimeout):
	}
	h.logger.Info("secondary decoder stopped", "key", entry.key)
}

// Refs returns the subscriber count for a (source, mode) pair. Zero means no
// decoder is running.
func (h *SecondaryHub) Refs(sourceName, mode string) int {
	h.mu.Lock()
	entry, ok := h.entries[sourceName+"/"+mode]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return len(entry.subs)
}

// Shutdown stops every running secondary.
func (h *SecondaryHub) Shutdown() {
	h.mu.Lock()
	entries := make([]*hubEntry, 0, len(h.entries))
	for _, e := range h.entries {
		entries = append(entries, e)
	}
	h.entries = make(map[string]*hubEntry)
	h.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		for _, ch := range e.subs {
			close(ch)
		}
		e.subs = make(map[string]chan decoder.Record)
		e.mu.Unlock()
		h.stopEntry(e)
	}
	h.chains.CloseAll()
}
