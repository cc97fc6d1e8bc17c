// Package decoder runs external decoding processes and turns their text
// output into structured records. The contract with a decoder binary is
// deliberately thin: bytes go to its stdin, each stdout line yields zero or
// one record via a Parser, and the current dial frequency is forwarded so
// records carry absolute frequencies.
package decoder

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mihow/openwebrxplus/errors"
	"github.com/mihow/openwebrxplus/metric"
	"github.com/mihow/openwebrxplus/pipeline"
	"github.com/mihow/openwebrxplus/pipeline/stages"
)

// Record is one decoded transmission.
type Record struct {
	Mode      string         `json:"mode"`
	Timestamp time.Time      `json:"timestamp"`
	Frequency int64          `json:"frequency"`
	SNR       int            `json:"snr,omitempty"`
	Offset    int            `json:"offset,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Parser turns one output line into a record. Returning false drops the
// line; decoders emit plenty of chatter that is not a decode.
type Parser func(line string) (Record, bool)

// Stamper wraps a Parser and fills the fields every record carries: the
// mode name, a timestamp when the parser left it zero, and the absolute
// frequency derived from the current dial. The dial may move concurrently
// with parsing.
type Stamper struct {
	mode      string
	parse     Parser
	frequency atomic.Int64
}

// NewStamper creates a stamper for one mode.
func NewStamper(mode string, parse Parser) *Stamper {
	return &Stamper{mode: mode, parse: parse}
}

// Mode returns the mode name records are stamped with.
func (s *Stamper) Mode() string { return s.mode }

// SetFrequency moves the dial. Subsequent records are stamped relative to it.
func (s *Stamper) SetFrequency(frequency int64) {
	s.frequency.Store(frequency)
}

// Parse runs the line parser and stamps the record.
func (s *Stamper) Parse(line string) (Record, bool) {
	rec, ok := s.parse(line)
	if !ok {
		return Record{}, false
	}
	rec.Mode = s.mode
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rec.Frequency = s.frequency.Load() + int64(rec.Offset)
	return rec, true
}

// Config assembles a Runner.
type Config struct {
	Mode   string
	Argv   []string
	Parser Parser
	Core   *metric.CoreMetrics
	Logger *slog.Logger
}

// Runner owns one decoder process. Frames written to the Runner reach the
// process stdin; parsed records come out of Records. Records are stamped
// with the dial frequency current at parse time.
type Runner struct {
	mode    string
	stamper *Stamper
	stage   *stages.ExecStage
	core    *metric.CoreMetrics
	logger  *slog.Logger
	records chan Record

	pump sync.WaitGroup
}

// NewRunner creates a runner for the given decoder command.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Mode == "" || len(cfg.Argv) == 0 || cfg.Parser == nil {
		return nil, errors.WrapValidation(errors.ErrInvalidValue,
			"Runner", "NewRunner", "validate config")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{
		mode:    cfg.Mode,
		stamper: NewStamper(cfg.Mode, cfg.Parser),
		core:    cfg.Core,
		logger:  cfg.Logger.With("decoder", cfg.Mode),
		stage: stages.NewExecStage(cfg.Mode,
			pipeline.FormatAudioS16, pipeline.FormatLines, cfg.Argv...),
		records: make(chan Record, 32),
	}, nil
}

// Mode returns the decoder mode name.
func (r *Runner) Mode() string { return r.mode }

// Records returns the decoded record stream. Closed when the runner stops.
func (r *Runner) Records() <-chan Record { return r.records }

// SetFrequency forwards the session's current dial frequency. Subsequent
// records are stamped with it.
func (r *Runner) SetFrequency(frequency int64) {
	r.stamper.SetFrequency(frequency)
}

// Start spawns the decoder process and begins parsing its output.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.stage.Start(ctx); err != nil {
		return err
	}
	r.pump.Add(1)
	go r.parseLoop()
	return nil
}

func (r *Runner) parseLoop() {
	defer r.pump.Done()
	defer close(r.records)
	for line := range r.stage.Frames() {
		rec, ok := r.stamper.Parse(string(line))
		if !ok {
			continue
		}
		if r.core != nil {
			r.core.DecoderRecords.WithLabelValues(r.mode).Inc()
		}
		select {
		case r.records <- rec:
		default:
			r.logger.Warn("record consumer stalled, dropping decode")
		}
	}
}

// Write feeds demodulated bytes to the decoder.
func (r *Runner) Write(frame []byte) error {
	return r.stage.Write(frame)
}

// Stop terminates the process and waits for parsing to drain. Idempotent.
func (r *Runner) Stop(timeout time.Duration) error {
	err := r.stage.Stop(timeout)
	r.pump.Wait()
	return err
}
