// Package server assembles the receiver: sources from configuration, the
// mode registry and pipeline factory, admission control, the websocket
// endpoint, and the operational HTTP surface.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mihow/openwebrxplus/bus"
	"github.com/mihow/openwebrxplus/config"
	"github.com/mihow/openwebrxplus/decoder"
	"github.com/mihow/openwebrxplus/errors"
	"github.com/mihow/openwebrxplus/metric"
	"github.com/mihow/openwebrxplus/pipeline"
	"github.com/mihow/openwebrxplus/pipeline/stages"
	"github.com/mihow/openwebrxplus/property"
	"github.com/mihow/openwebrxplus/protocol"
	"github.com/mihow/openwebrxplus/session"
	"github.com/mihow/openwebrxplus/source"
)

// Version is stamped at build time.
var Version = "dev"

// Receiver is the running server process.
type Receiver struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics   *metric.MetricsRegistry
	sources   *source.Manager
	registry  *session.Registry
	factory   *pipeline.Factory
	hub       *session.SecondaryHub
	telemetry *bus.Publisher

	httpSrv *http.Server
}

// New builds a receiver from configuration. Nothing starts streaming until
// Run.
func New(cfg *config.Config, logger *slog.Logger) (*Receiver, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	metrics := metric.NewMetricsRegistry()
	core := metrics.Core

	modeReg, err := pipeline.NewModeRegistry()
	if err != nil {
		return nil, err
	}
	if err := stages.RegisterDefaultModes(modeReg); err != nil {
		return nil, err
	}
	features := pipeline.DetectFeatures("csdr", "jt9", "direwolf", "nmux",
		"signal-classifier")
	factory := pipeline.NewFactory(modeReg, features, core, logger)

	hub := session.NewSecondaryHub(factory, map[string]decoder.Parser{
		"ft8":        decoder.ParseJT9,
		"aprs":       decoder.ParseDirewolf,
		"classifier": decoder.ParseClassifier,
	}, core, logger)

	telemetry, err := bus.Connect(bus.Config{
		URL:           cfg.NATS.URL,
		Name:          cfg.NATS.Name,
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: cfg.NATS.ReconnectWait,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	hub.OnRecord(telemetry.PublishRecord)

	sources := source.NewManager(logger)
	for _, sc := range cfg.Sources {
		src, err := buildSource(sc, core, logger)
		if err != nil {
			sources.Shutdown()
			telemetry.Close()
			return nil, err
		}
		if err := sources.Add(src); err != nil {
			sources.Shutdown()
			telemetry.Close()
			return nil, err
		}
	}

	registry := session.NewRegistry(session.RegistryConfig{
		MaxClients:          cfg.Server.MaxClients,
		MaxClientsPerSource: cfg.Server.MaxClientsPerSource,
		Core:                core,
		Logger:              logger,
	})

	wsHandler := protocol.NewHandler(protocol.HandlerConfig{
		Sources:            sources,
		Registry:           registry,
		Factory:            factory,
		Secondary:          hub,
		Core:               core,
		Logger:             logger,
		ReceiverName:       cfg.Receiver.Name,
		Version:            Version,
		NegotiationTimeout: cfg.Server.NegotiationTimeout,
	})

	r := &Receiver{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		sources:   sources,
		registry:  registry,
		factory:   factory,
		hub:       hub,
		telemetry: telemetry,
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.PrometheusRegistry(),
		promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/api/status", r.handleStatus)

	r.httpSrv = &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return r, nil
}

func buildSource(sc config.SourceConfig, core *metric.CoreMetrics,
	logger *slog.Logger) (*source.HardwareSource, error) {

	names := make([]string, len(sc.Profiles))
	layers := make([]*property.Layer, len(sc.Profiles))
	for i, p := range sc.Profiles {
		names[i] = p.Name
		values := map[string]any{
			source.KeyCenterFrequency: p.CenterFrequency,
			source.KeySampleRate:      p.SampleRate,
		}
		if p.StartFrequency != 0 {
			values[source.KeyStartFrequency] = p.StartFrequency
		}
		if p.StartMode != "" {
			values[source.KeyStartMode] = p.StartMode
		}
		layers[i] = property.NewLayerFromMap(p.Name, values)
	}
	profiles, err := property.NewCarousel(sc.Name, names, layers)
	if err != nil {
		return nil, err
	}

	var drv source.Driver
	switch sc.Type {
	case "file":
		opts := []source.FileOption{}
		if sc.Loop {
			opts = append(opts, source.WithLoop())
		}
		drv = source.NewFileDriver(sc.Path, sc.Profiles[0].SampleRate, opts...)
	case "sim":
		drv = source.NewSimDriver(10 * time.Millisecond)
	default:
		return nil, errors.WrapValidation(
			fmt.Errorf("%w: source type %q", errors.ErrInvalidValue, sc.Type),
			"Receiver", "buildSource", "resolve driver")
	}

	return source.New(source.Config{
		Name: sc.Name,
		Limits: source.Limits{
			MinFrequency:  sc.MinFrequency,
			MaxFrequency:  sc.MaxFrequency,
			MaxSampleRate: sc.MaxSampleRate,
		},
		Driver:   drv,
		Profiles: profiles,
		Core:     core,
		Logger:   logger,
	})
}

// Handler exposes the HTTP surface, mainly for tests that mount it on an
// ephemeral port.
func (r *Receiver) Handler() http.Handler {
	return r.httpSrv.Handler
}

// Run serves until the context is canceled, then shuts everything down in
// dependency order.
func (r *Receiver) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		r.logger.Info("listening", "addr", r.cfg.Server.Listen, "version", Version)
		if err := r.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.WrapTransient(err, "Receiver", "Run", "serve http")
		}
		return nil
	})

	g.Go(func() error {
		r.publishTelemetry(ctx)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		r.shutdown()
		return nil
	})

	return g.Wait()
}

// publishTelemetry periodically pushes client counts and source states to
// the bus. With the bus disabled this parks until shutdown.
func (r *Receiver) publishTelemetry(ctx context.Context) {
	if r.telemetry == nil {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.telemetry.PublishClientCount(r.registry.Count())
			for _, src := range r.sources.Sources() {
				r.telemetry.PublishSourceState(src.Name(), src.State().String())
			}
		}
	}
}

func (r *Receiver) shutdown() {
	r.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		r.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := r.httpSrv.Shutdown(shutdownCtx); err != nil {
		r.httpSrv.Close()
	}
	r.registry.CloseAll()
	r.hub.Shutdown()
	r.sources.Shutdown()
	r.telemetry.Close()
}

func (r *Receiver) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}

// handleStatus reports the receiver's public state: sources, their lifecycle
// states, and the client count.
func (r *Receiver) handleStatus(w http.ResponseWriter, _ *http.Request) {
	type sourceStatus struct {
		Name    string   `json:"name"`
		State   string   `json:"state"`
		Clients int      `json:"clients"`
		Active  string   `json:"active_profile"`
		Names   []string `json:"profiles"`
	}
	out := struct {
		Receiver string         `json:"receiver"`
		Version  string         `json:"version"`
		Clients  int            `json:"clients"`
		Sources  []sourceStatus `json:"sources"`
	}{
		Receiver: r.cfg.Receiver.Name,
		Version:  Version,
		Clients:  r.registry.Count(),
	}
	for _, src := range r.sources.Sources() {
		_, active := src.Profiles().Active()
		out.Sources = append(out.Sources, sourceStatus{
			Name:    src.Name(),
			State:   src.State().String(),
			Clients: r.registry.CountForSource(src.Name()),
			Active:  active,
			Names:   src.Profiles().Profiles(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}
