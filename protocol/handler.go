package protocol

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mihow/openwebrxplus/metric"
	"github.com/mihow/openwebrxplus/pipeline"
	"github.com/mihow/openwebrxplus/session"
	"github.com/mihow/openwebrxplus/source"
)

const (
	defaultNegotiationTimeout = 10 * time.Second
	defaultSMeterInterval     = 500 * time.Millisecond

	// malformedAllowance is how many unparseable messages a client may burst
	// before the connection is dropped.
	malformedAllowance = 5
)

// Handler upgrades HTTP connections and runs the streaming protocol over
// them. One handler serves every client; per-connection state lives in conn.
type Handler struct {
	sources  *source.Manager
	registry *session.Registry
	factory  *pipeline.Factory
	hub      *session.SecondaryHub
	core     *metric.CoreMetrics
	logger   *slog.Logger

	receiverName string
	version      string
	defaults     map[string]any

	negotiationTimeout time.Duration
	smeterInterval     time.Duration

	upgrader websocket.Upgrader
}

// HandlerConfig assembles a Handler.
type HandlerConfig struct {
	Sources      *source.Manager
	Registry     *session.Registry
	Factory      *pipeline.Factory
	Secondary    *session.SecondaryHub
	Core         *metric.CoreMetrics
	Logger       *slog.Logger
	ReceiverName string
	Version      string
	Defaults     map[string]any

	// NegotiationTimeout bounds how long a connection may sit in
	// negotiation before it is closed. Zero picks the default.
	NegotiationTimeout time.Duration
	SMeterInterval     time.Duration
}

// NewHandler creates the websocket endpoint handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = defaultNegotiationTimeout
	}
	if cfg.SMeterInterval <= 0 {
		cfg.SMeterInterval = defaultSMeterInterval
	}
	if cfg.ReceiverName == "" {
		cfg.ReceiverName = "openwebrxplus"
	}
	return &Handler{
		sources:            cfg.Sources,
		registry:           cfg.Registry,
		factory:            cfg.Factory,
		hub:                cfg.Secondary,
		core:               cfg.Core,
		logger:             cfg.Logger,
		receiverName:       cfg.ReceiverName,
		version:            cfg.Version,
		defaults:           cfg.Defaults,
		negotiationTimeout: cfg.NegotiationTimeout,
		smeterInterval:     cfg.SMeterInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and runs the protocol until the client
// leaves.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	newConn(ws, h).run()
}

// resolveSource picks the requested source, or the only sensible default
// when the client did not name one.
func (h *Handler) resolveSource(name string) (*source.HardwareSource, bool) {
	if name != "" {
		return h.sources.Get(name)
	}
	names := h.sources.Names()
	if len(names) == 0 {
		return nil, false
	}
	return h.sources.Get(names[0])
}

// modeNames lists the modes usable with the features present on this host.
func (h *Handler) modeNames() []string {
	modes := h.factory.Registry().Available(h.factory.Features())
	names := make([]string, len(modes))
	for i, m := range modes {
		names[i] = m.Name
	}
	return names
}
