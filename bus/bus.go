// Package bus publishes receiver telemetry to NATS: decoded records, source
// state transitions, client counts. The bus is optional; a nil Publisher is
// valid everywhere and publishes nothing, so deployments without a broker
// pay no cost.
package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mihow/openwebrxplus/decoder"
	"github.com/mihow/openwebrxplus/errors"
)

// Subject layout. Mode and source names are validated identifiers, so they
// are safe to interpolate into subjects.
const (
	subjectDecodes     = "owrx.decodes.%s"      // per mode
	subjectSourceState = "owrx.source.%s.state" // per source
	subjectClients     = "owrx.clients"
)

// Publisher is a thin telemetry producer on a NATS connection.
type Publisher struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// Config holds connection settings for the telemetry bus.
type Config struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Logger        *slog.Logger
}

// Connect dials the broker. An empty URL returns a nil Publisher, which
// disables telemetry without any call-site checks.
func Connect(cfg Config) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "openwebrxplus"
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	logger := cfg.Logger
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("telemetry bus disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("telemetry bus reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "Publisher", "Connect", "dial broker")
	}
	return &Publisher{nc: nc, logger: logger}, nil
}

// PublishRecord publishes one decoded transmission.
func (p *Publisher) PublishRecord(rec decoder.Record) {
	if p == nil {
		return
	}
	p.publish(fmt.Sprintf(subjectDecodes, rec.Mode), rec)
}

// PublishSourceState publishes a source lifecycle transition.
func (p *Publisher) PublishSourceState(name, state string) {
	if p == nil {
		return
	}
	p.publish(fmt.Sprintf(subjectSourceState, name), map[string]any{
		"source":    name,
		"state":     state,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// PublishClientCount publishes the current client count.
func (p *Publisher) PublishClientCount(count int) {
	if p == nil {
		return
	}
	p.publish(subjectClients, map[string]any{
		"count":     count,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// publish is fire-and-forget. Telemetry never blocks or fails the receiver.
func (p *Publisher) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("telemetry marshal failed", "subject", subject, "error", err)
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Debug("telemetry publish failed", "subject", subject, "error", err)
	}
}

// Close drains the connection. Nil-safe.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}
