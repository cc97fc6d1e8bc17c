// Package config defines the receiver configuration: server limits, the
// telemetry bus, and the hardware sources with their profiles. Files are
// YAML; JSON is accepted too since YAML is a superset.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mihow/openwebrxplus/errors"
)

// Config is the complete receiver configuration.
type Config struct {
	Version  string         `json:"version,omitempty" yaml:"version,omitempty"`
	Receiver ReceiverConfig `json:"receiver" yaml:"receiver"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	NATS     NATSConfig     `json:"nats,omitempty" yaml:"nats,omitempty"`
	Sources  []SourceConfig `json:"sources" yaml:"sources"`
}

// ReceiverConfig is the public identity shown to clients.
type ReceiverConfig struct {
	Name     string `json:"name" yaml:"name"`
	Location string `json:"location,omitempty" yaml:"location,omitempty"`
	Operator string `json:"operator,omitempty" yaml:"operator,omitempty"`
}

// ServerConfig holds the listen addresses and admission caps.
type ServerConfig struct {
	Listen              string        `json:"listen" yaml:"listen"`
	MaxClients          int           `json:"max_clients,omitempty" yaml:"max_clients,omitempty"`
	MaxClientsPerSource int           `json:"max_clients_per_source,omitempty" yaml:"max_clients_per_source,omitempty"`
	NegotiationTimeout  time.Duration `json:"negotiation_timeout,omitempty" yaml:"negotiation_timeout,omitempty"`
	ShutdownTimeout     time.Duration `json:"shutdown_timeout,omitempty" yaml:"shutdown_timeout,omitempty"`
}

// NATSConfig configures the optional telemetry bus. An empty URL disables
// it.
type NATSConfig struct {
	URL           string        `json:"url,omitempty" yaml:"url,omitempty"`
	Name          string        `json:"name,omitempty" yaml:"name,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty" yaml:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty" yaml:"reconnect_wait,omitempty"`
}

// SourceConfig describes one hardware source.
type SourceConfig struct {
	Name          string          `json:"name" yaml:"name"`
	Type          string          `json:"type" yaml:"type"` // file or sim
	Path          string          `json:"path,omitempty" yaml:"path,omitempty"`
	Loop          bool            `json:"loop,omitempty" yaml:"loop,omitempty"`
	MinFrequency  int64           `json:"min_frequency,omitempty" yaml:"min_frequency,omitempty"`
	MaxFrequency  int64           `json:"max_frequency,omitempty" yaml:"max_frequency,omitempty"`
	MaxSampleRate int             `json:"max_sample_rate,omitempty" yaml:"max_sample_rate,omitempty"`
	Profiles      []ProfileConfig `json:"profiles" yaml:"profiles"`
}

// ProfileConfig is one selectable hardware profile.
type ProfileConfig struct {
	Name            string `json:"name" yaml:"name"`
	CenterFrequency int64  `json:"center_freq" yaml:"center_freq"`
	SampleRate      int    `json:"samp_rate" yaml:"samp_rate"`
	StartFrequency  int64  `json:"start_freq,omitempty" yaml:"start_freq,omitempty"`
	StartMode       string `json:"start_mod,omitempty" yaml:"start_mod,omitempty"`
}

// UnmarshalYAML accepts Go duration strings ("10s", "1m30s") for the
// timeout fields. It handles JSON input too since Load parses everything
// with the YAML decoder.
func (s *ServerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Listen              string `yaml:"listen"`
		MaxClients          int    `yaml:"max_clients"`
		MaxClientsPerSource int    `yaml:"max_clients_per_source"`
		NegotiationTimeout  string `yaml:"negotiation_timeout"`
		ShutdownTimeout     string `yaml:"shutdown_timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	s.Listen = raw.Listen
	s.MaxClients = raw.MaxClients
	s.MaxClientsPerSource = raw.MaxClientsPerSource

	var err error
	if s.NegotiationTimeout, err = parseDuration(raw.NegotiationTimeout); err != nil {
		return fmt.Errorf("negotiation_timeout: %w", err)
	}
	if s.ShutdownTimeout, err = parseDuration(raw.ShutdownTimeout); err != nil {
		return fmt.Errorf("shutdown_timeout: %w", err)
	}
	return nil
}

// UnmarshalYAML accepts a Go duration string for reconnect_wait.
func (n *NATSConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		URL           string `yaml:"url"`
		Name          string `yaml:"name"`
		MaxReconnects int    `yaml:"max_reconnects"`
		ReconnectWait string `yaml:"reconnect_wait"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	n.URL = raw.URL
	n.Name = raw.Name
	n.MaxReconnects = raw.MaxReconnects

	var err error
	if n.ReconnectWait, err = parseDuration(raw.ReconnectWait); err != nil {
		return fmt.Errorf("reconnect_wait: %w", err)
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// Default returns a runnable configuration with a simulated source, used
// when no config file is given.
func Default() *Config {
	return &Config{
		Version: "1",
		Receiver: ReceiverConfig{
			Name: "openwebrxplus",
		},
		Server: ServerConfig{
			Listen:              ":8073",
			MaxClients:          20,
			MaxClientsPerSource: 10,
			NegotiationTimeout:  10 * time.Second,
			ShutdownTimeout:     10 * time.Second,
		},
		Sources: []SourceConfig{
			{
				Name:         "sim",
				Type:         "sim",
				MinFrequency: 0,
				MaxFrequency: 30000000,
				Profiles: []ProfileConfig{
					{
						Name:            "40m",
						CenterFrequency: 7100000,
						SampleRate:      2400000,
						StartFrequency:  7074000,
						StartMode:       "lsb",
					},
				},
			},
		},
	}
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapValidation(err, "Config", "Load", "read file")
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapValidation(err, "Config", "Load", "parse yaml")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Receiver.Name == "" {
		c.Receiver.Name = "openwebrxplus"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8073"
	}
	if c.Server.NegotiationTimeout <= 0 {
		c.Server.NegotiationTimeout = 10 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
}

// Validate checks the configuration for contradictions before anything is
// built from it.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return c.invalid("at least one source is required")
	}
	names := make(map[string]bool)
	for i, src := range c.Sources {
		if src.Name == "" {
			return c.invalid(fmt.Sprintf("source %d has no name", i))
		}
		if names[src.Name] {
			return c.invalid(fmt.Sprintf("duplicate source name %q", src.Name))
		}
		names[src.Name] = true

		switch src.Type {
		case "file":
			if src.Path == "" {
				return c.invalid(fmt.Sprintf("source %q: file type needs a path", src.Name))
			}
		case "sim":
		default:
			return c.invalid(fmt.Sprintf("source %q: unknown type %q", src.Name, src.Type))
		}

		if len(src.Profiles) == 0 {
			return c.invalid(fmt.Sprintf("source %q has no profiles", src.Name))
		}
		profileNames := make(map[string]bool)
		for _, p := range src.Profiles {
			if p.Name == "" {
				return c.invalid(fmt.Sprintf("source %q has an unnamed profile", src.Name))
			}
			if profileNames[p.Name] {
				return c.invalid(fmt.Sprintf("source %q: duplicate profile %q", src.Name, p.Name))
			}
			profileNames[p.Name] = true
			if p.SampleRate <= 0 {
				return c.invalid(fmt.Sprintf("source %q profile %q: sample rate must be positive", src.Name, p.Name))
			}
			if src.MaxSampleRate > 0 && p.SampleRate > src.MaxSampleRate {
				return c.invalid(fmt.Sprintf("source %q profile %q: sample rate exceeds device limit", src.Name, p.Name))
			}
		}
	}
	if c.Server.MaxClients < 0 || c.Server.MaxClientsPerSource < 0 {
		return c.invalid("client caps cannot be negative")
	}
	return nil
}

func (c *Config) invalid(msg string) error {
	return errors.WrapValidation(
		fmt.Errorf("%w: %s", errors.ErrInvalidValue, msg),
		"Config", "Validate", "check config")
}
