package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihow/openwebrxplus/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8073", cfg.Server.Listen)
	assert.Len(t, cfg.Sources, 1)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
receiver:
  name: Test Receiver
  location: Berlin
server:
  listen: ":9073"
  max_clients: 5
  max_clients_per_source: 2
nats:
  url: nats://localhost:4222
sources:
  - name: rtl0
    type: sim
    min_frequency: 100000
    max_frequency: 30000000
    max_sample_rate: 2400000
    profiles:
      - name: 40m
        center_freq: 7100000
        samp_rate: 2400000
        start_freq: 7074000
        start_mod: usb
      - name: 20m
        center_freq: 14150000
        samp_rate: 2400000
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "Test Receiver", cfg.Receiver.Name)
	assert.Equal(t, ":9073", cfg.Server.Listen)
	assert.Equal(t, 5, cfg.Server.MaxClients)
	assert.Equal(t, 2, cfg.Server.MaxClientsPerSource)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	require.Len(t, cfg.Sources, 1)
	assert.Equal(t, int64(7100000), cfg.Sources[0].Profiles[0].CenterFrequency)
	assert.Equal(t, "usb", cfg.Sources[0].Profiles[0].StartMode)

	// Unset timeouts pick up defaults.
	assert.Equal(t, 10*time.Second, cfg.Server.NegotiationTimeout)
}

func TestLoadDurationStrings(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: ":8073"
  negotiation_timeout: 5s
  shutdown_timeout: 1m30s
nats:
  url: nats://localhost:4222
  reconnect_wait: 2s
sources:
  - name: sim
    type: sim
    profiles:
      - {name: 40m, center_freq: 7100000, samp_rate: 2400000}
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Server.NegotiationTimeout)
	assert.Equal(t, 90*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 2*time.Second, cfg.NATS.ReconnectWait)
}

func TestLoadBadDuration(t *testing.T) {
	path := writeConfig(t, `
server:
  negotiation_timeout: soon
sources:
  - name: sim
    type: sim
    profiles:
      - {name: 40m, center_freq: 7100000, samp_rate: 2400000}
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, `{
  "server": {"listen": ":8073"},
  "sources": [
    {
      "name": "sim",
      "type": "sim",
      "profiles": [{"name": "40m", "center_freq": 7100000, "samp_rate": 2400000}]
    }
  ]
}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sim", cfg.Sources[0].Name)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"no sources", `server: {listen: ":8073"}`},
		{"unnamed source", `sources: [{type: sim, profiles: [{name: p, samp_rate: 1}]}]`},
		{"duplicate source", `sources:
  - {name: a, type: sim, profiles: [{name: p, samp_rate: 1}]}
  - {name: a, type: sim, profiles: [{name: p, samp_rate: 1}]}`},
		{"unknown type", `sources: [{name: a, type: usb3, profiles: [{name: p, samp_rate: 1}]}]`},
		{"file without path", `sources: [{name: a, type: file, profiles: [{name: p, samp_rate: 1}]}]`},
		{"no profiles", `sources: [{name: a, type: sim}]`},
		{"duplicate profile", `sources: [{name: a, type: sim, profiles: [{name: p, samp_rate: 1}, {name: p, samp_rate: 1}]}]`},
		{"zero sample rate", `sources: [{name: a, type: sim, profiles: [{name: p}]}]`},
		{"rate over device limit", `sources: [{name: a, type: sim, max_sample_rate: 100, profiles: [{name: p, samp_rate: 200}]}]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err))
		})
	}
}
