package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihow/openwebrxplus/config"
)

func newTestReceiver(t *testing.T) *Receiver {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	r, err := New(config.Default(), logger)
	require.NoError(t, err)
	t.Cleanup(r.shutdown)
	return r
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestNewFromDefaultConfig(t *testing.T) {
	r := newTestReceiver(t)

	names := r.sources.Names()
	require.Equal(t, []string{"sim"}, names)

	src, ok := r.sources.Get("sim")
	require.True(t, ok)
	_, active := src.Profiles().Active()
	assert.Equal(t, "40m", active)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Sources[0].Type = "rtlsdr"

	_, err := New(cfg, slog.Default())
	require.Error(t, err)
}

func TestNewNilConfigUsesDefaults(t *testing.T) {
	r, err := New(nil, slog.Default())
	require.NoError(t, err)
	t.Cleanup(r.shutdown)

	assert.Equal(t, ":8073", r.cfg.Server.Listen)
}

func TestHealthEndpoint(t *testing.T) {
	r := newTestReceiver(t)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestStatusEndpoint(t *testing.T) {
	r := newTestReceiver(t)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Receiver string `json:"receiver"`
		Version  string `json:"version"`
		Clients  int    `json:"clients"`
		Sources  []struct {
			Name     string   `json:"name"`
			State    string   `json:"state"`
			Clients  int      `json:"clients"`
			Active   string   `json:"active_profile"`
			Profiles []string `json:"profiles"`
		} `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Equal(t, "openwebrxplus", body.Receiver)
	assert.Equal(t, 0, body.Clients)
	require.Len(t, body.Sources, 1)
	assert.Equal(t, "sim", body.Sources[0].Name)
	assert.Equal(t, "stopped", body.Sources[0].State)
	assert.Equal(t, "40m", body.Sources[0].Active)
	assert.Equal(t, []string{"40m"}, body.Sources[0].Profiles)
}

func TestMetricsEndpoint(t *testing.T) {
	r := newTestReceiver(t)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "openwebrxplus_sessions_active")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = time.Second

	r, err := New(cfg, slog.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
