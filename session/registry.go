package session

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/mihow/openwebrxplus/errors"
	"github.com/mihow/openwebrxplus/metric"
)

// Registry tracks every live session and applies admission control. One
// registry exists per server process, created at startup and passed to the
// protocol layer.
type Registry struct {
	serverCap int
	sourceCap int
	core      *metric.CoreMetrics
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// RegistryConfig sets the admission caps. Zero means unlimited.
type RegistryConfig struct {
	MaxClients          int
	MaxClientsPerSource int
	Core                *metric.CoreMetrics
	Logger              *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		serverCap: cfg.MaxClients,
		sourceCap: cfg.MaxClientsPerSource,
		core:      cfg.Core,
		logger:    cfg.Logger,
		sessions:  make(map[string]*Session),
	}
}

// Admit checks capacity and, if there is room, registers and activates the
// session. On rejection nothing is allocated: no attachment, no pipeline,
// and the caller reports the denial and closes the connection. Existing
// sessions are never touched by someone else's rejection.
func (r *Registry) Admit(s *Session) error {
	r.mu.Lock()
	if r.serverCap > 0 && len(r.sessions) >= r.serverCap {
		r.mu.Unlock()
		return r.deny("server", fmt.Errorf("%w: server at %d clients",
			errors.ErrServerFull, r.serverCap))
	}
	if r.sourceCap > 0 && r.countForSourceLocked(s.Source().Name()) >= r.sourceCap {
		r.mu.Unlock()
		return r.deny("source", fmt.Errorf("%w: source %q at %d clients",
			errors.ErrSourceFull, s.Source().Name(), r.sourceCap))
	}
	r.sessions[s.ID()] = s
	count := len(r.sessions)
	r.mu.Unlock()

	if err := s.Activate(); err != nil {
		r.Release(s)
		return err
	}

	if r.core != nil {
		r.core.SessionsTotal.Inc()
		r.core.SessionsActive.Set(float64(count))
	}
	r.logger.Info("session admitted", "session", s.ID(),
		"source", s.Source().Name(), "clients", count)
	r.broadcastCount()
	return nil
}

func (r *Registry) deny(reason string, cause error) error {
	if r.core != nil {
		r.core.AdmissionsDenied.WithLabelValues(reason).Inc()
	}
	return errors.WrapAdmission(cause, "Registry", "Admit", "check capacity")
}

// Release removes a session from the registry. Idempotent; releasing an
// unknown session is a no-op.
func (r *Registry) Release(s *Session) {
	r.mu.Lock()
	_, ok := r.sessions[s.ID()]
	delete(r.sessions, s.ID())
	count := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return
	}
	if r.core != nil {
		r.core.SessionsActive.Set(float64(count))
	}
	r.broadcastCount()
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CountForSource returns the number of live sessions on one source.
func (r *Registry) CountForSource(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countForSourceLocked(name)
}

func (r *Registry) countForSourceLocked(name string) int {
	n := 0
	for _, s := range r.sessions {
		if s.Source().Name() == name {
			n++
		}
	}
	return n
}

// Broadcast sends a tagged telemetry message to every live session.
func (r *Registry) Broadcast(name string, payload any) {
	for _, s := range r.snapshot() {
		if err := s.sink.SendEvent(name, payload); err != nil {
			r.logger.Debug("broadcast send failed", "session", s.ID(), "error", err)
		}
	}
}

// broadcastCount pushes the current client count to everyone.
func (r *Registry) broadcastCount() {
	r.Broadcast("clients", r.Count())
}

func (r *Registry) snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// CloseAll force-closes every session, used at server shutdown.
func (r *Registry) CloseAll() {
	for _, s := range r.snapshot() {
		s.Close()
		r.Release(s)
	}
}
