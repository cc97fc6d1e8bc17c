package source

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mihow/openwebrxplus/errors"
)

// Manager is the registry of hardware sources. It is created at startup,
// passed by reference to whatever needs device access, and torn down at
// shutdown. Sources may also come and go at runtime when devices are
// hotplugged.
type Manager struct {
	logger *slog.Logger

	mu      sync.RWMutex
	sources map[string]*HardwareSource
	closed  bool
}

// NewManager creates an empty registry.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:  logger,
		sources: make(map[string]*HardwareSource),
	}
}

// Add registers a source under its name.
func (m *Manager) Add(src *HardwareSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.Wrap(errors.ErrShuttingDown, "Manager", "Add", src.Name())
	}
	if _, exists := m.sources[src.Name()]; exists {
		return errors.WrapValidation(
			fmt.Errorf("%w: source %q already registered", errors.ErrInvalidValue, src.Name()),
			"Manager", "Add", "register source")
	}
	m.sources[src.Name()] = src
	m.logger.Info("source registered", "source", src.Name())
	return nil
}

// Remove unregisters and shuts down a source. Removing an unknown name is a
// no-op.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	src, ok := m.sources[name]
	delete(m.sources, name)
	m.mu.Unlock()
	if ok {
		src.Shutdown()
		m.logger.Info("source removed", "source", name)
	}
}

// Get looks up a source by name.
func (m *Manager) Get(name string) (*HardwareSource, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src, ok := m.sources[name]
	return src, ok
}

// Names returns the registered source names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.sources))
	for name := range m.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sources returns all registered sources.
func (m *Manager) Sources() []*HardwareSource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*HardwareSource, 0, len(m.sources))
	for _, src := range m.sources {
		out = append(out, src)
	}
	return out
}

// Shutdown stops every source and refuses further registrations.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	sources := make([]*HardwareSource, 0, len(m.sources))
	for _, src := range m.sources {
		sources = append(sources, src)
	}
	m.sources = make(map[string]*HardwareSource)
	m.mu.Unlock()

	for _, src := range sources {
		src.Shutdown()
	}
}
