package property

import (
	"sort"
	"sync"
)

// Layer is a flat mapping from key to Property. The whole mapping can be
// replaced in one operation, which is how profile switches land.
type Layer struct {
	mu       sync.RWMutex
	name     string
	props    map[string]*Property
	hooks    []func(key string)
	propSubs map[string]*Subscription
}

// NewLayer creates an empty layer.
func NewLayer(name string) *Layer {
	return &Layer{
		name:     name,
		props:    make(map[string]*Property),
		propSubs: make(map[string]*Subscription),
	}
}

// NewLayerFromMap creates a layer pre-populated with values.
func NewLayerFromMap(name string, values map[string]any) *Layer {
	l := NewLayer(name)
	for k, v := range values {
		_ = l.Set(k, v)
	}
	return l
}

// Name returns the layer name.
func (l *Layer) Name() string {
	return l.name
}

// Get returns the value for key if the layer defines it.
func (l *Layer) Get(key string) (any, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.props[key]
	if !ok {
		return nil, false
	}
	return p.Get(), true
}

// Has reports whether the layer defines key.
func (l *Layer) Has(key string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.props[key]
	return ok
}

// Set writes a value, creating the property if the layer does not define it.
// A validator rejection from an installed property propagates unchanged.
func (l *Layer) Set(key string, value any) error {
	l.mu.Lock()
	p, ok := l.props[key]
	if !ok {
		p = NewProperty(key, value)
		l.install(key, p)
		l.mu.Unlock()
		l.fire(key)
		return nil
	}
	l.mu.Unlock()
	// Existing property: Set fires the property's own subscribers, and the
	// installed bridge subscription fires the layer hooks.
	return p.Set(value)
}

// SetProperty installs a pre-built property (typically validated) under its
// own key, replacing any existing one.
func (l *Layer) SetProperty(p *Property) {
	l.mu.Lock()
	if old, ok := l.props[p.Key()]; ok {
		old.Unwire(l.propSubs[p.Key()])
	}
	l.install(p.Key(), p)
	l.mu.Unlock()
	l.fire(p.Key())
}

// install wires the layer's hook bridge into the property. Caller holds l.mu.
func (l *Layer) install(key string, p *Property) {
	l.props[key] = p
	l.propSubs[key] = p.Wire(func(k string, _, _ any) {
		l.fire(k)
	})
}

// Delete removes key from the layer. Returns false if the layer did not
// define it.
func (l *Layer) Delete(key string) bool {
	l.mu.Lock()
	p, ok := l.props[key]
	if !ok {
		l.mu.Unlock()
		return false
	}
	p.Unwire(l.propSubs[key])
	delete(l.props, key)
	delete(l.propSubs, key)
	l.mu.Unlock()
	l.fire(key)
	return true
}

// Replace swaps the layer's entire content for values, firing hooks for every
// key that was removed, added, or changed.
func (l *Layer) Replace(values map[string]any) {
	l.mu.Lock()

	var removed, added []string
	var changed []*Property
	var changedValues []any

	for key, p := range l.props {
		if _, keep := values[key]; !keep {
			p.Unwire(l.propSubs[key])
			delete(l.props, key)
			delete(l.propSubs, key)
			removed = append(removed, key)
		}
	}
	for key, value := range values {
		p, ok := l.props[key]
		if !ok {
			l.install(key, NewProperty(key, value))
			added = append(added, key)
			continue
		}
		if p.Get() != value {
			changed = append(changed, p)
			changedValues = append(changedValues, value)
		}
	}
	l.mu.Unlock()

	// Survivors go through Set, outside the layer lock, so their own
	// subscribers fire; the installed bridge fires the layer hooks.
	for i, p := range changed {
		_ = p.Set(changedValues[i])
	}
	for _, key := range removed {
		l.fire(key)
	}
	for _, key := range added {
		l.fire(key)
	}
}

// Keys returns the layer's keys in sorted order.
func (l *Layer) Keys() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	keys := make([]string, 0, len(l.props))
	for k := range l.props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of the layer's current values.
func (l *Layer) Snapshot() map[string]any {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]any, len(l.props))
	for k, p := range l.props {
		out[k] = p.Get()
	}
	return out
}

// onChange registers a layer-level hook fired with each touched key. Used by
// Stack to observe resolution changes; not part of the public surface.
func (l *Layer) onChange(hook func(key string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, hook)
}

func (l *Layer) fire(key string) {
	l.mu.RLock()
	hooks := make([]func(string), len(l.hooks))
	copy(hooks, l.hooks)
	l.mu.RUnlock()
	for _, h := range hooks {
		h(key)
	}
}
