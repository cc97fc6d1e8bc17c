package property

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mihow/openwebrxplus/errors"
)

// Stack is an ordered set of layers indexed by priority. Lookups resolve from
// the highest-priority layer down; deletes strip only the topmost definition,
// revealing whatever a lower layer holds.
type Stack struct {
	mu       sync.Mutex
	layers   map[int]*Layer
	order    []int // priorities, descending
	resolved map[string]any
	subs     map[string][]*StackSubscription
	nextID   int
}

// StackSubscription is the handle returned by Stack.Wire.
type StackSubscription struct {
	id  int
	key string
	fn  ChangeFunc
}

// NewStack creates an empty stack.
func NewStack() *Stack {
	return &Stack{
		layers:   make(map[int]*Layer),
		resolved: make(map[string]any),
		subs:     make(map[string][]*StackSubscription),
	}
}

// AddLayer inserts a layer at the given priority. Duplicate priorities are a
// construction error, not a silent override.
func (s *Stack) AddLayer(priority int, layer *Layer) error {
	s.mu.Lock()
	if _, exists := s.layers[priority]; exists {
		s.mu.Unlock()
		return errors.WrapValidation(
			fmt.Errorf("%w: priority %d", errors.ErrDuplicatePriority, priority),
			"Stack", "AddLayer", "insert")
	}
	s.layers[priority] = layer
	s.order = append(s.order, priority)
	sort.Sort(sort.Reverse(sort.IntSlice(s.order)))
	s.mu.Unlock()

	layer.onChange(func(key string) {
		s.layerChanged(key)
	})

	// Adding a layer can change resolution for every key it defines.
	for _, key := range layer.Keys() {
		s.layerChanged(key)
	}
	return nil
}

// Layer returns the layer at the given priority, or nil.
func (s *Stack) Layer(priority int) *Layer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.layers[priority]
}

// Get returns the value from the highest-priority layer defining key.
func (s *Stack) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(key)
}

// GetDefault returns the resolved value or def when no layer defines key.
func (s *Stack) GetDefault(key string, def any) any {
	if v, ok := s.Get(key); ok {
		return v
	}
	return def
}

// Set writes to the highest-priority layer in the stack, creating the key
// there if absent. This is the path live session overrides take.
func (s *Stack) Set(key string, value any) error {
	s.mu.Lock()
	if len(s.order) == 0 {
		s.mu.Unlock()
		return errors.WrapValidation(
			fmt.Errorf("%w: empty stack", errors.ErrUnknownKey),
			"Stack", "Set", "resolve top layer")
	}
	top := s.layers[s.order[0]]
	s.mu.Unlock()
	return top.Set(key, value)
}

// Delete removes key from the topmost layer that defines it, potentially
// revealing a lower layer's value. Returns false if no layer defines key.
func (s *Stack) Delete(key string) bool {
	s.mu.Lock()
	var target *Layer
	for _, prio := range s.order {
		if s.layers[prio].Has(key) {
			target = s.layers[prio]
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return false
	}
	return target.Delete(key)
}

// Wire registers a subscriber for resolved-value changes of key.
func (s *Stack) Wire(key string, fn ChangeFunc) *StackSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &StackSubscription{id: s.nextID, key: key, fn: fn}
	s.nextID++
	s.subs[key] = append(s.subs[key], sub)

	// Seed the cache so the first real change has an old value to report.
	if _, cached := s.resolved[key]; !cached {
		if v, ok := s.resolveLocked(key); ok {
			s.resolved[key] = v
		}
	}
	return sub
}

// Unwire removes a subscriber. Unknown subscriptions are a no-op.
func (s *Stack) Unwire(sub *StackSubscription) {
	if sub == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.subs[sub.key]
	for i, candidate := range subs {
		if candidate.id == sub.id {
			s.subs[sub.key] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Snapshot returns the fully resolved view of the stack.
func (s *Stack) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]any)
	// Walk lowest priority first so higher layers overwrite.
	for i := len(s.order) - 1; i >= 0; i-- {
		for k, v := range s.layers[s.order[i]].Snapshot() {
			out[k] = v
		}
	}
	return out
}

// resolveLocked walks layers by descending priority. Caller holds s.mu.
func (s *Stack) resolveLocked(key string) (any, bool) {
	for _, prio := range s.order {
		if v, ok := s.layers[prio].Get(key); ok {
			return v, true
		}
	}
	return nil, false
}

// layerChanged recomputes resolution for key and notifies stack subscribers
// if the resolved value actually changed. A write to a shadowed layer is
// invisible here, which is exactly the stack contract.
func (s *Stack) layerChanged(key string) {
	s.mu.Lock()
	newValue, defined := s.resolveLocked(key)
	oldValue, hadOld := s.resolved[key]

	if defined {
		s.resolved[key] = newValue
	} else {
		delete(s.resolved, key)
	}

	if hadOld && sameValue(oldValue, newValue) {
		s.mu.Unlock()
		return
	}
	if !hadOld && !defined {
		s.mu.Unlock()
		return
	}

	subs := make([]*StackSubscription, len(s.subs[key]))
	copy(subs, s.subs[key])
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn(key, oldValue, newValue)
	}
}
