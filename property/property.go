package property

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/mihow/openwebrxplus/errors"
)

// maxDispatchDepth bounds reentrant writes from inside change callbacks.
// Legitimate wiring (mode change adjusts bandwidth, which adjusts the
// pipeline) is two or three levels deep; anything past this is a cycle.
const maxDispatchDepth = 8

// ChangeFunc is invoked after a property value changes.
type ChangeFunc func(key string, oldValue, newValue any)

// Validator rejects a candidate value before mutation.
type Validator func(value any) error

// Subscription is the handle returned by Wire, used to Unwire.
type Subscription struct {
	id int
	fn ChangeFunc
}

// Property is a single observable value.
type Property struct {
	mu        sync.Mutex
	key       string
	value     any
	validator Validator
	subs      []*Subscription
	nextSubID int
	depth     int
	cycleHit  bool
}

// NewProperty creates a property with an initial value.
func NewProperty(key string, value any) *Property {
	return &Property{key: key, value: value}
}

// NewValidatedProperty creates a property whose writes must pass validate.
// The initial value is not validated; it is the caller's baseline.
func NewValidatedProperty(key string, value any, validate Validator) *Property {
	return &Property{key: key, value: value, validator: validate}
}

// Key returns the property key.
func (p *Property) Key() string {
	return p.key
}

// Get returns the current value.
func (p *Property) Get() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}

// Set validates, mutates, then synchronously invokes subscribers in
// registration order. A validator rejection leaves the value unchanged.
// Subscribers run outside the property lock against a copy of the subscriber
// list taken at mutation time.
func (p *Property) Set(value any) error {
	p.mu.Lock()
	if p.validator != nil {
		if err := p.validator(value); err != nil {
			p.mu.Unlock()
			return errors.WrapValidation(
				fmt.Errorf("%w: key %q: %v", errors.ErrInvalidValue, p.key, err),
				"Property", "Set", "validate")
		}
	}

	old := p.value
	p.value = value

	if p.depth >= maxDispatchDepth {
		p.cycleHit = true
		p.mu.Unlock()
		return errors.Wrap(errors.ErrSubscriberCycle, "Property", "Set", "dispatch")
	}
	p.depth++
	subs := make([]*Subscription, len(p.subs))
	copy(subs, p.subs)
	p.mu.Unlock()

	for _, s := range subs {
		s.fn(p.key, old, value)
	}

	// A cut cycle surfaces from every Set on the reentrant call chain, not
	// just the innermost one, so the original caller sees it too.
	p.mu.Lock()
	p.depth--
	tripped := p.cycleHit
	if p.depth == 0 {
		p.cycleHit = false
	}
	p.mu.Unlock()
	if tripped {
		return errors.Wrap(errors.ErrSubscriberCycle, "Property", "Set", "dispatch")
	}
	return nil
}

// Wire registers a change subscriber. Wiring is persistent until Unwire.
func (p *Property) Wire(fn ChangeFunc) *Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &Subscription{id: p.nextSubID, fn: fn}
	p.nextSubID++
	p.subs = append(p.subs, s)
	return s
}

// Unwire removes a subscriber. Unknown subscriptions are a no-op.
func (p *Property) Unwire(sub *Subscription) {
	if sub == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.subs {
		if s.id == sub.id {
			p.subs = append(p.subs[:i], p.subs[i+1:]...)
			return
		}
	}
}

// sameValue compares two property values. Properties hold arbitrary values,
// including slices and maps, which == would panic on.
func sameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta == tb && ta.Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

// SubscriberCount returns the number of wired subscribers.
func (p *Property) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}
