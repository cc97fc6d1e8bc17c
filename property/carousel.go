package property

import (
	"fmt"
	"sync"

	"github.com/mihow/openwebrxplus/errors"
)

// Carousel is a named set of layers with a single active index, used for
// time-sliced hardware profiles. Switch advances the active profile and
// reports every key whose resolved value differs from before the switch.
type Carousel struct {
	mu     sync.Mutex
	name   string
	names  []string
	layers []*Layer
	active int
	subs   []*Subscription
	nextID int
}

// NewCarousel creates a carousel. At least one profile is required.
func NewCarousel(name string, profileNames []string, profiles []*Layer) (*Carousel, error) {
	if len(profiles) == 0 || len(profiles) != len(profileNames) {
		return nil, errors.WrapValidation(
			fmt.Errorf("%w: carousel needs matching profile names and layers", errors.ErrInvalidValue),
			"Carousel", "NewCarousel", "construct")
	}
	return &Carousel{name: name, names: profileNames, layers: profiles}, nil
}

// Name returns the carousel name.
func (c *Carousel) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// Active returns the active profile layer and its name.
func (c *Carousel) Active() (*Layer, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.layers[c.active], c.names[c.active]
}

// ActiveIndex returns the active profile index.
func (c *Carousel) ActiveIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Profiles returns the profile names in order.
func (c *Carousel) Profiles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// Get resolves key against the active profile.
func (c *Carousel) Get(key string) (any, bool) {
	layer, _ := c.Active()
	return layer.Get(key)
}

// Switch advances the active index, wrapping at the end, and fires change
// notifications for every key whose resolved value differs. Returns the name
// of the newly active profile.
func (c *Carousel) Switch() string {
	return c.moveTo((c.activeIndex() + 1) % c.count())
}

// Select activates the named profile. Selecting the already-active profile is
// a no-op.
func (c *Carousel) Select(name string) (string, error) {
	c.mu.Lock()
	target := -1
	for i, n := range c.names {
		if n == name {
			target = i
			break
		}
	}
	current := c.active
	c.mu.Unlock()

	if target < 0 {
		return "", errors.WrapValidation(
			fmt.Errorf("%w: profile %q", errors.ErrUnknownKey, name),
			"Carousel", "Select", "lookup")
	}
	if target == current {
		return name, nil
	}
	return c.moveTo(target), nil
}

// Wire registers a subscriber fired once per changed key on every switch.
func (c *Carousel) Wire(fn ChangeFunc) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &Subscription{id: c.nextID, fn: fn}
	c.nextID++
	c.subs = append(c.subs, s)
	return s
}

// Unwire removes a subscriber.
func (c *Carousel) Unwire(sub *Subscription) {
	if sub == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.subs {
		if s.id == sub.id {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

func (c *Carousel) activeIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Carousel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.layers)
}

func (c *Carousel) moveTo(target int) string {
	c.mu.Lock()
	before := c.layers[c.active].Snapshot()
	c.active = target
	after := c.layers[c.active].Snapshot()
	name := c.names[c.active]

	type change struct {
		key      string
		old, new any
	}
	var changes []change
	for key, oldValue := range before {
		newValue, stillDefined := after[key]
		if !stillDefined {
			changes = append(changes, change{key, oldValue, nil})
			continue
		}
		if !sameValue(oldValue, newValue) {
			changes = append(changes, change{key, oldValue, newValue})
		}
	}
	for key, newValue := range after {
		if _, wasDefined := before[key]; !wasDefined {
			changes = append(changes, change{key, nil, newValue})
		}
	}

	subs := make([]*Subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, ch := range changes {
		for _, s := range subs {
			s.fn(ch.key, ch.old, ch.new)
		}
	}
	return name
}
