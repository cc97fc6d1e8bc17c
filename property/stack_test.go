package property

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihow/openwebrxplus/errors"
)

// threeLayerStack builds the session-shaped stack: hardware defaults under a
// profile under live overrides.
func threeLayerStack(t *testing.T) (*Stack, *Layer, *Layer, *Layer) {
	t.Helper()
	defaults := NewLayerFromMap("defaults", map[string]any{
		"frequency":   14200000,
		"mode":        "am",
		"sample_rate": 2400000,
	})
	profile := NewLayerFromMap("profile", map[string]any{
		"frequency": 7074000,
		"mode":      "lsb",
	})
	overrides := NewLayer("overrides")

	s := NewStack()
	require.NoError(t, s.AddLayer(0, defaults))
	require.NoError(t, s.AddLayer(1, profile))
	require.NoError(t, s.AddLayer(2, overrides))
	return s, defaults, profile, overrides
}

func TestStackResolvesHighestPriority(t *testing.T) {
	s, _, _, overrides := threeLayerStack(t)

	// Profile shadows defaults.
	v, ok := s.Get("frequency")
	require.True(t, ok)
	assert.Equal(t, 7074000, v)

	// Defaults visible where profile is silent.
	v, ok = s.Get("sample_rate")
	require.True(t, ok)
	assert.Equal(t, 2400000, v)

	// Override shadows both.
	require.NoError(t, overrides.Set("mode", "usb"))
	v, ok = s.Get("mode")
	require.True(t, ok)
	assert.Equal(t, "usb", v)

	_, ok = s.Get("nonexistent")
	assert.False(t, ok)
}

func TestStackDeleteRevealsLowerLayer(t *testing.T) {
	s, _, _, overrides := threeLayerStack(t)
	require.NoError(t, overrides.Set("mode", "usb"))

	// Round-trip law: deleting the top definition reveals the next one down.
	require.True(t, s.Delete("mode"))
	v, ok := s.Get("mode")
	require.True(t, ok)
	assert.Equal(t, "lsb", v, "profile value revealed")

	require.True(t, s.Delete("mode"))
	v, ok = s.Get("mode")
	require.True(t, ok)
	assert.Equal(t, "am", v, "defaults value revealed")

	require.True(t, s.Delete("mode"))
	_, ok = s.Get("mode")
	assert.False(t, ok)

	assert.False(t, s.Delete("mode"), "nothing left to delete")
}

func TestStackDuplicatePriorityRejected(t *testing.T) {
	s := NewStack()
	require.NoError(t, s.AddLayer(1, NewLayer("a")))
	err := s.AddLayer(1, NewLayer("b"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDuplicatePriority)
}

func TestStackSetWritesTopLayer(t *testing.T) {
	s, _, profile, overrides := threeLayerStack(t)

	require.NoError(t, s.Set("frequency", 7200000))
	v, _ := overrides.Get("frequency")
	assert.Equal(t, 7200000, v)

	// Profile keeps its own value underneath.
	v, _ = profile.Get("frequency")
	assert.Equal(t, 7074000, v)
}

func TestStackWireFiresOnResolvedChangeOnly(t *testing.T) {
	s, defaults, _, overrides := threeLayerStack(t)

	var events []any
	s.Wire("frequency", func(_ string, _, newValue any) {
		events = append(events, newValue)
	})

	// Write to a shadowed layer: resolution unchanged, no event.
	require.NoError(t, defaults.Set("frequency", 3573000))
	assert.Empty(t, events)

	// Write at the top: resolution changes.
	require.NoError(t, overrides.Set("frequency", 7200000))
	assert.Equal(t, []any{7200000}, events)

	// An override repeating the resolved value is not a change either.
	require.NoError(t, overrides.Set("frequency", 7200000))
	require.Len(t, events, 1)

	// Delete the override: resolution falls back to the profile's value.
	s.Delete("frequency")
	require.Len(t, events, 2)
	assert.Equal(t, 7074000, events[1])
}

func TestStackUncomparableValues(t *testing.T) {
	s := NewStack()
	layer := NewLayer("overrides")
	require.NoError(t, s.AddLayer(0, layer))

	var events int
	s.Wire("bands", func(_ string, _, _ any) { events++ })

	// Slice values must not panic the resolved-change comparison.
	require.NoError(t, layer.Set("bands", []int{40, 20}))
	require.NoError(t, layer.Set("bands", []int{40, 20}))
	require.NoError(t, layer.Set("bands", []int{40, 20, 10}))

	assert.Equal(t, 2, events, "identical slice write suppressed, changed slice fires")
}

func TestStackUnwire(t *testing.T) {
	s, _, _, overrides := threeLayerStack(t)
	calls := 0
	sub := s.Wire("mode", func(_ string, _, _ any) { calls++ })

	require.NoError(t, overrides.Set("mode", "usb"))
	s.Unwire(sub)
	require.NoError(t, overrides.Set("mode", "cw"))

	assert.Equal(t, 1, calls)
}

func TestStackSnapshot(t *testing.T) {
	s, _, _, overrides := threeLayerStack(t)
	require.NoError(t, overrides.Set("squelch", -80))

	snap := s.Snapshot()
	assert.Equal(t, 7074000, snap["frequency"])
	assert.Equal(t, "lsb", snap["mode"])
	assert.Equal(t, 2400000, snap["sample_rate"])
	assert.Equal(t, -80, snap["squelch"])
}

func TestLayerReplaceFiresStackEvents(t *testing.T) {
	s, _, profile, _ := threeLayerStack(t)

	var modeEvents, freqEvents int
	s.Wire("mode", func(_ string, _, _ any) { modeEvents++ })
	s.Wire("frequency", func(_ string, _, _ any) { freqEvents++ })

	// Profile switch lands as a bulk replace of the profile layer.
	profile.Replace(map[string]any{
		"frequency": 14074000,
		"mode":      "usb",
	})

	assert.Equal(t, 1, modeEvents)
	assert.Equal(t, 1, freqEvents)

	v, _ := s.Get("frequency")
	assert.Equal(t, 14074000, v)
}
