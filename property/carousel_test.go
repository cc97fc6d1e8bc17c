package property

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihow/openwebrxplus/errors"
)

func twoProfileCarousel(t *testing.T) *Carousel {
	t.Helper()
	day := NewLayerFromMap("20m", map[string]any{
		"frequency":   14074000,
		"mode":        "usb",
		"sample_rate": 2400000,
	})
	night := NewLayerFromMap("40m", map[string]any{
		"frequency": 7074000,
		"mode":      "lsb",
		"nf_gain":   30,
	})
	c, err := NewCarousel("band-plan", []string{"20m", "40m"}, []*Layer{day, night})
	require.NoError(t, err)
	return c
}

func TestCarouselConstruction(t *testing.T) {
	_, err := NewCarousel("empty", nil, nil)
	assert.Error(t, err)

	c := twoProfileCarousel(t)
	_, name := c.Active()
	assert.Equal(t, "20m", name)
	assert.Equal(t, []string{"20m", "40m"}, c.Profiles())
}

func TestCarouselSwitchAdvancesAndWraps(t *testing.T) {
	c := twoProfileCarousel(t)

	assert.Equal(t, "40m", c.Switch())
	assert.Equal(t, 1, c.ActiveIndex())

	assert.Equal(t, "20m", c.Switch(), "wraps back to the first profile")
	assert.Equal(t, 0, c.ActiveIndex())
}

func TestCarouselSwitchFiresOnlyChangedKeys(t *testing.T) {
	c := twoProfileCarousel(t)

	changes := make(map[string][2]any)
	c.Wire(func(key string, oldValue, newValue any) {
		changes[key] = [2]any{oldValue, newValue}
	})

	c.Switch() // 20m -> 40m

	// frequency and mode differ, sample_rate disappears, nf_gain appears.
	assert.Equal(t, [2]any{14074000, 7074000}, changes["frequency"])
	assert.Equal(t, [2]any{"usb", "lsb"}, changes["mode"])
	assert.Equal(t, [2]any{2400000, nil}, changes["sample_rate"])
	assert.Equal(t, [2]any{nil, 30}, changes["nf_gain"])
	assert.Len(t, changes, 4)
}

func TestCarouselSelect(t *testing.T) {
	c := twoProfileCarousel(t)

	name, err := c.Select("40m")
	require.NoError(t, err)
	assert.Equal(t, "40m", name)

	// Selecting the active profile fires nothing.
	fired := 0
	c.Wire(func(_ string, _, _ any) { fired++ })
	_, err = c.Select("40m")
	require.NoError(t, err)
	assert.Equal(t, 0, fired)

	_, err = c.Select("60m")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestCarouselSwitchUncomparableValues(t *testing.T) {
	a := NewLayerFromMap("a", map[string]any{"tags": []string{"digi"}})
	b := NewLayerFromMap("b", map[string]any{"tags": []string{"digi"}})
	c, err := NewCarousel("slices", []string{"a", "b"}, []*Layer{a, b})
	require.NoError(t, err)

	var events int
	c.Wire(func(_ string, _, _ any) { events++ })

	// Slice-valued keys must not panic the change diff; equal slices are
	// not a change.
	c.Switch()
	assert.Equal(t, 0, events)
}

func TestCarouselUnwire(t *testing.T) {
	c := twoProfileCarousel(t)
	calls := 0
	sub := c.Wire(func(_ string, _, _ any) { calls++ })
	c.Switch()
	first := calls
	c.Unwire(sub)
	c.Switch()
	assert.Equal(t, first, calls)
}
