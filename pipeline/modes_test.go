package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihow/openwebrxplus/errors"
)

func validDescriptor() ModeDescriptor {
	return ModeDescriptor{
		Name:         "usb",
		DisplayName:  "USB",
		Output:       "audio",
		InputFormat:  FormatIQCF32,
		OutputFormat: FormatAudioS16,
		Bandwidth:    2700,
		Requirements: []string{"csdr"},
	}
}

func noopBuilder(BuildRequest) ([]Stage, error) { return nil, nil }

func TestModeRegistryRegisterAndLookup(t *testing.T) {
	r, err := NewModeRegistry()
	require.NoError(t, err)

	require.NoError(t, r.Register(validDescriptor(), noopBuilder))

	desc, build, err := r.Lookup("usb")
	require.NoError(t, err)
	assert.Equal(t, "usb", desc.Name)
	assert.NotNil(t, build)

	_, _, err = r.Lookup("wfm")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnknownMode)
}

func TestModeRegistrySchemaRejectsBadDescriptors(t *testing.T) {
	r, err := NewModeRegistry()
	require.NoError(t, err)

	tests := []struct {
		name string
		desc ModeDescriptor
	}{
		{"empty name", func() ModeDescriptor { d := validDescriptor(); d.Name = ""; return d }()},
		{"uppercase name", func() ModeDescriptor { d := validDescriptor(); d.Name = "USB"; return d }()},
		{"bad output kind", func() ModeDescriptor { d := validDescriptor(); d.Output = "video"; return d }()},
		{"missing input format", func() ModeDescriptor { d := validDescriptor(); d.InputFormat = ""; return d }()},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := r.Register(tc.desc, noopBuilder)
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err))
		})
	}
}

func TestModeRegistryDuplicateAndNilBuilder(t *testing.T) {
	r, err := NewModeRegistry()
	require.NoError(t, err)

	require.NoError(t, r.Register(validDescriptor(), noopBuilder))
	assert.Error(t, r.Register(validDescriptor(), noopBuilder), "duplicate name")
	bad := validDescriptor()
	bad.Name = "lsb"
	assert.Error(t, r.Register(bad, nil), "nil builder")
}

func TestModeRegistryAvailableFiltersByFeatures(t *testing.T) {
	r, err := NewModeRegistry()
	require.NoError(t, err)

	require.NoError(t, r.Register(validDescriptor(), noopBuilder))
	ft8 := ModeDescriptor{
		Name:         "ft8",
		Output:       "data",
		InputFormat:  FormatIQCF32,
		OutputFormat: FormatLines,
		Secondary:    true,
		Requirements: []string{"csdr", "jt9"},
	}
	require.NoError(t, r.Register(ft8, noopBuilder))

	features := StaticFeatures(map[string]bool{"csdr": true, "jt9": false})
	available := r.Available(features)
	require.Len(t, available, 1)
	assert.Equal(t, "usb", available[0].Name)

	features = StaticFeatures(map[string]bool{"csdr": true, "jt9": true})
	assert.Len(t, r.Available(features), 2)
}

func TestFeatures(t *testing.T) {
	f := StaticFeatures(map[string]bool{"csdr": true, "jt9": true, "direwolf": false})
	assert.True(t, f.Has("csdr"))
	assert.False(t, f.Has("direwolf"))
	assert.False(t, f.Has("unheard-of"))
	assert.True(t, f.HasAll("csdr", "jt9"))
	assert.False(t, f.HasAll("csdr", "direwolf"))
	assert.True(t, f.HasAll())
	assert.Equal(t, []string{"csdr", "jt9"}, f.List())
}
