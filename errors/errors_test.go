package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapConvention(t *testing.T) {
	base := errors.New("device unplugged")
	err := Wrap(base, "HardwareSource", "Start", "open device")
	require.Error(t, err)
	assert.Equal(t, "HardwareSource.Start: open device failed: device unplugged", err.Error())
	assert.True(t, errors.Is(err, base))
}

func TestWrapNilPassthrough(t *testing.T) {
	assert.NoError(t, Wrap(nil, "a", "b", "c"))
	assert.NoError(t, WrapHardware(nil, "a", "b", "c"))
	assert.NoError(t, WrapValidation(nil, "a", "b", "c"))
}

func TestClassifyWrapped(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"validation wrap", WrapValidation(ErrInvalidValue, "Property", "Set", "validate"), ErrorValidation},
		{"admission wrap", WrapAdmission(ErrSourceFull, "Registry", "Admit", "cap check"), ErrorAdmission},
		{"hardware wrap", WrapHardware(ErrSourceFailed, "Source", "run", "read loop"), ErrorHardware},
		{"pipeline wrap", WrapPipeline(ErrUnknownMode, "Factory", "Build", "lookup"), ErrorPipeline},
		{"protocol wrap", WrapProtocol(ErrMalformedMessage, "Conn", "read", "decode"), ErrorProtocol},
		{"bare sentinel out of range", fmt.Errorf("tune: %w", ErrOutOfRange), ErrorValidation},
		{"bare sentinel server full", fmt.Errorf("admit: %w", ErrServerFull), ErrorAdmission},
		{"bare sentinel unknown mode", fmt.Errorf("build: %w", ErrUnknownMode), ErrorPipeline},
		{"unknown error defaults transient", errors.New("who knows"), ErrorTransient},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestClassPredicates(t *testing.T) {
	assert.True(t, IsValidation(WrapValidation(ErrOutOfRange, "a", "b", "c")))
	assert.True(t, IsAdmission(WrapAdmission(ErrServerFull, "a", "b", "c")))
	assert.True(t, IsHardware(WrapHardware(ErrSourceFailed, "a", "b", "c")))
	assert.True(t, IsPipeline(WrapPipeline(ErrMissingFeature, "a", "b", "c")))
	assert.False(t, IsValidation(nil))
	assert.False(t, IsHardware(errors.New("plain")))
}

func TestTransientSentinels(t *testing.T) {
	// Attaching during teardown is retryable, a failed source is not.
	assert.True(t, IsTransient(fmt.Errorf("attach: %w", ErrSourceStopping)))
	assert.False(t, IsTransient(fmt.Errorf("attach: %w", ErrSourceFailed)))
}

func TestToRetryConfig(t *testing.T) {
	rc := DefaultRetryConfig()
	cfg := rc.ToRetryConfig()
	assert.Equal(t, rc.MaxRetries+1, cfg.MaxAttempts)
	assert.Equal(t, rc.InitialDelay, cfg.InitialDelay)
	assert.True(t, cfg.AddJitter)
}
