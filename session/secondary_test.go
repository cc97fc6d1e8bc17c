package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihow/openwebrxplus/decoder"
	"github.com/mihow/openwebrxplus/pipeline"
	"github.com/mihow/openwebrxplus/pipeline/stages"
)

func newTestHub(t *testing.T, env *testEnv) *SecondaryHub {
	t.Helper()
	require.NoError(t, env.factory.Registry().Register(pipeline.ModeDescriptor{
		Name:         "ft8",
		Output:       "data",
		InputFormat:  pipeline.FormatIQCF32,
		OutputFormat: pipeline.FormatLines,
		Secondary:    true,
	}, func(req pipeline.BuildRequest) ([]pipeline.Stage, error) {
		env.builds.Add(1)
		// Every sample frame becomes one canned decode line.
		return []pipeline.Stage{
			stages.NewFuncStage("ft8", pipeline.FormatIQCF32, pipeline.FormatLines,
				func([]byte) ([]byte, error) {
					return []byte("000000  -9  0.3 1124 ~  CQ DL1ABC JO62"), nil
				}),
		}, nil
	}))
	return NewSecondaryHub(env.factory,
		map[string]decoder.Parser{"ft8": decoder.ParseJT9}, nil, nil)
}

func TestSecondarySharedAcrossSubscribers(t *testing.T) {
	env := newTestEnv(t)
	hub := newTestHub(t, env)
	req := pipeline.BuildRequest{Mode: "ft8", SampleRate: 2400000, Offset: -26000}

	recA, releaseA, err := hub.Subscribe(env.src, "ft8", "a", req)
	require.NoError(t, err)
	recB, releaseB, err := hub.Subscribe(env.src, "ft8", "b", req)
	require.NoError(t, err)

	assert.Equal(t, 2, hub.Refs("test-sdr", "ft8"))
	assert.Equal(t, int64(1), env.builds.Load(), "one shared chain for both subscribers")

	// Both subscribers see decodes from the one shared decoder.
	for _, ch := range []<-chan decoder.Record{recA, recB} {
		select {
		case rec := <-ch:
			assert.Equal(t, "ft8", rec.Mode)
			assert.Equal(t, "CQ DL1ABC JO62", rec.Message)
			assert.Equal(t, int64(7100000-26000+1124), rec.Frequency)
		case <-time.After(2 * time.Second):
			t.Fatal("no record")
		}
	}

	// The decoder survives the first unsubscribe.
	releaseA()
	releaseA() // release is idempotent
	assert.Equal(t, 1, hub.Refs("test-sdr", "ft8"))

	select {
	case _, ok := <-recB:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("surviving subscriber starved")
	}

	// The last unsubscribe tears it down and lets go of the hardware.
	releaseB()
	assert.Equal(t, 0, hub.Refs("test-sdr", "ft8"))
	require.Eventually(t, func() bool {
		return env.src.AttachmentCount() == 0
	}, 2*time.Second, 5*time.Millisecond)

	// The channel closes once any buffered records are drained.
	closed := false
	for !closed {
		select {
		case _, ok := <-recB:
			closed = !ok
		case <-time.After(2 * time.Second):
			t.Fatal("record channel not closed after last release")
		}
	}
}

func TestSecondaryRetuneMovesRecordFrequency(t *testing.T) {
	env := newTestEnv(t)
	hub := newTestHub(t, env)

	rec, release, err := hub.Subscribe(env.src, "ft8", "a",
		pipeline.BuildRequest{Mode: "ft8", SampleRate: 2400000, Offset: -26000})
	require.NoError(t, err)
	defer release()

	select {
	case r := <-rec:
		assert.Equal(t, int64(7100000-26000+1124), r.Frequency)
	case <-time.After(2 * time.Second):
		t.Fatal("no record before retune")
	}

	ctl, err := env.src.Attach("ctl")
	require.NoError(t, err)
	defer ctl.Close()
	require.NoError(t, env.src.Retune("ctl", 7200000))

	// Records produced after the retune carry the new dial.
	want := int64(7200000 - 26000 + 1124)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case r := <-rec:
			if r.Frequency == want {
				return
			}
		case <-deadline:
			t.Fatalf("records never reached frequency %d after retune", want)
		}
	}
}

func TestSecondaryProfileChangeRetiresDecoder(t *testing.T) {
	env := newTestEnv(t)
	hub := newTestHub(t, env)
	req := pipeline.BuildRequest{Mode: "ft8", SampleRate: 2400000, Offset: -26000}

	rec, _, err := hub.Subscribe(env.src, "ft8", "a", req)
	require.NoError(t, err)

	require.NoError(t, env.src.SelectProfile("20m"))

	// The subscriber's channel closes so it knows to re-request.
	closed := false
	deadline := time.After(2 * time.Second)
	for !closed {
		select {
		case _, ok := <-rec:
			closed = !ok
		case <-deadline:
			t.Fatal("record channel not closed on profile change")
		}
	}
	require.Eventually(t, func() bool {
		return hub.Refs("test-sdr", "ft8") == 0 &&
			hub.chains.Refs("test-sdr/ft8") == 0
	}, 2*time.Second, 5*time.Millisecond)

	// Re-requesting builds a fresh chain tuned to the new profile.
	rec2, release2, err := hub.Subscribe(env.src, "ft8", "a", req)
	require.NoError(t, err)
	defer release2()
	assert.Equal(t, int64(2), env.builds.Load())

	select {
	case r := <-rec2:
		assert.Equal(t, int64(14150000-26000+1124), r.Frequency)
	case <-time.After(2 * time.Second):
		t.Fatal("no record from rebuilt decoder")
	}
}

func TestSecondaryUnknownMode(t *testing.T) {
	env := newTestEnv(t)
	hub := newTestHub(t, env)

	_, _, err := hub.Subscribe(env.src, "wspr", "a",
		pipeline.BuildRequest{Mode: "wspr"})
	assert.Error(t, err)
	assert.Equal(t, 0, hub.Refs("test-sdr", "wspr"))
}

func TestSecondaryShutdown(t *testing.T) {
	env := newTestEnv(t)
	hub := newTestHub(t, env)

	rec, _, err := hub.Subscribe(env.src, "ft8", "a",
		pipeline.BuildRequest{Mode: "ft8", SampleRate: 2400000})
	require.NoError(t, err)

	hub.Shutdown()
	drained := false
	for !drained {
		select {
		case _, ok := <-rec:
			if !ok {
				drained = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("record channel not closed by shutdown")
		}
	}
	assert.Equal(t, 0, env.src.AttachmentCount())
}