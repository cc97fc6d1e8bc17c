package pipeline_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihow/openwebrxplus/errors"
	"github.com/mihow/openwebrxplus/pipeline"
	"github.com/mihow/openwebrxplus/pipeline/stages"
)

func upperStage(name string) *stages.FuncStage {
	return stages.NewFuncStage(name, pipeline.FormatBytes, pipeline.FormatBytes,
		func(frame []byte) ([]byte, error) {
			return bytes.ToUpper(frame), nil
		})
}

func TestChainFormatMismatchRejected(t *testing.T) {
	audio := stages.NewPassthrough("audio", pipeline.FormatAudioS16)
	iq := stages.NewPassthrough("iq", pipeline.FormatIQCF32)

	_, err := pipeline.NewChain("broken", pipeline.Primary, audio, iq)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrFormatMismatch)
	assert.True(t, errors.IsPipeline(err))

	_, err = pipeline.NewChain("empty", pipeline.Primary)
	assert.Error(t, err)
}

func TestChainFlowsFramesThroughStages(t *testing.T) {
	first := upperStage("first")
	second := stages.NewFuncStage("second", pipeline.FormatBytes, pipeline.FormatBytes,
		func(frame []byte) ([]byte, error) {
			return append(frame, '!'), nil
		})

	chain, err := pipeline.NewChain("test", pipeline.Primary, first, second)
	require.NoError(t, err)
	require.NoError(t, chain.Start(context.Background()))
	require.NoError(t, chain.WaitReady(context.Background()))

	require.NoError(t, chain.Write([]byte("cq cq")))

	select {
	case out := <-chain.Frames():
		assert.Equal(t, []byte("CQ CQ!"), out)
	case <-time.After(time.Second):
		t.Fatal("no frame emerged from the chain")
	}

	require.NoError(t, chain.Stop(time.Second))
	require.NoError(t, chain.Stop(time.Second), "stop is idempotent")
	assert.Error(t, chain.Write([]byte("after stop")))
}

func TestChainDoubleStartRejected(t *testing.T) {
	chain, err := pipeline.NewChain("test", pipeline.Primary, upperStage("only"))
	require.NoError(t, err)
	require.NoError(t, chain.Start(context.Background()))
	defer chain.Stop(time.Second)

	assert.Error(t, chain.Start(context.Background()))
}

func TestSlotSwapNeverLeavesZeroInstalled(t *testing.T) {
	slot := pipeline.NewSlot()
	ctx := context.Background()

	build := func(tag string) func() (*pipeline.Chain, error) {
		return func() (*pipeline.Chain, error) {
			c, err := pipeline.NewChain(tag, pipeline.Primary, upperStage(tag))
			if err != nil {
				return nil, err
			}
			if err := c.Start(ctx); err != nil {
				return nil, err
			}
			return c, nil
		}
	}

	require.NoError(t, slot.Swap(ctx, build("first"), time.Second, time.Second))
	first := slot.Get()
	require.NotNil(t, first)
	assert.Equal(t, "first", first.Mode())

	// A failing rebuild must leave the previous chain installed.
	err := slot.Swap(ctx, func() (*pipeline.Chain, error) {
		return nil, errors.WrapPipeline(errors.ErrUnknownMode, "test", "build", "fail")
	}, time.Second, time.Second)
	require.Error(t, err)
	assert.Same(t, first, slot.Get(), "old chain must survive a failed rebuild")
	assert.True(t, first.Ready(), "old chain must still be running")

	// A successful rebuild installs the replacement and stops the old chain.
	require.NoError(t, slot.Swap(ctx, build("second"), time.Second, time.Second))
	second := slot.Get()
	require.NotNil(t, second)
	assert.Equal(t, "second", second.Mode())
	assert.False(t, first.Ready(), "old chain must be torn down after the swap")
	assert.True(t, second.Ready())

	require.NoError(t, slot.Close(time.Second))
	assert.Nil(t, slot.Get())
	require.NoError(t, slot.Close(time.Second), "close is idempotent")
}

func TestSlotCloseDuringRebuildDiscardsReplacement(t *testing.T) {
	slot := pipeline.NewSlot()
	ctx := context.Background()

	buildStarted := make(chan struct{})
	closeDone := make(chan struct{})

	var replacement *pipeline.Chain
	go func() {
		_ = slot.Swap(ctx, func() (*pipeline.Chain, error) {
			close(buildStarted)
			<-closeDone // slot is closed while we are still building
			c, err := pipeline.NewChain("late", pipeline.Primary, upperStage("late"))
			if err != nil {
				return nil, err
			}
			if err := c.Start(ctx); err != nil {
				return nil, err
			}
			replacement = c
			return c, nil
		}, time.Second, time.Second)
	}()

	<-buildStarted
	require.NoError(t, slot.Close(time.Second))
	close(closeDone)

	// The late replacement must never become reachable and must be stopped.
	assert.Eventually(t, func() bool {
		return replacement != nil && !replacement.Ready()
	}, time.Second, 5*time.Millisecond)
	assert.Nil(t, slot.Get())
}

func TestSlotSwapAfterCloseRejected(t *testing.T) {
	slot := pipeline.NewSlot()
	require.NoError(t, slot.Close(time.Second))

	err := slot.Swap(context.Background(), func() (*pipeline.Chain, error) {
		t.Fatal("build must not run on a closed slot")
		return nil, nil
	}, time.Second, time.Second)
	assert.ErrorIs(t, err, errors.ErrAlreadyClosed)
}

func TestSharedChainsRefcounting(t *testing.T) {
	shared := pipeline.NewSharedChains(time.Second)
	ctx := context.Background()
	builds := 0

	build := func() (*pipeline.Chain, error) {
		builds++
		c, err := pipeline.NewChain("ft8", pipeline.Secondary, upperStage("ft8"))
		if err != nil {
			return nil, err
		}
		return c, c.Start(ctx)
	}

	c1, release1, err := shared.Acquire("airspy/ft8", build)
	require.NoError(t, err)
	c2, release2, err := shared.Acquire("airspy/ft8", build)
	require.NoError(t, err)

	assert.Same(t, c1, c2, "same key shares one chain")
	assert.Equal(t, 1, builds)
	assert.Equal(t, 2, shared.Refs("airspy/ft8"))

	release1()
	release1() // double release is a no-op
	assert.Equal(t, 1, shared.Refs("airspy/ft8"))
	assert.True(t, c1.Ready(), "chain survives while a session still holds it")

	release2()
	assert.Equal(t, 0, shared.Refs("airspy/ft8"))
	assert.False(t, c1.Ready(), "last release tears the chain down")

	// Next acquire builds fresh.
	_, release3, err := shared.Acquire("airspy/ft8", build)
	require.NoError(t, err)
	assert.Equal(t, 2, builds)
	release3()
}
