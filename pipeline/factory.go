package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mihow/openwebrxplus/errors"
	"github.com/mihow/openwebrxplus/metric"
)

// Factory builds chains from mode identifiers. A build failure is reported
// only to the requester; nothing here touches other sessions.
type Factory struct {
	registry *ModeRegistry
	features Features
	core     *metric.CoreMetrics // optional
	logger   *slog.Logger
}

// NewFactory creates a factory. core may be nil to disable metrics.
func NewFactory(registry *ModeRegistry, features Features, core *metric.CoreMetrics, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		registry: registry,
		features: features,
		core:     core,
		logger:   logger,
	}
}

// Features returns the feature set the factory was built with.
func (f *Factory) Features() Features {
	return f.features
}

// Registry returns the mode registry.
func (f *Factory) Registry() *ModeRegistry {
	return f.registry
}

// Build constructs and starts a chain for the request. The returned chain is
// started but not necessarily ready; the caller swaps it in via Slot once
// Ready reports true.
func (f *Factory) Build(ctx context.Context, req BuildRequest) (*Chain, error) {
	desc, build, err := f.registry.Lookup(req.Mode)
	if err != nil {
		f.recordBuildError(req.Mode)
		return nil, err
	}

	if !f.features.HasAll(desc.Requirements...) {
		f.recordBuildError(req.Mode)
		return nil, errors.WrapPipeline(
			fmt.Errorf("%w: mode %q needs %v", errors.ErrMissingFeature, req.Mode, desc.Requirements),
			"Factory", "Build", "capability check")
	}

	kind := Primary
	if req.Background || desc.Secondary {
		kind = Secondary
	}

	stages, err := build(req)
	if err != nil {
		f.recordBuildError(req.Mode)
		return nil, errors.WrapPipeline(err, "Factory", "Build",
			fmt.Sprintf("construct stages for mode %q", req.Mode))
	}

	chain, err := NewChain(req.Mode, kind, stages...)
	if err != nil {
		f.recordBuildError(req.Mode)
		return nil, err
	}

	if err := chain.Start(ctx); err != nil {
		f.recordBuildError(req.Mode)
		return nil, err
	}

	if f.core != nil {
		f.core.PipelineRebuilds.WithLabelValues(req.Mode).Inc()
	}
	f.logger.Debug("pipeline built",
		"mode", req.Mode, "kind", kind.String(),
		"sample_rate", req.SampleRate, "output_rate", req.OutputRate)
	return chain, nil
}

func (f *Factory) recordBuildError(mode string) {
	if f.core != nil {
		f.core.PipelineBuildErrs.WithLabelValues(mode).Inc()
	}
}
