package stages

import (
	"fmt"

	"github.com/mihow/openwebrxplus/pipeline"
)

// RegisterDefaultModes populates the registry with the receiver's built-in
// mode set. Audio demodulation runs through csdr process chains; background
// data modes feed external decoders. The registry validates every descriptor
// against the capability schema, so a typo here fails at startup.
func RegisterDefaultModes(r *pipeline.ModeRegistry) error {
	analog := []struct {
		name      string
		display   string
		bandwidth int
		csdrDemod string
	}{
		{"nfm", "FM", 12500, "fmdemod_quadri_cf"},
		{"am", "AM", 6000, "amdemod_cf"},
		{"usb", "USB", 2700, "realpart_cf"},
		{"lsb", "LSB", 2700, "realpart_cf"},
		{"cw", "CW", 150, "realpart_cf"},
	}

	for _, m := range analog {
		mode := m
		err := r.Register(pipeline.ModeDescriptor{
			Name:         mode.name,
			DisplayName:  mode.display,
			Output:       "audio",
			InputFormat:  pipeline.FormatIQCF32,
			OutputFormat: pipeline.FormatAudioS16,
			Bandwidth:    mode.bandwidth,
			Requirements: []string{"csdr"},
		}, func(req pipeline.BuildRequest) ([]pipeline.Stage, error) {
			return analogChain(mode.name, mode.csdrDemod, req)
		})
		if err != nil {
			return err
		}
	}

	if err := r.Register(pipeline.ModeDescriptor{
		Name:         "spectrum",
		DisplayName:  "Spectrum",
		Output:       "spectrum",
		InputFormat:  pipeline.FormatIQCF32,
		OutputFormat: pipeline.FormatBytes,
		Requirements: []string{"csdr"},
	}, spectrumChain); err != nil {
		return err
	}

	if err := r.Register(pipeline.ModeDescriptor{
		Name:         "ft8",
		DisplayName:  "FT8",
		Output:       "data",
		InputFormat:  pipeline.FormatIQCF32,
		OutputFormat: pipeline.FormatLines,
		Secondary:    true,
		Bandwidth:    3000,
		Requirements: []string{"csdr", "jt9"},
	}, func(req pipeline.BuildRequest) ([]pipeline.Stage, error) {
		return dataChain("ft8", req, "jt9", "--ft8", "-d", "3", "-")
	}); err != nil {
		return err
	}

	if err := r.Register(pipeline.ModeDescriptor{
		Name:         "aprs",
		DisplayName:  "APRS",
		Output:       "data",
		InputFormat:  pipeline.FormatIQCF32,
		OutputFormat: pipeline.FormatLines,
		Secondary:    true,
		Bandwidth:    12500,
		Requirements: []string{"csdr", "direwolf"},
	}, func(req pipeline.BuildRequest) ([]pipeline.Stage, error) {
		return dataChain("aprs", req, "direwolf", "-c", "/dev/null", "-r",
			fmt.Sprint(outputRate(req)), "-t", "0", "-")
	}); err != nil {
		return err
	}

	return r.Register(pipeline.ModeDescriptor{
		Name:         "classifier",
		DisplayName:  "Classifier",
		Output:       "data",
		InputFormat:  pipeline.FormatIQCF32,
		OutputFormat: pipeline.FormatLines,
		Secondary:    true,
		Bandwidth:    48000,
		Requirements: []string{"csdr", "signal-classifier"},
	}, classifierChain)
}

func outputRate(req pipeline.BuildRequest) int {
	if req.OutputRate > 0 {
		return req.OutputRate
	}
	return 12000
}

// analogChain shifts the requested offset out of the passband, decimates to
// the mode bandwidth, demodulates, and resamples to the output rate. The
// whole DSP run lives in one csdr process; this side only does plumbing.
func analogChain(mode, demod string, req pipeline.BuildRequest) ([]pipeline.Stage, error) {
	shift := float64(0)
	if req.SampleRate > 0 {
		shift = -float64(req.Offset) / float64(req.SampleRate)
	}
	script := fmt.Sprintf(
		"csdr shift_addition_cc %f | csdr fir_decimate_cc %d | csdr %s | csdr convert_f_s16",
		shift, decimation(req), demod)

	dsp := NewExecStage(
		fmt.Sprintf("%s-demod", mode),
		pipeline.FormatIQCF32, pipeline.FormatAudioS16,
		"sh", "-c", script)
	return []pipeline.Stage{dsp}, nil
}

func spectrumChain(req pipeline.BuildRequest) ([]pipeline.Stage, error) {
	fftSize := 4096
	script := fmt.Sprintf(
		"csdr fft_cc %d %d | csdr logpower_cf -70 | csdr convert_f_u8",
		fftSize, fftSize)

	fft := NewExecStage("spectrum-fft",
		pipeline.FormatIQCF32, pipeline.FormatSpectrum,
		"sh", "-c", script)
	compress := NewFlateStage("spectrum-compress", pipeline.FormatSpectrum, 1)
	return []pipeline.Stage{fft, compress}, nil
}

// dataChain narrows the passband for a digital mode and hands demodulated
// audio to an external decoder that emits one text line per decode.
func dataChain(mode string, req pipeline.BuildRequest, argv ...string) ([]pipeline.Stage, error) {
	shift := float64(0)
	if req.SampleRate > 0 {
		shift = -float64(req.Offset) / float64(req.SampleRate)
	}
	script := fmt.Sprintf(
		"csdr shift_addition_cc %f | csdr fir_decimate_cc %d | csdr realpart_cf | csdr convert_f_s16",
		shift, decimation(req))

	dsp := NewExecStage(
		fmt.Sprintf("%s-narrow", mode),
		pipeline.FormatIQCF32, pipeline.FormatAudioS16,
		"sh", "-c", script)
	decode := NewExecStage(
		fmt.Sprintf("%s-decode", mode),
		pipeline.FormatAudioS16, pipeline.FormatLines,
		argv...)
	return []pipeline.Stage{dsp, decode}, nil
}

// classifierChain decimates the passband to the rate the model was trained
// at and pipes raw IQ into the signal-classifier helper, which emits one
// JSON prediction line per analysis interval. Unlike the other data modes
// the decoder wants complex samples, so there is no demodulation step.
func classifierChain(req pipeline.BuildRequest) ([]pipeline.Stage, error) {
	shift := float64(0)
	if req.SampleRate > 0 {
		shift = -float64(req.Offset) / float64(req.SampleRate)
	}
	script := fmt.Sprintf(
		"csdr shift_addition_cc %f | csdr fir_decimate_cc %d",
		shift, decimation(req))

	dsp := NewExecStage("classifier-narrow",
		pipeline.FormatIQCF32, pipeline.FormatIQCF32,
		"sh", "-c", script)
	infer := NewExecStage("classifier-infer",
		pipeline.FormatIQCF32, pipeline.FormatLines,
		"signal-classifier")
	return []pipeline.Stage{dsp, infer}, nil
}

func decimation(req pipeline.BuildRequest) int {
	if req.SampleRate <= 0 || req.OutputRate <= 0 {
		return 1
	}
	d := req.SampleRate / req.OutputRate
	if d < 1 {
		d = 1
	}
	return d
}
