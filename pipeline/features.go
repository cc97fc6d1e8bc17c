package pipeline

import (
	"os/exec"
	"sort"
)

// Features records which external capabilities (decoder binaries, DSP tools)
// are present on this host. Modes whose requirements are not covered cannot
// be built and are not advertised to clients.
type Features map[string]bool

// DetectFeatures probes PATH for each named binary.
func DetectFeatures(binaries ...string) Features {
	f := make(Features, len(binaries))
	for _, name := range binaries {
		_, err := exec.LookPath(name)
		f[name] = err == nil
	}
	return f
}

// StaticFeatures builds a feature set from a known map, for tests and for
// configs that pin availability explicitly.
func StaticFeatures(available map[string]bool) Features {
	f := make(Features, len(available))
	for k, v := range available {
		f[k] = v
	}
	return f
}

// Has reports whether a single feature is available.
func (f Features) Has(name string) bool {
	return f[name]
}

// HasAll reports whether every named feature is available.
func (f Features) HasAll(names ...string) bool {
	for _, n := range names {
		if !f[n] {
			return false
		}
	}
	return true
}

// List returns the available feature names, sorted.
func (f Features) List() []string {
	out := make([]string, 0, len(f))
	for name, ok := range f {
		if ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
