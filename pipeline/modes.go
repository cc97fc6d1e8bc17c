package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/mihow/openwebrxplus/errors"
)

// capabilitySchema is the contract every mode descriptor must satisfy.
// Registration is validated against it so a bad descriptor fails at startup
// instead of surfacing as runtime string dispatch surprises.
const capabilitySchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["name", "output", "input_format", "output_format"],
	"properties": {
		"name":          {"type": "string", "minLength": 1, "pattern": "^[a-z0-9_]+$"},
		"display_name":  {"type": "string"},
		"output":        {"type": "string", "enum": ["audio", "spectrum", "data"]},
		"input_format":  {"type": "string", "minLength": 1},
		"output_format": {"type": "string", "minLength": 1},
		"secondary":     {"type": "boolean"},
		"bandwidth":     {"type": "integer", "minimum": 0},
		"requirements":  {"type": "array", "items": {"type": "string", "minLength": 1}}
	},
	"additionalProperties": false
}`

// ModeDescriptor declares a demodulation/decoding capability: what it is
// named, what it consumes and produces, and which external features it needs.
type ModeDescriptor struct {
	Name         string   `json:"name"`
	DisplayName  string   `json:"display_name,omitempty"`
	Output       string   `json:"output"` // audio, spectrum, or data
	InputFormat  Format   `json:"input_format"`
	OutputFormat Format   `json:"output_format"`
	Secondary    bool     `json:"secondary,omitempty"`
	Bandwidth    int      `json:"bandwidth,omitempty"`
	Requirements []string `json:"requirements,omitempty"`
}

// BuildRequest carries the parameters a builder needs to shape a chain.
type BuildRequest struct {
	Mode       string
	SampleRate int   // IQ input rate from the hardware source
	Offset     int64 // frequency offset within the source passband
	Bandwidth  int
	OutputRate int // target audio/data output rate
	Squelch    int // squelch threshold in dB, 0 = open
	Background bool
}

// Builder constructs the ordered stages for one mode.
type Builder func(req BuildRequest) ([]Stage, error)

type registeredMode struct {
	desc  ModeDescriptor
	build Builder
}

// ModeRegistry maps mode identifiers to construction functions. It is created
// at startup, populated once, and passed by reference to the factory; there
// is no ambient global registry.
type ModeRegistry struct {
	mu     sync.RWMutex
	modes  map[string]registeredMode
	schema *gojsonschema.Schema
}

// NewModeRegistry creates an empty registry with the capability schema
// compiled. A schema compilation failure is a programming error.
func NewModeRegistry() (*ModeRegistry, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(capabilitySchema))
	if err != nil {
		return nil, errors.Wrap(err, "ModeRegistry", "NewModeRegistry", "compile capability schema")
	}
	return &ModeRegistry{
		modes:  make(map[string]registeredMode),
		schema: schema,
	}, nil
}

// Register validates the descriptor against the capability schema and stores
// the builder. Duplicate names are rejected.
func (r *ModeRegistry) Register(desc ModeDescriptor, build Builder) error {
	doc, err := json.Marshal(desc)
	if err != nil {
		return errors.Wrap(err, "ModeRegistry", "Register", "marshal descriptor")
	}
	result, err := r.schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return errors.Wrap(err, "ModeRegistry", "Register", "run schema validation")
	}
	if !result.Valid() {
		details := ""
		for _, desc := range result.Errors() {
			details += "; " + desc.String()
		}
		return errors.WrapValidation(
			fmt.Errorf("descriptor fails capability schema%s", details),
			"ModeRegistry", "Register", "validate descriptor")
	}
	if build == nil {
		return errors.WrapValidation(
			fmt.Errorf("mode %q registered without a builder", desc.Name),
			"ModeRegistry", "Register", "check builder")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modes[desc.Name]; exists {
		return errors.WrapValidation(
			fmt.Errorf("mode %q already registered", desc.Name),
			"ModeRegistry", "Register", "check duplicate")
	}
	r.modes[desc.Name] = registeredMode{desc: desc, build: build}
	return nil
}

// Lookup returns the descriptor and builder for a mode.
func (r *ModeRegistry) Lookup(name string) (ModeDescriptor, Builder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modes[name]
	if !ok {
		return ModeDescriptor{}, nil, errors.WrapPipeline(
			fmt.Errorf("%w: %q", errors.ErrUnknownMode, name),
			"ModeRegistry", "Lookup", "resolve mode")
	}
	return m.desc, m.build, nil
}

// Modes returns the registered descriptors sorted by name.
func (r *ModeRegistry) Modes() []ModeDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModeDescriptor, 0, len(r.modes))
	for _, m := range r.modes {
		out = append(out, m.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Available filters registered modes down to those whose requirements are all
// satisfied by the feature set. This is what negotiation advertises.
func (r *ModeRegistry) Available(features Features) []ModeDescriptor {
	var out []ModeDescriptor
	for _, desc := range r.Modes() {
		if features.HasAll(desc.Requirements...) {
			out = append(out, desc)
		}
	}
	return out
}
