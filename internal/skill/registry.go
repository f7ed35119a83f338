// Package skill runs deterministic local tools on behalf of tasks. The
// registry.yaml file declares each skill's inputs, outputs and
// idempotency strategy; implementations are Go functions registered by
// name at startup.
package skill

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Idempotency strategies.
const (
	IdemInputHashes           = "INPUT_HASHES"
	IdemInputHashesPlusParams = "INPUT_HASHES_PLUS_PARAMS"
	IdemDisabled              = "DISABLED"
)

var allowedStrategies = map[string]bool{
	IdemInputHashes: true, IdemInputHashesPlusParams: true, IdemDisabled: true,
}

var allowedInputKinds = map[string]bool{"FILE": true, "CONFIRMATION": true, "ARTIFACT": true}

// InputDecl declares one expected skill input.
type InputDecl struct {
	Kind     string `yaml:"kind"`
	Required bool   `yaml:"required"`
	Schema   struct {
		Fields []string `yaml:"fields"`
	} `yaml:"schema"`
}

// OutputDecl declares what a skill produces.
type OutputDecl struct {
	Artifacts []string `yaml:"artifacts"`
	Evidences []string `yaml:"evidences"`
}

// Def is one declared skill.
type Def struct {
	Name           string      `yaml:"name"`
	Implementation string      `yaml:"implementation"`
	Idempotency    struct {
		Strategy string `yaml:"strategy"`
		Cache    bool   `yaml:"cache"`
	} `yaml:"idempotency"`
	Inputs  []InputDecl `yaml:"inputs"`
	Outputs OutputDecl  `yaml:"outputs"`
	Params  struct {
		Schema map[string]any `yaml:"schema"`
	} `yaml:"params"`
}

type registryFile struct {
	Skills []Def `yaml:"skills"`
}

// Registry is the loaded skill catalog.
type Registry struct {
	skills map[string]Def
}

// LoadRegistry parses registry.yaml at path. A missing file yields an
// empty registry so workspaces without skills still run.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Registry{skills: map[string]Def{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read skills registry: %w", err)
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse skills registry: %w", err)
	}

	out := map[string]Def{}
	for _, def := range file.Skills {
		if strings.TrimSpace(def.Name) == "" || strings.TrimSpace(def.Implementation) == "" {
			continue
		}
		strategy := strings.TrimSpace(def.Idempotency.Strategy)
		if strategy == "" {
			strategy = IdemDisabled
		}
		if !allowedStrategies[strategy] {
			return nil, fmt.Errorf("invalid idempotency.strategy for %s: %s", def.Name, strategy)
		}
		def.Idempotency.Strategy = strategy
		for _, inp := range def.Inputs {
			if !allowedInputKinds[inp.Kind] {
				return nil, fmt.Errorf("%s: invalid input kind %q", def.Name, inp.Kind)
			}
		}
		out[def.Name] = def
	}
	return &Registry{skills: out}, nil
}

// Get returns a skill definition by name.
func (r *Registry) Get(name string) (Def, bool) {
	def, ok := r.skills[name]
	return def, ok
}

// Names returns the declared skill names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.skills))
	for n := range r.skills {
		out = append(out, n)
	}
	return out
}

// ValidateCall checks a runtime invocation against the declaration.
func (r *Registry) ValidateCall(def Def, inputs []Input, params map[string]any) error {
	var required []InputDecl
	for _, inp := range def.Inputs {
		if inp.Required {
			required = append(required, inp)
		}
	}
	if len(required) > 0 && len(inputs) == 0 {
		return fmt.Errorf("%s requires inputs", def.Name)
	}
	var fields []string
	if len(required) > 0 {
		fields = required[0].Schema.Fields
	}
	for _, inp := range inputs {
		for _, f := range fields {
			switch f {
			case "path":
				if inp.Path == "" {
					return fmt.Errorf("%s input missing path", def.Name)
				}
			case "sha256":
				if inp.SHA256 == "" {
					return fmt.Errorf("%s input missing sha256", def.Name)
				}
			}
		}
	}
	return nil
}
