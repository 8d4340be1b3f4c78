// Package parser holds the mode registry and the subprocess worker
// that runs each parser mode against an archive (spec C3).
package parser

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/logship/core/internal/models"
)

// modeKeyPattern is the whitelist every mode key must satisfy — the
// worker refuses to spawn anything whose key doesn't match this, since
// mode keys eventually become part of a command line (see Worker.Run).
var modeKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// Descriptor is one parser mode's full definition, including the
// spawn-time fields the database deliberately never persists (see
// internal/db/parserdescriptors.go).
type Descriptor struct {
	ModeKey        string              `yaml:"mode_key"`
	DisplayName    string              `yaml:"display_name"`
	Description    string              `yaml:"description"`
	Enabled        bool                `yaml:"enabled"`
	VisibleToUsers bool                `yaml:"visible_to_users"`
	AdminOnly      bool                `yaml:"admin_only"`
	OutputShape    models.OutputShape  `yaml:"output_shape"`
	BinaryPath     string              `yaml:"binary_path"`
	ArgsTemplate   []string            `yaml:"args_template"`
	TimeoutSeconds int                 `yaml:"timeout_seconds"`
	MemorySoftCapMB int                `yaml:"memory_soft_cap_mb"`
	BlockPattern   string              `yaml:"block_pattern,omitempty"` // structured_blocks only
}

func (d Descriptor) Timeout() time.Duration {
	if d.TimeoutSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(d.TimeoutSeconds) * time.Second
}

func (d Descriptor) ToModel() models.ParserDescriptor {
	return models.ParserDescriptor{
		ModeKey:        d.ModeKey,
		DisplayName:    d.DisplayName,
		Description:    d.Description,
		Enabled:        d.Enabled,
		VisibleToUsers: d.VisibleToUsers,
		AdminOnly:      d.AdminOnly,
		OutputShape:    d.OutputShape,
		BinaryPath:     d.BinaryPath,
		ArgsTemplate:   d.ArgsTemplate,
		Timeout:        d.Timeout(),
	}
}

// Registry holds every known parser mode, keyed by mode_key.
type Registry struct {
	descriptors map[string]Descriptor
}

type registryFile struct {
	Modes []Descriptor `yaml:"modes"`
}

// LoadRegistry parses a YAML seed file (see config/parsers.yaml) into a
// Registry, validating every mode key against modeKeyPattern before it
// can ever reach a subprocess argument list.
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("parser: read registry file: %w", err)
	}
	var rf registryFile
	if err := yaml.Unmarshal(raw, &rf); err != nil {
		return nil, fmt.Errorf("parser: parse registry file: %w", err)
	}

	reg := &Registry{descriptors: make(map[string]Descriptor, len(rf.Modes))}
	for _, d := range rf.Modes {
		if !modeKeyPattern.MatchString(d.ModeKey) {
			return nil, fmt.Errorf("parser: mode key %q fails validation pattern", d.ModeKey)
		}
		if d.BinaryPath == "" {
			return nil, fmt.Errorf("parser: mode %q has no binary_path", d.ModeKey)
		}
		reg.descriptors[d.ModeKey] = d
	}
	return reg, nil
}

// Get looks up a mode by key.
func (r *Registry) Get(modeKey string) (Descriptor, bool) {
	d, ok := r.descriptors[modeKey]
	return d, ok
}

// Enabled returns every enabled descriptor, in no particular order.
func (r *Registry) Enabled() []Descriptor {
	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// All returns every descriptor the registry knows about, enabled or
// not, for seeding parser_descriptors at startup.
func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	return out
}

// ValidModeKey reports whether key could ever name a registered mode —
// used to reject garbage before a registry lookup, independent of
// whether the mode currently exists.
func ValidModeKey(key string) bool {
	return modeKeyPattern.MatchString(key)
}
