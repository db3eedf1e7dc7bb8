// Package workfile loads unit-of-work declarations from YAML, JSON or HCL
// files and binds each declared command to a shell action.
package workfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/poltergeist/spectre/pkg/logger"
	"github.com/poltergeist/spectre/pkg/types"
)

// CurrentVersion is the supported workfile version
const CurrentVersion = "1"

// Workfile is the decoded file, before validation
type Workfile struct {
	Version string     `yaml:"version" json:"version"`
	Units   []UnitDecl `yaml:"units" json:"units"`
}

// UnitDecl declares one unit of work
type UnitDecl struct {
	ID        string            `yaml:"id" json:"id"`
	Kind      string            `yaml:"kind,omitempty" json:"kind,omitempty"`
	Command   string            `yaml:"command" json:"command"`
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	DependsOn []string          `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
	// Cacheable defaults to true
	Cacheable *bool        `yaml:"cacheable,omitempty" json:"cacheable,omitempty"`
	Inputs    []InputDecl  `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs   []OutputDecl `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// InputDecl declares an input property. Kind defaults to file when Path is
// set and to scalar otherwise.
type InputDecl struct {
	Name          string      `yaml:"name" json:"name"`
	Kind          string      `yaml:"kind,omitempty" json:"kind,omitempty"`
	Path          string      `yaml:"path,omitempty" json:"path,omitempty"`
	Value         interface{} `yaml:"value,omitempty" json:"value,omitempty"`
	Normalization string      `yaml:"normalization,omitempty" json:"normalization,omitempty"`
}

// OutputDecl declares an output location
type OutputDecl struct {
	Name string `yaml:"name" json:"name"`
	Path string `yaml:"path" json:"path"`
	Kind string `yaml:"kind,omitempty" json:"kind,omitempty"`
}

// Loader reads workfiles relative to a project root
type Loader struct {
	projectRoot string
	logger      logger.Logger
}

// NewLoader creates a loader
func NewLoader(projectRoot string, log logger.Logger) *Loader {
	return &Loader{projectRoot: projectRoot, logger: log}
}

// Load reads, validates and converts the workfile at path. The format is
// chosen by extension: .hcl, .json, anything else is YAML.
func (l *Loader) Load(path string) ([]*types.UnitOfWork, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workfile: %w", err)
	}

	wf, err := Parse(data, filepath.Base(path))
	if err != nil {
		return nil, err
	}

	result := NewValidator(l.projectRoot).Validate(wf)
	for _, w := range result.Warnings() {
		l.logger.Warn(w.Error())
	}
	if !result.Valid {
		return nil, result.Err()
	}
	return wf.UnitsOfWork()
}

// Parse decodes data; filename selects the format and appears in diagnostics
func Parse(data []byte, filename string) (*Workfile, error) {
	var wf Workfile
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".hcl":
		parsed, err := parseHCL(data, filename)
		if err != nil {
			return nil, err
		}
		wf = *parsed
	case ".json":
		if err := json.Unmarshal(data, &wf); err != nil {
			return nil, fmt.Errorf("failed to parse workfile %s: %w", filename, err)
		}
	default:
		if err := yaml.Unmarshal(data, &wf); err != nil {
			return nil, fmt.Errorf("failed to parse workfile %s: %w", filename, err)
		}
	}
	return &wf, nil
}

// UnitsOfWork converts the declarations into units of work with shell actions.
// The workfile must have passed validation.
func (wf *Workfile) UnitsOfWork() ([]*types.UnitOfWork, error) {
	units := make([]*types.UnitOfWork, 0, len(wf.Units))
	for _, d := range wf.Units {
		u, err := d.unit()
		if err != nil {
			return nil, fmt.Errorf("unit %s: %w", d.ID, err)
		}
		units = append(units, u)
	}
	return units, nil
}

func (d UnitDecl) unit() (*types.UnitOfWork, error) {
	kind, err := types.ParseWorkKind(d.Kind)
	if err != nil {
		return nil, err
	}

	u := &types.UnitOfWork{
		ID:        d.ID,
		Kind:      kind,
		Cacheable: d.Cacheable == nil || *d.Cacheable,
		DependsOn: append([]string(nil), d.DependsOn...),
		ActionKey: actionKey(d.Command, d.Env),
		Action:    ShellAction(d.Command, d.Env),
	}
	for _, in := range d.Inputs {
		u.Inputs = append(u.Inputs, types.InputProperty{
			Name:          in.Name,
			Kind:          in.kind(),
			Value:         in.Value,
			Path:          in.Path,
			Normalization: types.Normalization(in.Normalization),
		})
	}
	for _, out := range d.Outputs {
		kind := types.OutputFile
		if out.Kind != "" {
			kind = types.OutputKind(out.Kind)
		}
		u.Outputs = append(u.Outputs, types.OutputProperty{Name: out.Name, Path: out.Path, Kind: kind})
	}
	return u, nil
}

func (in InputDecl) kind() types.PropertyKind {
	switch {
	case in.Kind != "":
		return types.PropertyKind(in.Kind)
	case in.Path != "":
		return types.PropertyFile
	default:
		return types.PropertyScalar
	}
}

// WatchPaths lists the file and directory inputs of units, deduplicated
func WatchPaths(units []*types.UnitOfWork) []string {
	seen := make(map[string]bool)
	var paths []string
	for _, u := range units {
		for _, in := range u.Inputs {
			if in.Kind == types.PropertyScalar || in.Path == "" || seen[in.Path] {
				continue
			}
			seen[in.Path] = true
			paths = append(paths, in.Path)
		}
	}
	return paths
}
