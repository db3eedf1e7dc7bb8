package workfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/poltergeist/spectre/pkg/types"
)

// Validator checks workfile declarations before they reach the engine
type Validator struct {
	projectRoot string
}

// NewValidator creates a new validator
func NewValidator(projectRoot string) *Validator {
	return &Validator{projectRoot: projectRoot}
}

// ValidationError represents a validation error
type ValidationError struct {
	Unit    string
	Field   string
	Message string
	Level   ValidationLevel
}

// ValidationLevel represents error severity
type ValidationLevel string

const (
	ValidationLevelError   ValidationLevel = "error"
	ValidationLevelWarning ValidationLevel = "warning"
)

func (e *ValidationError) Error() string {
	if e.Unit == "" {
		return fmt.Sprintf("[%s] %s: %s", e.Level, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s.%s: %s", e.Level, e.Unit, e.Field, e.Message)
}

// ValidationResult contains validation results
type ValidationResult struct {
	Valid  bool
	Errors []ValidationError
}

// AddError adds an error to the validation result
func (r *ValidationResult) AddError(unit, field, message string, level ValidationLevel) {
	r.Errors = append(r.Errors, ValidationError{
		Unit:    unit,
		Field:   field,
		Message: message,
		Level:   level,
	})
	if level == ValidationLevelError {
		r.Valid = false
	}
}

// Warnings returns the findings that do not invalidate the workfile
func (r *ValidationResult) Warnings() []*ValidationError {
	var out []*ValidationError
	for i := range r.Errors {
		if r.Errors[i].Level == ValidationLevelWarning {
			out = append(out, &r.Errors[i])
		}
	}
	return out
}

// Err joins every error-level finding, or returns nil
func (r *ValidationResult) Err() error {
	var errs []error
	for i := range r.Errors {
		if r.Errors[i].Level == ValidationLevelError {
			errs = append(errs, &r.Errors[i])
		}
	}
	return errors.Join(errs...)
}

// Validate checks every unit and the references between them
func (v *Validator) Validate(wf *Workfile) *ValidationResult {
	result := &ValidationResult{Valid: true}

	if wf.Version != "" && wf.Version != CurrentVersion {
		result.AddError("", "version", fmt.Sprintf("unsupported workfile version %q", wf.Version), ValidationLevelError)
	}
	if len(wf.Units) == 0 {
		result.AddError("", "units", "no units defined", ValidationLevelError)
		return result
	}

	ids := make(map[string]bool, len(wf.Units))
	for _, u := range wf.Units {
		if ids[u.ID] {
			result.AddError(u.ID, "id", "duplicate unit id", ValidationLevelError)
		}
		ids[u.ID] = true
	}

	for _, u := range wf.Units {
		v.validateUnit(u, ids, result)
	}
	return result
}

func (v *Validator) validateUnit(u UnitDecl, ids map[string]bool, result *ValidationResult) {
	id := u.ID
	switch {
	case id == "":
		result.AddError("", "id", "unit id is required", ValidationLevelError)
		return
	case strings.ContainsAny(id, " \t\n"):
		result.AddError(id, "id", "unit id cannot contain whitespace", ValidationLevelError)
	}

	if _, err := types.ParseWorkKind(u.Kind); err != nil {
		result.AddError(id, "kind", err.Error(), ValidationLevelError)
	}
	if strings.TrimSpace(u.Command) == "" {
		result.AddError(id, "command", "command is required", ValidationLevelError)
	}

	for _, dep := range u.DependsOn {
		if !ids[dep] {
			result.AddError(id, "dependsOn", fmt.Sprintf("unknown unit %q", dep), ValidationLevelError)
		}
	}

	names := make(map[string]bool)
	for _, in := range u.Inputs {
		v.validateInput(id, in, names, result)
	}
	outputs := make(map[string]bool)
	for _, out := range u.Outputs {
		v.validateOutput(id, out, outputs, result)
	}

	if len(u.Outputs) == 0 {
		result.AddError(id, "outputs", "no outputs declared, the unit will run on every invocation", ValidationLevelWarning)
	}
}

func (v *Validator) validateInput(id string, in InputDecl, names map[string]bool, result *ValidationResult) {
	field := "inputs." + in.Name
	if in.Name == "" {
		result.AddError(id, "inputs", "input name is required", ValidationLevelError)
		return
	}
	if strings.HasPrefix(in.Name, "@") {
		// @action and @kind are fingerprinted implicitly
		result.AddError(id, field, "property names starting with '@' are reserved", ValidationLevelError)
	}
	if names[in.Name] {
		result.AddError(id, field, "duplicate property name", ValidationLevelError)
	}
	names[in.Name] = true

	switch in.kind() {
	case types.PropertyScalar:
		if in.Path != "" {
			result.AddError(id, field, "scalar inputs take a value, not a path", ValidationLevelError)
		}
	case types.PropertyFile, types.PropertyDirectory:
		if in.Path == "" {
			result.AddError(id, field, "path is required", ValidationLevelError)
			return
		}
		if !strings.ContainsAny(in.Path, "*?") {
			if _, err := os.Stat(types.ResolvePath(v.projectRoot, in.Path)); os.IsNotExist(err) {
				result.AddError(id, field, fmt.Sprintf("input does not exist yet: %s", in.Path), ValidationLevelWarning)
			}
		}
	default:
		result.AddError(id, field, fmt.Sprintf("unknown input kind %q", in.Kind), ValidationLevelError)
	}

	switch types.Normalization(in.Normalization) {
	case "", types.NormalizeAbsolute, types.NormalizeRelative, types.NormalizeNameOnly:
	default:
		result.AddError(id, field, fmt.Sprintf("unknown normalization %q", in.Normalization), ValidationLevelError)
	}
}

func (v *Validator) validateOutput(id string, out OutputDecl, names map[string]bool, result *ValidationResult) {
	field := "outputs." + out.Name
	if out.Name == "" {
		result.AddError(id, "outputs", "output name is required", ValidationLevelError)
		return
	}
	if strings.ContainsAny(out.Name, `/\`) || strings.Contains(out.Name, "..") {
		result.AddError(id, field, "output names must not contain path separators or '..'", ValidationLevelError)
	}
	if names[out.Name] {
		result.AddError(id, field, "duplicate property name", ValidationLevelError)
	}
	names[out.Name] = true

	switch types.OutputKind(out.Kind) {
	case "", types.OutputFile, types.OutputDirectory:
	default:
		result.AddError(id, field, fmt.Sprintf("unknown output kind %q", out.Kind), ValidationLevelError)
	}

	if out.Path == "" {
		result.AddError(id, field, "path is required", ValidationLevelError)
		return
	}
	if filepath.IsAbs(out.Path) {
		result.AddError(id, field, "output path should be relative to project root", ValidationLevelWarning)
	}
}
