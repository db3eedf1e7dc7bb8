// Package types provides the unit-of-work descriptor and outcome types shared
// by every spectre component
package types

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/poltergeist/spectre/pkg/logger"
)

// WorkKind is the closed set of unit-of-work variants
type WorkKind string

const (
	WorkKindCompile   WorkKind = "compile"
	WorkKindTransform WorkKind = "transform"
	WorkKindPackage   WorkKind = "package"
	WorkKindGenerate  WorkKind = "generate"
	WorkKindTest      WorkKind = "test"
	WorkKindGeneric   WorkKind = "generic"
)

// PropertyKind classifies an input property
type PropertyKind string

const (
	PropertyScalar    PropertyKind = "scalar"
	PropertyFile      PropertyKind = "file"
	PropertyDirectory PropertyKind = "directory"
)

// Normalization controls which part of a path takes part in fingerprinting
type Normalization string

const (
	NormalizeAbsolute Normalization = "absolute"
	NormalizeRelative Normalization = "relative"
	NormalizeNameOnly Normalization = "name-only"
)

// OutputKind classifies an output property
type OutputKind string

const (
	OutputFile      OutputKind = "file"
	OutputDirectory OutputKind = "directory"
)

// InputProperty is one declared input of a unit of work
type InputProperty struct {
	Name          string        `json:"name" yaml:"name"`
	Kind          PropertyKind  `json:"kind" yaml:"kind"`
	Value         interface{}   `json:"value,omitempty" yaml:"value,omitempty"`
	Path          string        `json:"path,omitempty" yaml:"path,omitempty"`
	Normalization Normalization `json:"normalization,omitempty" yaml:"normalization,omitempty"`
}

// OutputProperty is one declared output location of a unit of work
type OutputProperty struct {
	Name string     `json:"name" yaml:"name"`
	Path string     `json:"path" yaml:"path"`
	Kind OutputKind `json:"kind,omitempty" yaml:"kind,omitempty"`
}

// ExecContext is handed to an Action while it runs
type ExecContext struct {
	Unit         *UnitOfWork
	ProjectRoot  string
	WorkspaceDir string
	InvocationID string
	Logger       logger.Logger
	// Output receives the action's own diagnostics; it is persisted in the
	// mutable workspace.
	Output io.Writer
}

// Action is the executable part of a unit of work
type Action func(ctx context.Context, exec *ExecContext) error

// UnitOfWork is one schedulable piece of build logic
type UnitOfWork struct {
	ID        string
	Kind      WorkKind
	Inputs    []InputProperty
	Outputs   []OutputProperty
	Cacheable bool
	DependsOn []string
	// ActionKey describes the action implementation; it is fingerprinted as
	// an implicit scalar input so that changing the command invalidates work.
	ActionKey string
	Action    Action
}

// Capabilities describes what the engine may do with a unit of work
type Capabilities struct {
	Fingerprintable bool
	Cacheable       bool
	Executable      bool
}

// Capabilities resolves the capability set of the unit's kind.
// Units without declared outputs are never fingerprinted for up-to-date
// checks: there is nothing to verify, so they always execute.
func (u *UnitOfWork) Capabilities() Capabilities {
	hasOutputs := len(u.Outputs) > 0

	switch u.Kind {
	case WorkKindCompile, WorkKindTransform, WorkKindPackage, WorkKindGenerate:
		return Capabilities{Fingerprintable: hasOutputs, Cacheable: hasOutputs, Executable: true}
	case WorkKindTest:
		// test reports are only worth caching when the test declares them
		return Capabilities{Fingerprintable: hasOutputs, Cacheable: hasOutputs, Executable: true}
	case WorkKindGeneric, "":
		return Capabilities{Fingerprintable: hasOutputs, Cacheable: hasOutputs, Executable: u.Action != nil}
	default:
		return Capabilities{}
	}
}

// IsCacheable reports whether results of this unit go to the build cache
func (u *UnitOfWork) IsCacheable() bool {
	return u.Cacheable && u.Capabilities().Cacheable
}

// ResolvePath returns p anchored at root unless it is already absolute
func ResolvePath(root, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(root, filepath.FromSlash(p))
}

// ParseWorkKind validates a kind name, defaulting to generic
func ParseWorkKind(s string) (WorkKind, error) {
	switch WorkKind(s) {
	case "":
		return WorkKindGeneric, nil
	case WorkKindCompile, WorkKindTransform, WorkKindPackage, WorkKindGenerate, WorkKindTest, WorkKindGeneric:
		return WorkKind(s), nil
	default:
		return "", fmt.Errorf("unknown work kind: %s", s)
	}
}

// NodeState is the lifecycle state of a node within one invocation
type NodeState int

const (
	StatePending NodeState = iota
	StateReady
	StateExecuting
	StateSkipped
	StateUpToDate
	StateFromCache
	StateExecuted
	StateFailed
)

var stateNames = [...]string{
	StatePending:   "pending",
	StateReady:     "ready",
	StateExecuting: "executing",
	StateSkipped:   "skipped",
	StateUpToDate:  "up-to-date",
	StateFromCache: "from-cache",
	StateExecuted:  "executed",
	StateFailed:    "failed",
}

func (s NodeState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// IsTerminal reports whether no further transition is possible
func (s NodeState) IsTerminal() bool {
	return s >= StateSkipped
}

// IsSuccess reports whether consumers of the node may run
func (s NodeState) IsSuccess() bool {
	return s == StateUpToDate || s == StateFromCache || s == StateExecuted
}

// Origin identifies the build that first produced a result
type Origin struct {
	Identity  string        `json:"identity"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// Outcome is the engine's verdict for one node
type Outcome struct {
	UnitID   string
	State    NodeState
	Reason   string
	Origin   *Origin
	Err      error
	CacheKey string
	Duration time.Duration
}

// Summary aggregates the outcomes of one invocation
type Summary struct {
	InvocationID string
	Counts       map[NodeState]int
	Failed       []string
	Duration     time.Duration
	Aborted      bool
}

// Succeeded reports whether nothing failed and the invocation was not aborted
func (s Summary) Succeeded() bool {
	return len(s.Failed) == 0 && !s.Aborted
}

func (s Summary) String() string {
	return fmt.Sprintf("%d up-to-date, %d from cache, %d executed, %d skipped, %d failed",
		s.Counts[StateUpToDate], s.Counts[StateFromCache], s.Counts[StateExecuted],
		s.Counts[StateSkipped], s.Counts[StateFailed])
}
