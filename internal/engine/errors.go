package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/poltergeist/spectre/pkg/workspace"
)

var (
	// ErrNoUnits is returned for an invocation without units of work
	ErrNoUnits = errors.New("no units of work")
	// ErrNotExecutable is reported for units whose kind has no action
	ErrNotExecutable = errors.New("unit of work is not executable")
)

// CycleError is a dependency cycle found while building the graph
type CycleError struct {
	// Nodes lists the cycle in dependency order, starting and ending with
	// the same id
	Nodes []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Nodes, " -> ")
}

// GraphError reports an invalid unit declaration
type GraphError struct {
	UnitID string
	Reason string
}

func (e *GraphError) Error() string {
	if e.UnitID == "" {
		return "invalid work graph: " + e.Reason
	}
	return fmt.Sprintf("invalid work graph: unit %q: %s", e.UnitID, e.Reason)
}

// ActionFailure wraps the error returned by a unit's own action
type ActionFailure struct {
	UnitID string
	Err    error
}

func (e *ActionFailure) Error() string {
	return fmt.Sprintf("action for %s failed: %v", e.UnitID, e.Err)
}

func (e *ActionFailure) Unwrap() error {
	return e.Err
}

// MissingOutputsError reports declared outputs an action did not produce
type MissingOutputsError struct {
	UnitID  string
	Outputs []string
}

func (e *MissingOutputsError) Error() string {
	return fmt.Sprintf("%s did not produce declared outputs: %s", e.UnitID, strings.Join(e.Outputs, ", "))
}

// isFatal reports errors that abort the whole invocation
func isFatal(err error) bool {
	return errors.Is(err, workspace.ErrUnrecoverableStaleLock)
}

// isLockTimeout reports a node that never got its workspace. Only its
// downstream nodes are affected.
func isLockTimeout(err error) bool {
	var lte *workspace.LockTimeoutError
	return errors.As(err, &lte)
}
