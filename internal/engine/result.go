package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/poltergeist/spectre/pkg/types"
)

// Result holds every node's outcome for one invocation
type Result struct {
	InvocationID string
	outcomes     map[string]types.Outcome
	order        []string
	duration     time.Duration
	aborted      bool
}

func newResult(invocationID string, g *Graph) *Result {
	return &Result{
		InvocationID: invocationID,
		outcomes:     make(map[string]types.Outcome, g.Len()),
		order:        g.Order(),
	}
}

func (r *Result) record(out types.Outcome) {
	r.outcomes[out.UnitID] = out
}

func (r *Result) finish(d time.Duration, aborted bool) {
	r.duration = d
	r.aborted = aborted
}

// Outcome returns the outcome for id
func (r *Result) Outcome(id string) (types.Outcome, bool) {
	out, ok := r.outcomes[id]
	return out, ok
}

// Outcomes returns all outcomes in topological order
func (r *Result) Outcomes() []types.Outcome {
	outs := make([]types.Outcome, 0, len(r.order))
	for _, id := range r.order {
		if out, ok := r.outcomes[id]; ok {
			outs = append(outs, out)
		}
	}
	return outs
}

// Failed returns the failed outcomes in topological order
func (r *Result) Failed() []types.Outcome {
	var failed []types.Outcome
	for _, out := range r.Outcomes() {
		if out.State == types.StateFailed {
			failed = append(failed, out)
		}
	}
	return failed
}

// Summary counts outcomes per state
func (r *Result) Summary() types.Summary {
	s := types.Summary{
		InvocationID: r.InvocationID,
		Counts:       make(map[types.NodeState]int),
		Duration:     r.duration,
		Aborted:      r.aborted,
	}
	for _, out := range r.Outcomes() {
		s.Counts[out.State]++
		if out.State == types.StateFailed {
			s.Failed = append(s.Failed, out.UnitID)
		}
	}
	return s
}

// Err joins the first error of every failed node, or returns nil
func (r *Result) Err() error {
	var errs []error
	for _, out := range r.Failed() {
		errs = append(errs, fmt.Errorf("%s: %w", out.UnitID, out.Err))
	}
	return errors.Join(errs...)
}
