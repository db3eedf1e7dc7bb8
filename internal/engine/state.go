package engine

import (
	"fmt"

	"github.com/poltergeist/spectre/pkg/types"
)

var transitions = map[types.NodeState][]types.NodeState{
	types.StatePending: {types.StateReady, types.StateSkipped},
	types.StateReady:   {types.StateExecuting, types.StateSkipped},
	types.StateExecuting: {
		types.StateUpToDate,
		types.StateFromCache,
		types.StateExecuted,
		types.StateFailed,
	},
}

// nodeStates tracks the state machine of every node in one invocation.
// It is owned by the scheduler goroutine.
type nodeStates map[string]types.NodeState

func newNodeStates(g *Graph) nodeStates {
	s := make(nodeStates, g.Len())
	for _, id := range g.Order() {
		s[id] = types.StatePending
	}
	return s
}

// move performs a validated transition
func (s nodeStates) move(id string, to types.NodeState) error {
	from, ok := s[id]
	if !ok {
		return fmt.Errorf("unknown node %s", id)
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			s[id] = to
			return nil
		}
	}
	return fmt.Errorf("invalid transition for %s: %s -> %s", id, from, to)
}
