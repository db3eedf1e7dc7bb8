package engine

import (
	"context"
	"time"

	"github.com/poltergeist/spectre/pkg/logger"
	"github.com/poltergeist/spectre/pkg/types"
)

// scheduler walks the graph of one invocation. Only the goroutine running
// run touches states, remaining and the ready queue; workers report back
// over a channel.
type scheduler struct {
	ctx      context.Context
	engine   *Engine
	graph    *Graph
	inv      *invocation
	listener types.Listener
	states   nodeStates
	result   *Result
}

func (s *scheduler) run(ctx context.Context, estimates map[string]time.Duration) error {
	s.ctx = ctx
	log := s.engine.logger
	opts := s.engine.opts

	queue := newReadyQueue(NewPriorityEngine(s.graph, estimates))
	remaining := make(map[string]int, s.graph.Len())
	for _, id := range s.graph.Order() {
		remaining[id] = len(s.graph.Predecessors(id))
		if remaining[id] == 0 {
			s.transition(id, types.StateReady)
			queue.push(id)
		}
	}

	group, _ := NewSafeGroup(context.Background(), log)
	group.SetLimit(opts.Parallelism)

	results := make(chan types.Outcome, s.graph.Len())
	done := ctx.Done()
	inflight := 0
	stopped := false
	stopReason := ""
	var fatal error

	stop := func(reason string) {
		if !stopped {
			stopped = true
			stopReason = reason
		}
	}
	cancelled := func() {
		if fatal == nil {
			fatal = ctx.Err()
		}
		s.inv.aborted.Store(true)
		stop("invocation cancelled")
		log.Warn("Invocation cancelled, waiting for running units", logger.WithField("running", inflight))
	}

	for {
		if done != nil && ctx.Err() != nil {
			done = nil
			cancelled()
		}
		for !stopped && inflight < opts.Parallelism && queue.Len() > 0 {
			id := queue.pop()
			unit, _ := s.graph.Unit(id)
			s.transition(id, types.StateExecuting)
			s.listener.NodeStarted(ctx, id)
			inflight++
			group.Go(func() error {
				results <- s.engine.coord.process(ctx, s.inv, unit)
				return nil
			})
		}
		if inflight == 0 {
			break
		}

		select {
		case out := <-results:
			inflight--
			s.finish(out)

			if out.State == types.StateFailed {
				switch {
				case isFatal(out.Err):
					fatal = out.Err
					s.inv.aborted.Store(true)
					stop("invocation aborted")
				case isLockTimeout(out.Err):
					log.Warn("Workspace lock timed out, skipping dependents only",
						logger.WithField("unit", out.UnitID), logger.WithError(out.Err))
				case !opts.ContinueOnFailure:
					stop("earlier failure")
				}
			}

			for _, next := range s.graph.Successors(out.UnitID) {
				if !out.State.IsSuccess() {
					s.skipDownstream(next, "dependency "+out.UnitID+" "+out.State.String())
					continue
				}
				remaining[next]--
				if remaining[next] == 0 && s.states[next] == types.StatePending {
					s.transition(next, types.StateReady)
					queue.push(next)
				}
			}

		case <-done:
			done = nil
			cancelled()
		}
	}

	if err := group.Wait(); err != nil && fatal == nil {
		fatal = err
	}

	queue.drain()
	for _, id := range s.graph.Order() {
		if st := s.states[id]; st == types.StatePending || st == types.StateReady {
			s.skip(id, "not started: "+stopReason)
		}
	}
	return fatal
}

func (s *scheduler) transition(id string, to types.NodeState) {
	if err := s.states.move(id, to); err != nil {
		// the scheduler only issues valid transitions
		panic(err)
	}
}

func (s *scheduler) finish(out types.Outcome) {
	s.transition(out.UnitID, out.State)
	s.result.record(out)
	s.listener.NodeFinished(s.ctx, out)

	log := s.engine.logger.WithUnit(out.UnitID)
	fields := []logger.Field{
		logger.WithField("reason", out.Reason),
		logger.WithField("duration", out.Duration.Round(time.Millisecond)),
	}
	if out.State == types.StateFailed {
		log.Error("Failed", append(fields, logger.WithError(out.Err))...)
		return
	}
	log.Info(out.State.String(), fields...)
}

func (s *scheduler) skip(id, reason string) {
	s.transition(id, types.StateSkipped)
	out := types.Outcome{UnitID: id, State: types.StateSkipped, Reason: reason}
	s.result.record(out)
	s.listener.NodeFinished(s.ctx, out)
	s.engine.logger.WithUnit(id).Debug("Skipped", logger.WithField("reason", reason))
}

// skipDownstream marks id and everything depending on it as skipped
func (s *scheduler) skipDownstream(id, reason string) {
	if st := s.states[id]; st != types.StatePending {
		return
	}
	s.skip(id, reason)
	for _, next := range s.graph.Successors(id) {
		s.skipDownstream(next, "dependency "+id+" skipped")
	}
}
