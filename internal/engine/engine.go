// Package engine schedules a graph of units of work and decides, per unit,
// whether it is up to date, can be restored from the build cache, or must
// run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	scontext "github.com/poltergeist/spectre/pkg/context"
	"github.com/poltergeist/spectre/pkg/cache"
	"github.com/poltergeist/spectre/pkg/fingerprint"
	"github.com/poltergeist/spectre/pkg/history"
	"github.com/poltergeist/spectre/pkg/logger"
	"github.com/poltergeist/spectre/pkg/types"
	"github.com/poltergeist/spectre/pkg/workspace"
)

// Dependencies are the collaborators of one engine. Cache may be nil.
type Dependencies struct {
	Fingerprints *fingerprint.Service
	History      history.Store
	Cache        *cache.BuildCache
	Workspaces   *workspace.Provider
}

func (d Dependencies) validate() error {
	switch {
	case d.Fingerprints == nil:
		return errors.New("fingerprint service dependency is required")
	case d.History == nil:
		return errors.New("history store dependency is required")
	case d.Workspaces == nil:
		return errors.New("workspace provider dependency is required")
	}
	return nil
}

// Options tunes scheduling
type Options struct {
	// Parallelism bounds concurrently processed units; defaults to 1
	Parallelism int
	// ContinueOnFailure keeps running units that do not depend on a failure
	ContinueOnFailure bool
	// DryRun reports decisions without executing or recording anything
	DryRun bool
}

// Request describes one invocation
type Request struct {
	Units []*types.UnitOfWork
	// Targets restricts the run to these units and their dependencies
	Targets []string
	// Listener receives progress events for this invocation only
	Listener types.Listener
	// Output receives action output; nil discards it
	Output io.Writer
}

// Engine runs invocations
type Engine struct {
	deps   Dependencies
	logger logger.Logger
	opts   Options
	coord  *coordinator
	now    func() time.Time
}

// New creates an engine
func New(deps Dependencies, log logger.Logger, opts Options) (*Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	return &Engine{
		deps:   deps,
		logger: log,
		opts:   opts,
		coord:  &coordinator{deps: deps, logger: log, now: time.Now},
		now:    time.Now,
	}, nil
}

// Run executes the request. The returned error is fatal to the invocation
// (invalid graph, unrecoverable workspace lock, cancellation); per-node
// failures are reported in the Result.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	ctx = scontext.WithOperation(scontext.EnrichContext(ctx), "run")
	invID, _ := scontext.InvocationID(ctx)

	g, err := NewGraph(req.Units)
	if err != nil {
		return nil, err
	}
	if g, err = g.Subgraph(req.Targets); err != nil {
		return nil, err
	}

	listener := req.Listener
	if listener == nil {
		listener = types.Listeners(nil)
	}

	inv := &invocation{id: invID, dryRun: e.opts.DryRun}
	if req.Output != nil {
		inv.output = &lockedWriter{w: req.Output}
	}
	s := &scheduler{
		engine:   e,
		graph:    g,
		inv:      inv,
		listener: listener,
		states:   newNodeStates(g),
		result:   newResult(invID, g),
	}

	e.logger.Info(fmt.Sprintf("Running %d unit(s) of work", g.Len()),
		logger.WithField("invocation", invID),
		logger.WithField("parallelism", e.opts.Parallelism))

	start := e.now()
	fatal := s.run(ctx, e.estimates(ctx, g))
	s.result.finish(e.now().Sub(start), fatal != nil)

	summary := s.result.Summary()
	listener.InvocationFinished(ctx, summary)
	if summary.Succeeded() {
		logger.WithContext(ctx, e.logger).Success(summary.String())
	} else {
		logger.WithContext(ctx, e.logger).Error(summary.String(),
			logger.WithField("failed", len(summary.Failed)))
	}
	return s.result, fatal
}

// estimates reads last known durations from history for prioritization
func (e *Engine) estimates(ctx context.Context, g *Graph) map[string]time.Duration {
	records, err := e.deps.History.List(ctx)
	if err != nil {
		e.logger.Debug("No duration estimates available", logger.WithError(err))
		return nil
	}
	est := make(map[string]time.Duration, len(records))
	for _, r := range records {
		if _, ok := g.Unit(r.UnitID); ok {
			est[r.UnitID] = r.Entry.OriginDuration
		}
	}
	return est
}

// lockedWriter serializes writes of concurrently running actions
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}
