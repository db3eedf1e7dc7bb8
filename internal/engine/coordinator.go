package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/poltergeist/spectre/pkg/cache"
	"github.com/poltergeist/spectre/pkg/fingerprint"
	"github.com/poltergeist/spectre/pkg/history"
	"github.com/poltergeist/spectre/pkg/logger"
	"github.com/poltergeist/spectre/pkg/types"
	"github.com/poltergeist/spectre/pkg/workspace"
)

// invocation is the state shared by the coordinator calls of one Run
type invocation struct {
	id      string
	dryRun  bool
	output  io.Writer
	aborted atomic.Bool
}

// commitAllowed reports whether results may still be written to history
// and the cache
func (inv *invocation) commitAllowed(ctx context.Context) bool {
	return !inv.dryRun && !inv.aborted.Load() && ctx.Err() == nil
}

// coordinator decides and carries out the work for a single node
type coordinator struct {
	deps   Dependencies
	logger logger.Logger
	now    func() time.Time
}

// process runs the decision algorithm for unit inside its workspace lock
func (c *coordinator) process(ctx context.Context, inv *invocation, unit *types.UnitOfWork) (out types.Outcome) {
	start := c.now()
	out = types.Outcome{UnitID: unit.ID}
	log := c.logger.WithUnit(unit.ID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("Panic while processing unit",
				logger.WithField("panic", r),
				logger.WithField("stack_trace", string(debug.Stack())))
			out = failed(unit.ID, fmt.Errorf("panic: %v", r))
		}
		out.Duration = c.now().Sub(start)
	}()

	if !unit.Capabilities().Executable {
		return failed(unit.ID, fmt.Errorf("%w: kind %q", ErrNotExecutable, unit.Kind))
	}

	err := c.deps.Workspaces.WithWorkspace(ctx, unit.ID, func(ws *workspace.Workspace, store history.Store) error {
		if ws.Recovered {
			log.Warn("Workspace recovered from a crashed run, outputs will be re-verified")
		}
		out = c.decide(ctx, inv, unit, ws, store, log)
		return nil
	})
	if err != nil {
		return failed(unit.ID, err)
	}
	return out
}

func failed(id string, err error) types.Outcome {
	return types.Outcome{UnitID: id, State: types.StateFailed, Reason: err.Error(), Err: err}
}

// decide is the five-step algorithm: fingerprint, up-to-date check, cache
// lookup, execution, recording
func (c *coordinator) decide(
	ctx context.Context,
	inv *invocation,
	unit *types.UnitOfWork,
	ws *workspace.Workspace,
	store history.Store,
	log logger.Logger,
) types.Outcome {
	svc := c.deps.Fingerprints
	caps := unit.Capabilities()

	// 1. fingerprint
	var (
		fp     *fingerprint.Fingerprint
		reason string
	)
	if caps.Fingerprintable {
		var err error
		fp, err = svc.Fingerprint(ctx, unit)
		if err != nil {
			if ctx.Err() != nil {
				return failed(unit.ID, ctx.Err())
			}
			log.Warn("Fingerprinting failed, executing without recording", logger.WithError(err))
			reason = "fingerprint failed: " + err.Error()
			fp = nil
		}
	} else {
		reason = "no declared outputs"
	}

	// 2. up-to-date check
	if fp != nil {
		entry, ok, err := store.Get(ctx, unit.ID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return failed(unit.ID, ctx.Err())
			}
			log.Warn("Failed to read execution history", logger.WithError(err))
			reason = "execution history unavailable"
		case !ok:
			reason = "no execution history"
		case !entry.InputFingerprint.Equal(fp):
			reason = describeInputChange(fp.Changed(entry.InputFingerprint))
		default:
			state, err := svc.HashOutputs(ctx, unit)
			if err != nil {
				reason = "cannot hash outputs: " + err.Error()
				break
			}
			if changed := changedOutputs(state, entry.OutputFileHashes); len(changed) > 0 {
				reason = describeOutputChange(changed)
				break
			}
			return types.Outcome{
				UnitID:   unit.ID,
				State:    types.StateUpToDate,
				Reason:   "inputs and outputs unchanged",
				Origin:   entry.Origin(),
				CacheKey: entry.CacheKey,
			}
		}
	}

	// 3. build cache
	var key string
	if fp != nil && unit.IsCacheable() && c.deps.Cache != nil {
		key = svc.CacheKey(fp, unit)
		if out, ok := c.restore(ctx, inv, unit, fp, key, store, log); ok {
			return out
		}
	}

	if inv.dryRun {
		return types.Outcome{UnitID: unit.ID, State: types.StateExecuted, Reason: "would execute: " + reason, CacheKey: key}
	}

	// 4. execute
	log.Info("Executing", logger.WithField("reason", reason))
	started := c.now()
	if err := c.runAction(ctx, inv, unit, ws, log); err != nil {
		// 5. failures are neither cached nor recorded
		return failed(unit.ID, err)
	}
	duration := c.now().Sub(started)

	// the action finished; a cancellation arriving now must not turn it
	// into a failure
	runCtx := ctx
	ctx = context.WithoutCancel(ctx)

	var state *fingerprint.OutputState
	if len(unit.Outputs) > 0 {
		var err error
		state, err = svc.HashOutputs(ctx, unit)
		if err != nil {
			return failed(unit.ID, fmt.Errorf("hash outputs: %w", err))
		}
		if len(state.Missing) > 0 {
			return failed(unit.ID, &MissingOutputsError{UnitID: unit.ID, Outputs: state.Missing})
		}
	}

	origin := &types.Origin{Identity: inv.id, Timestamp: started, Duration: duration}
	out := types.Outcome{UnitID: unit.ID, State: types.StateExecuted, Reason: reason, Origin: origin, CacheKey: key}

	if fp == nil || state == nil {
		return out
	}
	if !inv.commitAllowed(runCtx) {
		out.Reason += " (not recorded, invocation aborted)"
		return out
	}

	if key != "" {
		if err := c.storeBundle(ctx, unit, key, state, origin, log); err != nil {
			var pe *cache.PoisoningError
			if errors.As(err, &pe) {
				log.Error("Cache poisoning detected, refusing to record result",
					logger.WithField("key", key),
					logger.WithField("stored", pe.Existing),
					logger.WithField("produced", pe.Incoming))
				return failed(unit.ID, err)
			}
			log.Warn("Failed to store outputs in build cache", logger.WithError(err))
		}
	}

	entry := &history.Entry{
		InputFingerprint:  fp,
		OutputFingerprint: state.Fingerprint,
		OutputFileHashes:  state.Files,
		OriginTimestamp:   origin.Timestamp,
		OriginIdentity:    origin.Identity,
		OriginDuration:    origin.Duration,
		CacheKey:          key,
	}
	if err := store.Put(ctx, unit.ID, entry); err != nil {
		log.Warn("Failed to record execution history", logger.WithError(err))
	}
	return out
}

// runAction invokes the unit's action, converting panics into failures
func (c *coordinator) runAction(ctx context.Context, inv *invocation, unit *types.UnitOfWork, ws *workspace.Workspace, log logger.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ActionFailure{UnitID: unit.ID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	output := inv.output
	if output == nil {
		output = io.Discard
	}
	ec := &types.ExecContext{
		Unit:         unit,
		ProjectRoot:  c.deps.Fingerprints.Root(),
		WorkspaceDir: ws.Dir,
		InvocationID: inv.id,
		Logger:       log,
		Output:       output,
	}
	if err := unit.Action(ctx, ec); err != nil {
		return &ActionFailure{UnitID: unit.ID, Err: err}
	}
	return nil
}

// restore tries to satisfy the unit from the build cache
func (c *coordinator) restore(
	ctx context.Context,
	inv *invocation,
	unit *types.UnitOfWork,
	fp *fingerprint.Fingerprint,
	key string,
	store history.Store,
	log logger.Logger,
) (types.Outcome, bool) {
	hit, err := c.deps.Cache.Load(ctx, key)
	if err != nil {
		log.Warn("Build cache lookup failed", logger.WithField("key", key), logger.WithError(err))
		return types.Outcome{}, false
	}
	if hit == nil {
		return types.Outcome{}, false
	}

	if err := cache.CheckOutputs(hit.Manifest, c.manifestOutputs(unit)); err != nil {
		log.Warn("Discarding cache entry for different outputs", logger.WithField("key", key), logger.WithError(err))
		if rmErr := c.deps.Cache.Local().Remove(key); rmErr != nil {
			log.Warn("Failed to remove cache entry", logger.WithField("key", key), logger.WithError(rmErr))
		}
		return types.Outcome{}, false
	}

	origin := hit.Manifest.Origin
	if inv.dryRun {
		return types.Outcome{
			UnitID:   unit.ID,
			State:    types.StateFromCache,
			Reason:   "would restore from " + string(hit.Source) + " cache",
			Origin:   &origin,
			CacheKey: key,
		}, true
	}

	root := c.deps.Fingerprints.Root()
	err = c.deps.Workspaces.WithImmutableWorkspace(ctx, key,
		func(dir string) error {
			_, err := cache.Unpack(hit.Data, dir)
			return err
		},
		func(ws *workspace.Workspace, _ history.Store) error {
			return cache.Materialize(hit.Manifest, ws.Dir, root)
		})
	if err != nil {
		var ce *cache.CorruptError
		if errors.As(err, &ce) {
			log.Warn("Discarding corrupt cache entry", logger.WithField("key", key), logger.WithError(err))
			_ = c.deps.Cache.Local().Remove(key)
		} else {
			log.Warn("Failed to restore outputs from cache", logger.WithField("key", key), logger.WithError(err))
		}
		return types.Outcome{}, false
	}

	state, err := c.deps.Fingerprints.HashOutputs(ctx, unit)
	if err != nil || len(state.Missing) > 0 || state.Fingerprint != hit.Manifest.OutputFingerprint {
		log.Warn("Restored outputs do not match the cache entry, executing instead", logger.WithField("key", key))
		return types.Outcome{}, false
	}

	if inv.commitAllowed(ctx) {
		entry := &history.Entry{
			InputFingerprint:  fp,
			OutputFingerprint: state.Fingerprint,
			OutputFileHashes:  state.Files,
			OriginTimestamp:   origin.Timestamp,
			OriginIdentity:    origin.Identity,
			OriginDuration:    origin.Duration,
			CacheKey:          key,
		}
		if err := store.Put(ctx, unit.ID, entry); err != nil {
			log.Warn("Failed to record execution history", logger.WithError(err))
		}
	}

	return types.Outcome{
		UnitID:   unit.ID,
		State:    types.StateFromCache,
		Reason:   "restored from " + string(hit.Source) + " cache",
		Origin:   &origin,
		CacheKey: key,
	}, true
}

func (c *coordinator) storeBundle(
	ctx context.Context,
	unit *types.UnitOfWork,
	key string,
	state *fingerprint.OutputState,
	origin *types.Origin,
	log logger.Logger,
) error {
	m := &cache.Manifest{
		Key:               key,
		UnitID:            unit.ID,
		OutputFingerprint: state.Fingerprint,
		OutputFileHashes:  state.Files,
		Origin:            *origin,
		Outputs:           c.manifestOutputs(unit),
	}

	data, err := cache.Pack(m, c.deps.Fingerprints.Root())
	if err != nil {
		return fmt.Errorf("pack outputs: %w", err)
	}
	if err := c.deps.Cache.Store(ctx, key, data); err != nil {
		return err
	}
	log.Debug("Stored outputs in build cache", logger.WithField("key", key), logger.WithField("bytes", len(data)))
	return nil
}

// manifestOutputs lists the outputs a bundle for unit must carry
func (c *coordinator) manifestOutputs(unit *types.UnitOfWork) []cache.ManifestOutput {
	outs := make([]cache.ManifestOutput, 0, len(unit.Outputs))
	for _, out := range unit.Outputs {
		outs = append(outs, cache.ManifestOutput{
			Name: out.Name,
			Path: c.deps.Fingerprints.OutputKey(out),
			Kind: out.Kind,
		})
	}
	return outs
}

// changedOutputs lists output files that differ from the recorded hashes
func changedOutputs(state *fingerprint.OutputState, recorded map[string]string) []string {
	var changed []string
	changed = append(changed, state.Missing...)
	for p, h := range state.Files {
		if recorded[p] != h {
			changed = append(changed, p)
		}
	}
	for p := range recorded {
		if _, ok := state.Files[p]; !ok {
			changed = append(changed, p)
		}
	}
	sort.Strings(changed)
	return dedupe(changed)
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || sorted[i-1] != s {
			out = append(out, s)
		}
	}
	return out
}

func describeInputChange(props []string) string {
	switch len(props) {
	case 0:
		return "inputs changed"
	case 1:
		return "input property " + props[0] + " changed"
	default:
		return "input properties " + strings.Join(props, ", ") + " changed"
	}
}

func describeOutputChange(paths []string) string {
	if len(paths) > 3 {
		return fmt.Sprintf("outputs %s and %d more changed", strings.Join(paths[:3], ", "), len(paths)-3)
	}
	if len(paths) == 1 {
		return "output " + paths[0] + " changed"
	}
	return "outputs " + strings.Join(paths, ", ") + " changed"
}
