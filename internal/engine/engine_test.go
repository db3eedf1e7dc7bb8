package engine_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poltergeist/spectre/internal/engine"
	"github.com/poltergeist/spectre/pkg/cache"
	"github.com/poltergeist/spectre/pkg/fingerprint"
	"github.com/poltergeist/spectre/pkg/history"
	"github.com/poltergeist/spectre/pkg/logger"
	"github.com/poltergeist/spectre/pkg/mocks"
	"github.com/poltergeist/spectre/pkg/types"
	"github.com/poltergeist/spectre/pkg/workspace"
)

// syncBuffer lets the test read logs written from worker goroutines
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	t        *testing.T
	root     string
	stateDir string
	history  *mocks.MockHistoryStore
	action   *mocks.MockAction
	logs     *syncBuffer
	deps     engine.Dependencies
}

func newFixture(t *testing.T, withCache bool) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		t:        t,
		root:     root,
		stateDir: filepath.Join(root, ".spectre"),
		history:  mocks.NewMockHistoryStore(),
		action:   mocks.NewMockAction(),
		logs:     &syncBuffer{},
	}
	log := logger.CreateLoggerWithOutput("debug", f.logs)

	// memoization off: the tests rewrite files faster than the memo window
	fp, err := fingerprint.NewService(root, 0)
	require.NoError(t, err)
	ws, err := workspace.NewProvider(f.stateDir, f.history, log, workspace.Options{LockTimeout: 10 * time.Second})
	require.NoError(t, err)

	f.deps = engine.Dependencies{Fingerprints: fp, History: f.history, Workspaces: ws}
	if withCache {
		local, err := cache.NewLocalStore(filepath.Join(f.stateDir, "cache"), log)
		require.NoError(t, err)
		f.deps.Cache = cache.New(local, log, cache.Options{})
	}
	return f
}

func (f *fixture) engine(opts engine.Options) *engine.Engine {
	f.t.Helper()
	e, err := engine.New(f.deps, logger.CreateLoggerWithOutput("debug", f.logs), opts)
	require.NoError(f.t, err)
	return e
}

func (f *fixture) run(opts engine.Options, units ...*types.UnitOfWork) *engine.Result {
	f.t.Helper()
	res, err := f.engine(opts).Run(context.Background(), engine.Request{Units: units})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) write(rel, content string) {
	f.t.Helper()
	path := filepath.Join(f.root, filepath.FromSlash(rel))
	require.NoError(f.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(f.t, os.WriteFile(path, []byte(content), 0o644))
}

func (f *fixture) read(rel string) string {
	f.t.Helper()
	data, err := os.ReadFile(filepath.Join(f.root, filepath.FromSlash(rel)))
	require.NoError(f.t, err)
	return string(data)
}

// compile turns src/Main.x into out/Main.o
func compile(ctx context.Context, ec *types.ExecContext) error {
	src, err := os.ReadFile(filepath.Join(ec.ProjectRoot, "src", "Main.x"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	out := filepath.Join(ec.ProjectRoot, "out", "Main.o")
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	return os.WriteFile(out, []byte("obj("+string(src)+")"), 0o644)
}

func compileUnit(action types.Action) *types.UnitOfWork {
	return &types.UnitOfWork{
		ID:   "compile",
		Kind: types.WorkKindCompile,
		Inputs: []types.InputProperty{
			{Name: "source", Kind: types.PropertyFile, Path: "src/Main.x"},
			{Name: "optimize", Kind: types.PropertyScalar, Value: true},
		},
		Outputs:   []types.OutputProperty{{Name: "object", Path: "out/Main.o", Kind: types.OutputFile}},
		Cacheable: true,
		ActionKey: "xc -O2",
		Action:    action,
	}
}

func genericUnit(id string, action types.Action, deps ...string) *types.UnitOfWork {
	return &types.UnitOfWork{ID: id, Kind: types.WorkKindGeneric, Action: action, DependsOn: deps}
}

func outcome(t *testing.T, res *engine.Result, id string) types.Outcome {
	t.Helper()
	out, ok := res.Outcome(id)
	require.True(t, ok, "no outcome for %s", id)
	return out
}

func TestEngine_IncrementalScenario(t *testing.T) {
	f := newFixture(t, true)
	f.action.OnRun(compile)
	u := compileUnit(f.action.Action())
	f.write("src/Main.x", "A")

	first := f.run(engine.Options{}, u)
	out := outcome(t, first, "compile")
	assert.Equal(t, types.StateExecuted, out.State)
	assert.Equal(t, "no execution history", out.Reason)
	require.NotNil(t, out.Origin)
	assert.Equal(t, first.InvocationID, out.Origin.Identity)
	assert.NotEmpty(t, out.CacheKey)
	assert.Equal(t, "obj(A)", f.read("out/Main.o"))

	out = outcome(t, f.run(engine.Options{}, u), "compile")
	assert.Equal(t, types.StateUpToDate, out.State)
	assert.Equal(t, first.InvocationID, out.Origin.Identity, "origin points at the producing invocation")
	assert.Equal(t, 1, f.action.CallCount("compile"))

	f.write("src/Main.x", "B")
	out = outcome(t, f.run(engine.Options{}, u), "compile")
	assert.Equal(t, types.StateExecuted, out.State)
	assert.Equal(t, "input property source changed", out.Reason)
	assert.Equal(t, 2, f.action.CallCount("compile"))
	assert.Equal(t, "obj(B)", f.read("out/Main.o"))

	f.write("src/Main.x", "A")
	out = outcome(t, f.run(engine.Options{}, u), "compile")
	assert.Equal(t, types.StateFromCache, out.State)
	assert.Equal(t, "restored from local cache", out.Reason)
	assert.Equal(t, first.InvocationID, out.Origin.Identity)
	assert.Equal(t, 2, f.action.CallCount("compile"))
	assert.Equal(t, "obj(A)", f.read("out/Main.o"))

	out = outcome(t, f.run(engine.Options{}, u), "compile")
	assert.Equal(t, types.StateUpToDate, out.State, "restored result was recorded")
	assert.Equal(t, 3, f.history.PutCount("compile"))
}

func TestEngine_ModifiedOutputForcesExecution(t *testing.T) {
	f := newFixture(t, false)
	f.action.OnRun(compile)
	u := compileUnit(f.action.Action())
	u.Cacheable = false
	f.write("src/Main.x", "A")

	f.run(engine.Options{}, u)
	f.write("out/Main.o", "tampered")

	out := outcome(t, f.run(engine.Options{}, u), "compile")
	assert.Equal(t, types.StateExecuted, out.State)
	assert.Equal(t, "output out/Main.o changed", out.Reason)
	assert.Equal(t, 2, f.action.CallCount("compile"))
	assert.Equal(t, "obj(A)", f.read("out/Main.o"))
}

func TestEngine_DeletedOutputRestoredFromCache(t *testing.T) {
	f := newFixture(t, true)
	f.action.OnRun(compile)
	u := compileUnit(f.action.Action())
	f.write("src/Main.x", "A")

	f.run(engine.Options{}, u)
	require.NoError(t, os.Remove(filepath.Join(f.root, "out", "Main.o")))

	out := outcome(t, f.run(engine.Options{}, u), "compile")
	assert.Equal(t, types.StateFromCache, out.State)
	assert.Equal(t, 1, f.action.CallCount("compile"))
	assert.Equal(t, "obj(A)", f.read("out/Main.o"))
}

func TestEngine_UnitsWithoutOutputsAlwaysExecute(t *testing.T) {
	f := newFixture(t, true)
	u := genericUnit("lint", f.action.Action())

	f.run(engine.Options{}, u)
	out := outcome(t, f.run(engine.Options{}, u), "lint")

	assert.Equal(t, types.StateExecuted, out.State)
	assert.Equal(t, "no declared outputs", out.Reason)
	assert.Equal(t, 2, f.action.CallCount("lint"))
	assert.Zero(t, f.history.PutCount("lint"))
}

func TestEngine_FingerprintFailureExecutesWithoutRecording(t *testing.T) {
	f := newFixture(t, true)
	f.action.OnRun(compile)
	u := compileUnit(f.action.Action())
	// src/Main.x is missing

	out := outcome(t, f.run(engine.Options{}, u), "compile")
	assert.Equal(t, types.StateExecuted, out.State)
	assert.Contains(t, out.Reason, "fingerprint failed")
	assert.Empty(t, out.CacheKey)
	assert.Zero(t, f.history.PutCount("compile"))
	assert.Contains(t, f.logs.String(), "Fingerprinting failed")
}

func TestEngine_MissingOutputFailsNode(t *testing.T) {
	f := newFixture(t, true)
	f.write("src/Main.x", "A")
	u := compileUnit(f.action.Action())

	res := f.run(engine.Options{}, u)
	out := outcome(t, res, "compile")

	assert.Equal(t, types.StateFailed, out.State)
	var me *engine.MissingOutputsError
	require.True(t, errors.As(out.Err, &me))
	assert.Equal(t, []string{"object"}, me.Outputs)
	assert.Zero(t, f.history.PutCount("compile"))
	assert.Error(t, res.Err())
}

func TestEngine_HistoryWriteFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, false)
	f.action.OnRun(compile)
	f.write("src/Main.x", "A")
	f.history.SetPutError(errors.New("disk full"))

	out := outcome(t, f.run(engine.Options{}, compileUnit(f.action.Action())), "compile")
	assert.Equal(t, types.StateExecuted, out.State)
	assert.Contains(t, f.logs.String(), "Failed to record execution history")
}

func TestEngine_HistoryReadFailureExecutes(t *testing.T) {
	f := newFixture(t, false)
	f.action.OnRun(compile)
	f.write("src/Main.x", "A")
	u := compileUnit(f.action.Action())
	f.run(engine.Options{}, u)

	f.history.SetGetError(errors.New("database is locked"))
	out := outcome(t, f.run(engine.Options{}, u), "compile")
	assert.Equal(t, types.StateExecuted, out.State)
	assert.Equal(t, "execution history unavailable", out.Reason)
}

func TestEngine_FailFast(t *testing.T) {
	f := newFixture(t, false)
	boom := errors.New("boom")
	f.action.SetError("a", boom)
	listener := mocks.NewMockListener()

	res, err := f.engine(engine.Options{Parallelism: 1}).Run(context.Background(), engine.Request{
		Units: []*types.UnitOfWork{
			genericUnit("a", f.action.Action()),
			genericUnit("b", f.action.Action(), "a"),
			genericUnit("c", f.action.Action()),
		},
		Listener: listener,
	})
	require.NoError(t, err, "node failures are reported in the result")

	a := outcome(t, res, "a")
	assert.Equal(t, types.StateFailed, a.State)
	var af *engine.ActionFailure
	require.True(t, errors.As(a.Err, &af))
	assert.Equal(t, "a", af.UnitID)

	assert.Equal(t, types.StateSkipped, outcome(t, res, "b").State)
	assert.Equal(t, "dependency a failed", outcome(t, res, "b").Reason)
	assert.Equal(t, types.StateSkipped, outcome(t, res, "c").State)
	assert.Equal(t, "not started: earlier failure", outcome(t, res, "c").Reason)
	assert.Zero(t, f.action.CallCount("c"))

	assert.ErrorIs(t, res.Err(), boom)
	assert.Equal(t, []string{"a"}, listener.Started())
	assert.Len(t, listener.Outcomes(), 3)
	require.NotNil(t, listener.Summary())
	assert.False(t, listener.Summary().Succeeded())
	assert.Equal(t, []string{"a"}, listener.Summary().Failed)
}

func TestEngine_ContinueOnFailure(t *testing.T) {
	f := newFixture(t, false)
	f.action.SetError("a", errors.New("boom"))

	res := f.run(engine.Options{Parallelism: 1, ContinueOnFailure: true},
		genericUnit("a", f.action.Action()),
		genericUnit("b", f.action.Action(), "a"),
		genericUnit("c", f.action.Action(), "b"),
		genericUnit("d", f.action.Action()),
	)

	assert.Equal(t, types.StateFailed, outcome(t, res, "a").State)
	assert.Equal(t, "dependency a failed", outcome(t, res, "b").Reason)
	assert.Equal(t, "dependency b skipped", outcome(t, res, "c").Reason)
	assert.Equal(t, types.StateExecuted, outcome(t, res, "d").State)

	summary := res.Summary()
	assert.Equal(t, 1, summary.Counts[types.StateFailed])
	assert.Equal(t, 2, summary.Counts[types.StateSkipped])
	assert.Equal(t, 1, summary.Counts[types.StateExecuted])
}

func TestEngine_ActionPanicFailsNode(t *testing.T) {
	f := newFixture(t, false)
	res := f.run(engine.Options{}, genericUnit("a", func(context.Context, *types.ExecContext) error {
		panic("kaboom")
	}))

	out := outcome(t, res, "a")
	assert.Equal(t, types.StateFailed, out.State)
	assert.Contains(t, out.Err.Error(), "panic: kaboom")
}

func TestEngine_NotExecutable(t *testing.T) {
	f := newFixture(t, false)
	res := f.run(engine.Options{}, &types.UnitOfWork{ID: "docs", Kind: types.WorkKindGeneric})

	assert.ErrorIs(t, outcome(t, res, "docs").Err, engine.ErrNotExecutable)
}

func TestEngine_InvalidGraph(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.engine(engine.Options{}).Run(context.Background(), engine.Request{
		Units: []*types.UnitOfWork{
			genericUnit("a", f.action.Action(), "b"),
			genericUnit("b", f.action.Action(), "a"),
		},
	})

	var ce *engine.CycleError
	assert.True(t, errors.As(err, &ce))
	assert.Zero(t, f.action.CallCount("a"))
}

func TestEngine_Targets(t *testing.T) {
	f := newFixture(t, false)
	res, err := f.engine(engine.Options{}).Run(context.Background(), engine.Request{
		Units: []*types.UnitOfWork{
			genericUnit("a", f.action.Action()),
			genericUnit("b", f.action.Action(), "a"),
			genericUnit("other", f.action.Action()),
		},
		Targets: []string{"b"},
	})
	require.NoError(t, err)

	ids := make([]string, 0)
	for _, out := range res.Outcomes() {
		ids = append(ids, out.UnitID)
	}
	assert.Equal(t, []string{"a", "b"}, ids)
	assert.Zero(t, f.action.CallCount("other"))
}

func TestEngine_ActionOutputIsCaptured(t *testing.T) {
	f := newFixture(t, false)
	var out bytes.Buffer
	_, err := f.engine(engine.Options{}).Run(context.Background(), engine.Request{
		Units: []*types.UnitOfWork{genericUnit("hello", func(_ context.Context, ec *types.ExecContext) error {
			_, err := ec.Output.Write([]byte("hello from " + ec.Unit.ID))
			return err
		})},
		Output: &out,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello from hello", out.String())
}

func TestEngine_DryRun(t *testing.T) {
	f := newFixture(t, true)
	f.action.OnRun(compile)
	u := compileUnit(f.action.Action())

	f.write("src/Main.x", "A")
	f.run(engine.Options{}, u)
	f.write("src/Main.x", "B")
	f.run(engine.Options{}, u)
	puts := f.history.PutCount("compile")

	f.write("src/Main.x", "C")
	out := outcome(t, f.run(engine.Options{DryRun: true}, u), "compile")
	assert.Equal(t, types.StateExecuted, out.State)
	assert.Equal(t, "would execute: input property source changed", out.Reason)

	f.write("src/Main.x", "A")
	out = outcome(t, f.run(engine.Options{DryRun: true}, u), "compile")
	assert.Equal(t, types.StateFromCache, out.State)
	assert.Equal(t, "would restore from local cache", out.Reason)

	assert.Equal(t, 2, f.action.CallCount("compile"))
	assert.Equal(t, puts, f.history.PutCount("compile"), "dry runs record nothing")
	assert.Equal(t, "obj(B)", f.read("out/Main.o"), "dry runs touch no outputs")
}

func TestEngine_CancellationDiscardsInFlightResults(t *testing.T) {
	f := newFixture(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.write("src/Main.x", "A")
	first := compileUnit(func(ctx context.Context, ec *types.ExecContext) error {
		cancel()
		return compile(ctx, ec)
	})
	next := genericUnit("link", f.action.Action(), "compile")

	res, err := f.engine(engine.Options{Parallelism: 1}).Run(ctx, engine.Request{
		Units: []*types.UnitOfWork{first, next},
	})
	require.ErrorIs(t, err, context.Canceled)

	out := outcome(t, res, "compile")
	assert.Equal(t, types.StateExecuted, out.State, "in-flight work finishes")
	assert.Contains(t, out.Reason, "not recorded, invocation aborted")
	assert.Zero(t, f.history.PutCount("compile"))
	assert.Equal(t, "obj(A)", f.read("out/Main.o"))

	assert.Equal(t, types.StateSkipped, outcome(t, res, "link").State)
	assert.Zero(t, f.action.CallCount("link"))
	assert.True(t, res.Summary().Aborted)
	assert.False(t, res.Summary().Succeeded())
}

func TestEngine_ParallelismBound(t *testing.T) {
	f := newFixture(t, false)
	f.action.SetDelay(20 * time.Millisecond)

	var units []*types.UnitOfWork
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		units = append(units, genericUnit(id, f.action.Action()))
	}
	res := f.run(engine.Options{Parallelism: 2}, units...)

	assert.Equal(t, 6, res.Summary().Counts[types.StateExecuted])
	assert.LessOrEqual(t, f.action.PeakConcurrency(), 2)
}

func TestEngine_ConcurrentInvocationsShareOneExecution(t *testing.T) {
	root := t.TempDir()
	stateDir := filepath.Join(root, ".spectre")
	action := mocks.NewMockAction()
	action.SetDelay(100 * time.Millisecond)
	action.OnRun(compile)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "Main.x"), []byte("A"), 0o644))

	// each engine stands in for a separate process with its own handles
	newEngine := func() *engine.Engine {
		log := logger.NewNopLogger()
		store, err := history.OpenSQLiteStore(context.Background(), history.ScopePath(stateDir, "default"), log)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		fp, err := fingerprint.NewService(root, 0)
		require.NoError(t, err)
		ws, err := workspace.NewProvider(stateDir, store, log, workspace.Options{LockTimeout: 10 * time.Second})
		require.NoError(t, err)
		e, err := engine.New(engine.Dependencies{Fingerprints: fp, History: store, Workspaces: ws}, log, engine.Options{})
		require.NoError(t, err)
		return e
	}
	engines := []*engine.Engine{newEngine(), newEngine()}

	states := make([]types.NodeState, len(engines))
	var wg sync.WaitGroup
	for i, e := range engines {
		wg.Add(1)
		go func(i int, e *engine.Engine) {
			defer wg.Done()
			res, err := e.Run(context.Background(), engine.Request{
				Units: []*types.UnitOfWork{compileUnit(action.Action())},
			})
			if assert.NoError(t, err) {
				out, _ := res.Outcome("compile")
				states[i] = out.State
			}
		}(i, e)
	}
	wg.Wait()

	assert.Equal(t, 1, action.CallCount("compile"))
	assert.Equal(t, 1, action.PeakConcurrency())
	assert.ElementsMatch(t, []types.NodeState{types.StateExecuted, types.StateUpToDate}, states)
}

func TestResult_Err(t *testing.T) {
	f := newFixture(t, false)
	res := f.run(engine.Options{}, genericUnit("ok", f.action.Action()))
	assert.NoError(t, res.Err())
	assert.Empty(t, res.Failed())
	assert.True(t, res.Summary().Succeeded())
	assert.Equal(t, "0 up-to-date, 0 from cache, 1 executed, 0 skipped, 0 failed", res.Summary().String())
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := engine.New(engine.Dependencies{}, logger.NewNopLogger(), engine.Options{})
	assert.Error(t, err)
}
