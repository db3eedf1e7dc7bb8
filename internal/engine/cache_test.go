package engine_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poltergeist/spectre/internal/engine"
	"github.com/poltergeist/spectre/pkg/cache"
	"github.com/poltergeist/spectre/pkg/cache/remote"
	"github.com/poltergeist/spectre/pkg/history"
	"github.com/poltergeist/spectre/pkg/logger"
	"github.com/poltergeist/spectre/pkg/types"
	"github.com/poltergeist/spectre/pkg/workspace"
)

// useRemote rebuilds the fixture cache with store as its remote tier
func (f *fixture) useRemote(store remote.Store) {
	f.t.Helper()
	local, err := cache.NewLocalStore(filepath.Join(f.stateDir, "cache"), logger.NewNopLogger())
	require.NoError(f.t, err)
	f.deps.Cache = cache.New(local, logger.NewNopLogger(), cache.Options{Remote: store})
}

func (f *fixture) cacheKey(u *types.UnitOfWork) string {
	f.t.Helper()
	fp, err := f.deps.Fingerprints.Fingerprint(context.Background(), u)
	require.NoError(f.t, err)
	return f.deps.Fingerprints.CacheKey(fp, u)
}

func TestEngine_BundleForOtherOutputsIsAMiss(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	mem := remote.NewMemoryStore()
	f.useRemote(mem)
	f.action.OnRun(compile)
	u := compileUnit(f.action.Action())
	f.write("src/Main.x", "A")

	outside := filepath.Join(filepath.Dir(f.root), filepath.Base(f.root)+"-outside")
	require.NoError(t, os.MkdirAll(outside, 0o755))
	t.Cleanup(func() { _ = os.RemoveAll(outside) })

	// a well-formed bundle under the unit's key that names a directory
	// next to the project instead of out/Main.o
	key := f.cacheKey(u)
	data, err := cache.Pack(&cache.Manifest{
		Key:               key,
		UnitID:            "compile",
		OutputFingerprint: strings.Repeat("e", 64),
		OutputFileHashes:  map[string]string{},
		Outputs: []cache.ManifestOutput{
			{Name: "object", Path: "../" + filepath.Base(outside), Kind: types.OutputDirectory},
		},
	}, f.root)
	require.NoError(t, err)
	require.NoError(t, mem.Put(ctx, key, data))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "keep.txt"), []byte("keep"), 0o644))

	out := outcome(t, f.run(engine.Options{}, u), "compile")
	assert.Equal(t, types.StateExecuted, out.State)
	assert.Equal(t, "no execution history", out.Reason)
	assert.Equal(t, "obj(A)", f.read("out/Main.o"))

	kept, err := os.ReadFile(filepath.Join(outside, "keep.txt"))
	require.NoError(t, err)
	assert.Equal(t, "keep", string(kept))

	// the local copy was replaced by the bundle of the real execution
	require.NoError(t, os.Remove(filepath.Join(f.root, "out", "Main.o")))
	out = outcome(t, f.run(engine.Options{}, u), "compile")
	assert.Equal(t, types.StateFromCache, out.State)
	assert.Equal(t, "restored from local cache", out.Reason)
	assert.Equal(t, 1, f.action.CallCount("compile"))
}

func TestEngine_CachePoisoningFailsNode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.action.OnRun(compile)
	u := compileUnit(f.action.Action())
	f.write("src/Main.x", "A")
	key := f.cacheKey(u)

	// the stored entry claims an output fingerprint its files do not have
	f.write("out/Main.o", "stale object")
	sum := sha256.Sum256([]byte("stale object"))
	forged := strings.Repeat("0", 64)
	data, err := cache.Pack(&cache.Manifest{
		Key:               key,
		UnitID:            "compile",
		OutputFingerprint: forged,
		OutputFileHashes:  map[string]string{"out/Main.o": hex.EncodeToString(sum[:])},
		Outputs:           []cache.ManifestOutput{{Name: "object", Path: "out/Main.o", Kind: types.OutputFile}},
	}, f.root)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(f.root, "out", "Main.o")))
	require.NoError(t, f.deps.Cache.Store(ctx, key, data))

	out := outcome(t, f.run(engine.Options{}, u), "compile")
	assert.Equal(t, types.StateFailed, out.State)

	var pe *cache.PoisoningError
	require.True(t, errors.As(out.Err, &pe), "got %v", out.Err)
	assert.Equal(t, key, pe.Key)
	assert.Equal(t, forged, pe.Existing)
	assert.NotEqual(t, forged, pe.Incoming)

	assert.Equal(t, 1, f.action.CallCount("compile"), "restore did not verify, so the unit executed")
	assert.Zero(t, f.history.PutCount("compile"))
}

func TestEngine_LockTimeoutSkipsOnlyDependents(t *testing.T) {
	f := newFixture(t, false)
	ws, err := workspace.NewProvider(f.stateDir, f.history, logger.NewNopLogger(),
		workspace.Options{LockTimeout: 100 * time.Millisecond, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	f.deps.Workspaces = ws

	// another process holds the workspace of link
	holder, err := workspace.NewProvider(f.stateDir, f.history, logger.NewNopLogger(), workspace.Options{})
	require.NoError(t, err)
	locked := make(chan struct{})
	release := make(chan struct{})
	released := make(chan struct{})
	go func() {
		defer close(released)
		_ = holder.WithWorkspace(context.Background(), "link", func(*workspace.Workspace, history.Store) error {
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	res := f.run(engine.Options{Parallelism: 1},
		genericUnit("link", f.action.Action()),
		genericUnit("package", f.action.Action(), "link"),
		genericUnit("docs", f.action.Action()),
	)
	close(release)
	<-released

	link := outcome(t, res, "link")
	assert.Equal(t, types.StateFailed, link.State)
	var lte *workspace.LockTimeoutError
	require.True(t, errors.As(link.Err, &lte), "got %v", link.Err)
	assert.Zero(t, f.action.CallCount("link"))

	assert.Equal(t, types.StateSkipped, outcome(t, res, "package").State)
	assert.Equal(t, "dependency link failed", outcome(t, res, "package").Reason)

	assert.Equal(t, types.StateExecuted, outcome(t, res, "docs").State)
	assert.Equal(t, 1, f.action.CallCount("docs"))
}
