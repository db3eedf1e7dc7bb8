package fingerprint_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poltergeist/spectre/pkg/fingerprint"
	"github.com/poltergeist/spectre/pkg/types"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newService(t *testing.T, root string) *fingerprint.Service {
	t.Helper()
	svc, err := fingerprint.NewService(root, 128)
	require.NoError(t, err)
	return svc
}

func compileUnit() *types.UnitOfWork {
	return &types.UnitOfWork{
		ID:   "compile",
		Kind: types.WorkKindCompile,
		Inputs: []types.InputProperty{
			{Name: "src", Kind: types.PropertyFile, Path: "src/Main.x"},
			{Name: "flags", Kind: types.PropertyScalar, Value: map[string]interface{}{"opt": 2, "debug": true}},
		},
		Outputs:   []types.OutputProperty{{Name: "obj", Path: "out/Main.o", Kind: types.OutputFile}},
		ActionKey: "cc -c src/Main.x",
	}
}

func TestFingerprint_Idempotent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "src", "Main.x"), "A")
	svc := newService(t, root)
	ctx := context.Background()

	first, err := svc.Fingerprint(ctx, compileUnit())
	require.NoError(t, err)
	second, err := svc.Fingerprint(ctx, compileUnit())
	require.NoError(t, err)

	assert.True(t, first.Equal(second))
	assert.Equal(t, first.Overall, second.Overall)
	assert.Empty(t, second.Changed(first))

	names := make([]string, 0, len(first.Properties))
	for _, p := range first.Properties {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"src", "flags", fingerprint.ActionProperty, fingerprint.KindProperty}, names)
}

func TestFingerprint_ContentChange(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src", "Main.x")
	writeFile(t, src, "A")
	svc := newService(t, root)
	ctx := context.Background()

	before, err := svc.Fingerprint(ctx, compileUnit())
	require.NoError(t, err)

	writeFile(t, src, "B")
	after, err := svc.Fingerprint(ctx, compileUnit())
	require.NoError(t, err)

	assert.False(t, before.Equal(after))
	assert.NotEqual(t, before.Overall, after.Overall)
	assert.Equal(t, []string{"src"}, after.Changed(before))

	writeFile(t, src, "A")
	reverted, err := svc.Fingerprint(ctx, compileUnit())
	require.NoError(t, err)
	assert.Equal(t, before.Overall, reverted.Overall)
}

func TestFingerprint_ScalarCanonicalization(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "src", "Main.x"), "A")
	svc := newService(t, root)
	ctx := context.Background()

	a := compileUnit()
	b := compileUnit()
	b.Inputs[1].Value = map[string]interface{}{"debug": true, "opt": 2.0}

	fa, err := svc.Fingerprint(ctx, a)
	require.NoError(t, err)
	fb, err := svc.Fingerprint(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, fa.Overall, fb.Overall, "key order and number formatting must not matter")

	b.Inputs[1].Value = map[string]interface{}{"debug": false, "opt": 2}
	fc, err := svc.Fingerprint(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, []string{"flags"}, fc.Changed(fa))
}

func TestFingerprint_ActionAndKindParticipate(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "src", "Main.x"), "A")
	svc := newService(t, root)
	ctx := context.Background()

	base, err := svc.Fingerprint(ctx, compileUnit())
	require.NoError(t, err)

	changedAction := compileUnit()
	changedAction.ActionKey = "cc -O2 -c src/Main.x"
	fa, err := svc.Fingerprint(ctx, changedAction)
	require.NoError(t, err)
	assert.Equal(t, []string{fingerprint.ActionProperty}, fa.Changed(base))

	changedKind := compileUnit()
	changedKind.Kind = types.WorkKindTransform
	fk, err := svc.Fingerprint(ctx, changedKind)
	require.NoError(t, err)
	assert.Equal(t, []string{fingerprint.KindProperty}, fk.Changed(base))
}

func TestFingerprint_DeclarationOrderMatters(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "src", "Main.x"), "A")
	svc := newService(t, root)
	ctx := context.Background()

	a := compileUnit()
	b := compileUnit()
	b.Inputs[0], b.Inputs[1] = b.Inputs[1], b.Inputs[0]

	fa, err := svc.Fingerprint(ctx, a)
	require.NoError(t, err)
	fb, err := svc.Fingerprint(ctx, b)
	require.NoError(t, err)
	assert.False(t, fa.Equal(fb))
}

func TestFingerprint_RelativeNormalizationIsHostIndependent(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()
	for _, root := range []string{rootA, rootB} {
		writeFile(t, filepath.Join(root, "src", "Main.x"), "A")
		writeFile(t, filepath.Join(root, "assets", "b", "two.txt"), "2")
		writeFile(t, filepath.Join(root, "assets", "a", "one.txt"), "1")
	}

	unit := compileUnit()
	unit.Inputs = append(unit.Inputs, types.InputProperty{
		Name: "assets", Kind: types.PropertyDirectory, Path: "assets",
	})

	ctx := context.Background()
	fa, err := newService(t, rootA).Fingerprint(ctx, unit)
	require.NoError(t, err)
	fb, err := newService(t, rootB).Fingerprint(ctx, unit)
	require.NoError(t, err)
	assert.Equal(t, fa.Overall, fb.Overall)
}

func TestFingerprint_Normalization(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "one", "tool.cfg"), "same")
	writeFile(t, filepath.Join(root, "two", "tool.cfg"), "same")
	svc := newService(t, root)
	ctx := context.Background()

	hash := func(path string, norm types.Normalization) string {
		unit := &types.UnitOfWork{
			ID:     "u",
			Kind:   types.WorkKindGeneric,
			Inputs: []types.InputProperty{{Name: "cfg", Kind: types.PropertyFile, Path: path, Normalization: norm}},
		}
		fp, err := svc.Fingerprint(ctx, unit)
		require.NoError(t, err)
		return fp.Properties[0].Hash
	}

	assert.Equal(t,
		hash("one/tool.cfg", types.NormalizeNameOnly),
		hash("two/tool.cfg", types.NormalizeNameOnly))
	assert.NotEqual(t,
		hash("one/tool.cfg", types.NormalizeRelative),
		hash("two/tool.cfg", types.NormalizeRelative))
	assert.NotEqual(t,
		hash("one/tool.cfg", types.NormalizeRelative),
		hash("one/tool.cfg", types.NormalizeAbsolute))
}

func TestFingerprint_DirectoryContents(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "res", "a.txt"), "a")
	svc := newService(t, root)
	ctx := context.Background()

	unit := &types.UnitOfWork{
		ID:     "bundle",
		Kind:   types.WorkKindPackage,
		Inputs: []types.InputProperty{{Name: "res", Kind: types.PropertyDirectory, Path: "res"}},
	}

	before, err := svc.Fingerprint(ctx, unit)
	require.NoError(t, err)

	writeFile(t, filepath.Join(root, "res", "nested", "b.txt"), "b")
	added, err := svc.Fingerprint(ctx, unit)
	require.NoError(t, err)
	assert.NotEqual(t, before.Overall, added.Overall)

	require.NoError(t, os.Rename(filepath.Join(root, "res", "nested", "b.txt"), filepath.Join(root, "res", "nested", "c.txt")))
	renamed, err := svc.Fingerprint(ctx, unit)
	require.NoError(t, err)
	assert.NotEqual(t, added.Overall, renamed.Overall, "relative paths are part of the hash")
}

func TestFingerprint_MissingInput(t *testing.T) {
	root := t.TempDir()
	svc := newService(t, root)

	_, err := svc.Fingerprint(context.Background(), compileUnit())
	require.Error(t, err)

	var fpErr *fingerprint.Error
	require.True(t, errors.As(err, &fpErr))
	assert.Equal(t, "src", fpErr.Property)
	assert.Equal(t, "src/Main.x", fpErr.Path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestFingerprint_MissingDirectory(t *testing.T) {
	svc := newService(t, t.TempDir())
	unit := &types.UnitOfWork{
		ID:     "u",
		Inputs: []types.InputProperty{{Name: "dir", Kind: types.PropertyDirectory, Path: "nope"}},
	}
	_, err := svc.Fingerprint(context.Background(), unit)

	var fpErr *fingerprint.Error
	assert.True(t, errors.As(err, &fpErr))
}

func TestHashOutputs(t *testing.T) {
	root := t.TempDir()
	svc := newService(t, root)
	ctx := context.Background()

	unit := &types.UnitOfWork{
		ID: "gen",
		Outputs: []types.OutputProperty{
			{Name: "header", Path: "gen/api.h", Kind: types.OutputFile},
			{Name: "docs", Path: "gen/docs", Kind: types.OutputDirectory},
		},
	}

	state, err := svc.HashOutputs(ctx, unit)
	require.NoError(t, err)
	assert.Equal(t, []string{"header", "docs"}, state.Missing)
	assert.Empty(t, state.Files)

	writeFile(t, filepath.Join(root, "gen", "api.h"), "int f(void);")
	writeFile(t, filepath.Join(root, "gen", "docs", "index.html"), "<html/>")

	state, err = svc.HashOutputs(ctx, unit)
	require.NoError(t, err)
	assert.Empty(t, state.Missing)
	assert.Len(t, state.Files, 2)
	assert.Contains(t, state.Files, "gen/api.h")
	assert.Contains(t, state.Files, "gen/docs/index.html")
	assert.Equal(t, fingerprint.OutputFingerprint(state.Files), state.Fingerprint)

	writeFile(t, filepath.Join(root, "gen", "api.h"), "int g(void);")
	changed, err := svc.HashOutputs(ctx, unit)
	require.NoError(t, err)
	assert.NotEqual(t, state.Fingerprint, changed.Fingerprint)
	assert.NotEqual(t, state.Files["gen/api.h"], changed.Files["gen/api.h"])
	assert.Equal(t, state.Files["gen/docs/index.html"], changed.Files["gen/docs/index.html"])
}

func TestCacheKey(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "src", "Main.x"), "A")
	svc := newService(t, root)
	ctx := context.Background()

	unit := compileUnit()
	fp, err := svc.Fingerprint(ctx, unit)
	require.NoError(t, err)

	key := svc.CacheKey(fp, unit)
	assert.Len(t, key, 64)
	assert.Equal(t, key, svc.CacheKey(fp, compileUnit()))

	moved := compileUnit()
	moved.Outputs[0].Path = "build/Main.o"
	assert.NotEqual(t, key, svc.CacheKey(fp, moved), "output layout is part of the key")
}

func TestFingerprint_ContextCancelled(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "src", "Main.x"), "A")
	svc := newService(t, root)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Fingerprint(ctx, compileUnit())
	assert.ErrorIs(t, err, context.Canceled)
}
