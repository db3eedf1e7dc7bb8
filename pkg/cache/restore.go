package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/poltergeist/spectre/pkg/types"
	"github.com/poltergeist/spectre/pkg/utils"
)

// CheckOutputs reports a *CorruptError unless the manifest lists exactly the
// outputs in want, in the same order. Materialize must only ever see a
// manifest that passed this check: the manifest decides which paths get
// replaced.
func CheckOutputs(m *Manifest, want []ManifestOutput) error {
	corrupt := func(format string, args ...interface{}) error {
		return &CorruptError{Key: m.Key, Err: fmt.Errorf(format, args...)}
	}
	if len(m.Outputs) != len(want) {
		return corrupt("bundle has %d outputs, unit declares %d", len(m.Outputs), len(want))
	}
	for i, got := range m.Outputs {
		if !ValidOutputName(got.Name) {
			return corrupt("invalid output name %q", got.Name)
		}
		if got != want[i] {
			return corrupt("output %d is %s at %s (%s), unit declares %s at %s (%s)",
				i, got.Name, got.Path, got.Kind, want[i].Name, want[i].Path, want[i].Kind)
		}
	}
	return nil
}

// ValidOutputName reports whether name can label an output inside a bundle
func ValidOutputName(name string) bool {
	return name != "" && !strings.ContainsAny(name, `/\`) && !strings.Contains(name, "..")
}

var errUncheckedOutput = errors.New("output name escapes the bundle")

// Materialize copies outputs from an unpacked bundle at src to their
// declared locations below root, replacing whatever is there. Directory
// outputs are recreated even when they hold no files.
func Materialize(m *Manifest, src, root string) error {
	for _, out := range m.Outputs {
		if !ValidOutputName(out.Name) {
			return &CorruptError{Key: m.Key, Err: errUncheckedOutput}
		}
		from := filepath.Join(src, filepath.FromSlash(outputsPrefix+out.Name))
		to := types.ResolvePath(root, filepath.FromSlash(out.Path))

		if err := os.RemoveAll(to); err != nil {
			return fmt.Errorf("clear output %s: %w", out.Name, err)
		}

		if out.Kind == types.OutputDirectory {
			if err := os.MkdirAll(to, 0o755); err != nil {
				return err
			}
			if !utils.DirectoryExists(from) {
				continue
			}
			if err := utils.CopyDirectory(from, to); err != nil {
				return fmt.Errorf("restore output %s: %w", out.Name, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
			return err
		}
		if err := utils.CopyFile(from, to); err != nil {
			return fmt.Errorf("restore output %s: %w", out.Name, err)
		}
	}
	return nil
}
