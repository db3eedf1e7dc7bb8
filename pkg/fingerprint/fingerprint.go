// Package fingerprint computes order-aware content hashes over the declared
// inputs and outputs of a unit of work.
//
// Every field that enters a hash is length-prefixed so that concatenations
// are unambiguous. Property order follows declaration order; directory
// contents are visited in lexicographic order of their slash-separated
// relative paths, so results do not depend on the host filesystem.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gowebpki/jcs"

	"github.com/poltergeist/spectre/pkg/types"
	"github.com/poltergeist/spectre/pkg/utils"
)

// Implicit property names. They cannot clash with declared names because
// the workfile loader rejects names starting with '@'.
const (
	ActionProperty = "@action"
	KindProperty   = "@kind"
)

// cacheKeyVersion is bumped whenever the fingerprint or bundle layout changes
const cacheKeyVersion = "spectre-cache-v1"

// PropertyHash is the hash of one input property
type PropertyHash struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
}

// Fingerprint is the ordered per-property hash list plus the overall hash
type Fingerprint struct {
	Properties []PropertyHash `json:"properties"`
	Overall    string         `json:"overall"`
}

// Equal reports whether every property hash matches
func (f *Fingerprint) Equal(other *Fingerprint) bool {
	if f == nil || other == nil {
		return f == other
	}
	if len(f.Properties) != len(other.Properties) {
		return false
	}
	for i := range f.Properties {
		if f.Properties[i] != other.Properties[i] {
			return false
		}
	}
	return true
}

// Changed lists property names whose hash differs between previous and f,
// including properties that were added or removed.
func (f *Fingerprint) Changed(previous *Fingerprint) []string {
	before := make(map[string]string)
	if previous != nil {
		for _, p := range previous.Properties {
			before[p.Name] = p.Hash
		}
	}

	var changed []string
	seen := make(map[string]bool)
	for _, p := range f.Properties {
		seen[p.Name] = true
		if h, ok := before[p.Name]; !ok || h != p.Hash {
			changed = append(changed, p.Name)
		}
	}
	if previous != nil {
		for _, p := range previous.Properties {
			if !seen[p.Name] {
				changed = append(changed, p.Name)
			}
		}
	}
	return changed
}

// OutputState describes the files currently present at a unit's declared
// output locations
type OutputState struct {
	Fingerprint string
	// Files maps slash-separated paths to content hashes
	Files map[string]string
	// Missing lists output properties whose location does not exist
	Missing []string
}

// Service computes fingerprints relative to a project root
type Service struct {
	root  string
	files *fileHasher
}

// NewService creates a fingerprint service. memoSize bounds the number of
// memoized file hashes; zero disables memoization.
func NewService(projectRoot string, memoSize int) (*Service, error) {
	root, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	files, err := newFileHasher(memoSize)
	if err != nil {
		return nil, err
	}
	return &Service{root: root, files: files}, nil
}

// Root returns the absolute project root
func (s *Service) Root() string {
	return s.root
}

// Fingerprint hashes every declared input of unit. Failure to read any file
// input fails the whole computation with an *Error.
func (s *Service) Fingerprint(ctx context.Context, unit *types.UnitOfWork) (*Fingerprint, error) {
	fp := &Fingerprint{Properties: make([]PropertyHash, 0, len(unit.Inputs)+2)}

	for _, in := range unit.Inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var (
			h   string
			err error
		)
		switch in.Kind {
		case types.PropertyScalar:
			h, err = hashScalar(in.Value)
		case types.PropertyFile:
			h, err = s.hashFileInput(in)
		case types.PropertyDirectory:
			h, err = s.hashDirectoryInput(in)
		default:
			err = fmt.Errorf("unsupported property kind %q", in.Kind)
		}
		if err != nil {
			return nil, &Error{Property: in.Name, Path: in.Path, Err: err}
		}
		fp.Properties = append(fp.Properties, PropertyHash{Name: in.Name, Hash: h})
	}

	if unit.ActionKey != "" {
		h, _ := hashScalar(unit.ActionKey)
		fp.Properties = append(fp.Properties, PropertyHash{Name: ActionProperty, Hash: h})
	}
	kindHash, _ := hashScalar(string(unit.Kind))
	fp.Properties = append(fp.Properties, PropertyHash{Name: KindProperty, Hash: kindHash})

	w := newFieldWriter()
	w.count(len(fp.Properties))
	for _, p := range fp.Properties {
		w.field(p.Name)
		w.field(p.Hash)
	}
	fp.Overall = w.sum()

	return fp, nil
}

// HashOutputs hashes whatever currently exists at the declared outputs
func (s *Service) HashOutputs(ctx context.Context, unit *types.UnitOfWork) (*OutputState, error) {
	state := &OutputState{Files: make(map[string]string)}

	for _, out := range unit.Outputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		abs := types.ResolvePath(s.root, out.Path)
		key := s.outputKey(abs)

		if out.Kind == types.OutputDirectory {
			if !utils.DirectoryExists(abs) {
				state.Missing = append(state.Missing, out.Name)
				continue
			}
			files, err := utils.ListFiles(abs)
			if err != nil {
				return nil, &Error{Property: out.Name, Path: out.Path, Err: err}
			}
			for _, rel := range files {
				h, err := s.files.hash(filepath.Join(abs, filepath.FromSlash(rel)))
				if err != nil {
					return nil, &Error{Property: out.Name, Path: path.Join(out.Path, rel), Err: err}
				}
				state.Files[path.Join(key, rel)] = h
			}
			continue
		}

		if !utils.FileExists(abs) {
			state.Missing = append(state.Missing, out.Name)
			continue
		}
		h, err := s.files.hash(abs)
		if err != nil {
			return nil, &Error{Property: out.Name, Path: out.Path, Err: err}
		}
		state.Files[key] = h
	}

	state.Fingerprint = OutputFingerprint(state.Files)
	return state, nil
}

// OutputFingerprint combines per-file output hashes into one hash
func OutputFingerprint(files map[string]string) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	w := newFieldWriter()
	w.count(len(paths))
	for _, p := range paths {
		w.field(p)
		w.field(files[p])
	}
	return w.sum()
}

// CacheKey derives the build cache key from an input fingerprint and the
// unit's output declarations
func (s *Service) CacheKey(fp *Fingerprint, unit *types.UnitOfWork) string {
	w := newFieldWriter()
	w.field(cacheKeyVersion)
	w.field(fp.Overall)
	w.count(len(unit.Outputs))
	for _, out := range unit.Outputs {
		w.field(out.Name)
		w.field(s.outputKey(types.ResolvePath(s.root, out.Path)))
		w.field(string(out.Kind))
	}
	return w.sum()
}

// OutputKey returns the slash-separated location of out as used in
// OutputState.Files
func (s *Service) OutputKey(out types.OutputProperty) string {
	return s.outputKey(types.ResolvePath(s.root, out.Path))
}

// outputKey is the slash-separated path of an output, relative to the root
// when it lives below it
func (s *Service) outputKey(abs string) string {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(rel)
}

func (s *Service) normalizedPath(in types.InputProperty, abs string) string {
	switch in.Normalization {
	case types.NormalizeAbsolute:
		return filepath.ToSlash(abs)
	case types.NormalizeNameOnly:
		return filepath.Base(abs)
	default:
		rel, err := filepath.Rel(s.root, abs)
		if err != nil {
			return filepath.ToSlash(abs)
		}
		return filepath.ToSlash(rel)
	}
}

func (s *Service) hashFileInput(in types.InputProperty) (string, error) {
	abs := types.ResolvePath(s.root, in.Path)
	content, err := s.files.hash(abs)
	if err != nil {
		return "", err
	}

	w := newFieldWriter()
	w.field(string(types.PropertyFile))
	w.field(s.normalizedPath(in, abs))
	w.field(content)
	return w.sum(), nil
}

func (s *Service) hashDirectoryInput(in types.InputProperty) (string, error) {
	abs := types.ResolvePath(s.root, in.Path)
	if !utils.DirectoryExists(abs) {
		return "", fmt.Errorf("not a directory: %s", abs)
	}
	files, err := utils.ListFiles(abs)
	if err != nil {
		return "", err
	}

	w := newFieldWriter()
	w.field(string(types.PropertyDirectory))
	w.field(s.normalizedPath(in, abs))
	w.count(len(files))
	for _, rel := range files {
		content, err := s.files.hash(filepath.Join(abs, filepath.FromSlash(rel)))
		if err != nil {
			return "", err
		}
		w.field(rel)
		w.field(content)
	}
	return w.sum(), nil
}

func hashScalar(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode scalar: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize scalar: %w", err)
	}

	w := newFieldWriter()
	w.field(string(types.PropertyScalar))
	w.bytes(canonical)
	return w.sum(), nil
}

// fieldWriter writes length-prefixed fields into a sha256 digest
type fieldWriter struct {
	h hash.Hash
}

func newFieldWriter() *fieldWriter {
	return &fieldWriter{h: sha256.New()}
}

func (w *fieldWriter) bytes(data []byte) {
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(len(data)))
	w.h.Write(prefix[:])
	w.h.Write(data)
}

func (w *fieldWriter) field(s string) {
	w.bytes([]byte(s))
}

func (w *fieldWriter) count(n int) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	w.bytes(buf[:])
}

func (w *fieldWriter) sum() string {
	return hex.EncodeToString(w.h.Sum(nil))
}
