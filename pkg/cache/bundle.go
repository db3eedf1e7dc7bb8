package cache

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/poltergeist/spectre/pkg/types"
	"github.com/poltergeist/spectre/pkg/utils"
)

const (
	bundleVersion = 1
	manifestName  = "manifest.json"
	outputsPrefix = "outputs/"

	// maxBundleEntry bounds a single decompressed file
	maxBundleEntry = 4 << 30
)

// ManifestOutput is one output property captured in a bundle. Path is the
// slash-separated location used as the key prefix in OutputFileHashes.
type ManifestOutput struct {
	Name string           `json:"name"`
	Path string           `json:"path"`
	Kind types.OutputKind `json:"kind"`
}

// Manifest is the first entry of every bundle
type Manifest struct {
	Version           int               `json:"version"`
	Key               string            `json:"key"`
	UnitID            string            `json:"unitId"`
	OutputFingerprint string            `json:"outputFingerprint"`
	OutputFileHashes  map[string]string `json:"outputFileHashes"`
	Outputs           []ManifestOutput  `json:"outputs"`
	Origin            types.Origin      `json:"origin"`
}

// Pack builds a deterministic bundle of the outputs listed in m, reading
// them below root. Each file is hashed while packing and must match
// m.OutputFileHashes; an output that changed since it was hashed fails the
// pack.
func Pack(m *Manifest, root string) ([]byte, error) {
	m.Version = bundleVersion

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	tw := tar.NewWriter(enc)

	manifest, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := writeEntry(tw, manifestName, 0o644, bytes.NewReader(manifest), int64(len(manifest))); err != nil {
		return nil, err
	}

	packed := 0
	for _, out := range m.Outputs {
		abs := types.ResolvePath(root, filepath.FromSlash(out.Path))

		if out.Kind == types.OutputDirectory {
			files, err := utils.ListFiles(abs)
			if err != nil {
				return nil, fmt.Errorf("list output %s: %w", out.Name, err)
			}
			for _, rel := range files {
				key := path.Join(out.Path, rel)
				name := outputsPrefix + out.Name + "/" + rel
				if err := packFile(tw, name, filepath.Join(abs, filepath.FromSlash(rel)), m.OutputFileHashes[key]); err != nil {
					return nil, err
				}
				packed++
			}
			continue
		}

		if err := packFile(tw, outputsPrefix+out.Name, abs, m.OutputFileHashes[out.Path]); err != nil {
			return nil, err
		}
		packed++
	}

	if packed != len(m.OutputFileHashes) {
		return nil, fmt.Errorf("packed %d files but manifest lists %d", packed, len(m.OutputFileHashes))
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func packFile(tw *tar.Writer, name, src, wantHash string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("pack %s: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	sum := sha256.New()
	if err := writeEntry(tw, name, info.Mode().Perm(), io.TeeReader(f, sum), info.Size()); err != nil {
		return fmt.Errorf("pack %s: %w", name, err)
	}
	if got := hex.EncodeToString(sum.Sum(nil)); got != wantHash {
		return fmt.Errorf("pack %s: output changed after it was fingerprinted", name)
	}
	return nil
}

func writeEntry(tw *tar.Writer, name string, mode os.FileMode, r io.Reader, size int64) error {
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     int64(mode),
		Size:     size,
		ModTime:  time.Unix(0, 0),
		Format:   tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	n, err := io.Copy(tw, r)
	if err != nil {
		return err
	}
	if n != size {
		return fmt.Errorf("size changed while packing: want %d, got %d", size, n)
	}
	return nil
}

// ReadManifest decodes only the manifest of a bundle
func ReadManifest(data []byte) (*Manifest, error) {
	dec, err := zstd.NewReader(bytes.NewReader(data), zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, &CorruptError{Err: err}
	}
	defer dec.Close()

	return readManifest(tar.NewReader(dec))
}

func readManifest(tr *tar.Reader) (*Manifest, error) {
	hdr, err := tr.Next()
	if err != nil {
		return nil, &CorruptError{Err: fmt.Errorf("read manifest header: %w", err)}
	}
	if hdr.Name != manifestName {
		return nil, &CorruptError{Err: fmt.Errorf("first entry is %q, want %s", hdr.Name, manifestName)}
	}
	raw, err := io.ReadAll(io.LimitReader(tr, 64<<20))
	if err != nil {
		return nil, &CorruptError{Err: err}
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &CorruptError{Err: fmt.Errorf("decode manifest: %w", err)}
	}
	if m.Version != bundleVersion {
		return nil, &CorruptError{Err: fmt.Errorf("unsupported bundle version %d", m.Version)}
	}
	return &m, nil
}

// Verify checks that data is a complete bundle whose files match the
// manifest hashes, without writing anything
func Verify(data []byte) (*Manifest, error) {
	return unpack(data, "")
}

// Unpack extracts the bundle into dest as outputs/<property>[/<relpath>]
// and returns its manifest. Content is verified against the manifest.
func Unpack(data []byte, dest string) (*Manifest, error) {
	if dest == "" {
		return nil, errors.New("unpack: empty destination")
	}
	return unpack(data, dest)
}

func unpack(data []byte, dest string) (*Manifest, error) {
	dec, err := zstd.NewReader(bytes.NewReader(data), zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, &CorruptError{Err: err}
	}
	defer dec.Close()

	tr := tar.NewReader(dec)
	m, err := readManifest(tr)
	if err != nil {
		return nil, err
	}

	expected := make(map[string]string, len(m.OutputFileHashes))
	for _, out := range m.Outputs {
		for key, h := range m.OutputFileHashes {
			switch {
			case out.Kind == types.OutputDirectory && strings.HasPrefix(key, out.Path+"/"):
				expected[outputsPrefix+out.Name+"/"+strings.TrimPrefix(key, out.Path+"/")] = h
			case out.Kind != types.OutputDirectory && key == out.Path:
				expected[outputsPrefix+out.Name] = h
			}
		}
	}
	if len(expected) != len(m.OutputFileHashes) {
		return nil, &CorruptError{Err: errors.New("manifest hashes do not match its outputs")}
	}

	seen := make(map[string]bool, len(expected))
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &CorruptError{Err: err}
		}

		want, ok := expected[hdr.Name]
		if !ok || seen[hdr.Name] || hdr.Typeflag != tar.TypeReg {
			return nil, &CorruptError{Err: fmt.Errorf("unexpected bundle entry %q", hdr.Name)}
		}
		if hdr.Size > maxBundleEntry {
			return nil, &CorruptError{Err: fmt.Errorf("bundle entry %q too large", hdr.Name)}
		}

		got, err := extractEntry(tr, hdr, dest)
		if err != nil {
			return nil, err
		}
		if got != want {
			return nil, &CorruptError{Err: fmt.Errorf("content hash mismatch for %q", hdr.Name)}
		}
		seen[hdr.Name] = true
	}

	if len(seen) != len(expected) {
		return nil, &CorruptError{Err: fmt.Errorf("bundle has %d files, manifest lists %d", len(seen), len(expected))}
	}
	return m, nil
}

func extractEntry(tr *tar.Reader, hdr *tar.Header, dest string) (string, error) {
	sum := sha256.New()
	if dest == "" {
		if _, err := io.Copy(sum, tr); err != nil {
			return "", &CorruptError{Err: err}
		}
		return hex.EncodeToString(sum.Sum(nil)), nil
	}

	target := filepath.Join(dest, filepath.FromSlash(hdr.Name))
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(filepath.Separator)) {
		return "", &CorruptError{Err: fmt.Errorf("bundle entry %q escapes destination", hdr.Name)}
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(io.MultiWriter(f, sum), tr); err != nil {
		_ = f.Close()
		return "", &CorruptError{Err: err}
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}
