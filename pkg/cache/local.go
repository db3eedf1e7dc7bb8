// Package cache implements the content-addressable build cache: bundles of
// unit outputs keyed by cache key, stored locally and optionally mirrored to
// a remote store.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/poltergeist/spectre/pkg/logger"
)

const bundleExt = ".bundle"

// LocalStore keeps bundles under <dir>/<key[:2]>/<key>.bundle
type LocalStore struct {
	dir    string
	logger logger.Logger
	now    func() time.Time
}

// NewLocalStore creates the cache directory if needed
func NewLocalStore(dir string, log logger.Logger) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &LocalStore{dir: dir, logger: log, now: time.Now}, nil
}

// Dir returns the cache root
func (s *LocalStore) Dir() string {
	return s.dir
}

func validKey(key string) bool {
	if len(key) < 8 {
		return false
	}
	for _, c := range key {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.dir, key[:2], key+bundleExt)
}

// Load returns the bundle for key. A hit refreshes the bundle's mtime, which
// Cleanup uses as last-access time.
func (s *LocalStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	if !validKey(key) {
		return nil, false, ErrInvalidKey
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	p := s.path(key)
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cache bundle: %w", err)
	}

	now := s.now()
	if err := os.Chtimes(p, now, now); err != nil {
		s.logger.Debug("Failed to refresh cache access time", logger.WithField("key", key), logger.WithError(err))
	}
	return data, true, nil
}

// Store commits data under key. Committing uses a hard link from a fully
// written temp file, so an existing bundle is never replaced: an existing
// bundle with the same output fingerprint makes Store a no-op, a different
// one is a *PoisoningError.
func (s *LocalStore) Store(ctx context.Context, key string, data []byte) error {
	if !validKey(key) {
		return ErrInvalidKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	incoming, err := ReadManifest(data)
	if err != nil {
		return fmt.Errorf("refusing to store unreadable bundle: %w", err)
	}
	if incoming.Key != key {
		return fmt.Errorf("bundle is for key %s, not %s", incoming.Key, key)
	}

	final := s.path(key)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(final), key+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	for attempt := 0; attempt < 2; attempt++ {
		err = os.Link(tmpName, final)
		if err == nil {
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			// filesystems without hard links fall back to rename
			if _, statErr := os.Stat(final); errors.Is(statErr, fs.ErrNotExist) {
				return os.Rename(tmpName, final)
			}
		}

		existing, readErr := os.ReadFile(final)
		if errors.Is(readErr, fs.ErrNotExist) {
			continue
		}
		if readErr != nil {
			return fmt.Errorf("read existing cache bundle: %w", readErr)
		}

		current, mErr := ReadManifest(existing)
		if mErr != nil {
			s.logger.Warn("Replacing corrupt cache bundle", logger.WithField("key", key), logger.WithError(mErr))
			return os.Rename(tmpName, final)
		}
		if current.OutputFingerprint == incoming.OutputFingerprint {
			return nil
		}
		return &PoisoningError{Key: key, Existing: current.OutputFingerprint, Incoming: incoming.OutputFingerprint}
	}
	return err
}

// Remove deletes the bundle for key, if present
func (s *LocalStore) Remove(key string) error {
	if !validKey(key) {
		return ErrInvalidKey
	}
	err := os.Remove(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// CleanupStats reports what Cleanup removed
type CleanupStats struct {
	Removed      int
	RemovedBytes int64
	Kept         int
	KeptBytes    int64
}

type bundleInfo struct {
	path  string
	size  int64
	atime time.Time
}

// Cleanup removes bundles not accessed within maxAge, then the least
// recently accessed ones until the cache is at most maxBytes. Zero disables
// either bound. Stray temp files older than an hour are removed as well.
func (s *LocalStore) Cleanup(ctx context.Context, maxAge time.Duration, maxBytes int64) (CleanupStats, error) {
	var (
		stats   CleanupStats
		bundles []bundleInfo
	)
	now := s.now()

	err := filepath.WalkDir(s.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		name := d.Name()
		if strings.Contains(name, ".tmp.") {
			if now.Sub(info.ModTime()) > time.Hour {
				_ = os.Remove(p)
			}
			return nil
		}
		if filepath.Ext(name) != bundleExt {
			return nil
		}
		bundles = append(bundles, bundleInfo{path: p, size: info.Size(), atime: info.ModTime()})
		return nil
	})
	if err != nil {
		return stats, err
	}

	sort.Slice(bundles, func(i, j int) bool { return bundles[i].atime.Before(bundles[j].atime) })

	var total int64
	for _, b := range bundles {
		total += b.size
	}

	for _, b := range bundles {
		expired := maxAge > 0 && now.Sub(b.atime) > maxAge
		oversize := maxBytes > 0 && total > maxBytes
		if !expired && !oversize {
			stats.Kept++
			stats.KeptBytes += b.size
			continue
		}
		if err := os.Remove(b.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return stats, err
		}
		total -= b.size
		stats.Removed++
		stats.RemovedBytes += b.size
	}
	return stats, nil
}
