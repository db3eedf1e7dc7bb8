// Package watch re-runs work when watched files change
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/poltergeist/spectre/pkg/logger"
	"github.com/poltergeist/spectre/pkg/utils"
)

// Options configures a Watcher
type Options struct {
	// Paths restricts triggers to these project-relative files or
	// directories; empty means everything below the root
	Paths []string
	// Exclude lists glob patterns that never trigger or get watched
	Exclude []string
	// Debounce is the quiet period after the last event before a trigger
	Debounce time.Duration
}

// Handler is called with the sorted, project-relative paths that changed
// since the previous call. Calls never overlap.
type Handler func(ctx context.Context, changed []string)

// Watcher watches a project tree with fsnotify
type Watcher struct {
	root     string
	paths    []string
	exclude  *utils.GlobMatcher
	debounce time.Duration
	logger   logger.Logger
	fsw      *fsnotify.Watcher
}

// New creates a watcher for root. Close it when done.
func New(root string, opts Options, log logger.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve watch root: %w", err)
	}
	exclude, err := utils.NewGlobMatcher(opts.Exclude)
	if err != nil {
		return nil, fmt.Errorf("invalid exclusion pattern: %w", err)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 300 * time.Millisecond
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		root:     abs,
		exclude:  exclude,
		debounce: opts.Debounce,
		logger:   log,
		fsw:      fsw,
	}
	for _, p := range opts.Paths {
		w.paths = append(w.paths, utils.NormalizePattern(filepath.ToSlash(p)))
	}

	if err := w.addDirectory(abs); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", abs, err)
	}
	return w, nil
}

// Close stops watching
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// addDirectory watches dir and every non-excluded directory below it
func (w *Watcher) addDirectory(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.exclude.Match(w.rel(path)) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Warn("Failed to watch directory", logger.WithField("dir", path), logger.WithError(err))
		}
		return nil
	})
}

func (w *Watcher) rel(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// relevant reports whether rel is excluded or outside the watched paths
func (w *Watcher) relevant(rel string) bool {
	if rel == "." || strings.HasPrefix(rel, "../") || w.exclude.Match(rel) {
		return false
	}
	if len(w.paths) == 0 {
		return true
	}
	for _, p := range w.paths {
		if rel == p || strings.HasPrefix(rel, p+"/") {
			return true
		}
	}
	return false
}

// Run delivers debounced changes to handle until ctx is done. A change
// arriving while handle runs is delivered once it returns.
func (w *Watcher) Run(ctx context.Context, handle Handler) error {
	pending := make(map[string]bool)
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	var (
		running bool
		fire    bool
		done    = make(chan struct{}, 1)
	)

	dispatch := func() {
		changed := make([]string, 0, len(pending))
		for p := range pending {
			changed = append(changed, p)
		}
		sort.Strings(changed)
		pending = make(map[string]bool)
		running = true

		go func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("Watch handler panic recovered", logger.WithField("panic", r))
				}
				done <- struct{}{}
			}()
			handle(ctx, changed)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			if running {
				<-done
			}
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create == fsnotify.Create {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !w.exclude.Match(w.rel(event.Name)) {
					_ = w.addDirectory(event.Name)
				}
			}
			rel := w.rel(event.Name)
			if !w.relevant(rel) {
				continue
			}
			w.logger.Debug("File event", logger.WithField("event", event.String()))
			pending[rel] = true
			timer.Reset(w.debounce)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("File watcher error", logger.WithError(err))

		case <-timer.C:
			if running {
				fire = true
				continue
			}
			if len(pending) > 0 {
				dispatch()
			}

		case <-done:
			running = false
			if fire {
				fire = false
				if len(pending) > 0 {
					dispatch()
				}
			}
		}
	}
}
