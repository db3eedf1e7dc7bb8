// Package workspace hands out the directories units of work execute in,
// guarded by advisory file locks shared with other engine processes.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/gofrs/flock"

	scontext "github.com/poltergeist/spectre/pkg/context"
	"github.com/poltergeist/spectre/pkg/history"
	"github.com/poltergeist/spectre/pkg/logger"
	"github.com/poltergeist/spectre/pkg/utils"
)

const (
	mutableDir   = "mutable"
	immutableDir = "immutable"
	lockExt      = ".lock"

	// completeMarker is written last into a populated immutable workspace
	completeMarker = ".spectre-complete"
)

// Workspace is a locked directory handed to a callback
type Workspace struct {
	// ID is the unit identity or, for immutable workspaces, the cache key
	ID        string
	Dir       string
	Immutable bool
	// Recovered is set when the previous holder crashed while holding the lock
	Recovered bool
}

// Options tunes lock acquisition
type Options struct {
	// LockTimeout bounds the wait for a lock; zero waits until ctx is done
	LockTimeout time.Duration
	// PollInterval is the retry delay while a lock is contended
	PollInterval time.Duration
}

// Provider hands out workspaces below <stateDir>/workspaces
type Provider struct {
	root     string
	history  history.Store
	logger   logger.Logger
	opts     Options
	hostname string
	pid      int
	now      func() time.Time
}

// NewProvider creates a provider. The history store is passed through to
// workspace callbacks.
func NewProvider(stateDir string, store history.Store, log logger.Logger, opts Options) (*Provider, error) {
	root := filepath.Join(stateDir, "workspaces")
	for _, dir := range []string{filepath.Join(root, mutableDir), filepath.Join(root, immutableDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace root: %w", err)
		}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 50 * time.Millisecond
	}

	hostname, _ := os.Hostname()
	return &Provider{
		root:     root,
		history:  store,
		logger:   log,
		opts:     opts,
		hostname: hostname,
		pid:      os.Getpid(),
		now:      time.Now,
	}, nil
}

// Root returns the directory holding all workspaces
func (p *Provider) Root() string {
	return p.root
}

func (p *Provider) metadata(ctx context.Context) *Metadata {
	invocation, _ := scontext.InvocationID(ctx)
	return &Metadata{
		PID:        p.pid,
		Hostname:   p.hostname,
		Invocation: invocation,
		AcquiredAt: p.now(),
	}
}

func (p *Provider) warnCrashed(ws *Workspace, lockPath string, prev *Metadata, readErr error) {
	fields := []logger.Field{
		logger.WithField("workspace", ws.ID),
		logger.WithField("lock", lockPath),
	}
	if prev != nil {
		fields = append(fields,
			logger.WithField("pid", prev.PID),
			logger.WithField("host", prev.Hostname),
			logger.WithField("invocation", prev.Invocation),
			logger.WithField("since", prev.AcquiredAt.Format(time.RFC3339)))
	}
	if readErr != nil {
		fields = append(fields, logger.WithError(readErr))
	}
	p.logger.Warn("Previous workspace holder did not release its lock, recovering", fields...)
}

// run invokes fn, converting a panic into an error
func (p *Provider) run(ws *Workspace, fn func(*Workspace, history.Store) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Panic in workspace callback",
				logger.WithField("workspace", ws.ID),
				logger.WithField("panic", r),
				logger.WithField("stack_trace", string(debug.Stack())))
			err = fmt.Errorf("panic in workspace %s: %v", ws.ID, r)
		}
	}()
	return fn(ws, p.history)
}

// WithWorkspace runs fn holding the exclusive lock of the mutable workspace
// for id. A workspace left behind by a crashed holder is reused as is.
func (p *Provider) WithWorkspace(ctx context.Context, id string, fn func(*Workspace, history.Store) error) (err error) {
	dir := filepath.Join(p.root, mutableDir, utils.SafeName(id))
	lockPath := dir + lockExt

	l, err := p.acquire(ctx, lockPath, true)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := l.release(); relErr != nil && err == nil {
			err = fmt.Errorf("release workspace lock: %w", relErr)
		}
	}()

	ws := &Workspace{ID: id, Dir: dir}

	prev, readErr := readMetadata(lockPath)
	if crashed(prev, readErr) {
		ws.Recovered = true
		p.warnCrashed(ws, lockPath, prev, readErr)
	}

	meta := p.metadata(ctx)
	if err := writeMetadata(lockPath, meta); err != nil {
		if ws.Recovered {
			return fmt.Errorf("%w: %s: %v", ErrUnrecoverableStaleLock, lockPath, err)
		}
		return fmt.Errorf("write lock metadata: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		if ws.Recovered {
			return fmt.Errorf("%w: %s: %v", ErrUnrecoverableStaleLock, dir, err)
		}
		return fmt.Errorf("create workspace: %w", err)
	}

	defer func() {
		meta.Released = true
		if werr := writeMetadata(lockPath, meta); werr != nil {
			p.logger.Warn("Failed to mark workspace lock released",
				logger.WithField("lock", lockPath), logger.WithError(werr))
		}
	}()

	return p.run(ws, fn)
}

// WithImmutableWorkspace runs fn holding a shared lock on the workspace for
// key. The first caller to find it incomplete takes the exclusive lock and
// runs populate; everyone else reads the completed directory.
func (p *Provider) WithImmutableWorkspace(
	ctx context.Context,
	key string,
	populate func(dir string) error,
	fn func(*Workspace, history.Store) error,
) error {
	dir := filepath.Join(p.root, immutableDir, utils.SafeName(key))
	lockPath := dir + lockExt
	ws := &Workspace{ID: key, Dir: dir, Immutable: true}

	for attempt := 0; attempt < 3; attempt++ {
		shared, err := p.acquire(ctx, lockPath, false)
		if err != nil {
			return err
		}
		if isComplete(dir) {
			return p.useShared(ws, lockPath, shared, fn)
		}
		if err := shared.release(); err != nil {
			return fmt.Errorf("release workspace lock: %w", err)
		}

		if err := p.populateExclusive(ctx, ws, lockPath, populate); err != nil {
			return err
		}
		// re-enter as a reader; Cleanup may have raced us in between
	}
	return fmt.Errorf("immutable workspace %s kept disappearing after population", key)
}

func (p *Provider) useShared(ws *Workspace, lockPath string, l *lock, fn func(*Workspace, history.Store) error) (err error) {
	defer func() {
		if relErr := l.release(); relErr != nil && err == nil {
			err = fmt.Errorf("release workspace lock: %w", relErr)
		}
	}()

	now := p.now()
	if terr := os.Chtimes(lockPath, now, now); terr != nil {
		p.logger.Debug("Failed to record workspace access", logger.WithField("lock", lockPath), logger.WithError(terr))
	}
	return p.run(ws, fn)
}

func (p *Provider) populateExclusive(ctx context.Context, ws *Workspace, lockPath string, populate func(dir string) error) (err error) {
	l, err := p.acquire(ctx, lockPath, true)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := l.release(); relErr != nil && err == nil {
			err = fmt.Errorf("release workspace lock: %w", relErr)
		}
	}()

	if isComplete(ws.Dir) {
		return nil
	}

	prev, readErr := readMetadata(lockPath)
	if crashed(prev, readErr) {
		ws.Recovered = true
		p.warnCrashed(ws, lockPath, prev, readErr)
	}
	// anything here is a partial population
	if err := os.RemoveAll(ws.Dir); err != nil {
		if ws.Recovered {
			return fmt.Errorf("%w: %s: %v", ErrUnrecoverableStaleLock, ws.Dir, err)
		}
		return fmt.Errorf("reset workspace: %w", err)
	}

	meta := p.metadata(ctx)
	if err := writeMetadata(lockPath, meta); err != nil {
		return fmt.Errorf("write lock metadata: %w", err)
	}
	if err := os.MkdirAll(ws.Dir, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	popErr := p.run(ws, func(w *Workspace, _ history.Store) error { return populate(w.Dir) })
	if popErr == nil {
		popErr = utils.WriteFileAtomic(filepath.Join(ws.Dir, completeMarker), []byte(meta.Invocation), 0o644)
	}
	if popErr != nil {
		_ = os.RemoveAll(ws.Dir)
	}

	meta.Released = true
	if werr := writeMetadata(lockPath, meta); werr != nil && popErr == nil {
		popErr = fmt.Errorf("write lock metadata: %w", werr)
	}
	return popErr
}

func isComplete(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, completeMarker))
	return err == nil
}

// CleanupStats reports what Cleanup did
type CleanupStats struct {
	Removed      int
	RemovedBytes int64
	Kept         int
	KeptBytes    int64
	// Busy counts expired workspaces skipped because they were in use
	Busy int
}

// Cleanup removes immutable workspaces not used within maxAge. Workspaces
// that are locked by anyone are skipped. Lock files stay in place so that
// waiting processes keep locking the same file.
func (p *Provider) Cleanup(ctx context.Context, maxAge time.Duration) (CleanupStats, error) {
	var stats CleanupStats
	base := filepath.Join(p.root, immutableDir)

	entries, err := os.ReadDir(base)
	if errors.Is(err, fs.ErrNotExist) {
		return stats, nil
	}
	if err != nil {
		return stats, err
	}

	now := p.now()
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if !e.IsDir() {
			continue
		}

		dir := filepath.Join(base, e.Name())
		lockPath := dir + lockExt
		lastUsed := lastAccess(dir, lockPath)
		if now.Sub(lastUsed) <= maxAge {
			stats.Kept++
			stats.KeptBytes += p.size(dir)
			continue
		}

		fl := flock.New(lockPath)
		ok, err := fl.TryLock()
		if err != nil {
			return stats, fmt.Errorf("lock %s: %w", lockPath, err)
		}
		if !ok {
			stats.Busy++
			continue
		}
		size := p.size(dir)
		rmErr := os.RemoveAll(dir)
		_ = fl.Unlock()
		if rmErr != nil {
			return stats, rmErr
		}
		stats.Removed++
		stats.RemovedBytes += size
		p.logger.Debug("Removed unused immutable workspace", logger.WithField("workspace", e.Name()))
	}
	return stats, nil
}

// size is best effort; it only feeds the cleanup report
func (p *Provider) size(dir string) int64 {
	n, err := utils.DirectorySize(dir)
	if err != nil {
		p.logger.Debug("Failed to measure workspace", logger.WithField("dir", dir), logger.WithError(err))
	}
	return n
}

func lastAccess(dir, lockPath string) time.Time {
	if info, err := os.Stat(lockPath); err == nil {
		return info.ModTime()
	}
	if info, err := os.Stat(dir); err == nil {
		return info.ModTime()
	}
	return time.Time{}
}
