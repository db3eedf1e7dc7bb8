package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Metadata is written into a lock file by its exclusive holder
type Metadata struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	Invocation string    `json:"invocation"`
	AcquiredAt time.Time `json:"acquiredAt"`
	Released   bool      `json:"released"`
}

// lock is a held advisory lock on a workspace's sibling lock file.
// Release must be called exactly once.
type lock struct {
	fl        *flock.Flock
	path      string
	exclusive bool
}

func (p *Provider) acquire(ctx context.Context, path string, exclusive bool) (*lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	fl := flock.New(path)
	lockCtx := ctx
	if p.opts.LockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, p.opts.LockTimeout)
		defer cancel()
	}

	var (
		ok  bool
		err error
	)
	if exclusive {
		ok, err = fl.TryLockContext(lockCtx, p.opts.PollInterval)
	} else {
		ok, err = fl.TryRLockContext(lockCtx, p.opts.PollInterval)
	}
	if ok {
		return &lock{fl: fl, path: path, exclusive: exclusive}, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	holder, _ := readMetadata(path)
	return nil, &LockTimeoutError{Path: path, Timeout: p.opts.LockTimeout, Holder: holder}
}

func (l *lock) release() error {
	return l.fl.Unlock()
}

// readMetadata returns nil for a lock file that was never written
func readMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && len(data) == 0) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode lock metadata: %w", err)
	}
	return &m, nil
}

// writeMetadata rewrites the lock file in place. Replacing the file would
// give it a new inode and detach it from the lock.
func writeMetadata(path string, m *Metadata) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// crashed reports whether the previous exclusive holder never released the
// lock. Unreadable metadata counts as a crash mid-write.
func crashed(m *Metadata, readErr error) bool {
	if readErr != nil {
		return true
	}
	return m != nil && !m.Released
}
