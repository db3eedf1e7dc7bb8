package workspace

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnrecoverableStaleLock is returned when a workspace left behind by a
// crashed holder cannot be reset. It aborts the invocation.
var ErrUnrecoverableStaleLock = errors.New("unrecoverable stale workspace lock")

// LockTimeoutError reports a workspace lock that could not be acquired in time
type LockTimeoutError struct {
	Path    string
	Timeout time.Duration
	// Holder is the last recorded holder, when readable
	Holder *Metadata
}

func (e *LockTimeoutError) Error() string {
	msg := fmt.Sprintf("timed out after %s waiting for workspace lock %s", e.Timeout, e.Path)
	if e.Holder != nil && e.Holder.PID != 0 {
		msg += fmt.Sprintf(" (held by pid %d on %s since %s)",
			e.Holder.PID, e.Holder.Hostname, e.Holder.AcquiredAt.Format(time.RFC3339))
	}
	return msg
}
