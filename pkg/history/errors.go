package history

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by a store after Close
var ErrClosed = errors.New("history store closed")

// CorruptionError describes a history entry that could not be decoded. The
// entry is treated as absent.
type CorruptionError struct {
	UnitID string
	Err    error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupt history entry for %s: %v", e.UnitID, e.Err)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}
