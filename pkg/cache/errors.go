package cache

import (
	"errors"
	"fmt"
)

// ErrInvalidKey is returned for keys that are not lowercase hex digests
var ErrInvalidKey = errors.New("invalid cache key")

// PoisoningError reports a store for a key that already maps to different
// outputs. The existing entry is kept.
type PoisoningError struct {
	Key      string
	Existing string
	Incoming string
}

func (e *PoisoningError) Error() string {
	return fmt.Sprintf("cache poisoning for key %s: stored output fingerprint %s, new %s",
		e.Key, e.Existing, e.Incoming)
}

// CorruptError reports a bundle that cannot be decoded or whose content does
// not match its manifest
type CorruptError struct {
	Key string
	Err error
}

func (e *CorruptError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("corrupt cache bundle: %v", e.Err)
	}
	return fmt.Sprintf("corrupt cache bundle %s: %v", e.Key, e.Err)
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}
