package fingerprint

import "fmt"

// Error reports a declared input or output that could not be read
type Error struct {
	Property string
	Path     string
	Err      error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("fingerprint property %s: %v", e.Property, e.Err)
	}
	return fmt.Sprintf("fingerprint property %s (%s): %v", e.Property, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
