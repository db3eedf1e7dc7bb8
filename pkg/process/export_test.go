package process

import "os"

// Deliver injects sig as if the OS had sent it
func (m *Manager) Deliver(sig os.Signal) {
	m.sigChan <- sig
}

// SetExit replaces os.Exit
func (m *Manager) SetExit(fn func(code int)) {
	m.exit = fn
}
