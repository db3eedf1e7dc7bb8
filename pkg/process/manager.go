// Package process ties command lifetimes to OS signals
package process

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/poltergeist/spectre/pkg/logger"
)

// ExitCodeInterrupted is used when a second signal forces the process out
const ExitCodeInterrupted = 130

// Manager handles process lifecycle and signals. The first signal cancels
// the context returned by Start and runs the shutdown handlers; a second
// one exits immediately.
type Manager struct {
	logger           logger.Logger
	shutdownHandlers []func()
	signals          []os.Signal
	exit             func(code int)

	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	shutdown bool
	stop     chan struct{}
	sigChan  chan os.Signal
}

// NewManager creates a new process manager
func NewManager(log logger.Logger) *Manager {
	return &Manager{
		logger:  log,
		signals: []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP},
		exit:    os.Exit,
	}
}

// RegisterShutdownHandler adds a shutdown handler. Handlers run once, in
// reverse registration order.
func (m *Manager) RegisterShutdownHandler(handler func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.shutdownHandlers = append(m.shutdownHandlers, handler)
}

// Start begins watching for signals and returns a context that is cancelled
// by the first one. Calling Start on a running manager returns ctx as is.
func (m *Manager) Start(ctx context.Context) context.Context {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ctx
	}
	m.running = true
	m.stop = make(chan struct{})
	m.sigChan = make(chan os.Signal, 2)
	m.mu.Unlock()

	signal.Notify(m.sigChan, m.signals...)

	runCtx, cancel := context.WithCancel(ctx)
	stop, sigChan := m.stop, m.sigChan

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer signal.Stop(sigChan)
		defer cancel()

		select {
		case <-stop:
			return
		case <-ctx.Done():
			m.handleShutdown()
			return
		case sig := <-sigChan:
			m.logger.Info("Received signal, shutting down", logger.WithField("signal", sig))
			cancel()
			m.handleShutdown()
		}

		select {
		case <-stop:
		case sig := <-sigChan:
			m.logger.Warn("Received second signal, exiting now", logger.WithField("signal", sig))
			m.exit(ExitCodeInterrupted)
		}
	}()

	return runCtx
}

// Stop stops watching for signals without running the shutdown handlers
// again
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	m.mu.Unlock()

	m.wg.Wait()
}

// IsRunning checks if the process manager is running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) handleShutdown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	handlers := make([]func(), len(m.shutdownHandlers))
	copy(handlers, m.shutdownHandlers)
	m.mu.Unlock()

	m.logger.Info("Initiating graceful shutdown...")
	for i := len(handlers) - 1; i >= 0; i-- {
		handlers[i]()
	}
}
