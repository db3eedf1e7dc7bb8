// Package mocks provides test doubles for the engine's collaborators.
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/poltergeist/spectre/pkg/history"
	"github.com/poltergeist/spectre/pkg/types"
)

// MockHistoryStore is an in-memory history store with injectable failures
type MockHistoryStore struct {
	*history.MemoryStore

	mu       sync.Mutex
	getError error
	putError error
	puts     map[string]int
}

// NewMockHistoryStore creates an empty mock history store
func NewMockHistoryStore() *MockHistoryStore {
	return &MockHistoryStore{
		MemoryStore: history.NewMemoryStore(),
		puts:        make(map[string]int),
	}
}

// Get returns the injected error if set
func (m *MockHistoryStore) Get(ctx context.Context, unitID string) (*history.Entry, bool, error) {
	m.mu.Lock()
	err := m.getError
	m.mu.Unlock()
	if err != nil {
		return nil, false, err
	}
	return m.MemoryStore.Get(ctx, unitID)
}

// Put records the write and returns the injected error if set
func (m *MockHistoryStore) Put(ctx context.Context, unitID string, entry *history.Entry) error {
	m.mu.Lock()
	err := m.putError
	if err == nil {
		m.puts[unitID]++
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.MemoryStore.Put(ctx, unitID, entry)
}

// SetGetError makes every Get fail
func (m *MockHistoryStore) SetGetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getError = err
}

// SetPutError makes every Put fail
func (m *MockHistoryStore) SetPutError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putError = err
}

// PutCount returns how many successful writes unitID received
func (m *MockHistoryStore) PutCount(unitID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts[unitID]
}

// MockAction counts invocations per unit and fails units on request
type MockAction struct {
	mu      sync.Mutex
	calls   map[string]int
	errs    map[string]error
	delay   time.Duration
	running int
	peak    int
	onRun   func(ctx context.Context, ec *types.ExecContext) error
}

// NewMockAction creates a mock action
func NewMockAction() *MockAction {
	return &MockAction{
		calls: make(map[string]int),
		errs:  make(map[string]error),
	}
}

// Action returns the types.Action backed by this mock
func (m *MockAction) Action() types.Action {
	return m.run
}

func (m *MockAction) run(ctx context.Context, ec *types.ExecContext) error {
	id := ec.Unit.ID

	m.mu.Lock()
	m.calls[id]++
	m.running++
	if m.running > m.peak {
		m.peak = m.running
	}
	err := m.errs[id]
	delay := m.delay
	onRun := m.onRun
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running--
		m.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	if onRun != nil {
		return onRun(ctx, ec)
	}
	return nil
}

// SetError makes the unit's action fail with err
func (m *MockAction) SetError(unitID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[unitID] = err
}

// SetDelay makes every invocation take at least d
func (m *MockAction) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// OnRun installs a hook run after the delay for successful invocations
func (m *MockAction) OnRun(fn func(ctx context.Context, ec *types.ExecContext) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRun = fn
}

// CallCount returns how often unitID ran
func (m *MockAction) CallCount(unitID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[unitID]
}

// PeakConcurrency returns the highest number of overlapping invocations
func (m *MockAction) PeakConcurrency() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

// MockListener records engine events
type MockListener struct {
	mu       sync.Mutex
	started  []string
	outcomes []types.Outcome
	summary  *types.Summary
}

// NewMockListener creates an empty recorder
func NewMockListener() *MockListener {
	return &MockListener{}
}

func (l *MockListener) NodeStarted(_ context.Context, unitID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, unitID)
}

func (l *MockListener) NodeFinished(_ context.Context, outcome types.Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outcomes = append(l.outcomes, outcome)
}

func (l *MockListener) InvocationFinished(_ context.Context, summary types.Summary) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.summary = &summary
}

// Started returns the ids of started nodes in event order
func (l *MockListener) Started() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.started...)
}

// Outcomes returns the finished nodes in event order
func (l *MockListener) Outcomes() []types.Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]types.Outcome(nil), l.outcomes...)
}

// Summary returns the invocation summary, or nil before it finished
func (l *MockListener) Summary() *types.Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.summary
}
