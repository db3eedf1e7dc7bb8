package history

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store used by tests and --no-history runs
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryRecord
	now     func() time.Time
	closed  bool
}

type memoryRecord struct {
	entry   *Entry
	updated time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryRecord), now: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, unitID string) (*Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	rec, ok := m.entries[unitID]
	if !ok {
		return nil, false, nil
	}
	return rec.entry.clone(), true, nil
}

func (m *MemoryStore) Put(_ context.Context, unitID string, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.entries[unitID] = memoryRecord{entry: entry.clone(), updated: m.now()}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, unitID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.entries, unitID)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.sortedLocked(), nil
}

func (m *MemoryStore) sortedLocked() []Record {
	records := make([]Record, 0, len(m.entries))
	for id, rec := range m.entries {
		records = append(records, Record{UnitID: id, Entry: rec.entry.clone(), UpdatedAt: rec.updated})
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].UpdatedAt.Equal(records[j].UpdatedAt) {
			return records[i].UpdatedAt.After(records[j].UpdatedAt)
		}
		return records[i].UnitID < records[j].UnitID
	})
	return records
}

func (m *MemoryStore) Evict(_ context.Context, olderThan time.Duration, maxEntries int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	removed := 0
	if olderThan > 0 {
		cutoff := m.now().Add(-olderThan)
		for id, rec := range m.entries {
			if rec.updated.Before(cutoff) {
				delete(m.entries, id)
				removed++
			}
		}
	}
	if maxEntries > 0 && len(m.entries) > maxEntries {
		for _, rec := range m.sortedLocked()[maxEntries:] {
			delete(m.entries, rec.UnitID)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
