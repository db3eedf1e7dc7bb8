// Package history persists the last successful execution of every unit of
// work, keyed by unit identity.
package history

import (
	"context"
	"time"

	"github.com/poltergeist/spectre/pkg/fingerprint"
	"github.com/poltergeist/spectre/pkg/types"
)

// Entry records the last successful execution or cache materialization of
// a unit
type Entry struct {
	InputFingerprint  *fingerprint.Fingerprint `json:"inputFingerprint"`
	OutputFingerprint string                   `json:"outputFingerprint"`
	OutputFileHashes  map[string]string        `json:"outputFileHashes"`
	OriginTimestamp   time.Time                `json:"originTimestamp"`
	OriginIdentity    string                   `json:"originIdentity"`
	OriginDuration    time.Duration            `json:"originDuration"`
	CacheKey          string                   `json:"cacheKey,omitempty"`
}

// Origin returns the provenance recorded in the entry
func (e *Entry) Origin() *types.Origin {
	return &types.Origin{
		Identity:  e.OriginIdentity,
		Timestamp: e.OriginTimestamp,
		Duration:  e.OriginDuration,
	}
}

func (e *Entry) clone() *Entry {
	c := *e
	if e.InputFingerprint != nil {
		fp := *e.InputFingerprint
		fp.Properties = append([]fingerprint.PropertyHash(nil), e.InputFingerprint.Properties...)
		c.InputFingerprint = &fp
	}
	if e.OutputFileHashes != nil {
		c.OutputFileHashes = make(map[string]string, len(e.OutputFileHashes))
		for k, v := range e.OutputFileHashes {
			c.OutputFileHashes[k] = v
		}
	}
	return &c
}

// Record is one listed history row
type Record struct {
	UnitID    string
	Entry     *Entry
	UpdatedAt time.Time
}

// Store is the execution history of one cache scope. Get reports unreadable
// entries as absent.
type Store interface {
	Get(ctx context.Context, unitID string) (*Entry, bool, error)
	Put(ctx context.Context, unitID string, entry *Entry) error
	Delete(ctx context.Context, unitID string) error
	List(ctx context.Context) ([]Record, error)
	// Evict removes entries not updated within olderThan and then keeps only
	// the maxEntries most recently updated. Zero disables either bound.
	Evict(ctx context.Context, olderThan time.Duration, maxEntries int) (int, error)
	Close() error
}
