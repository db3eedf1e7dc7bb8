package history_test

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poltergeist/spectre/pkg/fingerprint"
	"github.com/poltergeist/spectre/pkg/history"
	"github.com/poltergeist/spectre/pkg/logger"
)

func sampleEntry(overall string) *history.Entry {
	return &history.Entry{
		InputFingerprint: &fingerprint.Fingerprint{
			Properties: []fingerprint.PropertyHash{{Name: "src", Hash: "h-" + overall}},
			Overall:    overall,
		},
		OutputFingerprint: "out-" + overall,
		OutputFileHashes:  map[string]string{"out/Main.o": "file-" + overall},
		OriginTimestamp:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		OriginIdentity:    "inv_test",
		OriginDuration:    1500 * time.Millisecond,
		CacheKey:          "key-" + overall,
	}
}

type storeFactory func(t *testing.T) history.Store

func stores() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) history.Store {
			return history.NewMemoryStore()
		},
		"sqlite": func(t *testing.T) history.Store {
			path := history.ScopePath(t.TempDir(), "project")
			s, err := history.OpenSQLiteStore(context.Background(), path, logger.NewNopLogger())
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestStore_PutGet(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			_, ok, err := s.Get(ctx, "compile")
			require.NoError(t, err)
			assert.False(t, ok)

			want := sampleEntry("A")
			require.NoError(t, s.Put(ctx, "compile", want))

			got, ok, err := s.Get(ctx, "compile")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, want.InputFingerprint, got.InputFingerprint)
			assert.Equal(t, want.OutputFileHashes, got.OutputFileHashes)
			assert.Equal(t, want.OutputFingerprint, got.OutputFingerprint)
			assert.True(t, want.OriginTimestamp.Equal(got.OriginTimestamp))
			assert.Equal(t, want.OriginIdentity, got.Origin().Identity)
			assert.Equal(t, want.OriginDuration, got.OriginDuration)
			assert.Equal(t, want.CacheKey, got.CacheKey)

			require.NoError(t, s.Put(ctx, "compile", sampleEntry("B")))
			got, ok, err = s.Get(ctx, "compile")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "B", got.InputFingerprint.Overall)

			require.NoError(t, s.Delete(ctx, "compile"))
			_, ok, err = s.Get(ctx, "compile")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_GetReturnsCopy(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()
			require.NoError(t, s.Put(ctx, "u", sampleEntry("A")))

			got, _, err := s.Get(ctx, "u")
			require.NoError(t, err)
			got.OutputFileHashes["out/Main.o"] = "tampered"

			again, _, err := s.Get(ctx, "u")
			require.NoError(t, err)
			assert.Equal(t, "file-A", again.OutputFileHashes["out/Main.o"])
		})
	}
}

func TestStore_ListAndEvict(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			for i := 0; i < 5; i++ {
				require.NoError(t, s.Put(ctx, fmt.Sprintf("unit-%d", i), sampleEntry(fmt.Sprint(i))))
				time.Sleep(2 * time.Millisecond)
			}

			records, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, records, 5)
			assert.Equal(t, "unit-4", records[0].UnitID, "most recent first")

			removed, err := s.Evict(ctx, 0, 3)
			require.NoError(t, err)
			assert.Equal(t, 2, removed)

			records, err = s.List(ctx)
			require.NoError(t, err)
			ids := make([]string, 0, len(records))
			for _, r := range records {
				ids = append(ids, r.UnitID)
			}
			assert.Equal(t, []string{"unit-4", "unit-3", "unit-2"}, ids)

			time.Sleep(20 * time.Millisecond)
			removed, err = s.Evict(ctx, 10*time.Millisecond, 0)
			require.NoError(t, err)
			assert.Equal(t, 3, removed)

			records, err = s.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, records)
		})
	}
}

func TestStore_ConcurrentWriters(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			var wg sync.WaitGroup
			errs := make(chan error, 40)
			for i := 0; i < 8; i++ {
				for j := 0; j < 5; j++ {
					wg.Add(1)
					go func(i, j int) {
						defer wg.Done()
						errs <- s.Put(ctx, fmt.Sprintf("unit-%d", i), sampleEntry(fmt.Sprintf("%d-%d", i, j)))
					}(i, j)
				}
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			records, err := s.List(ctx)
			require.NoError(t, err)
			assert.Len(t, records, 8)
		})
	}
}

func TestStore_Closed(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			require.NoError(t, s.Close())

			_, _, err := s.Get(context.Background(), "u")
			assert.ErrorIs(t, err, history.ErrClosed)
			assert.ErrorIs(t, s.Put(context.Background(), "u", sampleEntry("A")), history.ErrClosed)
		})
	}
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	s, err := history.OpenSQLiteStore(ctx, path, logger.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "compile", sampleEntry("A")))
	require.NoError(t, s.Close())

	reopened, err := history.OpenSQLiteStore(ctx, path, logger.NewNopLogger())
	require.NoError(t, err)
	defer reopened.Close()

	got, ok, err := reopened.Get(ctx, "compile")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A", got.InputFingerprint.Overall)
}

func TestSQLiteStore_CorruptEntryIsTreatedAsMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	var logs bytes.Buffer
	s, err := history.OpenSQLiteStore(ctx, path, logger.CreateLoggerWithOutput("warn", &logs))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(ctx, "garbled", sampleEntry("A")))
	require.NoError(t, s.Put(ctx, "future", sampleEntry("B")))
	require.NoError(t, s.Put(ctx, "healthy", sampleEntry("C")))

	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.ExecContext(ctx, `UPDATE executions SET entry = '{"inputFingerprint": [' WHERE unit_id = 'garbled'`)
	require.NoError(t, err)
	_, err = raw.ExecContext(ctx, `UPDATE executions SET schema_version = 99 WHERE unit_id = 'future'`)
	require.NoError(t, err)

	for _, id := range []string{"garbled", "future"} {
		entry, ok, err := s.Get(ctx, id)
		require.NoError(t, err, id)
		assert.False(t, ok, id)
		assert.Nil(t, entry, id)
	}
	assert.Contains(t, logs.String(), "corrupt history entry for garbled")
	assert.Contains(t, logs.String(), "unsupported schema version 99")

	records, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "healthy", records[0].UnitID)

	// a fresh write repairs the row
	require.NoError(t, s.Put(ctx, "garbled", sampleEntry("D")))
	_, ok, err := s.Get(ctx, "garbled")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestScopePath(t *testing.T) {
	assert.Equal(t, filepath.Join("/state", "history", "default.db"), history.ScopePath("/state", "default"))
	assert.NotContains(t, filepath.Base(history.ScopePath("/state", "a/b")), "/")
}
