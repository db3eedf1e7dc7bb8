package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/poltergeist/spectre/pkg/logger"
	"github.com/poltergeist/spectre/pkg/utils"

	_ "modernc.org/sqlite"
)

// entrySchemaVersion is stored with each row; rows of other versions are
// treated as corrupt
const entrySchemaVersion = 1

// SQLiteStore keeps history in a WAL-mode SQLite database. Readers never
// block writers, and SQLite's writer lock serializes writers across
// processes sharing the file.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger logger.Logger
	keys   *keyedMutex
	now    func() time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// ScopePath returns the database location for a cache scope
func ScopePath(stateDir, scope string) string {
	return filepath.Join(stateDir, "history", utils.SafeName(scope)+".db")
}

// OpenSQLiteStore opens (creating if needed) the history database at path
func OpenSQLiteStore(ctx context.Context, path string, log logger.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		path:   path,
		logger: log,
		keys:   newKeyedMutex(),
		now:    time.Now,
		closed: make(chan struct{}),
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			unit_id TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL,
			entry TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS executions_updated_at ON executions(updated_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate history database: %w", err)
		}
	}
	return nil
}

// Path returns the database file
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Get returns the entry for unitID. Undecodable rows and read failures are
// logged as *CorruptionError and reported as absent.
func (s *SQLiteStore) Get(ctx context.Context, unitID string) (*Entry, bool, error) {
	if s.isClosed() {
		return nil, false, ErrClosed
	}

	var (
		version int
		raw     string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT schema_version, entry FROM executions WHERE unit_id = ?`, unitID,
	).Scan(&version, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, ctxErr
		}
		s.reportCorrupt(unitID, err)
		return nil, false, nil
	}

	entry, err := decodeEntry(version, raw)
	if err != nil {
		s.reportCorrupt(unitID, err)
		return nil, false, nil
	}
	return entry, true, nil
}

func (s *SQLiteStore) reportCorrupt(unitID string, err error) {
	corrupt := &CorruptionError{UnitID: unitID, Err: err}
	s.logger.WithUnit(unitID).Warn("Ignoring unreadable execution history",
		logger.WithError(corrupt),
		logger.WithField("database", s.path))
}

func decodeEntry(version int, raw string) (*Entry, error) {
	if version != entrySchemaVersion {
		return nil, fmt.Errorf("unsupported schema version %d", version)
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	if entry.InputFingerprint == nil || entry.InputFingerprint.Overall == "" {
		return nil, errors.New("entry has no input fingerprint")
	}
	return &entry, nil
}

// Put replaces the entry for unitID
func (s *SQLiteStore) Put(ctx context.Context, unitID string, entry *Entry) error {
	if s.isClosed() {
		return ErrClosed
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode history entry: %w", err)
	}

	release := s.keys.Lock(unitID)
	defer release()

	_, err = s.db.ExecContext(ctx, `
	INSERT INTO executions (unit_id, schema_version, entry, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(unit_id) DO UPDATE SET
		schema_version = excluded.schema_version,
		entry = excluded.entry,
		updated_at = excluded.updated_at`,
		unitID, entrySchemaVersion, string(raw), s.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("write history for %s: %w", unitID, err)
	}
	return nil
}

// Delete removes the entry for unitID, if any
func (s *SQLiteStore) Delete(ctx context.Context, unitID string) error {
	if s.isClosed() {
		return ErrClosed
	}

	release := s.keys.Lock(unitID)
	defer release()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE unit_id = ?`, unitID); err != nil {
		return fmt.Errorf("delete history for %s: %w", unitID, err)
	}
	return nil
}

// List returns every readable entry, most recently updated first
func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT unit_id, schema_version, entry, updated_at FROM executions ORDER BY updated_at DESC, unit_id`)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var (
			unitID  string
			version int
			raw     string
			updated int64
		)
		if err := rows.Scan(&unitID, &version, &raw, &updated); err != nil {
			return nil, err
		}
		entry, err := decodeEntry(version, raw)
		if err != nil {
			s.reportCorrupt(unitID, err)
			continue
		}
		records = append(records, Record{UnitID: unitID, Entry: entry, UpdatedAt: time.Unix(0, updated)})
	}
	return records, rows.Err()
}

// Evict deletes stale entries and trims the store to maxEntries
func (s *SQLiteStore) Evict(ctx context.Context, olderThan time.Duration, maxEntries int) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}

	var removed int64
	if olderThan > 0 {
		cutoff := s.now().Add(-olderThan).UnixNano()
		res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE updated_at < ?`, cutoff)
		if err != nil {
			return 0, fmt.Errorf("evict history by age: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}

	if maxEntries > 0 {
		res, err := s.db.ExecContext(ctx, `
		DELETE FROM executions WHERE unit_id NOT IN (
			SELECT unit_id FROM executions ORDER BY updated_at DESC, unit_id LIMIT ?
		)`, maxEntries)
		if err != nil {
			return int(removed), fmt.Errorf("evict history by count: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}

	return int(removed), nil
}

// Close releases the database
func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.db.Close()
	})
	return err
}
