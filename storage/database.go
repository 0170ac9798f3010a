package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the app data dir.
	DefaultDBFileName = "history.db"
	// MemoryDSN keeps all history in memory; nothing survives a restart.
	MemoryDSN = "file::memory:?cache=shared"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS transfer_history (
  id                 INTEGER PRIMARY KEY AUTOINCREMENT,
  device_id          TEXT NOT NULL,
  device_name        TEXT NOT NULL,
  filename           TEXT NOT NULL,
  filesize           INTEGER NOT NULL,
  direction          TEXT NOT NULL CHECK(direction IN ('send','receive')),
  status             TEXT NOT NULL CHECK(status IN ('complete','failed','cancelled')),
  error_kind         TEXT NOT NULL DEFAULT '',
  bytes_transferred  INTEGER NOT NULL DEFAULT 0,
  started_at         INTEGER NOT NULL,
  finished_at        INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfer_history_device_time
ON transfer_history (device_id, finished_at DESC, id DESC);
`,
	`
CREATE TABLE IF NOT EXISTS trusted_devices (
  device_id    TEXT PRIMARY KEY,
  device_name  TEXT NOT NULL,
  added_at     INTEGER NOT NULL,
  last_seen_at INTEGER
);
`,
	`
CREATE TABLE IF NOT EXISTS transfer_checkpoints (
  device_id          TEXT NOT NULL,
  filename           TEXT NOT NULL,
  direction          TEXT NOT NULL CHECK(direction IN ('send','receive')),
  filesize           INTEGER NOT NULL,
  bytes_transferred  INTEGER NOT NULL DEFAULT 0,
  part_path          TEXT NOT NULL DEFAULT '',
  updated_at         INTEGER NOT NULL,
  PRIMARY KEY (device_id, filename, direction)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfer_checkpoints_updated_at
ON transfer_checkpoints (updated_at DESC, device_id, filename);
`,
}

// Store is a thin wrapper around a SQLite connection holding transfer
// history, trusted devices, and resumable-transfer checkpoints.
type Store struct {
	db     *sql.DB
	memory bool

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	closeOnce             sync.Once
}

// Open opens (or creates) history.db under the given data directory and runs
// migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	store, err := OpenDSN(dsn)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenDSN opens SQLite at an explicit DSN and runs schema migrations. The
// memory DSN gives a store that forgets everything on Close.
func OpenDSN(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	memory := strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
	if memory {
		// A pooled second connection to an in-memory database would see an
		// empty schema.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                    db,
		memory:                memory,
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
	}
	if !memory {
		if err := store.enableWALMode(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if !memory {
		if err := store.checkpointWAL(); err != nil {
			_ = db.Close()
			return nil, err
		}
		store.startWALCheckpointLoop()
	}

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = s.db.Close()
		s.db = nil
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.checkpointWAL()
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}
