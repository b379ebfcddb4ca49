// Package store provides the encrypted relational backbone for parley:
// schema, migrations, transactions, the blob directory, and the typed
// repositories every other subsystem reads and writes through (spec.md §4.A).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hkdb/parley/internal/logging"
	_ "modernc.org/sqlite"
)

// Connection pool constants, carried from the teacher's database package:
// SQLite WAL only supports one writer at a time, so a modest pool avoids
// lock contention rather than chasing it with more connections.
const (
	MaxOpenConns = 8
	MaxIdleConns = 4

	// CheckpointInterval is how often the background checkpoint routine
	// folds the WAL back into the main database file.
	CheckpointInterval = 5 * time.Minute
)

// Failure modes named in spec.md §4.A.
var (
	ErrCorrupt        = errors.New("store: corrupt database")
	ErrWrongPassphrase = errors.New("store: wrong passphrase")
	ErrMigrationFailed = errors.New("store: migration failed")
)

// Store wraps the SQL database connection plus the sealing key used to
// encrypt credential and private-key columns at rest.
type Store struct {
	*sql.DB
	path    string
	blobDir string
	seal    *sealer
}

// Open opens or creates the database at path, applying every pending
// migration and deriving the column-sealing key from passphrase.
//
// A wrong passphrase against an already-initialized store is detected via
// a canary row sealed at creation time and returns ErrWrongPassphrase.
func Open(path string, passphrase string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=cache_size(-64000)",
		path,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	db.SetMaxOpenConns(MaxOpenConns)
	db.SetMaxIdleConns(MaxIdleConns)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: chmod: %w", err)
	}

	blobDir := filepath.Join(dir, "blobs")
	if err := os.MkdirAll(blobDir, 0700); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create blob directory: %w", err)
	}

	s := &Store{DB: db, path: path, blobDir: blobDir}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}

	seal, err := openSealer(db, passphrase)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.seal = seal

	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// BlobDir returns the content-addressed blob directory sibling to the
// database file.
func (s *Store) BlobDir() string { return s.blobDir }

// Close closes the database connection.
func (s *Store) Close() error { return s.DB.Close() }

// WithTx runs fn inside a transaction, committing on success and rolling
// back on any error or panic. Every write spanning more than one row goes
// through this (spec.md §4.A: "all writes that span more than one row use
// a transaction").
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// Checkpoint runs a passive WAL checkpoint, merging the write-ahead log
// back into the main database file without blocking writers.
func (s *Store) Checkpoint() error {
	_, err := s.Exec("PRAGMA wal_checkpoint(PASSIVE)")
	if err != nil {
		return fmt.Errorf("store: checkpoint: %w", err)
	}
	return nil
}

// StartCheckpointRoutine runs periodic WAL checkpoints until ctx is done.
func (s *Store) StartCheckpointRoutine(ctx context.Context) {
	log := logging.WithComponent("store")
	ticker := time.NewTicker(CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Checkpoint(); err != nil {
				log.Error().Err(err).Msg("periodic WAL checkpoint failed")
			}
		case <-ctx.Done():
			return
		}
	}
}
