package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Defaults supplies values for settings that were never written
type Defaults struct {
	Autosync        bool
	IntervalMinutes uint32
}

// Store provides SQLite backed settings and sync journal
type Store struct {
	db       *sql.DB
	defaults Defaults
}

// New opens the database at dbPath and creates the schema.
// Use ":memory:" for in-memory databases (useful for testing).
func New(dbPath string, defaults Defaults) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only allows one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db, defaults: defaults}
	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) createSchema() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}
